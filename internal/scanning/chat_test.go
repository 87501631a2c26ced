package scanning

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/invoice-bridge/internal/upstream"
)

const exactInvoice = `{"invoice_number":"INV-1","invoice_date":"2024-01-15","due_date":null,"vendor":null,"totals":{"subtotal":200,"tax":50,"total":250,"currency":"EUR"},"items":[]}`

func chatBody(content string) map[string]any {
	return map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": content}},
		},
	}
}

var _ = Describe("ChatCompletions", func() {
	var (
		server    *ghttp.Server
		baseURL   string
		extractor *ChatCompletions
		apiKey    string
		doc       Document
		result    *Invoice
		err       error
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		baseURL = server.URL()
		apiKey = ""
		doc = Document{
			Image:    []byte("fake-png"),
			MimeType: "image/png",
			Text:     "Total: 250.00\nInvoice Date: 2024-01-15",
		}
	})

	AfterEach(func() {
		server.Close()
	})

	JustBeforeEach(func() {
		var newErr error
		extractor, newErr = NewChatCompletions(baseURL, "", apiKey)
		Expect(newErr).NotTo(HaveOccurred())
		result, err = extractor.Extract(ctx(), doc)
	})

	When("the model answers with a conforming object", func() {
		var captured map[string]any

		BeforeEach(func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, "/v1/chat/completions"),
				ghttp.VerifyContentType("application/json"),
				func(w http.ResponseWriter, r *http.Request) {
					body, readErr := io.ReadAll(r.Body)
					Expect(readErr).NotTo(HaveOccurred())
					Expect(json.Unmarshal(body, &captured)).To(Succeed())
					Expect(r.Header.Get("Authorization")).To(BeEmpty())
				},
				ghttp.RespondWithJSONEncoded(http.StatusOK, chatBody(exactInvoice)),
			))
		})

		It("should not return an error", func() {
			Expect(err).NotTo(HaveOccurred())
		})

		It("should return the object unmodified", func() {
			b, marshalErr := json.Marshal(result)
			Expect(marshalErr).NotTo(HaveOccurred())
			Expect(b).To(MatchJSON(exactInvoice))
		})

		It("should send a deterministic schema-constrained request", func() {
			Expect(captured["model"]).To(Equal("local"))
			Expect(captured["temperature"]).To(BeNumerically("==", 0))
			format := captured["response_format"].(map[string]any)
			Expect(format["type"]).To(Equal("json_schema"))
			schema := format["schema"].(map[string]any)
			Expect(schema["additionalProperties"]).To(BeFalse())
			Expect(schema["required"]).To(ConsistOf("invoice_number", "items", "totals"))
		})

		It("should send the OCR text and the image as a data URL", func() {
			messages := captured["messages"].([]any)
			Expect(messages).To(HaveLen(2))
			Expect(messages[0].(map[string]any)["role"]).To(Equal("system"))

			user := messages[1].(map[string]any)
			parts := user["content"].([]any)
			Expect(parts).To(HaveLen(2))
			Expect(parts[0].(map[string]any)["text"]).To(ContainSubstring("Total: 250.00"))
			Expect(parts[0].(map[string]any)["text"]).To(ContainSubstring("YYYY-MM-DD"))
			image := parts[1].(map[string]any)["image_url"].(map[string]any)
			Expect(image["url"]).To(Equal("data:image/png;base64,ZmFrZS1wbmc="))
		})
	})

	When("the model answers with nulls for every optional field", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusOK,
				chatBody(`{"invoice_number":null,"totals":null,"items":[]}`)))
		})

		It("should keep the required keys present", func() {
			Expect(err).NotTo(HaveOccurred())
			b, marshalErr := json.Marshal(result)
			Expect(marshalErr).NotTo(HaveOccurred())

			var decoded map[string]any
			Expect(json.Unmarshal(b, &decoded)).To(Succeed())
			Expect(decoded).To(HaveKey("invoice_number"))
			Expect(decoded).To(HaveKey("totals"))
			Expect(decoded).To(HaveKeyWithValue("items", BeEmpty()))
		})
	})

	When("an api key is configured", func() {
		BeforeEach(func() {
			apiKey = "secret"
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyHeaderKV("Authorization", "Bearer secret"),
				ghttp.RespondWithJSONEncoded(http.StatusOK, chatBody(exactInvoice)),
			))
		})

		It("should send it as a bearer token", func() {
			Expect(err).NotTo(HaveOccurred())
		})
	})

	When("the inference server rejects the request", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusServiceUnavailable, `{"error":"loading model"}`))
		})

		It("should return an UpstreamRejected error with the status and body", func() {
			Expect(errors.Is(err, upstream.ErrRejected)).To(BeTrue())
			var uerr *upstream.Error
			Expect(errors.As(err, &uerr)).To(BeTrue())
			Expect(uerr.Status).To(Equal(http.StatusServiceUnavailable))
			Expect(uerr.Body).To(Equal(`{"error":"loading model"}`))
			Expect(result).To(BeNil())
		})
	})

	When("the response envelope is not JSON", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusOK, "<html>proxy error</html>"))
		})

		It("should return a MalformedResponse error", func() {
			Expect(errors.Is(err, upstream.ErrMalformed)).To(BeTrue())
		})
	})

	When("the envelope has no choices", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]any{"choices": []any{}}))
		})

		It("should return a MalformedResponse error", func() {
			Expect(errors.Is(err, upstream.ErrMalformed)).To(BeTrue())
		})
	})

	When("the embedded content is not valid JSON", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusOK, chatBody(`{"invoice_number": "INV-1",`)))
		})

		It("should return a MalformedResponse error", func() {
			Expect(errors.Is(err, upstream.ErrMalformed)).To(BeTrue())
			Expect(result).To(BeNil())
		})
	})

	When("the embedded content violates the schema", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusOK, chatBody(`{"invoice_number": 12, "totals": null, "items": []}`)))
		})

		It("should return a MalformedResponse error", func() {
			Expect(errors.Is(err, upstream.ErrMalformed)).To(BeTrue())
		})
	})

	When("the inference server is unreachable", func() {
		BeforeEach(func() {
			server.Close()
		})

		It("should return an UpstreamUnavailable error", func() {
			Expect(errors.Is(err, upstream.ErrUnavailable)).To(BeTrue())
		})
	})
})
