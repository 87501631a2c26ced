package scanning

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
	"google.golang.org/api/option"

	"github.com/zombor/invoice-bridge/internal/upstream"
)

func geminiBody(text string) map[string]any {
	return map[string]any{
		"candidates": []map[string]any{
			{"content": map[string]any{
				"role":  "model",
				"parts": []map[string]any{{"text": text}},
			}},
		},
	}
}

var _ = Describe("Gemini", func() {
	var (
		server    *ghttp.Server
		extractor *Gemini
		doc       Document
		result    *Invoice
		err       error
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		doc = Document{
			Image:    []byte("fakeimage"),
			MimeType: "image/png",
			Text:     "Total: 250.00\nInvoice Date: 2024-01-15",
		}

		var newErr error
		extractor, newErr = NewGemini(ctx(), "test-key", "gemini-test", option.WithEndpoint(server.URL()))
		Expect(newErr).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		Expect(extractor.Close()).To(Succeed())
		server.Close()
	})

	JustBeforeEach(func() {
		result, err = extractor.Extract(ctx(), doc)
	})

	When("the model answers with a conforming object", func() {
		var captured string

		BeforeEach(func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, HaveSuffix("gemini-test:generateContent")),
				func(w http.ResponseWriter, r *http.Request) {
					body, readErr := io.ReadAll(r.Body)
					Expect(readErr).NotTo(HaveOccurred())
					captured = string(body)
				},
				ghttp.RespondWithJSONEncoded(http.StatusOK, geminiBody("```json\n"+exactInvoice+"\n```")),
			))
		})

		It("should not return an error", func() {
			Expect(err).NotTo(HaveOccurred())
		})

		It("should return the object unmodified", func() {
			out, marshalErr := json.Marshal(result)
			Expect(marshalErr).NotTo(HaveOccurred())
			Expect(out).To(MatchJSON(exactInvoice))
		})

		It("should send the OCR text and the image", func() {
			Expect(captured).To(ContainSubstring("Total: 250.00"))
			Expect(captured).To(ContainSubstring(base64.StdEncoding.EncodeToString(doc.Image)))
		})

		It("should ask for deterministic output", func() {
			var req map[string]any
			Expect(json.Unmarshal([]byte(captured), &req)).To(Succeed())
			Expect(req).To(HaveKey("generationConfig"))
			Expect(req["generationConfig"]).To(HaveKeyWithValue("temperature", BeNumerically("==", 0)))
		})
	})

	When("the API rejects the request", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusBadRequest,
				`{"error":{"code":400,"message":"API key not valid","status":"INVALID_ARGUMENT"}}`,
				http.Header{"Content-Type": []string{"application/json"}}))
		})

		It("should return an UpstreamRejected error with the status and body", func() {
			Expect(errors.Is(err, upstream.ErrRejected)).To(BeTrue())
			var uerr *upstream.Error
			Expect(errors.As(err, &uerr)).To(BeTrue())
			Expect(uerr.Status).To(Equal(http.StatusBadRequest))
			Expect(uerr.Body).To(ContainSubstring("API key not valid"))
			Expect(result).To(BeNil())
		})
	})

	When("the model answers with prose", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusOK, geminiBody("I could not read this invoice.")))
		})

		It("should return a MalformedResponse error", func() {
			Expect(errors.Is(err, upstream.ErrMalformed)).To(BeTrue())
			Expect(result).To(BeNil())
		})
	})

	When("the API is unreachable", func() {
		BeforeEach(func() {
			server.Close()
		})

		It("should return an UpstreamUnavailable error", func() {
			Expect(errors.Is(err, upstream.ErrUnavailable)).To(BeTrue())
			Expect(result).To(BeNil())
		})
	})
})
