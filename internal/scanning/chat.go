package scanning

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/zombor/invoice-bridge/internal/upstream"
)

const (
	chatOp           = "chat completion"
	maxResponseBytes = 8 << 20
)

// ChatCompletions implements the Extractor interface against an
// OpenAI-compatible /v1/chat/completions endpoint such as llama-server
type ChatCompletions struct {
	baseURL   string
	model     string
	apiKey    string
	schema    map[string]any
	validator *jsonschema.Schema
	client    *http.Client
}

// NewChatCompletions creates a new ChatCompletions Extractor instance.
// apiKey is optional; when set it is sent as a bearer token.
func NewChatCompletions(baseURL, modelName, apiKey string) (*ChatCompletions, error) {
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if modelName == "" {
		modelName = "local"
	}

	schema := InvoiceSchema()
	validator, err := compileSchema(schema)
	if err != nil {
		return nil, err
	}

	return &ChatCompletions{
		baseURL:   strings.TrimRight(baseURL, "/"),
		model:     modelName,
		apiKey:    apiKey,
		schema:    schema,
		validator: validator,
		client: &http.Client{
			Timeout: 120 * time.Second, // local vision models are slow on large scans
		},
	}, nil
}

type chatRequest struct {
	Model          string             `json:"model"`
	Temperature    float64            `json:"temperature"`
	ResponseFormat chatResponseFormat `json:"response_format"`
	Messages       []chatMessage      `json:"messages"`
}

type chatResponseFormat struct {
	Type   string         `json:"type"`
	Schema map[string]any `json:"schema"`
}

// chatMessage content is either a string or a list of chatContentPart
type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *chatImageURL `json:"image_url,omitempty"`
}

type chatImageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content *string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Extract sends the condensed OCR text and the document image to the model
// and validates the structured answer
func (c *ChatCompletions) Extract(ctx context.Context, doc Document) (*Invoice, error) {
	reqBody := chatRequest{
		Model:       c.model,
		Temperature: 0,
		ResponseFormat: chatResponseFormat{
			Type:   "json_schema",
			Schema: c.schema,
		},
		Messages: []chatMessage{
			{
				Role:    "system",
				Content: extractionSystemPrompt,
			},
			{
				Role: "user",
				Content: []chatContentPart{
					{Type: "text", Text: extractionUserPrompt(doc.Text)},
					{Type: "image_url", ImageURL: &chatImageURL{URL: dataURL(doc.Image, doc.MimeType)}},
				},
			},
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/chat/completions", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, upstream.Unavailable(chatOp, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, upstream.Unavailable(chatOp, fmt.Errorf("reading response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, upstream.Rejected(chatOp, resp.StatusCode, string(body))
	}

	var chatResp chatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, upstream.Malformed(chatOp, fmt.Errorf("decoding response envelope: %w", err))
	}
	if len(chatResp.Choices) == 0 || chatResp.Choices[0].Message.Content == nil {
		return nil, upstream.Malformed(chatOp, errors.New("response has no message content"))
	}

	inv, err := parseInvoiceJSON(*chatResp.Choices[0].Message.Content, c.validator)
	if err != nil {
		return nil, upstream.Malformed(chatOp, err)
	}
	return inv, nil
}

// Close closes the ChatCompletions client (no-op for HTTP client)
func (c *ChatCompletions) Close() error {
	return nil
}

// dataURL embeds data as a base64 data URL
func dataURL(data []byte, mimeType string) string {
	if mimeType == "" {
		mimeType = "image/png"
	}
	return fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(data))
}
