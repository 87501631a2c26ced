package scanning

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/zombor/invoice-bridge/internal/upstream"
)

const geminiOp = "gemini generate content"

// Gemini implements the Extractor interface using Google Gemini
type Gemini struct {
	client       *genai.Client
	model        *genai.GenerativeModel
	validator    *jsonschema.Schema
	schemaPrompt string
}

// NewGemini creates a new Gemini Extractor instance. Extra client options
// are passed through to the genai client, e.g. option.WithEndpoint.
func NewGemini(ctx context.Context, apiKey string, modelName string, opts ...option.ClientOption) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-2.5-pro"
	}

	schema := InvoiceSchema()
	validator, err := compileSchema(schema)
	if err != nil {
		return nil, err
	}
	prompt, err := schemaPrompt(schema)
	if err != nil {
		return nil, err
	}

	client, err := genai.NewClient(ctx, append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	model.SetTemperature(0)

	return &Gemini{
		client:       client,
		model:        model,
		validator:    validator,
		schemaPrompt: prompt,
	}, nil
}

// Extract sends the condensed OCR text and the document image to Gemini
func (g *Gemini) Extract(ctx context.Context, doc Document) (*Invoice, error) {
	// genai.ImageData expects just the format suffix (e.g., "png"), not the full MIME type
	format := strings.TrimPrefix(strings.ToLower(doc.MimeType), "image/")
	if format == "" {
		format = "png"
	}

	parts := []genai.Part{
		genai.Text(extractionSystemPrompt),
		genai.ImageData(format, doc.Image),
		genai.Text(extractionUserPrompt(doc.Text)),
		genai.Text(g.schemaPrompt),
	}

	resp, err := g.model.GenerateContent(ctx, parts...)
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) {
			return nil, upstream.Rejected(geminiOp, apiErr.Code, apiErr.Body)
		}
		return nil, upstream.Unavailable(geminiOp, err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, upstream.Malformed(geminiOp, errors.New("no response from gemini"))
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			responseText.WriteString(string(text))
		}
	}

	inv, err := parseInvoiceJSON(responseText.String(), g.validator)
	if err != nil {
		return nil, upstream.Malformed(geminiOp, err)
	}
	return inv, nil
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	return g.client.Close()
}
