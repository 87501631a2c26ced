package scanning

import (
	"encoding/json"
	"fmt"
	"strings"
)

// extractionSystemPrompt is shared by all extraction backends
const extractionSystemPrompt = "You extract invoice fields from documents. Return ONLY JSON that is valid against the provided schema. Use null for any field that is missing or unreadable. Never guess or invent values. Base every value on the OCR text and the image."

// extractionUserPrompt builds the user turn around the condensed OCR text
func extractionUserPrompt(ocrText string) string {
	var b strings.Builder
	b.WriteString("OCR_TEXT:\n")
	b.WriteString(ocrText)
	b.WriteString("\n\nRules:\n")
	b.WriteString("- totals must be consistent (subtotal + tax = total)\n")
	b.WriteString("- dates must be YYYY-MM-DD or null\n")
	b.WriteString("- do not add extra keys\n")
	return b.String()
}

// schemaPrompt renders the schema for backends without a structured output mode
func schemaPrompt(schema map[string]any) (string, error) {
	b, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling schema: %w", err)
	}
	return "Respond with a single JSON object matching this JSON schema. Do not use markdown code blocks.\n" + string(b), nil
}
