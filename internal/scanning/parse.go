package scanning

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// stripCodeFence removes markdown code blocks and any chatter around the JSON object
func stripCodeFence(text string) (string, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	text = strings.TrimSpace(text)

	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return "", errors.New("no JSON object found in response")
	}
	endIdx := strings.LastIndex(text, "}")
	if endIdx < startIdx {
		return "", errors.New("invalid JSON object in response")
	}
	return text[startIdx : endIdx+1], nil
}

// parseInvoiceJSON decodes model output into an Invoice after checking it
// against schema, the required top-level keys and the date format.
func parseInvoiceJSON(text string, schema *jsonschema.Schema) (*Invoice, error) {
	text, err := stripCodeFence(text)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}

	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("validating against schema: %w", err)
	}

	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, errors.New("response is not a JSON object")
	}
	for _, key := range requiredKeys {
		if _, ok := obj[key]; !ok {
			return nil, fmt.Errorf("missing required key %q", key)
		}
	}

	var inv Invoice
	if err := json.NewDecoder(bytes.NewReader([]byte(text))).Decode(&inv); err != nil {
		return nil, fmt.Errorf("decoding invoice: %w", err)
	}

	for name, date := range map[string]*string{"invoice_date": inv.InvoiceDate, "due_date": inv.DueDate} {
		if date == nil {
			continue
		}
		if _, err := time.Parse(time.DateOnly, *date); err != nil {
			return nil, fmt.Errorf("%s %q is not YYYY-MM-DD", name, *date)
		}
	}

	if inv.Items == nil {
		inv.Items = []Item{}
	}

	return &inv, nil
}
