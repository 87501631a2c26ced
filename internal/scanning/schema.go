package scanning

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const schemaResource = "invoice.json"

// requiredKeys must be present at the top level of every extraction result
var requiredKeys = []string{"invoice_number", "items", "totals"}

// InvoiceSchema returns the JSON schema the model output must conform to.
// A fresh map is returned on every call so callers may embed it freely.
func InvoiceSchema() map[string]any {
	nullable := func(t string) map[string]any {
		return map[string]any{"type": []string{t, "null"}}
	}

	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"invoice_number": nullable("string"),
			"invoice_date":   nullable("string"),
			"due_date":       nullable("string"),
			"vendor": map[string]any{
				"type":                 []string{"object", "null"},
				"additionalProperties": false,
				"properties": map[string]any{
					"name":    nullable("string"),
					"address": nullable("string"),
					"vat_id":  nullable("string"),
				},
			},
			"totals": map[string]any{
				"type":                 []string{"object", "null"},
				"additionalProperties": false,
				"properties": map[string]any{
					"subtotal": nullable("number"),
					"tax":      nullable("number"),
					"total":    nullable("number"),
					"currency": nullable("string"),
				},
			},
			"items": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":                 "object",
					"additionalProperties": false,
					"properties": map[string]any{
						"description": nullable("string"),
						"quantity":    nullable("number"),
						"unit_price":  nullable("number"),
						"amount":      map[string]any{"type": "number"},
					},
					"required": []string{"description", "amount"},
				},
			},
		},
		"required": requiredKeys,
	}
}

// compileSchema compiles a schema map for local validation
func compileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	b, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshaling schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaResource, bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("adding schema resource: %w", err)
	}
	compiled, err := compiler.Compile(schemaResource)
	if err != nil {
		return nil, fmt.Errorf("compiling schema: %w", err)
	}
	return compiled, nil
}
