package scanning

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// invoiceSchemaURL is the resource name the schema is compiled under
const invoiceSchemaURL = "invoice.json"

// invoiceSchema is the contract every model reply must satisfy.
// All keys are required; null is the "not found" marker.
var invoiceSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"seller":     map[string]any{"type": []string{"string", "null"}},
		"issue_date": map[string]any{"type": []string{"string", "null"}},
		"gross_amount": map[string]any{
			"oneOf": []any{
				map[string]any{"type": "number"},
				map[string]any{"type": "null"},
				map[string]any{"type": "string", "pattern": `^\s*(-?\d+(\.\d+)?)?\s*$`},
			},
		},
	},
	"required": []string{"seller", "issue_date", "gross_amount"},
}

var compiledInvoiceSchema = mustCompileSchema(invoiceSchema)

func mustCompileSchema(schemaMap map[string]any) *jsonschema.Schema {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		panic(fmt.Sprintf("marshal invoice schema: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(invoiceSchemaURL, strings.NewReader(string(b))); err != nil {
		panic(fmt.Sprintf("add invoice schema: %v", err))
	}
	return compiler.MustCompile(invoiceSchemaURL)
}

// validateInvoiceJSON checks a reply document against the invoice schema
func validateInvoiceJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshaling json: %w", err)
	}
	if err := compiledInvoiceSchema.Validate(v); err != nil {
		return fmt.Errorf("json does not match schema: %w", err)
	}
	return nil
}
