package scanning

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// invoiceReply mirrors the schema; the amount is kept raw so it can be parsed exactly
type invoiceReply struct {
	Seller      *string         `json:"seller"`
	IssueDate   *string         `json:"issue_date"`
	GrossAmount json.RawMessage `json:"gross_amount"`
}

// stripCodeFences removes markdown code fences around a model reply
func stripCodeFences(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```JSON")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}

// parseInvoiceJSON parses and validates the text reply of a model.
// Every failure wraps ErrParse.
func parseInvoiceJSON(text string) (*InvoiceData, error) {
	text = stripCodeFences(text)

	// Find the JSON object boundaries - look for first { and last }
	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return nil, fmt.Errorf("%w: no JSON object found in response", ErrParse)
	}
	endIdx := strings.LastIndex(text, "}")
	if endIdx < startIdx {
		return nil, fmt.Errorf("%w: invalid JSON object in response", ErrParse)
	}
	raw := []byte(text[startIdx : endIdx+1])

	if err := validateInvoiceJSON(raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}

	var reply invoiceReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("%w: unmarshaling json: %w", ErrParse, err)
	}

	data := &InvoiceData{}
	data.Seller = cleanField(reply.Seller)
	if data.Seller == nil {
		data.Missing = append(data.Missing, "seller")
	}
	data.IssueDate = cleanField(reply.IssueDate)
	if data.IssueDate == nil {
		data.Missing = append(data.Missing, "issue_date")
	}

	amount, found, err := coerceAmount(reply.GrossAmount)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}
	if !found {
		data.Missing = append(data.Missing, "gross_amount")
	}
	data.GrossAmount = amount

	return data, nil
}

// cleanField trims a string field, mapping blanks to nil
func cleanField(v *string) *string {
	if v == nil {
		return nil
	}
	s := strings.TrimSpace(*v)
	if s == "" {
		return nil
	}
	return &s
}

// coerceAmount parses the amount with '.' as the decimal separator.
// Absent, null and empty values are 0.0 and reported as not found.
func coerceAmount(raw json.RawMessage) (float64, bool, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false, nil
	}

	text := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return 0, false, fmt.Errorf("decoding amount: %w", err)
		}
		text = strings.TrimSpace(text)
		if text == "" {
			return 0, false, nil
		}
	}

	d, err := decimal.NewFromString(text)
	if err != nil {
		return 0, false, fmt.Errorf("parsing amount %q: %w", text, err)
	}
	return d.InexactFloat64(), true, nil
}
