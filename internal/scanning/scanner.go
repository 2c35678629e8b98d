package scanning

import (
	"context"
	"errors"
)

var (
	// ErrAuthenticationMissing is returned when no credential is available for a provider that needs one
	ErrAuthenticationMissing = errors.New("authentication missing")
	// ErrUnreadableArtifact is returned when an upload cannot be turned into an image
	ErrUnreadableArtifact = errors.New("unreadable artifact")
	// ErrService is returned when the model call itself fails
	ErrService = errors.New("extraction service error")
	// ErrParse is returned when the model reply is not a valid invoice object
	ErrParse = errors.New("extraction reply parse error")
)

// InvoiceData contains extracted information from an invoice
type InvoiceData struct {
	Seller      *string `json:"seller"`
	IssueDate   *string `json:"issue_date"` // intended YYYY-MM-DD, not validated
	GrossAmount float64 `json:"gross_amount"`
	// Missing lists the fields the model reported as not found
	Missing []string `json:"missing,omitempty"`
}

// Scanner defines the interface for invoice extraction
type Scanner interface {
	// ScanInvoice sends a normalized image to the model and parses its reply
	ScanInvoice(img *Image) (*InvoiceData, error)
	// Close closes the scanner and releases resources
	Close() error
}

// ModelLister is implemented by scanners that can report the models available to them
type ModelLister interface {
	ListModels(ctx context.Context) ([]string, error)
}

// Provider creates scanners bound to a credential
type Provider interface {
	Scanner(apiKey string) (Scanner, error)
}
