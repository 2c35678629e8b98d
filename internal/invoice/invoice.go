package invoice

import "time"

// PlaceholderSeller marks a record whose extraction failed
const PlaceholderSeller = "[extraction failed]"

// Record is one extracted invoice row
type Record struct {
	ID             string    `json:"id"`
	SourceFilename string    `json:"source_filename"`
	Seller         *string   `json:"seller"`
	IssueDate      *string   `json:"issue_date"` // free-form, intended YYYY-MM-DD
	GrossAmount    float64   `json:"gross_amount"`
	AddedAt        time.Time `json:"added_at"` // zero until committed to the ledger

	// Review-only fields, never written to the ledger
	Error       string `json:"error,omitempty"`
	StoredFile  string `json:"stored_file,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// Session holds the review buffer of one user session
type Session struct {
	ID        string    `json:"id"`
	APIKey    string    `json:"api_key,omitempty"` // entered interactively when none is configured
	Rows      []Record  `json:"rows"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Artifact is an uploaded file waiting to be processed
type Artifact struct {
	Filename    string
	ContentType string
	Data        []byte
}

// ItemState is the processing state of one artifact in a batch
type ItemState string

const (
	StatePending     ItemState = "pending"
	StateNormalizing ItemState = "normalizing"
	StateExtracting  ItemState = "extracting"
	StateRecorded    ItemState = "recorded"
	StateSkipped     ItemState = "skipped"
)

// Progress is reported after each artifact completes
type Progress struct {
	Done     int       `json:"done"`
	Total    int       `json:"total"`
	Fraction float64   `json:"fraction"`
	Filename string    `json:"filename"`
	State    ItemState `json:"state"`
	Message  string    `json:"message,omitempty"`
}

// ProgressFunc receives batch progress
type ProgressFunc func(Progress)

// Notice reports an artifact that contributed no record
type Notice struct {
	Filename string `json:"filename"`
	Message  string `json:"message"`
}

// BatchResult is the outcome of one batch run
type BatchResult struct {
	Rows    []Record `json:"rows"`
	Notices []Notice `json:"notices"`
}

func stringPtr(s string) *string {
	return &s
}
