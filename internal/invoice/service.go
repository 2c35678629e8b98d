package invoice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/invoice-ledger/internal/scanning"
)

// ErrRowNotFound is returned when a review row does not exist in the session
var ErrRowNotFound = errors.New("row not found")

// IDGenerator generates unique IDs for sessions and records
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time and blocking pauses
type TimeSource interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type defaultIDGenerator struct{}

func (g *defaultIDGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

func (t *defaultTimeSource) Sleep(d time.Duration) {
	time.Sleep(d)
}

// Options configures a Service
type Options struct {
	// APIKey is the configured credential; sessions may supply their own when empty
	APIKey string
	// Throttle is the pause between two items of a batch
	Throttle time.Duration
}

// Service runs extraction batches, edits review buffers and commits them to the ledger
type Service struct {
	sessions    SessionStore
	ledger      Ledger
	storage     Storage
	provider    scanning.Provider
	opts        Options
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewService creates a new Service with default ID generator and time source
func NewService(sessions SessionStore, ledger Ledger, storage Storage, provider scanning.Provider, opts Options) *Service {
	return NewServiceWithDeps(sessions, ledger, storage, provider, opts, &defaultIDGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(sessions SessionStore, ledger Ledger, storage Storage, provider scanning.Provider, opts Options, idGen IDGenerator, timeSrc TimeSource) *Service {
	return &Service{
		sessions:    sessions,
		ledger:      ledger,
		storage:     storage,
		provider:    provider,
		opts:        opts,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

var (
	reFilenameSpecial = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	reFilenameSpaces  = regexp.MustCompile(`\s+`)
)

// sanitizeFilename cleans up a filename by removing special characters and truncating length
func sanitizeFilename(filename string) string {
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filepath.Base(filename), ext)

	base = reFilenameSpecial.ReplaceAllString(base, "")
	base = reFilenameSpaces.ReplaceAllString(base, " ")
	base = strings.TrimSpace(base)

	if len(base) > 50 {
		base = base[:50]
	}
	if base == "" {
		base = "invoice"
	}
	if ext != "" {
		ext = "." + reFilenameSpecial.ReplaceAllString(ext[1:], "")
	}
	return base + ext
}

// NewSession starts an empty review session
func (s *Service) NewSession() (*Session, error) {
	now := s.timeSource.Now()
	session := &Session{
		ID:        s.idGenerator.Generate(),
		Rows:      []Record{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.sessions.SaveSession(session); err != nil {
		return nil, fmt.Errorf("saving session: %w", err)
	}
	return session, nil
}

// GetSession retrieves a session by ID
func (s *Service) GetSession(id string) (*Session, error) {
	session, err := s.sessions.GetSession(id)
	if err != nil {
		return nil, fmt.Errorf("getting session: %w", err)
	}
	if session.Rows == nil {
		session.Rows = []Record{}
	}
	return session, nil
}

// HasCredential reports whether a batch could run for the session
func (s *Service) HasCredential(session *Session) bool {
	return s.opts.APIKey != "" || session.APIKey != ""
}

// SetAPIKey stores a credential entered by the user for this session only
func (s *Service) SetAPIKey(id, apiKey string) error {
	session, err := s.GetSession(id)
	if err != nil {
		return err
	}
	session.APIKey = strings.TrimSpace(apiKey)
	return s.saveSession(session)
}

func (s *Service) saveSession(session *Session) error {
	session.UpdatedAt = s.timeSource.Now()
	if err := s.sessions.SaveSession(session); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

// scannerFor binds the provider to the configured key, falling back to the session key
func (s *Service) scannerFor(session *Session) (scanning.Scanner, error) {
	apiKey := s.opts.APIKey
	if apiKey == "" {
		apiKey = session.APIKey
	}
	scanner, err := s.provider.Scanner(apiKey)
	if err != nil {
		return nil, fmt.Errorf("creating scanner: %w", err)
	}
	return scanner, nil
}

// RunBatch processes artifacts one at a time and replaces the session's review buffer with the result.
// Unreadable artifacts are reported as notices and skipped; failed extractions become placeholder rows.
// Only a missing credential or an unknown session stops the batch, before any item is processed.
func (s *Service) RunBatch(sessionID string, artifacts []Artifact, progress ProgressFunc) (*BatchResult, error) {
	session, err := s.GetSession(sessionID)
	if err != nil {
		return nil, err
	}

	scanner, err := s.scannerFor(session)
	if err != nil {
		return nil, err
	}
	defer scanner.Close()

	result := &BatchResult{
		Rows:    make([]Record, 0, len(artifacts)),
		Notices: []Notice{},
	}

	for i, artifact := range artifacts {
		if i > 0 && s.opts.Throttle > 0 {
			s.timeSource.Sleep(s.opts.Throttle)
		}

		state, message := s.processArtifact(scanner, artifact, result)

		if progress != nil {
			progress(Progress{
				Done:     i + 1,
				Total:    len(artifacts),
				Fraction: float64(i+1) / float64(len(artifacts)),
				Filename: artifact.Filename,
				State:    state,
				Message:  message,
			})
		}
	}

	previous := session.Rows
	session.Rows = result.Rows
	s.releaseFiles(previous, session.Rows)
	if err := s.saveSession(session); err != nil {
		return nil, err
	}

	slog.Info("Batch completed",
		"session", sessionID,
		"artifacts", len(artifacts),
		"rows", len(result.Rows),
		"notices", len(result.Notices),
	)
	return result, nil
}

// processArtifact normalizes and extracts one artifact, appending its row or notice to result
func (s *Service) processArtifact(scanner scanning.Scanner, artifact Artifact, result *BatchResult) (ItemState, string) {
	img, err := scanning.Normalize(artifact.Data, artifact.ContentType)
	if err != nil {
		slog.Warn("Skipping unreadable file",
			"filename", artifact.Filename,
			"content_type", artifact.ContentType,
			"file_size", len(artifact.Data),
			"error", err,
		)
		notice := Notice{Filename: artifact.Filename, Message: err.Error()}
		result.Notices = append(result.Notices, notice)
		return StateSkipped, notice.Message
	}

	record := s.extractRecord(scanner, artifact.Filename, img)
	record.ContentType = artifact.ContentType
	record.StoredFile = s.storeOriginal(record.ID, artifact)
	result.Rows = append(result.Rows, record)

	return StateRecorded, record.Error
}

// extractRecord never fails: scanner errors become a placeholder record
func (s *Service) extractRecord(scanner scanning.Scanner, filename string, img *scanning.Image) Record {
	id := s.idGenerator.Generate()

	data, err := scanner.ScanInvoice(img)
	if err == nil && data == nil {
		err = fmt.Errorf("%w: empty result", scanning.ErrService)
	}
	if err != nil {
		slog.Error("Failed to scan invoice", "filename", filename, "error", err)
		return Record{
			ID:             id,
			SourceFilename: filename,
			Seller:         stringPtr(PlaceholderSeller),
			GrossAmount:    0,
			Error:          err.Error(),
		}
	}

	if len(data.Missing) > 0 {
		slog.Info("Invoice fields not found", "filename", filename, "fields", data.Missing)
	}

	return Record{
		ID:             id,
		SourceFilename: filename,
		Seller:         data.Seller,
		IssueDate:      data.IssueDate,
		GrossAmount:    data.GrossAmount,
	}
}

// storeOriginal keeps the upload for preview; failures only cost the preview
func (s *Service) storeOriginal(id string, artifact Artifact) string {
	name, err := s.storage.Save(fmt.Sprintf("%s_%s", id, sanitizeFilename(artifact.Filename)), artifact.Data)
	if err != nil {
		slog.Warn("Failed to store original", "filename", artifact.Filename, "error", err)
		return ""
	}
	return name
}

// releaseFiles deletes stored originals of rows that are no longer in the buffer
func (s *Service) releaseFiles(previous, current []Record) {
	kept := make(map[string]bool, len(current))
	for _, r := range current {
		if r.StoredFile != "" {
			kept[r.StoredFile] = true
		}
	}
	for _, r := range previous {
		if r.StoredFile == "" || kept[r.StoredFile] {
			continue
		}
		if err := s.storage.Delete(r.StoredFile); err != nil {
			slog.Warn("Failed to delete file", "filename", r.StoredFile, "error", err)
		}
	}
}

// ReplaceRows replaces the whole review buffer with the edited table.
// Rows without an ID are new; preview files are kept for rows whose ID survives.
func (s *Service) ReplaceRows(sessionID string, rows []Record) ([]Record, error) {
	session, err := s.GetSession(sessionID)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]Record, len(session.Rows))
	for _, r := range session.Rows {
		byID[r.ID] = r
	}

	updated := make([]Record, 0, len(rows))
	for _, r := range rows {
		if old, ok := byID[r.ID]; ok && r.ID != "" {
			r.StoredFile = old.StoredFile
			r.ContentType = old.ContentType
		} else {
			r.ID = s.idGenerator.Generate()
			r.StoredFile = ""
			r.ContentType = ""
		}
		r.AddedAt = time.Time{}
		blankToNil(&r)
		updated = append(updated, r)
	}

	previous := session.Rows
	session.Rows = updated
	s.releaseFiles(previous, updated)
	if err := s.saveSession(session); err != nil {
		return nil, err
	}
	return updated, nil
}

// blankToNil stores empty seller and date cells as "not found", the way the ledger reads them back
func blankToNil(r *Record) {
	if r.Seller != nil && strings.TrimSpace(*r.Seller) == "" {
		r.Seller = nil
	}
	if r.IssueDate != nil && strings.TrimSpace(*r.IssueDate) == "" {
		r.IssueDate = nil
	}
}

// InsertRow appends a row to the review buffer
func (s *Service) InsertRow(sessionID string, row Record) (*Record, error) {
	session, err := s.GetSession(sessionID)
	if err != nil {
		return nil, err
	}

	row.ID = s.idGenerator.Generate()
	row.StoredFile = ""
	row.ContentType = ""
	row.AddedAt = time.Time{}
	blankToNil(&row)
	session.Rows = append(session.Rows, row)

	if err := s.saveSession(session); err != nil {
		return nil, err
	}
	return &row, nil
}

// UpdateRow replaces the editable fields of one row
func (s *Service) UpdateRow(sessionID, rowID string, row Record) (*Record, error) {
	session, err := s.GetSession(sessionID)
	if err != nil {
		return nil, err
	}

	for i := range session.Rows {
		if session.Rows[i].ID != rowID {
			continue
		}
		current := &session.Rows[i]
		current.SourceFilename = row.SourceFilename
		current.Seller = row.Seller
		current.IssueDate = row.IssueDate
		current.GrossAmount = row.GrossAmount
		current.Error = row.Error
		blankToNil(current)
		updated := *current

		if err := s.saveSession(session); err != nil {
			return nil, err
		}
		return &updated, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrRowNotFound, rowID)
}

// DeleteRow removes one row from the review buffer
func (s *Service) DeleteRow(sessionID, rowID string) error {
	session, err := s.GetSession(sessionID)
	if err != nil {
		return err
	}

	previous := session.Rows
	rows := make([]Record, 0, len(previous))
	for _, r := range previous {
		if r.ID != rowID {
			rows = append(rows, r)
		}
	}
	if len(rows) == len(previous) {
		return fmt.Errorf("%w: %s", ErrRowNotFound, rowID)
	}

	session.Rows = rows
	s.releaseFiles(previous, rows)
	return s.saveSession(session)
}

// GetRowFile returns the uploaded original of a review row
func (s *Service) GetRowFile(sessionID, rowID string) ([]byte, string, error) {
	session, err := s.GetSession(sessionID)
	if err != nil {
		return nil, "", err
	}

	for _, r := range session.Rows {
		if r.ID != rowID {
			continue
		}
		if r.StoredFile == "" {
			return nil, "", fmt.Errorf("%w: %s has no stored file", ErrRowNotFound, rowID)
		}
		data, err := s.storage.Get(r.StoredFile)
		if err != nil {
			return nil, "", fmt.Errorf("getting row file: %w", err)
		}
		return data, r.ContentType, nil
	}
	return nil, "", fmt.Errorf("%w: %s", ErrRowNotFound, rowID)
}

// Commit appends the session's review buffer to the ledger and clears the buffer.
// The buffer is cleared before the ledger write so committed rows can never be committed twice;
// on a ledger write failure it is restored for a retry.
func (s *Service) Commit(sessionID string) (int, error) {
	session, err := s.GetSession(sessionID)
	if err != nil {
		return 0, err
	}
	if len(session.Rows) == 0 {
		return 0, nil
	}

	rows := session.Rows
	session.Rows = []Record{}
	if err := s.saveSession(session); err != nil {
		return 0, fmt.Errorf("clearing review buffer: %w", err)
	}

	n, err := s.ledger.Append(rows, s.timeSource.Now())
	if err != nil {
		slog.Error("Failed to commit review buffer", "session", sessionID, "rows", len(rows), "error", err)
		session.Rows = rows
		if restoreErr := s.saveSession(session); restoreErr != nil {
			slog.Error("Failed to restore review buffer", "session", sessionID, "error", restoreErr)
			return 0, fmt.Errorf("committing rows: %w (restoring buffer: %w)", err, restoreErr)
		}
		return 0, fmt.Errorf("committing rows: %w", err)
	}

	s.releaseFiles(rows, session.Rows)

	slog.Info("Committed rows to ledger", "session", sessionID, "rows", n)
	return n, nil
}

// ListLedger returns the committed records, newest first
func (s *Service) ListLedger() ([]Record, error) {
	records, err := s.ledger.List()
	if err != nil {
		return nil, fmt.Errorf("listing ledger: %w", err)
	}
	return records, nil
}

// ExportLedger renders the ledger as a csv or xlsx download
func (s *Service) ExportLedger(format string) (*Export, error) {
	records, err := s.ledger.Read()
	if err != nil {
		return nil, fmt.Errorf("reading ledger: %w", err)
	}

	switch strings.ToLower(format) {
	case "", FormatCSV:
		return exportCSV(records)
	case FormatXLSX:
		return exportXLSX(records)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

// ListModels reports the models the configured provider can use
func (s *Service) ListModels(ctx context.Context, sessionID string) ([]string, error) {
	session := &Session{}
	if sessionID != "" {
		var err error
		if session, err = s.GetSession(sessionID); err != nil {
			return nil, err
		}
	}

	scanner, err := s.scannerFor(session)
	if err != nil {
		return nil, err
	}
	defer scanner.Close()

	lister, ok := scanner.(scanning.ModelLister)
	if !ok {
		return nil, fmt.Errorf("scanner cannot list models")
	}
	models, err := lister.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing models: %w", err)
	}
	return models, nil
}
