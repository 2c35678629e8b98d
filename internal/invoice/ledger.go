package invoice

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	// ErrLedgerWrite is returned when a commit could not be persisted
	ErrLedgerWrite = errors.New("ledger write failed")
	// ErrLedgerFormat is returned when the ledger file has a layout that cannot be read
	ErrLedgerFormat = errors.New("unrecognized ledger layout")
)

// ledgerHeader is the column order of the ledger file
var ledgerHeader = []string{"filename", "seller", "issue_date", "gross_amount", "added_at"}

// legacyTimeLayout is accepted when reading older ledger files
const legacyTimeLayout = "2006-01-02 15:04:05"

// columnAliases maps header names of older ledger files onto ledger columns
var columnAliases = map[string]string{
	"data dodania":     "added_at",
	"sprzedawca":       "seller",
	"data wystawienia": "issue_date",
	"kwota":            "gross_amount",
	"kwota brutto":     "gross_amount",
	"plik":             "filename",
}

// utf8BOM is prepended by spreadsheet programs that save CSV as UTF-8
const utf8BOM = "\ufeff"

// Ledger is the persistent history of committed records
type Ledger interface {
	// Read returns every committed record in file order
	Read() ([]Record, error)

	// Append stamps rows with at and adds them after the existing rows
	Append(rows []Record, at time.Time) (int, error)

	// List returns every committed record, newest first
	List() ([]Record, error)
}

// CSVLedger implements Ledger on a single CSV file.
// Commits rewrite the whole file through a temp file and rename.
type CSVLedger struct {
	path string
	mu   sync.Mutex
}

// NewCSVLedger creates a ledger backed by the file at path
func NewCSVLedger(path string) (*CSVLedger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating ledger directory: %w", err)
	}
	return &CSVLedger{path: path}, nil
}

// Path returns the backing file location
func (l *CSVLedger) Path() string {
	return l.path
}

// Read returns the committed records in file order. A missing file is an empty ledger.
func (l *CSVLedger) Read() ([]Record, error) {
	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return []Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	defer f.Close()

	return readRecords(f)
}

// Append adds rows to the ledger. Nothing is written when rows is empty.
func (l *CSVLedger) Append(rows []Record, at time.Time) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	existing, err := l.Read()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrLedgerWrite, err)
	}

	all := make([]Record, 0, len(existing)+len(rows))
	all = append(all, existing...)
	for _, r := range rows {
		r.AddedAt = at
		all = append(all, r)
	}

	if err := l.replace(all); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrLedgerWrite, err)
	}
	return len(rows), nil
}

// List returns the committed records sorted by commit time, newest first.
// Rows without a commit time keep their file order after the dated ones.
func (l *CSVLedger) List() ([]Record, error) {
	records, err := l.Read()
	if err != nil {
		return nil, err
	}
	sortNewestFirst(records)
	return records, nil
}

// replace writes records to a temp file and renames it over the ledger
func (l *CSVLedger) replace(records []Record) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(l.path), "."+filepath.Base(l.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err = writeRecords(tmp, records); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err = os.Rename(tmp.Name(), l.path); err != nil {
		return fmt.Errorf("replacing ledger: %w", err)
	}
	return nil
}

func sortNewestFirst(records []Record) {
	slices.SortStableFunc(records, func(a, b Record) int {
		switch {
		case a.AddedAt.IsZero() && b.AddedAt.IsZero():
			return 0
		case a.AddedAt.IsZero():
			return 1
		case b.AddedAt.IsZero():
			return -1
		}
		return b.AddedAt.Compare(a.AddedAt)
	})
}

// writeRecords writes the header and one line per record
func writeRecords(w io.Writer, records []Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(ledgerHeader); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	for _, r := range records {
		if err := cw.Write(recordToRow(r)); err != nil {
			return fmt.Errorf("writing row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flushing csv: %w", err)
	}
	return nil
}

func recordToRow(r Record) []string {
	addedAt := ""
	if !r.AddedAt.IsZero() {
		addedAt = r.AddedAt.Format(time.RFC3339Nano)
	}
	return []string{
		r.SourceFilename,
		derefString(r.Seller),
		derefString(r.IssueDate),
		strconv.FormatFloat(r.GrossAmount, 'f', -1, 64),
		addedAt,
	}
}

// readRecords parses a ledger file. Files written without a header row are read positionally.
func readRecords(r io.Reader) ([]Record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	lines, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading ledger: %w", err)
	}
	if len(lines) == 0 {
		return []Record{}, nil
	}
	if len(lines[0]) > 0 {
		lines[0][0] = strings.TrimPrefix(lines[0][0], utf8BOM)
	}

	columns := map[string]int{}
	for i, name := range ledgerHeader {
		columns[name] = i
	}
	headered := false
	if header, ok := headerColumns(lines[0]); ok {
		columns = header
		lines = lines[1:]
		headered = true
	}

	records := make([]Record, 0, len(lines))
	for n, line := range lines {
		cell := func(name string) string {
			i, ok := columns[name]
			if !ok || i >= len(line) {
				return ""
			}
			return line[i]
		}

		rec := Record{SourceFilename: cell("filename")}
		if s := cell("seller"); s != "" {
			rec.Seller = stringPtr(s)
		}
		if s := cell("issue_date"); s != "" {
			rec.IssueDate = stringPtr(s)
		}
		if s := strings.TrimSpace(cell("gross_amount")); s != "" {
			amount, err := strconv.ParseFloat(s, 64)
			if err != nil {
				if n == 0 && !headered {
					return nil, fmt.Errorf("%w: first line %q is neither a known header nor a record", ErrLedgerFormat, strings.Join(line, ","))
				}
				return nil, fmt.Errorf("ledger line %d: parsing amount %q: %w", n+1, s, err)
			}
			rec.GrossAmount = amount
		}
		if s := strings.TrimSpace(cell("added_at")); s != "" {
			at, err := parseAddedAt(s)
			if err != nil {
				return nil, fmt.Errorf("ledger line %d: %w", n+1, err)
			}
			rec.AddedAt = at
		}
		records = append(records, rec)
	}
	return records, nil
}

// headerColumns maps the column names of a header line to their positions.
// A line counts as a header when any of its cells names a known column.
func headerColumns(line []string) (map[string]int, bool) {
	known := make(map[string]bool, len(ledgerHeader))
	for _, name := range ledgerHeader {
		known[name] = true
	}

	columns := map[string]int{}
	for i, cell := range line {
		name := strings.ToLower(strings.TrimSpace(cell))
		if alias, ok := columnAliases[name]; ok {
			name = alias
		}
		if !known[name] {
			continue
		}
		if _, dup := columns[name]; !dup {
			columns[name] = i
		}
	}
	return columns, len(columns) > 0
}

func parseAddedAt(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(legacyTimeLayout, s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing added_at %q: %w", s, err)
	}
	return t, nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
