package invoice

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/xuri/excelize/v2"
)

// ErrUnsupportedFormat is returned for unknown export formats
var ErrUnsupportedFormat = errors.New("unsupported export format")

// Export formats
const (
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"
)

// Export is a rendered ledger download
type Export struct {
	Data        []byte
	ContentType string
	Filename    string
}

// exportCSV renders records with the ledger file schema
func exportCSV(records []Record) (*Export, error) {
	var buf bytes.Buffer
	if err := writeRecords(&buf, records); err != nil {
		return nil, err
	}
	return &Export{
		Data:        buf.Bytes(),
		ContentType: "text/csv",
		Filename:    "invoices.csv",
	}, nil
}

// exportXLSX renders records into a single-sheet workbook
func exportXLSX(records []Record) (*Export, error) {
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Invoices"
	index, err := f.NewSheet(sheet)
	if err != nil {
		return nil, fmt.Errorf("creating sheet: %w", err)
	}
	f.SetActiveSheet(index)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, fmt.Errorf("removing default sheet: %w", err)
	}

	for i, h := range ledgerHeader {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(sheet, cell, h); err != nil {
			return nil, fmt.Errorf("writing header: %w", err)
		}
	}

	for n, r := range records {
		row := n + 2
		// same cells as the ledger file, with the amount kept numeric
		line := recordToRow(r)
		values := []any{line[0], line[1], line[2], r.GrossAmount, line[4]}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			if err := f.SetCellValue(sheet, cell, v); err != nil {
				return nil, fmt.Errorf("writing row %d: %w", row, err)
			}
		}
	}

	_ = f.SetColWidth(sheet, "A", "A", 32) // filename
	_ = f.SetColWidth(sheet, "B", "B", 40) // seller
	_ = f.SetColWidth(sheet, "C", "C", 14) // issue date
	_ = f.SetColWidth(sheet, "D", "D", 14) // amount
	_ = f.SetColWidth(sheet, "E", "E", 20) // added at

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return &Export{
		Data:        buf.Bytes(),
		ContentType: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		Filename:    "invoices.xlsx",
	}, nil
}
