package dataset

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

// RecordReader turns one source format into header + data records.
type RecordReader interface {
	CanHandle(name string) bool
	Records(r io.Reader) ([][]string, error)
}

// readers in lookup order.
var readers = []RecordReader{
	&CSVReader{},
	&XLSXReader{},
}

// readerFor picks a reader by file extension. Unknown extensions are read as CSV.
func readerFor(name string) RecordReader {
	for _, r := range readers {
		if r.CanHandle(name) {
			return r
		}
	}
	return &CSVReader{}
}

// CSVReader handles .csv and .tsv sources.
type CSVReader struct {
	// Comma overrides delimiter detection when non-zero.
	Comma rune
}

// CanHandle returns true for CSV/TSV file extensions.
func (c *CSVReader) CanHandle(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".csv" || ext == ".tsv"
}

// Records parses the whole stream. Rows may have fewer fields than the header.
func (c *CSVReader) Records(r io.Reader) ([][]string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading CSV: %w", err)
	}

	reader := csv.NewReader(bytes.NewReader(data))
	reader.Comma = c.Comma
	if reader.Comma == 0 {
		reader.Comma = sniffDelimiter(data)
	}
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parsing CSV: %w", err)
	}
	return records, nil
}

// sniffDelimiter treats the source as TSV when its header line has tabs but no commas.
func sniffDelimiter(data []byte) rune {
	header, _, _ := bytes.Cut(data, []byte("\n"))
	if bytes.IndexByte(header, '\t') >= 0 && bytes.IndexByte(header, ',') < 0 {
		return '\t'
	}
	return ','
}

// XLSXReader handles Excel workbooks. The first sheet is read unless Sheet is set.
type XLSXReader struct {
	Sheet string
}

// CanHandle returns true for Excel workbook extensions.
func (x *XLSXReader) CanHandle(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".xlsx" || ext == ".xlsm"
}

// Records returns the rows of the selected sheet.
func (x *XLSXReader) Records(r io.Reader) ([][]string, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("opening workbook: %w", err)
	}
	defer f.Close()

	sheet := x.Sheet
	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, fmt.Errorf("workbook has no sheets")
		}
		sheet = sheets[0]
	}

	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("reading sheet %q: %w", sheet, err)
	}
	return rows, nil
}
