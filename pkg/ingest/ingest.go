package ingest

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/extrame/xls"
	"github.com/xuri/excelize/v2"
)

// dniPattern is the validation predicate: exactly eight digits.
var dniPattern = regexp.MustCompile(`^[0-9]{8}$`)

// dniColumn is the preferred spreadsheet column header. When absent the
// first column is used.
const dniColumn = "DNI"

// Result separates valid DNIs (de-duplicated, first-seen order) from the
// rejected raw entries of one uploaded file.
type Result struct {
	Accepted []string
	Rejected []string
}

// SupportedFile reports whether the filename extension is one we can parse.
func SupportedFile(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".xlsx", ".xls", ".csv", ".txt":
		return true
	default:
		return false
	}
}

// Parse extracts DNIs from an uploaded file. Spreadsheets use the DNI
// column if present, else the first column; text files use one entry per
// line. Entries are cleaned, validated against the eight-digit predicate,
// and de-duplicated preserving first-seen order.
func Parse(filename string, r io.Reader) (*Result, error) {
	var entries []string
	var err error

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".xlsx":
		entries, err = readSpreadsheet(r)
	case ".xls":
		entries, err = readLegacySpreadsheet(r)
	case ".csv", ".txt":
		entries, err = readLines(r)
	default:
		return nil, fmt.Errorf("unsupported file format: %s", filepath.Ext(filename))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filename, err)
	}

	return sift(entries), nil
}

// sift applies the cleaning rule and validation predicate to raw entries.
func sift(entries []string) *Result {
	result := &Result{}
	seen := make(map[string]struct{})

	for _, raw := range entries {
		// Spreadsheet numerics arrive as "12345678.0"; keep the digit prefix.
		clean := strings.TrimSpace(raw)
		if i := strings.Index(clean, "."); i >= 0 {
			clean = strings.TrimSpace(clean[:i])
		}
		if clean == "" || strings.EqualFold(clean, "nan") {
			continue
		}

		if !dniPattern.MatchString(clean) {
			result.Rejected = append(result.Rejected, clean)
			continue
		}
		if _, dup := seen[clean]; dup {
			continue
		}
		seen[clean] = struct{}{}
		result.Accepted = append(result.Accepted, clean)
	}
	return result
}

// readSpreadsheet pulls entries from the first sheet of an OOXML workbook.
func readSpreadsheet(r io.Reader) ([]string, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("workbook has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, err
	}
	return pickColumn(rows), nil
}

// readLegacySpreadsheet handles the pre-2007 binary workbook format, which
// excelize cannot open.
func readLegacySpreadsheet(r io.Reader) ([]string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	wb, err := xls.OpenReader(bytes.NewReader(data), "utf-8")
	if err != nil {
		return nil, err
	}
	sheet := wb.GetSheet(0)
	if sheet == nil {
		return nil, fmt.Errorf("workbook has no sheets")
	}

	rows := make([][]string, 0, int(sheet.MaxRow)+1)
	for i := 0; i <= int(sheet.MaxRow); i++ {
		row := sheet.Row(i)
		if row == nil {
			rows = append(rows, nil)
			continue
		}
		cells := make([]string, row.LastCol())
		for c := 0; c < row.LastCol(); c++ {
			cells[c] = row.Col(c)
		}
		rows = append(rows, cells)
	}
	return pickColumn(rows), nil
}

// pickColumn selects the entry column of a sheet grid. The first row is a
// header; the DNI column is preferred, else the first column.
func pickColumn(rows [][]string) []string {
	if len(rows) == 0 {
		return nil
	}
	col := 0
	for i, header := range rows[0] {
		if strings.EqualFold(strings.TrimSpace(header), dniColumn) {
			col = i
			break
		}
	}

	var entries []string
	for _, row := range rows[1:] {
		if col < len(row) {
			entries = append(entries, row[col])
		}
	}
	return entries
}

func readLines(r io.Reader) ([]string, error) {
	var entries []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		entries = append(entries, scanner.Text())
	}
	return entries, scanner.Err()
}
