package report

import (
	"bytes"
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/veridata/dnipipe/pkg/types"
)

// Sheet names of the export workbook: all records plus one sheet per stage
// holding only that stage's hits.
const (
	sheetAll    = "Todos"
	sheetSunedu = "Sunedu"
	sheetMinedu = "Minedu"
)

// Fill colors by outcome, matching the spreadsheet the operators are used to.
const (
	colorHeader   = "D9D9D9"
	colorFound    = "C6EFCE"
	colorNotFound = "FFC7CE"
)

// WriteXLSX renders export rows into a styled workbook.
func WriteXLSX(rows []ExportRow) (*bytes.Buffer, error) {
	f := excelize.NewFile()
	defer f.Close()

	var foundSunedu, foundMinedu []ExportRow
	for _, row := range rows {
		switch types.State(row.State) {
		case types.StateFoundSunedu:
			foundSunedu = append(foundSunedu, row)
		case types.StateFoundMinedu:
			foundMinedu = append(foundMinedu, row)
		}
	}

	if err := writeSheet(f, sheetAll, rows); err != nil {
		return nil, err
	}
	if err := writeSheet(f, sheetSunedu, foundSunedu); err != nil {
		return nil, err
	}
	if err := writeSheet(f, sheetMinedu, foundMinedu); err != nil {
		return nil, err
	}

	// excelize creates "Sheet1" by default; Todos replaces it.
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, err
	}
	idx, err := f.GetSheetIndex(sheetAll)
	if err != nil {
		return nil, err
	}
	f.SetActiveSheet(idx)

	buf := new(bytes.Buffer)
	if err := f.Write(buf); err != nil {
		return nil, fmt.Errorf("failed to render workbook: %w", err)
	}
	return buf, nil
}

func writeSheet(f *excelize.File, name string, rows []ExportRow) error {
	if _, err := f.NewSheet(name); err != nil {
		return err
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{colorHeader}},
	})
	if err != nil {
		return err
	}
	foundStyle, err := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{colorFound}},
	})
	if err != nil {
		return err
	}
	missStyle, err := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{colorNotFound}},
	})
	if err != nil {
		return err
	}

	headers := make([]interface{}, len(ExportHeaders))
	for i, h := range ExportHeaders {
		headers[i] = h
	}
	if err := f.SetSheetRow(name, "A1", &headers); err != nil {
		return err
	}
	lastCol, err := excelize.ColumnNumberToName(len(ExportHeaders))
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(name, "A1", lastCol+"1", headerStyle); err != nil {
		return err
	}

	for i, row := range rows {
		values := row.values()
		cells := make([]interface{}, len(values))
		for j, v := range values {
			cells[j] = v
		}
		cellRef := fmt.Sprintf("A%d", i+2)
		if err := f.SetSheetRow(name, cellRef, &cells); err != nil {
			return err
		}

		var style int
		switch types.State(row.State) {
		case types.StateFoundSunedu, types.StateFoundMinedu:
			style = foundStyle
		case types.StateNotFound, types.StateErrorSunedu, types.StateErrorMinedu:
			style = missStyle
		default:
			continue
		}
		endRef := fmt.Sprintf("%s%d", lastCol, i+2)
		if err := f.SetCellStyle(name, cellRef, endRef, style); err != nil {
			return err
		}
	}

	if err := f.SetColWidth(name, "A", lastCol, 22); err != nil {
		return err
	}
	return nil
}
