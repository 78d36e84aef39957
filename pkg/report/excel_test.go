package report

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/veridata/dnipipe/pkg/types"
)

// TestWriteXLSX tests workbook structure and sheet content
func TestWriteXLSX(t *testing.T) {
	rows := []ExportRow{
		{DNI: "11111111", State: string(types.StateFoundSunedu), SuneduName: "JUAN"},
		{DNI: "22222222", State: string(types.StateFoundMinedu), MineduName: "MARIA"},
		{DNI: "33333333", State: string(types.StateNotFound), Message: "sin resultados"},
	}

	buf, err := WriteXLSX(rows)
	require.NoError(t, err)

	f, err := excelize.OpenReader(buf)
	require.NoError(t, err)
	defer f.Close()

	assert.ElementsMatch(t, []string{sheetAll, sheetSunedu, sheetMinedu}, f.GetSheetList())

	all, err := f.GetRows(sheetAll)
	require.NoError(t, err)
	require.Len(t, all, 4, "header plus three records")
	assert.Equal(t, ExportHeaders, all[0])
	assert.Equal(t, "11111111", all[1][0])
	assert.Equal(t, "sin resultados", all[3][2])

	sunedu, err := f.GetRows(sheetSunedu)
	require.NoError(t, err)
	require.Len(t, sunedu, 2, "only the Sunedu hit")
	assert.Equal(t, "11111111", sunedu[1][0])

	minedu, err := f.GetRows(sheetMinedu)
	require.NoError(t, err)
	require.Len(t, minedu, 2, "only the Minedu hit")
	assert.Equal(t, "22222222", minedu[1][0])
}

// TestWriteXLSXEmpty tests a workbook with headers only
func TestWriteXLSXEmpty(t *testing.T) {
	buf, err := WriteXLSX(nil)
	require.NoError(t, err)

	f, err := excelize.OpenReader(buf)
	require.NoError(t, err)
	defer f.Close()

	all, err := f.GetRows(sheetAll)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, ExportHeaders, all[0])
}
