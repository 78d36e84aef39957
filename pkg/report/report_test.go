package report

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridata/dnipipe/pkg/storage"
	"github.com/veridata/dnipipe/pkg/types"
)

const tenantA = "tenant-aaaa"

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// settleTo drives one pending record into the given terminal state.
func settleTo(t *testing.T, store storage.Store, tenantID string, target types.State, payload map[string]string) *types.Record {
	t.Helper()
	rec, err := store.Claim(tenantID, types.StatePending, types.StateProcessingSunedu)
	require.NoError(t, err)
	require.NotNil(t, rec)

	switch target {
	case types.StateFoundSunedu, types.StateErrorSunedu, types.StateCheckMinedu:
		_, err = store.Settle(rec.ID, types.StateProcessingSunedu, target, payload, "sin resultados")
		require.NoError(t, err)
	case types.StateFoundMinedu, types.StateNotFound, types.StateErrorMinedu:
		_, err = store.Settle(rec.ID, types.StateProcessingSunedu, types.StateCheckMinedu, nil, "sin resultados")
		require.NoError(t, err)
		rec2, err := store.Claim(tenantID, types.StateCheckMinedu, types.StateProcessingMinedu)
		require.NoError(t, err)
		require.Equal(t, rec.ID, rec2.ID)
		_, err = store.Settle(rec.ID, types.StateProcessingMinedu, target, payload, "sin resultados")
		require.NoError(t, err)
	default:
		t.Fatalf("unsupported target %s", target)
	}

	got, err := store.GetRecord(rec.ID)
	require.NoError(t, err)
	return got
}

// TestStatusEmpty tests the projection over an empty tenant
func TestStatusEmpty(t *testing.T) {
	r := NewReporter(newTestStore(t))

	status, err := r.Status(tenantA)
	require.NoError(t, err)
	assert.Zero(t, status.Total)
	assert.Zero(t, status.Completed)
	assert.Zero(t, status.ProgressPct)
	assert.True(t, status.Retry.PipelineIdle)
	assert.False(t, status.Retry.CanRetry)
}

// TestStatusMath tests counts, completion and progress
func TestStatusMath(t *testing.T) {
	store := newTestStore(t)
	r := NewReporter(store)

	_, err := store.CreateBatch(tenantA, "f.txt",
		[]string{"11111111", "22222222", "33333333", "44444444"})
	require.NoError(t, err)

	settleTo(t, store, tenantA, types.StateFoundSunedu, map[string]string{"name": "A"})
	settleTo(t, store, tenantA, types.StateNotFound, nil)
	settleTo(t, store, tenantA, types.StateErrorMinedu, nil)
	// Fourth record stays PENDIENTE.

	status, err := r.Status(tenantA)
	require.NoError(t, err)

	assert.Equal(t, 4, status.Total)
	assert.Equal(t, 3, status.Completed)
	assert.Zero(t, status.InProgress)
	assert.Equal(t, 75.0, status.ProgressPct)

	assert.Equal(t, 1, status.Pipeline.Sunedu.Pending)
	assert.Equal(t, 1, status.Pipeline.Sunedu.Found)
	assert.Equal(t, 2, status.Pipeline.Sunedu.ForwardedMinedu)
	assert.Equal(t, 1, status.Pipeline.Minedu.NotFound)
	assert.Equal(t, 1, status.Pipeline.Minedu.Errors)

	assert.Equal(t, 2, status.Retry.Retryables)
	assert.True(t, status.Retry.PipelineIdle)
	assert.True(t, status.Retry.CanRetry)
}

// TestStatusProgressRounding tests the one-decimal rounding
func TestStatusProgressRounding(t *testing.T) {
	store := newTestStore(t)
	r := NewReporter(store)

	_, err := store.CreateBatch(tenantA, "f.txt", []string{"11111111", "22222222", "33333333"})
	require.NoError(t, err)
	settleTo(t, store, tenantA, types.StateFoundSunedu, nil)

	status, err := r.Status(tenantA)
	require.NoError(t, err)
	assert.Equal(t, 33.3, status.ProgressPct)
}

// TestStatusInProgress tests the in-flight signal
func TestStatusInProgress(t *testing.T) {
	store := newTestStore(t)
	r := NewReporter(store)

	_, err := store.CreateBatch(tenantA, "f.txt", []string{"11111111"})
	require.NoError(t, err)
	_, err = store.Claim(tenantA, types.StatePending, types.StateProcessingSunedu)
	require.NoError(t, err)

	status, err := r.Status(tenantA)
	require.NoError(t, err)
	assert.Equal(t, 1, status.InProgress)
	assert.False(t, status.Retry.PipelineIdle)
}

// TestExportRows tests the flattened export shape
func TestExportRows(t *testing.T) {
	store := newTestStore(t)
	r := NewReporter(store)

	_, err := store.CreateBatch(tenantA, "f.txt", []string{"11111111", "22222222"})
	require.NoError(t, err)

	settleTo(t, store, tenantA, types.StateFoundSunedu, map[string]string{
		FieldName:        "JUAN PEREZ",
		FieldGrade:       "BACHILLER",
		FieldInstitution: "UNMSM",
		FieldDiplomaDate: "2019-07-01",
	})
	settleTo(t, store, tenantA, types.StateFoundMinedu, map[string]string{
		FieldName:        "MARIA LOPEZ",
		FieldTitle:       "TECNICO",
		FieldInstitution: "IESTP LIMA",
		FieldIssueDate:   "2021-03-15",
	})

	rows, err := r.ExportRows(tenantA, 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	sunedu := rows[0]
	assert.Equal(t, "11111111", sunedu.DNI)
	assert.Equal(t, string(types.StateFoundSunedu), sunedu.State)
	assert.Equal(t, "JUAN PEREZ", sunedu.SuneduName)
	assert.Equal(t, "BACHILLER", sunedu.SuneduGrade)
	assert.Empty(t, sunedu.MineduName, "other stage's columns stay empty")

	minedu := rows[1]
	assert.Equal(t, "22222222", minedu.DNI)
	assert.Equal(t, "MARIA LOPEZ", minedu.MineduName)
	assert.Equal(t, "TECNICO", minedu.MineduTitle)
	assert.Empty(t, minedu.SuneduGrade)
}

// TestExportRowsBatchFilter tests single-batch exports
func TestExportRowsBatchFilter(t *testing.T) {
	store := newTestStore(t)
	r := NewReporter(store)

	_, err := store.CreateBatch(tenantA, "a.txt", []string{"11111111"})
	require.NoError(t, err)
	b2, err := store.CreateBatch(tenantA, "b.txt", []string{"22222222"})
	require.NoError(t, err)

	rows, err := r.ExportRows(tenantA, b2.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "22222222", rows[0].DNI)
}

// TestExportRowValues tests column ordering against the header list
func TestExportRowValues(t *testing.T) {
	row := ExportRow{
		DNI: "11111111", State: "NOT_FOUND", Message: "sin resultados",
		SuneduName: "a", SuneduGrade: "b", SuneduInstitution: "c", SuneduDiplomaDate: "d",
		MineduName: "e", MineduTitle: "f", MineduInstitution: "g", MineduIssueDate: "h",
	}
	values := row.values()
	require.Len(t, values, len(ExportHeaders))
	assert.Equal(t, "11111111", values[0])
	assert.Equal(t, "NOT_FOUND", values[1])
	assert.Equal(t, "sin resultados", values[2])
	assert.Equal(t, "d", values[6])
	assert.Equal(t, "h", values[10])
}
