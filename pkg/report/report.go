package report

import (
	"github.com/veridata/dnipipe/pkg/storage"
	"github.com/veridata/dnipipe/pkg/types"
)

// Well-known payload field names promoted into export columns. Payloads are
// scraped from external portals and may miss any of these; absent fields
// export as empty strings.
const (
	FieldName        = "name"
	FieldGrade       = "grade"
	FieldTitle       = "title"
	FieldInstitution = "institution"
	FieldDiplomaDate = "diploma_date"
	FieldIssueDate   = "issue_date"
)

// StageView summarizes one stage of the pipeline.
type StageView struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Found      int `json:"found"`
	NotFound   int `json:"not_found,omitempty"`
	Errors     int `json:"errors"`
	// ForwardedMinedu counts records that left Sunedu without a hit:
	// everything queued at, processing in, or settled by Minedu.
	ForwardedMinedu int `json:"forwarded_minedu,omitempty"`
}

// Pipeline is the derived per-stage view of the status payload.
type Pipeline struct {
	Sunedu StageView `json:"sunedu"`
	Minedu StageView `json:"minedu"`
}

// RetryInfo tells the caller whether a retry would do anything.
type RetryInfo struct {
	Retryables   int  `json:"retryables"`
	PipelineIdle bool `json:"pipeline_idle"`
	CanRetry     bool `json:"can_retry"`
}

// WorkersInfo reflects the tenant's orchestrator state. Filled by the API
// layer; the reporter itself only reads the store.
type WorkersInfo struct {
	Running bool `json:"running"`
	Paused  bool `json:"paused"`
}

// Status is the full tenant status projection.
type Status struct {
	Total       int                 `json:"total"`
	Completed   int                 `json:"completed"`
	InProgress  int                 `json:"in_progress"`
	ProgressPct float64             `json:"progress_pct"`
	Counts      map[types.State]int `json:"counts"`
	Pipeline    Pipeline            `json:"pipeline"`
	Retry       RetryInfo           `json:"retry"`
	Workers     WorkersInfo         `json:"workers"`
}

// ExportRow is the flattened export shape: one row per record with the
// well-known payload fields promoted into named columns.
type ExportRow struct {
	DNI               string
	State             string
	Message           string
	SuneduName        string
	SuneduGrade       string
	SuneduInstitution string
	SuneduDiplomaDate string
	MineduName        string
	MineduTitle       string
	MineduInstitution string
	MineduIssueDate   string
}

// ExportHeaders lists the export columns in order.
var ExportHeaders = []string{
	"DNI", "State", "Message",
	"SuneduName", "SuneduGrade", "SuneduInstitution", "SuneduDiplomaDate",
	"MineduName", "MineduTitle", "MineduInstitution", "MineduIssueDate",
}

// Reporter serves the read side: counts, listings, and exports.
type Reporter struct {
	store storage.Store
}

// NewReporter creates a reporter over the store.
func NewReporter(store storage.Store) *Reporter {
	return &Reporter{store: store}
}

// Status projects the tenant's counts into the status payload.
func (r *Reporter) Status(tenantID string) (*Status, error) {
	counts, err := r.store.CountsByState(tenantID)
	if err != nil {
		return nil, err
	}
	total, err := r.store.TotalRecords(tenantID)
	if err != nil {
		return nil, err
	}

	pending := counts[types.StatePending]
	procSunedu := counts[types.StateProcessingSunedu]
	procMinedu := counts[types.StateProcessingMinedu]
	foundSunedu := counts[types.StateFoundSunedu]
	foundMinedu := counts[types.StateFoundMinedu]
	notFound := counts[types.StateNotFound]
	errSunedu := counts[types.StateErrorSunedu]
	errMinedu := counts[types.StateErrorMinedu]
	checkMinedu := counts[types.StateCheckMinedu]

	completed := foundSunedu + foundMinedu + notFound + errSunedu + errMinedu
	inProgress := procSunedu + procMinedu

	progress := 0.0
	if total > 0 {
		progress = float64(completed) / float64(total) * 100
		// one decimal, like the progress bar expects
		progress = float64(int(progress*10+0.5)) / 10
	}

	retryables := notFound + errSunedu + errMinedu

	return &Status{
		Total:       total,
		Completed:   completed,
		InProgress:  inProgress,
		ProgressPct: progress,
		Counts:      counts,
		Pipeline: Pipeline{
			Sunedu: StageView{
				Pending:         pending,
				Processing:      procSunedu,
				Found:           foundSunedu,
				Errors:          errSunedu,
				ForwardedMinedu: checkMinedu + procMinedu + foundMinedu + notFound + errMinedu,
			},
			Minedu: StageView{
				Pending:    checkMinedu,
				Processing: procMinedu,
				Found:      foundMinedu,
				NotFound:   notFound,
				Errors:     errMinedu,
			},
		},
		Retry: RetryInfo{
			Retryables:   retryables,
			PipelineIdle: inProgress == 0,
			CanRetry:     retryables > 0,
		},
	}, nil
}

// Records returns a paginated listing ordered by record id ascending.
func (r *Reporter) Records(tenantID string, filter storage.RecordFilter) ([]*types.Record, error) {
	return r.store.ListRecords(tenantID, filter)
}

// Batches returns the tenant's batches in reverse chronological order.
func (r *Reporter) Batches(tenantID string) ([]*types.Batch, error) {
	return r.store.ListBatches(tenantID)
}

// ExportRows flattens the tenant's records (optionally one batch) into
// export rows. Missing payload fields flatten to empty strings.
func (r *Reporter) ExportRows(tenantID string, batchID uint64) ([]ExportRow, error) {
	records, err := r.store.ListRecords(tenantID, storage.RecordFilter{BatchID: batchID})
	if err != nil {
		return nil, err
	}

	rows := make([]ExportRow, 0, len(records))
	for _, rec := range records {
		rows = append(rows, ExportRow{
			DNI:               rec.DNI,
			State:             string(rec.State),
			Message:           rec.LastError,
			SuneduName:        rec.SuneduPayload[FieldName],
			SuneduGrade:       rec.SuneduPayload[FieldGrade],
			SuneduInstitution: rec.SuneduPayload[FieldInstitution],
			SuneduDiplomaDate: rec.SuneduPayload[FieldDiplomaDate],
			MineduName:        rec.MineduPayload[FieldName],
			MineduTitle:       rec.MineduPayload[FieldTitle],
			MineduInstitution: rec.MineduPayload[FieldInstitution],
			MineduIssueDate:   rec.MineduPayload[FieldIssueDate],
		})
	}
	return rows, nil
}

func (row ExportRow) values() []string {
	return []string{
		row.DNI, row.State, row.Message,
		row.SuneduName, row.SuneduGrade, row.SuneduInstitution, row.SuneduDiplomaDate,
		row.MineduName, row.MineduTitle, row.MineduInstitution, row.MineduIssueDate,
	}
}
