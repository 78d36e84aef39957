package types

import (
	"time"
)

// State represents the position of a record in the validation pipeline.
// The string values are the persisted wire format.
type State string

const (
	StatePending          State = "PENDIENTE"
	StateProcessingSunedu State = "PROCESANDO_SUNEDU"
	StateFoundSunedu      State = "FOUND_SUNEDU"
	StateCheckMinedu      State = "CHECK_MINEDU"
	StateProcessingMinedu State = "PROCESANDO_MINEDU"
	StateFoundMinedu      State = "FOUND_MINEDU"
	StateNotFound         State = "NOT_FOUND"
	StateErrorSunedu      State = "ERROR_SUNEDU"
	StateErrorMinedu      State = "ERROR_MINEDU"
)

// AllStates lists every legal state, in pipeline order.
var AllStates = []State{
	StatePending,
	StateProcessingSunedu,
	StateFoundSunedu,
	StateCheckMinedu,
	StateProcessingMinedu,
	StateFoundMinedu,
	StateNotFound,
	StateErrorSunedu,
	StateErrorMinedu,
}

// TerminalStates are states a record only leaves via an explicit retry.
var TerminalStates = []State{
	StateFoundSunedu,
	StateFoundMinedu,
	StateNotFound,
	StateErrorSunedu,
	StateErrorMinedu,
}

// RetryableStates are the terminal states eligible for re-queueing.
var RetryableStates = []State{
	StateNotFound,
	StateErrorSunedu,
	StateErrorMinedu,
}

// ProcessingStates are states held by a live worker. Records stranded here
// after a crash are demoted by the recovery service.
var ProcessingStates = []State{
	StateProcessingSunedu,
	StateProcessingMinedu,
}

// IsValid reports whether s is one of the nine declared states.
func (s State) IsValid() bool {
	for _, v := range AllStates {
		if s == v {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s is a terminal state.
func (s State) IsTerminal() bool {
	for _, v := range TerminalStates {
		if s == v {
			return true
		}
	}
	return false
}

// IsProcessing reports whether s is a processing state.
func (s State) IsProcessing() bool {
	return s == StateProcessingSunedu || s == StateProcessingMinedu
}

// PredecessorOf returns the state a stranded processing record is demoted
// to by recovery. It returns "" for non-processing states.
func PredecessorOf(s State) State {
	switch s {
	case StateProcessingSunedu:
		return StatePending
	case StateProcessingMinedu:
		return StateCheckMinedu
	default:
		return ""
	}
}

// Batch represents one ingested file. Batches are created at ingestion,
// read-only thereafter, and destroyed only by a tenant-scoped clean.
type Batch struct {
	ID          uint64    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Filename    string    `json:"filename"`
	RecordCount int       `json:"record_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// Record represents one DNI validation job.
//
// SuneduPayload and MineduPayload are opaque result blobs captured from the
// external portals; their shape is weakly specified, so downstream code must
// tolerate missing fields. Well-known keys are listed in pkg/report.
type Record struct {
	ID            uint64            `json:"id"`
	BatchID       uint64            `json:"batch_id"`
	TenantID      string            `json:"tenant_id"`
	DNI           string            `json:"dni"`
	State         State             `json:"state"`
	RetryCount    int               `json:"retry_count"`
	SuneduPayload map[string]string `json:"sunedu_payload,omitempty"`
	MineduPayload map[string]string `json:"minedu_payload,omitempty"`
	LastError     string            `json:"last_error,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// StageSpec parameterizes one worker loop. The two loops are structurally
// identical; only the states, the processor, and the pacing differ.
type StageSpec struct {
	Name       string // "sunedu" or "minedu"
	Source     State  // state claimed from
	Processing State  // state held while processing
	Success    State  // settle target when the portal finds the DNI
	Forward    State  // settle target when it does not (next stage or terminal)
	Error      State  // settle target when retries are exhausted
}

// StageSunedu is the first-stage spec: records enter at PENDIENTE and are
// forwarded to CHECK_MINEDU when Sunedu has no match.
func StageSunedu() StageSpec {
	return StageSpec{
		Name:       "sunedu",
		Source:     StatePending,
		Processing: StateProcessingSunedu,
		Success:    StateFoundSunedu,
		Forward:    StateCheckMinedu,
		Error:      StateErrorSunedu,
	}
}

// StageMinedu is the second-stage spec: no-match is terminal here.
func StageMinedu() StageSpec {
	return StageSpec{
		Name:       "minedu",
		Source:     StateCheckMinedu,
		Processing: StateProcessingMinedu,
		Success:    StateFoundMinedu,
		Forward:    StateNotFound,
		Error:      StateErrorMinedu,
	}
}

// SessionStats summarizes global worker occupancy across all sessions.
type SessionStats struct {
	TotalSessions  int `json:"total_sessions"`
	ActiveSessions int `json:"active_sessions"`
	TotalWorkers   int `json:"total_workers"`
	MaxWorkers     int `json:"max_workers"`
}
