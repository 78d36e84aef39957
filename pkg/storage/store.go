package storage

import (
	"errors"

	"github.com/veridata/dnipipe/pkg/types"
)

// ErrNotFound is returned when a record or batch does not exist.
var ErrNotFound = errors.New("not found")

// ErrIllegalTransition is returned by Settle when the requested target is not
// a legal successor of the expected processing state.
var ErrIllegalTransition = errors.New("illegal state transition")

// RecordFilter narrows ListRecords. Zero values mean "no filter".
type RecordFilter struct {
	State   types.State
	BatchID uint64
	Limit   int
	Offset  int
}

// RecoverResult reports how many stranded records each stage recovered.
type RecoverResult struct {
	SuneduRecovered int `json:"sunedu_recovered"`
	MineduRecovered int `json:"minedu_recovered"`
}

// Total returns the combined number of recovered records.
func (r RecoverResult) Total() int {
	return r.SuneduRecovered + r.MineduRecovered
}

// CleanResult reports what a tenant-scoped clean removed.
type CleanResult struct {
	RecordsDeleted int `json:"records_deleted"`
	BatchesDeleted int `json:"batches_deleted"`
}

// Store defines the durable state interface for the validation pipeline.
// All queries are tenant-scoped; no operation crosses tenant boundaries.
type Store interface {
	// Batches
	CreateBatch(tenantID, filename string, dnis []string) (*types.Batch, error)
	GetBatch(id uint64) (*types.Batch, error)
	ListBatches(tenantID string) ([]*types.Batch, error)

	// Records
	GetRecord(id uint64) (*types.Record, error)
	ListRecords(tenantID string, filter RecordFilter) ([]*types.Record, error)
	CountsByState(tenantID string) (map[types.State]int, error)
	TotalRecords(tenantID string) (int, error)
	CountRetryable(tenantID string) (int, error)

	// Claim atomically selects the oldest record of tenantID in state source,
	// moves it to state processing, and returns its detached projection.
	// It returns (nil, nil) when no record is eligible.
	Claim(tenantID string, source, processing types.State) (*types.Record, error)

	// Settle moves a record out of a processing state. The move only applies
	// when the record is still in the expected state; otherwise it is a no-op
	// and Settle returns false. Payload is persisted on success states,
	// reason on forward and error states.
	Settle(id uint64, expected, target types.State, payload map[string]string, reason string) (bool, error)

	// Recover demotes every record of tenantID stranded in a processing
	// state back to its predecessor, leaving retry counts and payloads alone.
	Recover(tenantID string) (RecoverResult, error)

	// RetryTerminal re-queues NOT_FOUND and ERROR_* records of tenantID to
	// PENDIENTE, incrementing retry counts and clearing payloads and errors.
	RetryTerminal(tenantID string) (int, error)

	// Clean removes every record and batch of tenantID.
	Clean(tenantID string) (CleanResult, error)

	// Tenants lists every tenant id that owns at least one record.
	Tenants() ([]string, error)

	// Utility
	Ping() error
	Close() error
}
