package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/veridata/dnipipe/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketBatches     = []byte("batches")
	bucketBatchIndex  = []byte("batch_tenant_idx")
	bucketRecords     = []byte("records")
	bucketStateIndex  = []byte("record_state_idx")
	bucketTenantIndex = []byte("record_tenant_idx")
	bucketMeta        = []byte("meta")
)

const (
	// openTimeout bounds the busy-wait on the database file lock.
	openTimeout = 5 * time.Second

	schemaVersion = "1"

	// SentinelTenant is assigned to records persisted before the store
	// became tenant-scoped.
	SentinelTenant = "__legacy__"
)

// keySep separates tenant, state, and id segments in index keys. Tenant ids
// come from HTTP headers and never contain a NUL byte.
const keySep = byte(0x00)

// BoltStore implements Store using BoltDB. BoltDB serializes writers, so
// every state change commits as a single transaction and concurrent claims
// on the same (tenant, state) pair are naturally serialized.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database under dataDir and runs the
// schema migration for legacy tenant-less records.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "dnipipe.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketBatches,
			bucketBatchIndex,
			bucketRecords,
			bucketStateIndex,
			bucketTenantIndex,
			bucketMeta,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return tx.Bucket(bucketMeta).Put([]byte("schema_version"), []byte(schemaVersion))
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &BoltStore{db: db}
	if err := s.migrateLegacyTenants(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate legacy records: %w", err)
	}
	return s, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *BoltStore) Ping() error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketMeta) == nil {
			return fmt.Errorf("meta bucket missing")
		}
		return nil
	})
}

// --- Key encoding ---

func u64Key(id uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, id)
	return k
}

func u64FromKey(k []byte) uint64 {
	return binary.BigEndian.Uint64(k[len(k)-8:])
}

// stateIdxPrefix is tenant|0x00|state|0x00. Appending the big-endian record
// id keeps index entries sorted by record id within a (tenant, state) pair,
// which is what gives Claim its FIFO order.
func stateIdxPrefix(tenantID string, state types.State) []byte {
	k := make([]byte, 0, len(tenantID)+len(state)+2)
	k = append(k, tenantID...)
	k = append(k, keySep)
	k = append(k, state...)
	k = append(k, keySep)
	return k
}

func stateIdxKey(tenantID string, state types.State, id uint64) []byte {
	return append(stateIdxPrefix(tenantID, state), u64Key(id)...)
}

func tenantIdxPrefix(tenantID string) []byte {
	k := make([]byte, 0, len(tenantID)+1)
	k = append(k, tenantID...)
	k = append(k, keySep)
	return k
}

func tenantIdxKey(tenantID string, id uint64) []byte {
	return append(tenantIdxPrefix(tenantID), u64Key(id)...)
}

// --- Batch operations ---

// CreateBatch inserts one batch and its PENDIENTE records in a single
// transaction. Incoming DNIs are de-duplicated preserving first-seen order;
// the batch record count is the de-duplicated count.
func (s *BoltStore) CreateBatch(tenantID, filename string, dnis []string) (*types.Batch, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id is required")
	}

	seen := make(map[string]struct{}, len(dnis))
	unique := make([]string, 0, len(dnis))
	for _, dni := range dnis {
		if _, ok := seen[dni]; ok {
			continue
		}
		seen[dni] = struct{}{}
		unique = append(unique, dni)
	}
	if len(unique) == 0 {
		return nil, fmt.Errorf("batch requires at least one dni")
	}

	now := time.Now().UTC()
	batch := &types.Batch{
		TenantID:    tenantID,
		Filename:    filename,
		RecordCount: len(unique),
		CreatedAt:   now,
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		bb := tx.Bucket(bucketBatches)
		id, err := bb.NextSequence()
		if err != nil {
			return err
		}
		batch.ID = id

		data, err := json.Marshal(batch)
		if err != nil {
			return err
		}
		if err := bb.Put(u64Key(batch.ID), data); err != nil {
			return err
		}
		if err := tx.Bucket(bucketBatchIndex).Put(tenantIdxKey(tenantID, batch.ID), nil); err != nil {
			return err
		}

		rb := tx.Bucket(bucketRecords)
		sb := tx.Bucket(bucketStateIndex)
		tb := tx.Bucket(bucketTenantIndex)
		for _, dni := range unique {
			rid, err := rb.NextSequence()
			if err != nil {
				return err
			}
			rec := &types.Record{
				ID:        rid,
				BatchID:   batch.ID,
				TenantID:  tenantID,
				DNI:       dni,
				State:     types.StatePending,
				CreatedAt: now,
				UpdatedAt: now,
			}
			rd, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := rb.Put(u64Key(rid), rd); err != nil {
				return err
			}
			if err := sb.Put(stateIdxKey(tenantID, types.StatePending, rid), nil); err != nil {
				return err
			}
			if err := tb.Put(tenantIdxKey(tenantID, rid), nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// GetBatch retrieves a batch by id
func (s *BoltStore) GetBatch(id uint64) (*types.Batch, error) {
	var batch types.Batch
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBatches).Get(u64Key(id))
		if data == nil {
			return fmt.Errorf("batch %d: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &batch)
	})
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

// ListBatches returns all batches of a tenant in reverse chronological order.
func (s *BoltStore) ListBatches(tenantID string) ([]*types.Batch, error) {
	var batches []*types.Batch
	err := s.db.View(func(tx *bolt.Tx) error {
		bb := tx.Bucket(bucketBatches)
		c := tx.Bucket(bucketBatchIndex).Cursor()
		prefix := tenantIdxPrefix(tenantID)
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			data := bb.Get(u64Key(u64FromKey(k)))
			if data == nil {
				continue
			}
			var batch types.Batch
			if err := json.Unmarshal(data, &batch); err != nil {
				return err
			}
			batches = append(batches, &batch)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Batch ids are monotonic, so descending id is reverse chronological.
	for i, j := 0, len(batches)-1; i < j; i, j = i+1, j-1 {
		batches[i], batches[j] = batches[j], batches[i]
	}
	return batches, nil
}

// --- Record operations ---

// GetRecord retrieves a record by id
func (s *BoltStore) GetRecord(id uint64) (*types.Record, error) {
	var rec types.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRecords).Get(u64Key(id))
		if data == nil {
			return fmt.Errorf("record %d: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListRecords returns records of a tenant ordered by record id ascending,
// optionally filtered by state and batch, with limit/offset pagination.
func (s *BoltStore) ListRecords(tenantID string, filter RecordFilter) ([]*types.Record, error) {
	var records []*types.Record
	skipped := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		rb := tx.Bucket(bucketRecords)

		var c *bolt.Cursor
		var prefix []byte
		if filter.State != "" {
			c = tx.Bucket(bucketStateIndex).Cursor()
			prefix = stateIdxPrefix(tenantID, filter.State)
		} else {
			c = tx.Bucket(bucketTenantIndex).Cursor()
			prefix = tenantIdxPrefix(tenantID)
		}

		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			data := rb.Get(u64Key(u64FromKey(k)))
			if data == nil {
				continue
			}
			var rec types.Record
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}
			if filter.BatchID != 0 && rec.BatchID != filter.BatchID {
				continue
			}
			if skipped < filter.Offset {
				skipped++
				continue
			}
			records = append(records, &rec)
			if filter.Limit > 0 && len(records) >= filter.Limit {
				return nil
			}
		}
		return nil
	})
	return records, err
}

// CountsByState returns a count per state for a tenant. States with zero
// records are omitted.
func (s *BoltStore) CountsByState(tenantID string) (map[types.State]int, error) {
	counts := make(map[types.State]int)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketStateIndex).Cursor()
		for _, state := range types.AllStates {
			prefix := stateIdxPrefix(tenantID, state)
			n := 0
			for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
				n++
			}
			if n > 0 {
				counts[state] = n
			}
		}
		return nil
	})
	return counts, err
}

// TotalRecords returns the number of records of a tenant.
func (s *BoltStore) TotalRecords(tenantID string) (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTenantIndex).Cursor()
		prefix := tenantIdxPrefix(tenantID)
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// CountRetryable returns how many records are eligible for RetryTerminal.
func (s *BoltStore) CountRetryable(tenantID string) (int, error) {
	counts, err := s.CountsByState(tenantID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, state := range types.RetryableStates {
		n += counts[state]
	}
	return n, nil
}

// Claim atomically selects the smallest-id record of tenantID in state
// source and moves it to state processing. The whole select-and-update is
// one write transaction; BoltDB's single-writer discipline guarantees no
// two workers ever claim the same record.
func (s *BoltStore) Claim(tenantID string, source, processing types.State) (*types.Record, error) {
	if !processing.IsProcessing() {
		return nil, fmt.Errorf("claim target %s: %w", processing, ErrIllegalTransition)
	}
	var claimed *types.Record
	err := s.db.Update(func(tx *bolt.Tx) error {
		sb := tx.Bucket(bucketStateIndex)
		c := sb.Cursor()
		prefix := stateIdxPrefix(tenantID, source)
		k, _ := c.Seek(prefix)
		if k == nil || !bytes.HasPrefix(k, prefix) {
			return nil // queue empty
		}
		id := u64FromKey(k)

		rb := tx.Bucket(bucketRecords)
		data := rb.Get(u64Key(id))
		if data == nil {
			return fmt.Errorf("index entry without record: %d", id)
		}
		var rec types.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}

		rec.State = processing
		rec.UpdatedAt = time.Now().UTC()
		updated, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		if err := rb.Put(u64Key(id), updated); err != nil {
			return err
		}
		if err := sb.Delete(k); err != nil {
			return err
		}
		if err := sb.Put(stateIdxKey(tenantID, processing, id), nil); err != nil {
			return err
		}
		claimed = &rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// legalSettles maps each processing state to its permitted successors.
var legalSettles = map[types.State][]types.State{
	types.StateProcessingSunedu: {types.StateFoundSunedu, types.StateCheckMinedu, types.StateErrorSunedu},
	types.StateProcessingMinedu: {types.StateFoundMinedu, types.StateNotFound, types.StateErrorMinedu},
}

// Settle moves record id from the expected processing state to target.
// If the record is no longer in the expected state (recovery ran, clean
// removed it) the settle is a no-op and returns false.
func (s *BoltStore) Settle(id uint64, expected, target types.State, payload map[string]string, reason string) (bool, error) {
	legal := false
	for _, t := range legalSettles[expected] {
		if t == target {
			legal = true
			break
		}
	}
	if !legal {
		return false, fmt.Errorf("settle %s -> %s: %w", expected, target, ErrIllegalTransition)
	}

	applied := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		rb := tx.Bucket(bucketRecords)
		data := rb.Get(u64Key(id))
		if data == nil {
			return nil // cleaned out from under us, nothing to settle
		}
		var rec types.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		if rec.State != expected {
			return nil
		}

		rec.State = target
		rec.UpdatedAt = time.Now().UTC()
		switch target {
		case types.StateFoundSunedu:
			rec.SuneduPayload = payload
			rec.LastError = ""
		case types.StateFoundMinedu:
			rec.MineduPayload = payload
			rec.LastError = ""
		default:
			rec.LastError = reason
		}

		updated, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		if err := rb.Put(u64Key(id), updated); err != nil {
			return err
		}
		sb := tx.Bucket(bucketStateIndex)
		if err := sb.Delete(stateIdxKey(rec.TenantID, expected, id)); err != nil {
			return err
		}
		if err := sb.Put(stateIdxKey(rec.TenantID, target, id), nil); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

// Recover demotes stranded processing records of a tenant back to their
// predecessor states. Retry counts and payloads are untouched.
func (s *BoltStore) Recover(tenantID string) (RecoverResult, error) {
	var result RecoverResult
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, processing := range types.ProcessingStates {
			n, err := s.moveAllLocked(tx, tenantID, processing, types.PredecessorOf(processing), func(rec *types.Record) {})
			if err != nil {
				return err
			}
			switch processing {
			case types.StateProcessingSunedu:
				result.SuneduRecovered = n
			case types.StateProcessingMinedu:
				result.MineduRecovered = n
			}
		}
		return nil
	})
	return result, err
}

// RetryTerminal re-queues NOT_FOUND and ERROR_* records of a tenant to
// PENDIENTE, incrementing retry counts and clearing payloads and errors.
func (s *BoltStore) RetryTerminal(tenantID string) (int, error) {
	total := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, state := range types.RetryableStates {
			n, err := s.moveAllLocked(tx, tenantID, state, types.StatePending, func(rec *types.Record) {
				rec.RetryCount++
				rec.SuneduPayload = nil
				rec.MineduPayload = nil
				rec.LastError = ""
			})
			if err != nil {
				return err
			}
			total += n
		}
		return nil
	})
	return total, err
}

// moveAllLocked rewrites every record of tenantID in state from to state to,
// applying mutate to each, inside the caller's write transaction.
func (s *BoltStore) moveAllLocked(tx *bolt.Tx, tenantID string, from, to types.State, mutate func(*types.Record)) (int, error) {
	sb := tx.Bucket(bucketStateIndex)
	rb := tx.Bucket(bucketRecords)
	prefix := stateIdxPrefix(tenantID, from)

	// Collect ids first; mutating the bucket invalidates the cursor.
	var ids []uint64
	c := sb.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		ids = append(ids, u64FromKey(k))
	}

	now := time.Now().UTC()
	for _, id := range ids {
		data := rb.Get(u64Key(id))
		if data == nil {
			continue
		}
		var rec types.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return 0, err
		}
		rec.State = to
		rec.UpdatedAt = now
		mutate(&rec)

		updated, err := json.Marshal(&rec)
		if err != nil {
			return 0, err
		}
		if err := rb.Put(u64Key(id), updated); err != nil {
			return 0, err
		}
		if err := sb.Delete(stateIdxKey(tenantID, from, id)); err != nil {
			return 0, err
		}
		if err := sb.Put(stateIdxKey(tenantID, to, id), nil); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// Clean removes every record and batch of a tenant in one transaction.
func (s *BoltStore) Clean(tenantID string) (CleanResult, error) {
	var result CleanResult
	err := s.db.Update(func(tx *bolt.Tx) error {
		rb := tx.Bucket(bucketRecords)
		sb := tx.Bucket(bucketStateIndex)
		tb := tx.Bucket(bucketTenantIndex)

		prefix := tenantIdxPrefix(tenantID)
		var ids []uint64
		c := tb.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			ids = append(ids, u64FromKey(k))
		}
		for _, id := range ids {
			data := rb.Get(u64Key(id))
			if data != nil {
				var rec types.Record
				if err := json.Unmarshal(data, &rec); err != nil {
					return err
				}
				if err := sb.Delete(stateIdxKey(tenantID, rec.State, id)); err != nil {
					return err
				}
			}
			if err := rb.Delete(u64Key(id)); err != nil {
				return err
			}
			if err := tb.Delete(tenantIdxKey(tenantID, id)); err != nil {
				return err
			}
		}
		result.RecordsDeleted = len(ids)

		bb := tx.Bucket(bucketBatches)
		bi := tx.Bucket(bucketBatchIndex)
		var batchIDs []uint64
		bc := bi.Cursor()
		for k, _ := bc.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = bc.Next() {
			batchIDs = append(batchIDs, u64FromKey(k))
		}
		for _, id := range batchIDs {
			if err := bb.Delete(u64Key(id)); err != nil {
				return err
			}
			if err := bi.Delete(tenantIdxKey(tenantID, id)); err != nil {
				return err
			}
		}
		result.BatchesDeleted = len(batchIDs)
		return nil
	})
	return result, err
}

// Tenants lists every tenant id that owns at least one record. After each
// tenant is seen the cursor jumps past its remaining keys.
func (s *BoltStore) Tenants() ([]string, error) {
	var tenants []string
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTenantIndex).Cursor()
		k, _ := c.First()
		for k != nil {
			sep := bytes.IndexByte(k, keySep)
			if sep < 0 {
				k, _ = c.Next()
				continue
			}
			tenant := string(k[:sep])
			tenants = append(tenants, tenant)
			// Skip to the first key after this tenant's prefix.
			next := append([]byte(tenant), keySep+1)
			k, _ = c.Seek(next)
		}
		return nil
	})
	return tenants, err
}

// migrateLegacyTenants relabels records persisted before the store became
// tenant-scoped. Records without a tenant id are assigned the sentinel
// tenant and re-indexed. Runs on every open; a no-op when none exist.
func (s *BoltStore) migrateLegacyTenants() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		rb := tx.Bucket(bucketRecords)
		sb := tx.Bucket(bucketStateIndex)
		tb := tx.Bucket(bucketTenantIndex)

		var orphans []types.Record
		err := rb.ForEach(func(k, v []byte) error {
			var rec types.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.TenantID == "" {
				orphans = append(orphans, rec)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for i := range orphans {
			rec := &orphans[i]
			rec.TenantID = SentinelTenant
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := rb.Put(u64Key(rec.ID), data); err != nil {
				return err
			}
			if err := sb.Put(stateIdxKey(SentinelTenant, rec.State, rec.ID), nil); err != nil {
				return err
			}
			if err := tb.Put(tenantIdxKey(SentinelTenant, rec.ID), nil); err != nil {
				return err
			}
		}

		bb := tx.Bucket(bucketBatches)
		bi := tx.Bucket(bucketBatchIndex)
		var orphanBatches []types.Batch
		err = bb.ForEach(func(k, v []byte) error {
			var batch types.Batch
			if err := json.Unmarshal(v, &batch); err != nil {
				return err
			}
			if batch.TenantID == "" {
				orphanBatches = append(orphanBatches, batch)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for i := range orphanBatches {
			batch := &orphanBatches[i]
			batch.TenantID = SentinelTenant
			data, err := json.Marshal(batch)
			if err != nil {
				return err
			}
			if err := bb.Put(u64Key(batch.ID), data); err != nil {
				return err
			}
			if err := bi.Put(tenantIdxKey(SentinelTenant, batch.ID), nil); err != nil {
				return err
			}
		}
		return nil
	})
}
