// Command dnipipe-migrate relabels records and batches persisted before the
// store became tenant-aware. Tenant-less rows are assigned the sentinel
// tenant and their index entries are rebuilt, so a session using the
// sentinel id can keep working with pre-migration data.
package main

import (
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

const sentinelTenant = "__legacy__"

const keySep = 0x00

var (
	bucketBatches     = []byte("batches")
	bucketBatchIndex  = []byte("batch_tenant_idx")
	bucketRecords     = []byte("records")
	bucketStateIndex  = []byte("record_state_idx")
	bucketTenantIndex = []byte("record_tenant_idx")
)

var (
	dataDir    = flag.String("data-dir", "data", "dnipipe data directory")
	dryRun     = flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	backupPath = flag.String("backup", "", "Path to backup the database before migration (default: <data-dir>/dnipipe.db.backup)")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("dnipipe Database Migration Tool - Legacy tenant relabel")
	log.Println("=======================================================")

	dbPath := filepath.Join(*dataDir, "dnipipe.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		log.Fatalf("Database not found at %s", dbPath)
	}

	log.Printf("Database: %s", dbPath)
	log.Printf("Dry run: %v", *dryRun)

	if !*dryRun {
		backupFile := *backupPath
		if backupFile == "" {
			backupFile = dbPath + ".backup"
		}
		log.Printf("Creating backup: %s", backupFile)
		if err := copyFile(dbPath, backupFile); err != nil {
			log.Fatalf("Failed to create backup: %v", err)
		}
		log.Println("Backup created successfully")
	}

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if err := relabelLegacy(db, *dryRun); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	if *dryRun {
		log.Println("Dry run completed. No changes made.")
		log.Println("Run without --dry-run to perform the migration.")
	} else {
		log.Println("Migration completed successfully.")
	}
}

// row is the subset of the persisted shape the migration touches. Decoding
// into a map keeps every other field intact on re-encode.
type row map[string]interface{}

func (r row) tenant() string {
	t, _ := r["tenant_id"].(string)
	return t
}

func (r row) id() uint64 {
	// JSON numbers decode as float64.
	f, _ := r["id"].(float64)
	return uint64(f)
}

func (r row) state() string {
	s, _ := r["state"].(string)
	return s
}

func relabelLegacy(db *bolt.DB, dryRun bool) error {
	var orphanRecords, orphanBatches int

	err := db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(bucketRecords); b != nil {
			b.ForEach(func(k, v []byte) error {
				var rec row
				if err := json.Unmarshal(v, &rec); err != nil {
					log.Printf("Warning: skipping invalid JSON for record key %x: %v", k, err)
					return nil
				}
				if rec.tenant() == "" {
					orphanRecords++
				}
				return nil
			})
		}
		if b := tx.Bucket(bucketBatches); b != nil {
			b.ForEach(func(k, v []byte) error {
				var batch row
				if err := json.Unmarshal(v, &batch); err != nil {
					log.Printf("Warning: skipping invalid JSON for batch key %x: %v", k, err)
					return nil
				}
				if batch.tenant() == "" {
					orphanBatches++
				}
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Printf("Found %d tenant-less records and %d tenant-less batches", orphanRecords, orphanBatches)
	if orphanRecords == 0 && orphanBatches == 0 {
		log.Println("Nothing to migrate, database is already tenant-aware")
		return nil
	}

	if dryRun {
		log.Println("[DRY RUN] Would perform the following operations:")
		log.Printf("1. Relabel %d records to tenant %q", orphanRecords, sentinelTenant)
		log.Printf("2. Relabel %d batches to tenant %q", orphanBatches, sentinelTenant)
		log.Println("3. Rebuild state and tenant index entries for relabeled rows")
		return nil
	}

	return db.Update(func(tx *bolt.Tx) error {
		if err := relabelRecords(tx); err != nil {
			return err
		}
		return relabelBatches(tx)
	})
}

func relabelRecords(tx *bolt.Tx) error {
	rb := tx.Bucket(bucketRecords)
	if rb == nil {
		return nil
	}
	sb := tx.Bucket(bucketStateIndex)
	tb := tx.Bucket(bucketTenantIndex)

	// Collect before mutating; bbolt forbids writes during ForEach.
	type pending struct {
		key []byte
		rec row
	}
	var orphans []pending
	err := rb.ForEach(func(k, v []byte) error {
		var rec row
		if err := json.Unmarshal(v, &rec); err != nil {
			return nil
		}
		if rec.tenant() == "" {
			orphans = append(orphans, pending{key: append([]byte(nil), k...), rec: rec})
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, o := range orphans {
		o.rec["tenant_id"] = sentinelTenant
		data, err := json.Marshal(o.rec)
		if err != nil {
			return fmt.Errorf("failed to encode record %d: %w", o.rec.id(), err)
		}
		if err := rb.Put(o.key, data); err != nil {
			return err
		}
		if sb != nil {
			if err := sb.Put(stateIdxKey(sentinelTenant, o.rec.state(), o.rec.id()), nil); err != nil {
				return err
			}
		}
		if tb != nil {
			if err := tb.Put(tenantIdxKey(sentinelTenant, o.rec.id()), nil); err != nil {
				return err
			}
		}
	}
	log.Printf("Relabeled %d records", len(orphans))
	return nil
}

func relabelBatches(tx *bolt.Tx) error {
	bb := tx.Bucket(bucketBatches)
	if bb == nil {
		return nil
	}
	bi := tx.Bucket(bucketBatchIndex)

	type pending struct {
		key   []byte
		batch row
	}
	var orphans []pending
	err := bb.ForEach(func(k, v []byte) error {
		var batch row
		if err := json.Unmarshal(v, &batch); err != nil {
			return nil
		}
		if batch.tenant() == "" {
			orphans = append(orphans, pending{key: append([]byte(nil), k...), batch: batch})
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, o := range orphans {
		o.batch["tenant_id"] = sentinelTenant
		data, err := json.Marshal(o.batch)
		if err != nil {
			return fmt.Errorf("failed to encode batch %d: %w", o.batch.id(), err)
		}
		if err := bb.Put(o.key, data); err != nil {
			return err
		}
		if bi != nil {
			if err := bi.Put(tenantIdxKey(sentinelTenant, o.batch.id()), nil); err != nil {
				return err
			}
		}
	}
	log.Printf("Relabeled %d batches", len(orphans))
	return nil
}

// Key encoding mirrors the store: tenant|0x00|state|0x00|u64be(id) for the
// state index, tenant|0x00|u64be(id) for the tenant indexes.

func u64Key(id uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, id)
	return k
}

func stateIdxKey(tenant, state string, id uint64) []byte {
	k := make([]byte, 0, len(tenant)+len(state)+10)
	k = append(k, tenant...)
	k = append(k, keySep)
	k = append(k, state...)
	k = append(k, keySep)
	return append(k, u64Key(id)...)
}

func tenantIdxKey(tenant string, id uint64) []byte {
	k := make([]byte, 0, len(tenant)+9)
	k = append(k, tenant...)
	k = append(k, keySep)
	return append(k, u64Key(id)...)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
