/*
Package storage provides BoltDB-backed persistence for the validation
pipeline's batches and records.

The storage package implements the Store interface using BoltDB as the
underlying database, providing ACID transactions for every state change.
All data is serialized as JSON; composite index buckets keep claim and
projection queries cheap.

# Architecture

A single file (<dataDir>/dnipipe.db) holds everything:

	┌──────────────────── BOLTDB STORAGE ──────────────────────┐
	│                                                           │
	│  ┌────────────────────────────────────────────┐           │
	│  │ batches            u64(id) → Batch JSON    │           │
	│  │ batch_tenant_idx   tenant|id → nil         │           │
	│  │ records            u64(id) → Record JSON   │           │
	│  │ record_state_idx   tenant|state|id → nil   │           │
	│  │ record_tenant_idx  tenant|id → nil         │           │
	│  │ meta               schema_version          │           │
	│  └────────────────────────────────────────────┘           │
	│                                                           │
	└───────────────────────────────────────────────────────────┘

record_state_idx keys sort by (tenant, state, big-endian record id), so the
first entry under a (tenant, state) prefix is always the oldest eligible
record. Claim seeks that entry, flips the record to its processing state,
and rewrites the index, all inside one db.Update, which BoltDB serializes
against every other writer. That single property enforces both FIFO dispatch
and at-most-one concurrent processor per record.

# Concurrency

  - Reads use db.View and run concurrently with the single writer.
  - Every state change (claim, settle, recover, retry, clean) is one
    committed write transaction; a failed transaction changes nothing.
  - The file lock is acquired with a 5 s busy-wait timeout.

# Migration

Databases written before the store became tenant-scoped may hold records and
batches without a tenant id. On every open those are relabeled to the
sentinel tenant "__legacy__" and re-indexed; cmd/dnipipe-migrate performs the
same relabel as an explicit offline step with a backup.
*/
package storage
