/*
Package types defines the core data structures used throughout dnipipe.

This package contains the fundamental types of the validation pipeline:
batches, records, the nine-value record state machine, and the stage
specifications that parameterize the two worker loops (Sunedu and Minedu).
These types are used by all other packages for persistence, worker
dispatch, and API responses.

# State machine

A record moves through exactly these states:

	PENDIENTE ──claim──▶ PROCESANDO_SUNEDU ──settle──▶ FOUND_SUNEDU (terminal)
	                            │                  └──▶ ERROR_SUNEDU (terminal)
	                            └──────settle─────────▶ CHECK_MINEDU
	CHECK_MINEDU ─claim─▶ PROCESANDO_MINEDU ─settle──▶ FOUND_MINEDU (terminal)
	                            │                  └──▶ ERROR_MINEDU (terminal)
	                            └──────settle─────────▶ NOT_FOUND   (terminal)

Recovery demotes PROCESANDO_SUNEDU back to PENDIENTE and PROCESANDO_MINEDU
back to CHECK_MINEDU. Retry re-queues any terminal state to PENDIENTE.

All types are designed to be:
  - Serializable (JSON, both for bbolt values and API responses)
  - Tenant-scoped (every batch and record carries a TenantID)
  - Self-documenting (string constants for enums, validation helpers)
*/
package types
