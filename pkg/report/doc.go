/*
Package report serves the read side of the pipeline.

The Reporter projects tenant records into the status payload (counts by
state, completion and progress, a derived per-stage pipeline view, retry
eligibility), paginated listings, and the flattened export shape. WriteXLSX
renders export rows into the three-sheet workbook operators download: all
records, Sunedu hits, and Minedu hits, with rows tinted by outcome.

Every query is tenant-scoped. Payload fields are promoted into columns by
well-known field name and tolerate absence.
*/
package report
