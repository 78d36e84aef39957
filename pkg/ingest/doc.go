// Package ingest parses uploaded DNI files (.xlsx, .xls, .csv, .txt),
// applying the cleaning rule and the eight-digit validation predicate and
// de-duplicating accepted entries in first-seen order.
package ingest
