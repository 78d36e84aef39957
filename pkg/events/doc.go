// Package events provides a lightweight in-process publish/subscribe broker
// for pipeline events (batch creation, worker lifecycle, retries, session
// eviction). Subscribers receive events on buffered channels; slow
// subscribers drop events rather than block the pipeline.
package events
