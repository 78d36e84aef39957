/*
Package worker implements the stage worker loop.

One loop exists per (tenant, stage). Each iteration observes the pause and
stop signals, atomically claims the oldest eligible record, invokes the
stage processor, and settles the outcome:

	claim source → processing
	    Found            → success state, payload persisted
	    NotFound         → forward state (next stage or terminal NOT_FOUND)
	    ExhaustedError   → error state, reason persisted
	    panic / unknown  → error state, reason prefixed "worker:"

Settle requires the record to still be in the processing state, so a
recovery that ran out-of-band turns the settle into a logged no-op. Between
records the loop sleeps a uniform jitter to pace portal traffic.
*/
package worker
