/*
Package api is the HTTP control plane of the validation pipeline.

Every tenant-scoped route sits behind the session middleware: the caller
identifies itself with the X-Session-ID header (at least eight characters)
and every request touches the session registry, deferring idle eviction.

	POST /api/upload          ingest a DNI file into a batch
	GET  /api/status          tenant status projection
	GET  /api/records         paginated record listing
	GET  /api/batches         batch listing
	GET  /api/export          styled xlsx download
	POST /api/workers/start   start (or resume) the tenant's worker pair
	POST /api/workers/stop    stop the tenant's workers
	POST /api/workers/pause   pause between records
	POST /api/workers/resume  clear the pause flag
	GET  /api/workers/status  running/paused flags
	POST /api/retry           re-queue failed records
	POST /api/recover         demote stranded records
	POST /api/clean           delete the tenant's records and batches
	GET  /api/events          server-sent event stream

/health, /ready, /metrics and GET /api/server/stats are global.

Errors are JSON bodies with a single "error" message. Starting workers past
the global budget returns 503 with current occupancy.
*/
package api
