/*
Package session tracks tenant sessions process-wide.

The Manager is the one deliberate singleton of the system: a registry
mapping tenant ids to their orchestrator, last-activity time, and worker
count, plus a global worker counter checked against MAX_GLOBAL_WORKERS
before any start is admitted. A janitor goroutine sweeps sessions that have
been idle past SESSION_IDLE_TIMEOUT and are not running workers. Drain
stops everything on process shutdown.
*/
package session
