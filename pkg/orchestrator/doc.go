/*
Package orchestrator manages the worker goroutines of one tenant session.

Each orchestrator carries exactly two cooperative signals: a stop signal
(context cancellation, set once) and a pause flag (toggleable). Workers
observe both at one point per iteration, before claiming. Start acquires a
fresh driver per worker and guarantees its release on every exit path,
including worker panic; Stop joins the workers with a bounded timeout that
accommodates browser teardown.
*/
package orchestrator
