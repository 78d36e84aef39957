/*
Package processor defines the stage capability consumed by worker loops.

A Processor takes a driver handle and one DNI and reports Found (with an
opaque payload), NotFound (with a reason), or an ExhaustedError once its
internal retry policy gives up. Processors never touch the store; settling
is the worker's job.

Drivers model automated browser sessions. They are scarce: the orchestrator
acquires one per worker at start and the worker releases it on every exit
path. Real scraper drivers live outside this module; the Simulated processor
and NullDriverFactory keep the server runnable without them.
*/
package processor
