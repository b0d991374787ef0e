// Package jobpool is a bounded-concurrency background job scheduler.
//
// A Registry holds named pools. Each Pool accepts fire-and-forget jobs,
// drops submissions whose identity is already pending or running, and
// promotes pending jobs to running on a fixed tick without exceeding the
// pool's limit.
//
// Every pool is an actor: a single goroutine owns the pending and running
// sets, and all public methods are messages sent to it. Job bodies run on
// their own goroutines (Func) or on the pool's worker executor (SyncFunc).
// Their results go to a per-pool reaper, which classifies and logs the
// outcome and then asks the actor to reclaim the slot.
package jobpool
