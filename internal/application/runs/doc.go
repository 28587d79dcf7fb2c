// Package runs manages pipeline runs on behalf of the API.
//
// The manager:
//   - Holds the registered pipeline definitions
//   - Builds a fresh graph per run and queues it on the worker pool
//   - Tracks run status, cancellation and resumption
//   - Falls back to the audit trail for runs it is not tracking
//
// Cancelling a run interrupts it at the next row boundary; the engine
// checkpoints it so Resume can continue where it stopped.
package runs
