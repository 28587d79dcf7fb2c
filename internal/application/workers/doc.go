// Package workers implements the worker pool that executes pipeline runs.
//
// The pool runs a fixed number of goroutines pulling jobs from a bounded
// queue. Each job is one run, so the pool size caps concurrent runs.
// The health monitor tracks worker status and reports it as metrics.
package workers
