// Package http provides the HTTP REST API implementation.
//
// The HTTP server exposes endpoints for:
//   - Pipeline listing
//   - Run submission, cancellation and resumption
//   - Run status and audit queries (node states, outcomes)
//   - Worker pool status and health checks
//   - Prometheus metrics
package http
