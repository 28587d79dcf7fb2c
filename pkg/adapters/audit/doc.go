// Package audit provides Recorder implementations for the audit trail.
//
// Implementations:
//   - postgres: relational audit store through database/sql and pgx
//   - redis: hashes and per-run streams
//   - memory: in-memory, for tests and single-process use
package audit
