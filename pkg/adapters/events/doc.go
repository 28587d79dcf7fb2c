// Package events provides ports.EventBus implementations for run
// lifecycle events.
//
// Implementations:
//   - redis: Redis Streams with consumer groups
//   - memory: in-process, synchronous delivery
package events
