// Package storage holds the checkpoint stores behind ports.CheckpointStore.
//
// The redis store keeps one JSON document per run with a TTL, badger keeps
// it on local disk, and memory is for tests and single-process use. All of
// them refuse to overwrite a checkpoint with an older sequence number.
package storage
