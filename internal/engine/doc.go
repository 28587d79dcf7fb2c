// Package engine executes pipeline graphs row by row.
//
// The Orchestrator reads the source, hands each row to the RowProcessor and
// manages sink writes, checkpoints and the run lifecycle. The processor
// moves tokens through transforms, gates, aggregations and coalesce points
// on an explicit work queue, recording every node state, lineage edge and
// terminal outcome through a ports.Recorder.
package engine
