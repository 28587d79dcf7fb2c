// Package graph builds and validates execution graphs.
//
// A graph has exactly one source and any number of transforms, gates,
// aggregations, coalesce joins and sinks. The builder assigns each node a
// stable id and a step (its position in topological order) and computes a
// hash of the whole graph used to match checkpoints on resume.
package graph
