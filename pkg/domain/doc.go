// Package domain holds the value types shared by the engine, its plugins and
// the audit recorder: tokens, row outcomes, node states, batches, plugin
// results, run summaries, checkpoints and the engine's error vocabulary.
//
// Outcomes, node states, transform results and routing actions are closed
// sum types: each is an interface with an unexported marker method, so the
// set of variants is fixed by this package and consumers switch on the
// concrete type.
package domain
