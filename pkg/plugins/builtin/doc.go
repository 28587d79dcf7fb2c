// Package builtin provides small reference plugins: a JSON Lines source
// and sink, expression driven field and routing plugins, a list exploder
// and a numeric batch summary.
//
// Plugins are constructed from typed options. internal/pipeline decodes
// those options from pipeline YAML.
package builtin
