// Package ports declares the interfaces the engine consumes: the plugin
// roles (source, transform, batch transform, gate, sink), the audit
// recorder, checkpoint storage, the run event bus and metrics.
//
// Adapters under pkg/adapters implement the infrastructure ports; plugins
// under pkg/plugins implement the plugin roles.
package ports
