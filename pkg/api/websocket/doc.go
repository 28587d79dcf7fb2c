// Package websocket provides real-time run event streaming via WebSocket.
//
// Clients connect to /api/v1/runs/:id/ws and receive the lifecycle events
// of that run as JSON text messages.
package websocket
