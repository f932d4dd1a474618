// Package server exposes the workflow engine over HTTP: pairing and transfer
// control, state and history queries, Prometheus metrics and a WebSocket
// stream of engine events.
package server
