// Package metrics defines the Prometheus collectors exported by a SoundLink
// node: transport, workflow, network medium, relay and HTTP API.
package metrics
