// Package store persists the peer registry and transfer log in SQLite.
// A Store satisfies workflow.Recorder.
package store
