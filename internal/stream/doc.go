// Package stream tracks remote audio senders for network media. Each sender
// gets a session holding a reorder buffer; senders that stop sending are
// removed after a configurable timeout.
package stream
