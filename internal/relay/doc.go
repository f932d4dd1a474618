// Package relay is a WebSocket hub that stands in for shared air between
// devices on different machines. Each binary message a client sends is
// forwarded unchanged to every other client.
package relay
