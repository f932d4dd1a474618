// Package protocol implements the text framing spoken between two engines.
// Every frame is a tag prefix followed by its payload; prefixes are distinct
// so decoded text dispatches by plain prefix match. It also carries the JSON
// payment hand-off message a customer device sends to a terminal.
package protocol
