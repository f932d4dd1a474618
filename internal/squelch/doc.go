// Package squelch gates the capture loop: frames whose energy stays below the
// threshold are treated as silence and never reach the modem decoder.
package squelch
