// Package medium provides audio devices that carry modem waveforms between
// machines instead of through a speaker and microphone: UDP datagrams to a
// fixed peer list, or binary WebSocket messages through a relay. Received
// frames are reordered per sender before the capture loop sees them.
package medium
