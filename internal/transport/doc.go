// Package transport is the send/listen facade over a modem and an audio
// device. It frames nothing itself: text goes out as one waveform and every
// decoded burst comes back as one EventDataReceived.
package transport
