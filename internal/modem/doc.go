// Package modem turns short text messages into multi-tone FSK waveforms and
// back. Profiles select the frequency band and symbol length; decoding is
// checksummed so foreign sounds and damaged bursts are rejected rather than
// misread.
package modem
