// Package audio holds the sample plumbing under the modem: the Device
// abstraction over a speaker and microphone, an in-process shared medium,
// burst segmentation of the capture stream, sequence reordering for frames
// carried over a network, and WAV conversion.
package audio
