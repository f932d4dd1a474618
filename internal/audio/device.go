package audio

import (
	"context"
	"errors"
)

// ErrClosed is returned by a Device after Close
var ErrClosed = errors.New("audio device closed")

// Device is an exclusive audio endpoint: one speaker and one microphone.
// Play blocks until the waveform has been emitted. Read blocks until one
// captured frame is available; a device with nothing to hear returns silence
// at its capture interval so consumers see time pass.
type Device interface {
	Play(ctx context.Context, samples []int16) error
	Read(ctx context.Context) ([]int16, error)
	Close() error
}

// SplitFrames cuts samples into frames of frameSize, zero-padding the last one
func SplitFrames(samples []int16, frameSize int) [][]int16 {
	if frameSize <= 0 || len(samples) == 0 {
		return nil
	}

	frames := make([][]int16, 0, (len(samples)+frameSize-1)/frameSize)
	for start := 0; start < len(samples); start += frameSize {
		f := make([]int16, frameSize)
		copy(f, samples[start:min(start+frameSize, len(samples))])
		frames = append(frames, f)
	}
	return frames
}
