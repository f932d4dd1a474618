package transport

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/audio"
	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/config"
	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/modem"
	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/squelch"
)

// Render returns the waveform Send would play for data, guard silence included
func (t *Transport) Render(data string) ([]int16, error) {
	if data == "" {
		return nil, fmt.Errorf("%w: data is empty", ErrInvalidArgument)
	}
	if n := utf8.RuneCountInString(data); n > t.maxLength {
		return nil, fmt.Errorf("%w: data too long (%d > %d characters)", ErrInvalidArgument, n, t.maxLength)
	}
	samples, err := t.modem.Encode(data)
	if err != nil {
		return nil, err
	}
	return t.shape(samples), nil
}

// DecodeRecording runs a recording through the same squelch and burst
// segmentation as live capture and returns every message it decodes, in order.
func DecodeRecording(cfg *config.Config, m modem.Modem, samples []int16) ([]string, error) {
	det, err := squelch.NewDetector(cfg.Squelch.Threshold, cfg.Squelch.Smoothing)
	if err != nil {
		return nil, fmt.Errorf("failed to create squelch: %w", err)
	}
	seg := audio.NewSegmenter(audio.SegmenterConfig{
		HangoverFrames: cfg.Squelch.HangoverFrames,
		MaxSamples:     cfg.Squelch.GetMaxBurstSamples(cfg.Transport.SampleRate),
		PrerollFrames:  1,
	})

	var out []string
	decode := func(burst []int16) {
		if burst == nil {
			return
		}
		if text, ok := m.Decode(burst); ok {
			if text = strings.TrimSpace(text); text != "" {
				out = append(out, text)
			}
		}
	}

	for _, frame := range audio.SplitFrames(samples, cfg.Transport.SamplesPerFrame) {
		res, err := det.Process(frame)
		if err != nil {
			continue
		}
		decode(seg.Feed(frame, res.Active))
	}
	decode(seg.Flush())

	return out, nil
}
