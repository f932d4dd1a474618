package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/audio"
	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/config"
	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/metrics"
	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/modem"
	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/protocol"
	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/squelch"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrBusy            = errors.New("transmission already in progress")
	ErrClosed          = errors.New("transport closed")
)

// Transport sends text as sound and listens for text in captured sound.
// At most one transmission is in flight; a second Send is rejected with ErrBusy.
type Transport struct {
	modem  modem.Modem
	device audio.Device
	logger *slog.Logger
	mx     *metrics.Metrics

	maxLength   int
	volume      atomic.Uint64 // math.Float64bits
	frameSize   int
	guardFrames int

	squelch   *squelch.Detector
	segmenter *audio.Segmenter

	ctx    context.Context
	cancel context.CancelFunc

	sending atomic.Bool
	closed  atomic.Bool

	mu         sync.Mutex
	sendCancel context.CancelFunc
	capturing  bool // capture goroutine running
	listening  bool
	handler    Handler
	discard    bool // drop the open burst before the next frame
}

// New creates a transport over the modem and device
func New(cfg *config.Config, m modem.Modem, dev audio.Device, logger *slog.Logger, mx *metrics.Metrics) (*Transport, error) {
	if m == nil || dev == nil {
		return nil, fmt.Errorf("%w: modem and device are required", ErrInvalidArgument)
	}
	if logger == nil {
		logger = slog.Default()
	}

	det, err := squelch.NewDetector(cfg.Squelch.Threshold, cfg.Squelch.Smoothing)
	if err != nil {
		return nil, fmt.Errorf("failed to create squelch: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		modem:     m,
		device:    dev,
		logger:    logger,
		mx:        mx,
		maxLength: cfg.Transport.MaxPayloadLength,
		frameSize: cfg.Transport.SamplesPerFrame,
		guardFrames: releaseFrames(cfg.Squelch.Threshold, cfg.Squelch.Smoothing) +
			cfg.Squelch.HangoverFrames + 1,
		squelch: det,
		segmenter: audio.NewSegmenter(audio.SegmenterConfig{
			HangoverFrames: cfg.Squelch.HangoverFrames,
			MaxSamples:     cfg.Squelch.GetMaxBurstSamples(cfg.Transport.SampleRate),
			PrerollFrames:  1,
		}),
		ctx:    ctx,
		cancel: cancel,
	}
	if err := t.SetVolume(cfg.Transport.Volume); err != nil {
		cancel()
		return nil, err
	}

	return t, nil
}

// releaseFrames is how many silent frames the squelch needs to fall from full
// scale below the threshold
func releaseFrames(threshold, smoothing float64) int {
	if smoothing <= 0 {
		return 1
	}
	n := math.Log(threshold/math.MaxInt16) / math.Log(smoothing)
	return max(1, int(math.Ceil(n)))
}

// Send transmits data asynchronously. Argument and busy errors are returned
// synchronously; everything after that is reported to h.
func (t *Transport) Send(data string, h Handler) error {
	if data == "" {
		return fmt.Errorf("%w: data is empty", ErrInvalidArgument)
	}
	if n := utf8.RuneCountInString(data); n > t.maxLength {
		return fmt.Errorf("%w: data too long (%d > %d characters)", ErrInvalidArgument, n, t.maxLength)
	}
	if t.closed.Load() {
		return ErrClosed
	}

	// the in-flight slot and its cancel are claimed together so a concurrent
	// Stop always sees the cancel
	t.mu.Lock()
	if !t.sending.CompareAndSwap(false, true) {
		t.mu.Unlock()
		return ErrBusy
	}
	ctx, cancel := context.WithCancel(t.ctx)
	t.sendCancel = cancel
	t.mu.Unlock()

	go t.transmit(ctx, data, h)
	return nil
}

func (t *Transport) transmit(ctx context.Context, data string, h Handler) {
	start := time.Now()
	emit(h, Event{Kind: EventTransmissionStarted, Data: data})

	t.logger.Debug("Transmitting",
		slog.String("data", protocol.Truncate(data)),
	)

	samples, err := t.modem.Encode(data)
	if err == nil {
		err = t.device.Play(ctx, t.shape(samples))
	}

	t.mu.Lock()
	if t.sendCancel != nil {
		t.sendCancel()
		t.sendCancel = nil
	}
	t.sending.Store(false)
	t.mu.Unlock()

	t.mx.RecordTransmission(time.Since(start).Seconds(), err == nil)

	if err != nil {
		t.logger.Warn("Transmission failed",
			slog.String("data", protocol.Truncate(data)),
			slog.String("error", err.Error()),
		)
		emit(h, Event{Kind: EventError, Data: data, Err: err})
		emit(h, Event{Kind: EventTransmissionCompleted, Data: data})
		return
	}

	if f, ok := protocol.Parse(data); ok {
		t.mx.RecordFrameSent(f.Tag.String())
	}
	emit(h, Event{Kind: EventDataSent, Data: data})
	emit(h, Event{Kind: EventTransmissionCompleted, Data: data})
}

// shape scales the waveform by the volume and appends guard silence so the
// receiver closes the burst before the next transmission
func (t *Transport) shape(samples []int16) []int16 {
	vol := t.Volume()
	out := make([]int16, len(samples), len(samples)+t.guardFrames*t.frameSize)
	for i, s := range samples {
		out[i] = int16(math.Round(float64(s) * vol))
	}
	return append(out, make([]int16, t.guardFrames*t.frameSize)...)
}

func emit(h Handler, e Event) {
	if h != nil {
		h(e)
	}
}

// Listen starts delivering captured messages to h. Calling Listen while
// already listening keeps the current handler.
func (t *Transport) Listen(h Handler) error {
	if h == nil {
		return fmt.Errorf("%w: handler is nil", ErrInvalidArgument)
	}
	if t.closed.Load() {
		return ErrClosed
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.listening {
		t.logger.Warn("Already listening")
		return nil
	}

	t.listening = true
	t.handler = h
	t.discard = true
	if !t.capturing {
		t.capturing = true
		go t.captureLoop()
	}

	t.mx.SetListening(true)
	t.logger.Debug("Listening started")
	return nil
}

// captureLoop reads the device until the transport closes or the device
// fails. Frames heard while not listening are read and discarded.
func (t *Transport) captureLoop() {
	for {
		frame, err := t.device.Read(t.ctx)
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			t.captureFailed(err)
			return
		}

		t.mu.Lock()
		listening, h, discard := t.listening, t.handler, t.discard
		t.discard = false
		t.mu.Unlock()

		if discard {
			t.segmenter.Flush()
			t.squelch.Reset()
		}
		if !listening {
			continue
		}

		res, err := t.squelch.Process(frame)
		if err != nil {
			continue
		}
		burst := t.segmenter.Feed(frame, res.Active)
		if burst == nil {
			continue
		}

		text, ok := t.modem.Decode(burst)
		t.mx.RecordBurst(ok)
		if !ok {
			t.logger.Debug("Burst did not decode", slog.Int("samples", len(burst)))
			continue
		}

		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}

		// the handler may have been dropped while decoding
		t.mu.Lock()
		if !t.listening {
			h = nil
		}
		t.mu.Unlock()
		emit(h, Event{Kind: EventDataReceived, Data: text})
	}
}

func (t *Transport) captureFailed(err error) {
	t.mu.Lock()
	h := t.handler
	if !t.listening {
		h = nil
	}
	t.capturing = false
	t.listening = false
	t.handler = nil
	t.mu.Unlock()

	t.mx.SetListening(false)
	t.logger.Error("Capture failed", slog.String("error", err.Error()))
	emit(h, Event{Kind: EventError, Err: err})
}

// Stop stops listening and cancels any pending transmission. It is safe to
// call at any time, including from a Handler.
func (t *Transport) Stop() {
	t.mu.Lock()
	wasListening := t.listening
	t.listening = false
	t.handler = nil
	if t.sendCancel != nil {
		t.sendCancel()
		t.sendCancel = nil
	}
	t.mu.Unlock()

	if wasListening {
		t.mx.SetListening(false)
		t.logger.Debug("Listening stopped")
	}
}

// IsListening reports whether captured messages are being delivered
func (t *Transport) IsListening() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listening
}

// IsSending reports whether a transmission is in flight
func (t *Transport) IsSending() bool {
	return t.sending.Load()
}

// SetVolume sets the playback scale in [0, 1]
func (t *Transport) SetVolume(v float64) error {
	if math.IsNaN(v) || v < 0 || v > 1 {
		return fmt.Errorf("%w: volume must be between 0 and 1, got %v", ErrInvalidArgument, v)
	}
	t.volume.Store(math.Float64bits(v))
	return nil
}

// Volume returns the playback scale
func (t *Transport) Volume() float64 {
	return math.Float64frombits(t.volume.Load())
}

// Stats represents transport statistics
type Stats struct {
	Listening bool                 `json:"listening"`
	Sending   bool                 `json:"sending"`
	Volume    float64              `json:"volume"`
	Squelch   squelch.Stats        `json:"squelch"`
	Segmenter audio.SegmenterStats `json:"segmenter"`
}

// GetStats returns transport statistics
func (t *Transport) GetStats() Stats {
	return Stats{
		Listening: t.IsListening(),
		Sending:   t.IsSending(),
		Volume:    t.Volume(),
		Squelch:   t.squelch.GetStats(),
		Segmenter: t.segmenter.GetStats(),
	}
}

// Close stops the transport and releases the device. It does not wait for
// transport goroutines, so it may be called from a Handler.
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	t.Stop()
	t.cancel()

	if err := t.device.Close(); err != nil {
		return fmt.Errorf("failed to close audio device: %w", err)
	}
	return nil
}
