package workflow

import (
	"log/slog"
	"time"

	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/events"
	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/metrics"
)

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the engine logger
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithDeviceID sets the id announced when accepting a pairing request.
// InitiatePairing replaces it with the id it is given.
func WithDeviceID(id string) Option {
	return func(e *Engine) {
		if id != "" {
			e.myID = id
		}
	}
}

// WithPairingTimeout sets the WaitForPairing default
func WithPairingTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.pairingTimeout = d
		}
	}
}

// WithInitiatorTimeout bounds how long InitiatePairing waits for an answer.
// Zero disables it.
func WithInitiatorTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.initiatorTimeout = d
	}
}

// WithMaxPayloadLength sets the largest frame, prefix included, in characters
func WithMaxPayloadLength(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxLength = n
		}
	}
}

// WithAcks makes the engine answer every received DATA frame with an ACK
func WithAcks(enabled bool) Option {
	return func(e *Engine) {
		e.sendAcks = enabled
	}
}

// WithBus publishes engine events on bus
func WithBus(bus *events.Bus) Option {
	return func(e *Engine) {
		e.bus = bus
	}
}

// WithMetrics records engine metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.mx = m
	}
}

// WithRecorder persists pairings and transfers
func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		e.recorder = r
	}
}
