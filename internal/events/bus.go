package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Type classifies an engine event
type Type string

const (
	TypeStateChanged      Type = "state_changed"
	TypePairingStarted    Type = "pairing_started"
	TypePairingRequest    Type = "pairing_request"
	TypePaired            Type = "paired"
	TypePairingFailed     Type = "pairing_failed"
	TypePairingTimeout    Type = "pairing_timeout"
	TypeUnpaired          Type = "unpaired"
	TypeTransferStarted   Type = "transfer_started"
	TypeTransferCompleted Type = "transfer_completed"
	TypeTransferFailed    Type = "transfer_failed"
	TypeDataReceived      Type = "data_received"
	TypeAckReceived       Type = "ack_received"
	TypeCancelled         Type = "cancelled"
)

// Event is the JSON envelope published to subscribers
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	State     string    `json:"state,omitempty"`
	PeerID    string    `json:"peer_id,omitempty"`
	Data      string    `json:"data,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// Option configures a Bus
type Option func(*Bus)

// WithBufferSize sets each subscriber's channel capacity
func WithBufferSize(size int) Option {
	return func(b *Bus) {
		if size > 0 {
			b.bufferSize = size
		}
	}
}

// WithHistory keeps the last n events for late subscribers
func WithHistory(n int) Option {
	return func(b *Bus) {
		b.historySize = n
	}
}

// WithLogger sets the logger used to report dropped events
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

type subscriber struct {
	ch chan Event
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	bufferSize  int
	historySize int
	logger      *slog.Logger

	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	history []Event

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewBus creates an event bus
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		bufferSize: 64,
		logger:     slog.Default(),
		subs:       make(map[*subscriber]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a subscriber. The returned function unsubscribes and
// closes the channel; it is safe to call more than once.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, b.bufferSize)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

// Publish sends e to every subscriber
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.published.Add(1)

	b.mu.Lock()
	if b.historySize > 0 {
		b.history = append(b.history, e)
		if len(b.history) > b.historySize {
			b.history = b.history[len(b.history)-b.historySize:]
		}
	}
	b.mu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
			b.logger.Debug("Dropping event for slow subscriber", slog.String("type", string(e.Type)))
		}
	}
}

// History returns a copy of the retained events, oldest first
func (b *Bus) History() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Event, len(b.history))
	copy(out, b.history)
	return out
}

// Len returns the current subscriber count
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Stats represents bus statistics
type Stats struct {
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
}

// GetStats returns bus statistics
func (b *Bus) GetStats() Stats {
	return Stats{
		Subscribers: b.Len(),
		Published:   b.published.Load(),
		Dropped:     b.dropped.Load(),
	}
}
