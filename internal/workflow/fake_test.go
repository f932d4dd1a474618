package workflow

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/transport"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeLink records sends and lets tests inject received text and failures.
// Sends complete synchronously unless hold is set.
type fakeLink struct {
	mu        sync.Mutex
	sent      []string
	handler   transport.Handler
	listening bool
	stops     int
	closes    int
	sendErr   error
	listenErr error
	hold      bool
	pending   []transport.Handler
}

func (l *fakeLink) Send(data string, h transport.Handler) error {
	l.mu.Lock()
	if l.sendErr != nil {
		err := l.sendErr
		l.mu.Unlock()
		return err
	}
	l.sent = append(l.sent, data)
	if l.hold {
		l.pending = append(l.pending, h)
		l.mu.Unlock()
		h(transport.Event{Kind: transport.EventTransmissionStarted, Data: data})
		return nil
	}
	l.mu.Unlock()

	h(transport.Event{Kind: transport.EventTransmissionStarted, Data: data})
	h(transport.Event{Kind: transport.EventDataSent, Data: data})
	h(transport.Event{Kind: transport.EventTransmissionCompleted, Data: data})
	return nil
}

// finish completes the oldest held send, with err if non-nil
func (l *fakeLink) finish(err error) {
	l.mu.Lock()
	h := l.pending[0]
	l.pending = l.pending[1:]
	l.mu.Unlock()

	if err != nil {
		h(transport.Event{Kind: transport.EventError, Err: err})
	} else {
		h(transport.Event{Kind: transport.EventDataSent})
	}
	h(transport.Event{Kind: transport.EventTransmissionCompleted})
}

func (l *fakeLink) Listen(h transport.Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listenErr != nil {
		return l.listenErr
	}
	if !l.listening {
		l.listening = true
		l.handler = h
	}
	return nil
}

func (l *fakeLink) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listening = false
	l.handler = nil
	l.stops++
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closes++
	return nil
}

func (l *fakeLink) current() transport.Handler {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handler
}

// hear delivers text as if decoded from the air
func (l *fakeLink) hear(text string) {
	if h := l.current(); h != nil {
		h(transport.Event{Kind: transport.EventDataReceived, Data: text})
	}
}

func (l *fakeLink) captureFails(err error) {
	h := l.current()
	l.Stop()
	if h != nil {
		h(transport.Event{Kind: transport.EventError, Err: err})
	}
}

func (l *fakeLink) sentFrames() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.sent...)
}

func (l *fakeLink) isListening() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.listening
}

// pairingRecorder is a PairingCallback that records every call
type pairingRecorder struct {
	mu        sync.Mutex
	successes []string
	requests  []string
	failures  []string
	timeouts  int
	responses []PairingResponse
	onRequest func(peer string, r PairingResponse)
	done      chan struct{}
	once      sync.Once
}

func newPairingRecorder() *pairingRecorder {
	return &pairingRecorder{done: make(chan struct{})}
}

func (p *pairingRecorder) finish() {
	p.once.Do(func() { close(p.done) })
}

func (p *pairingRecorder) OnPairingSuccess(peerID string) {
	p.mu.Lock()
	p.successes = append(p.successes, peerID)
	p.mu.Unlock()
	p.finish()
}

func (p *pairingRecorder) OnPairingRequest(peerID string, r PairingResponse) {
	p.mu.Lock()
	p.requests = append(p.requests, peerID)
	p.responses = append(p.responses, r)
	fn := p.onRequest
	p.mu.Unlock()
	if fn != nil {
		fn(peerID, r)
	}
}

func (p *pairingRecorder) OnPairingFailed(reason string) {
	p.mu.Lock()
	p.failures = append(p.failures, reason)
	p.mu.Unlock()
	p.finish()
}

func (p *pairingRecorder) OnPairingTimeout() {
	p.mu.Lock()
	p.timeouts++
	p.mu.Unlock()
	p.finish()
}

// terminal counts session-ending callbacks
func (p *pairingRecorder) terminal() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.successes) + len(p.failures) + p.timeouts
}

func (p *pairingRecorder) wait(t *testing.T, timeout time.Duration) {
	t.Helper()
	select {
	case <-p.done:
	case <-time.After(timeout):
		t.Fatalf("pairing did not finish within %v", timeout)
	}
}

func (p *pairingRecorder) snapshot() (successes, requests, failures []string, timeouts int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.successes...),
		append([]string(nil), p.requests...),
		append([]string(nil), p.failures...),
		p.timeouts
}

// transferRecorder is a TransferCallback that records every call
type transferRecorder struct {
	mu        sync.Mutex
	successes []string
	received  []string
	failures  []string
	progress  []int
	events    chan string
}

func newTransferRecorder() *transferRecorder {
	return &transferRecorder{events: make(chan string, 32)}
}

func (r *transferRecorder) OnTransferSuccess(data string) {
	r.mu.Lock()
	r.successes = append(r.successes, data)
	r.mu.Unlock()
	r.events <- "success:" + data
}

func (r *transferRecorder) OnDataReceived(data string) {
	r.mu.Lock()
	r.received = append(r.received, data)
	r.mu.Unlock()
	r.events <- "received:" + data
}

func (r *transferRecorder) OnTransferFailed(reason string) {
	r.mu.Lock()
	r.failures = append(r.failures, reason)
	r.mu.Unlock()
	r.events <- "failed:" + reason
}

func (r *transferRecorder) OnTransferProgress(percent int) {
	r.mu.Lock()
	r.progress = append(r.progress, percent)
	r.mu.Unlock()
}

func (r *transferRecorder) next(t *testing.T, timeout time.Duration) string {
	t.Helper()
	select {
	case e := <-r.events:
		return e
	case <-time.After(timeout):
		t.Fatalf("no transfer callback within %v", timeout)
		return ""
	}
}

func (r *transferRecorder) progressSeen() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.progress...)
}

// requireInvariant checks that a peer id is held exactly in PAIRED and TRANSFERRING
func requireInvariant(t *testing.T, e *Engine) {
	t.Helper()
	s := e.Status()
	holding := s.State == StatePaired.String() || s.State == StateTransferring.String()
	require.Equal(t, holding, s.PairedDeviceID != "",
		"state %s with paired id %q", s.State, s.PairedDeviceID)
}

func assertState(t *testing.T, e *Engine, want State) {
	t.Helper()
	assert.Equal(t, want, e.State())
	requireInvariant(t, e)
}
