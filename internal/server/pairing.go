package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/workflow"
)

// pairingResult is how one pairing session ended
type pairingResult struct {
	PeerID string `json:"peer_id,omitempty"`
	Err    error  `json:"-"`
}

// PendingRequest is an inbound pairing request awaiting an API decision
type PendingRequest struct {
	PeerID     string    `json:"peer_id"`
	ReceivedAt time.Time `json:"received_at"`
}

// pairingWaiter is the PairingCallback behind the pairing endpoints. Inbound
// requests are held until accepted or rejected over the API, or accepted at
// once when autoAccept is set.
type pairingWaiter struct {
	autoAccept bool
	logger     *slog.Logger
	onPaired   func(peerID string)

	mu      sync.Mutex
	pending map[string]pendingEntry

	done   chan struct{}
	once   sync.Once
	result pairingResult
}

type pendingEntry struct {
	resp       workflow.PairingResponse
	receivedAt time.Time
}

var (
	errNoPendingRequest = errors.New("no pending pairing request from that device")
)

func newPairingWaiter(autoAccept bool, logger *slog.Logger, onPaired func(string)) *pairingWaiter {
	return &pairingWaiter{
		autoAccept: autoAccept,
		logger:     logger,
		onPaired:   onPaired,
		pending:    make(map[string]pendingEntry),
		done:       make(chan struct{}),
	}
}

func (p *pairingWaiter) finish(r pairingResult) {
	p.once.Do(func() {
		p.mu.Lock()
		p.result = r
		p.pending = make(map[string]pendingEntry)
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *pairingWaiter) OnPairingSuccess(peerID string) {
	if p.onPaired != nil {
		p.onPaired(peerID)
	}
	p.finish(pairingResult{PeerID: peerID})
}

func (p *pairingWaiter) OnPairingRequest(peerID string, resp workflow.PairingResponse) {
	if p.autoAccept {
		if err := resp.Accept(); err != nil {
			p.logger.Warn("Auto-accept failed", slog.String("peer_id", peerID), slog.String("error", err.Error()))
		}
		return
	}

	p.mu.Lock()
	p.pending[peerID] = pendingEntry{resp: resp, receivedAt: time.Now().UTC()}
	p.mu.Unlock()
}

func (p *pairingWaiter) OnPairingFailed(reason string) {
	if reason == workflow.ReasonCancelled {
		p.finish(pairingResult{Err: workflow.ErrCancelled})
		return
	}
	p.finish(pairingResult{Err: errors.New(reason)})
}

func (p *pairingWaiter) OnPairingTimeout() {
	p.finish(pairingResult{Err: workflow.ErrTimeout})
}

// take removes and returns the pending response for peerID
func (p *pairingWaiter) take(peerID string) (workflow.PairingResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.pending[peerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errNoPendingRequest, peerID)
	}
	delete(p.pending, peerID)
	return entry.resp, nil
}

func (p *pairingWaiter) requests() []PendingRequest {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]PendingRequest, 0, len(p.pending))
	for peer, entry := range p.pending {
		out = append(out, PendingRequest{PeerID: peer, ReceivedAt: entry.receivedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out
}

// wait blocks until the session ends or ctx is done
func (p *pairingWaiter) wait(ctx context.Context) (pairingResult, error) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.result, nil
	case <-ctx.Done():
		return pairingResult{}, ctx.Err()
	}
}

// transferWaiter is the TransferCallback behind the transfer endpoint.
// The engine routes inbound data to the active transfer, so received hands
// it on the way a registered receiver would.
type transferWaiter struct {
	logger   *slog.Logger
	received func(data string)
	done     chan error
	once     sync.Once
}

func newTransferWaiter(logger *slog.Logger, received func(string)) *transferWaiter {
	return &transferWaiter{logger: logger, received: received, done: make(chan error, 1)}
}

func (t *transferWaiter) OnTransferSuccess(string) {
	t.once.Do(func() { t.done <- nil })
}

func (t *transferWaiter) OnDataReceived(data string) {
	t.logger.Debug("Data received during transfer", slog.Int("length", len(data)))
	if t.received != nil {
		t.received(data)
	}
}

func (t *transferWaiter) OnTransferFailed(reason string) {
	t.once.Do(func() {
		if reason == workflow.ReasonTransferCancelled {
			t.done <- workflow.ErrCancelled
			return
		}
		t.done <- errors.New(reason)
	})
}

func (t *transferWaiter) OnTransferProgress(percent int) {
	t.logger.Debug("Transfer progress", slog.Int("percent", percent))
}
