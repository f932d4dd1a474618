package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/config"
	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/forward"
	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/transport"
	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/workflow"
)

// heldLink is a workflow.Link whose sends stay in flight until released
type heldLink struct {
	mu      sync.Mutex
	handler transport.Handler
	hold    bool
	pending []transport.Handler
	held    chan struct{}
}

func (l *heldLink) Send(data string, h transport.Handler) error {
	l.mu.Lock()
	if l.hold {
		l.pending = append(l.pending, h)
		l.mu.Unlock()
		h(transport.Event{Kind: transport.EventTransmissionStarted, Data: data})
		l.held <- struct{}{}
		return nil
	}
	l.mu.Unlock()
	h(transport.Event{Kind: transport.EventTransmissionStarted, Data: data})
	h(transport.Event{Kind: transport.EventDataSent, Data: data})
	h(transport.Event{Kind: transport.EventTransmissionCompleted, Data: data})
	return nil
}

func (l *heldLink) Listen(h transport.Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handler == nil {
		l.handler = h
	}
	return nil
}

func (l *heldLink) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = nil
}

func (l *heldLink) Close() error {
	l.Stop()
	return nil
}

func (l *heldLink) hear(text string) {
	l.mu.Lock()
	h := l.handler
	l.mu.Unlock()
	if h != nil {
		h(transport.Event{Kind: transport.EventDataReceived, Data: text})
	}
}

func (l *heldLink) release() {
	l.mu.Lock()
	h := l.pending[0]
	l.pending = l.pending[1:]
	l.mu.Unlock()
	h(transport.Event{Kind: transport.EventDataSent})
	h(transport.Event{Kind: transport.EventTransmissionCompleted})
}

func TestDataReceivedDuringTransferIsForwarded(t *testing.T) {
	deliveries := make(chan forward.Delivery, 4)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var d forward.Delivery
		if assert.NoError(t, json.NewDecoder(r.Body).Decode(&d)) {
			deliveries <- d
		}
	}))
	defer backend.Close()

	fwd, err := forward.NewClient(forward.Config{Endpoint: backend.URL, DeviceID: "A"}, quietLogger(), nil)
	require.NoError(t, err)
	defer fwd.Close()

	link := &heldLink{held: make(chan struct{}, 1)}
	engine := workflow.New(link, workflow.WithLogger(quietLogger()), workflow.WithDeviceID("A"))
	defer engine.Cleanup()

	paired := make(chan struct{})
	require.NoError(t, engine.InitiatePairing("A", workflow.PairingFuncs{
		Success: func(string) { close(paired) },
	}))
	link.hear("PAIR_RSP:B")
	select {
	case <-paired:
	case <-time.After(time.Second):
		t.Fatal("engine did not pair")
	}

	srv := httptest.NewServer(NewHTTPServer(Deps{
		Config:  config.Default(),
		Engine:  engine,
		Forward: fwd,
		Logger:  quietLogger(),
	}).Router())
	defer srv.Close()

	link.mu.Lock()
	link.hold = true
	link.mu.Unlock()

	type result struct {
		code int
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := http.Post(srv.URL+"/api/v1/transfer", "application/json", strings.NewReader(`{"data":"outbound"}`))
		if err != nil {
			done <- result{err: err}
			return
		}
		resp.Body.Close()
		done <- result{code: resp.StatusCode}
	}()

	select {
	case <-link.held:
	case <-time.After(2 * time.Second):
		t.Fatal("transfer never reached the link")
	}
	require.Equal(t, workflow.StateTransferring, engine.State())

	link.hear("DATA:inbound-while-sending")

	select {
	case d := <-deliveries:
		assert.Equal(t, "inbound-while-sending", d.Data)
		assert.Equal(t, "B", d.PeerID)
		assert.Equal(t, "A", d.DeviceID)
	case <-time.After(2 * time.Second):
		t.Fatal("data received during the transfer was not forwarded")
	}

	link.release()
	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, http.StatusOK, r.code)
	case <-time.After(2 * time.Second):
		t.Fatal("transfer request did not complete")
	}
	assert.Equal(t, workflow.StatePaired, engine.State())
}
