package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/config"
	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/events"
	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/forward"
	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/metrics"
	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/modem"
	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/protocol"
	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/store"
	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/transport"
	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/workflow"
)

const (
	// DefaultTransferWait bounds how long POST /transfer waits for the outcome
	DefaultTransferWait = 30 * time.Second
	maxBodyBytes        = 4096
)

// LinkStats exposes transport state to the API
type LinkStats interface {
	GetStats() transport.Stats
}

// Deps are the components the HTTP API serves
type Deps struct {
	Config *config.Config
	Engine *workflow.Engine

	// Optional components. Peer and transfer routes answer 503 without a
	// store and /events answers 503 without a bus.
	Link     LinkStats
	Medium   func() any
	Store    *store.Store
	Bus      *events.Bus
	Forward  *forward.Client // receives inbound data when set
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer // defaults to the global registry
	Logger   *slog.Logger
}

// HTTPServer provides the control and monitoring API
type HTTPServer struct {
	server  *http.Server
	deps    Deps
	logger  *slog.Logger
	metrics *metrics.Metrics

	transferWait time.Duration

	// Server state
	startTime time.Time
	mu        sync.Mutex
	pairing   *pairingWaiter
}

// NewHTTPServer creates the API server for deps
func NewHTTPServer(deps Deps) *HTTPServer {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	h := &HTTPServer{
		deps:         deps,
		logger:       deps.Logger,
		metrics:      deps.Metrics,
		transferWait: DefaultTransferWait,
		startTime:    time.Now(),
	}

	h.server = &http.Server{
		Addr:         net.JoinHostPort(deps.Config.HTTP.Address, strconv.Itoa(deps.Config.HTTP.Port)),
		Handler:      h.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // transfer waits and /events outlive a fixed write timeout
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// Router builds the API routes
func (h *HTTPServer) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.withMetrics)

	r.Get("/", h.handleRoot)
	r.Get("/health", h.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(h.deps.Gatherer, promhttp.HandlerOpts{}))
	r.Get("/events", h.handleEvents)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/state", h.handleState)
		r.Get("/config", h.handleConfig)
		r.Get("/profiles", h.handleProfiles)
		r.Get("/peers", h.handlePeers)
		r.Get("/transfers", h.handleTransfers)

		r.Route("/pairing", func(r chi.Router) {
			r.Get("/pending", h.handlePendingPairing)
			r.Post("/initiate", h.handleInitiatePairing)
			r.Post("/wait", h.handleWaitForPairing)
			r.Post("/accept", h.handleAcceptPairing)
			r.Post("/reject", h.handleRejectPairing)
		})

		r.Post("/transfer", h.handleTransfer)
		r.Post("/request", h.handleRequest)
		r.Post("/cancel", h.handleCancel)
		r.Post("/unpair", h.handleUnpair)
	})

	return r
}

// withMetrics records request counts and durations by route pattern
func (h *HTTPServer) withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Create a response writer wrapper to capture status code
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		endpoint := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			endpoint = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		h.metrics.RecordHTTPRequest(r.Method, endpoint, strconv.Itoa(status), time.Since(startTime).Seconds())
		if status >= 400 {
			errorType := "client_error"
			if status >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	})
}

// Start starts the HTTP server in the background
func (h *HTTPServer) Start() error {
	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}
	h.logger.Info("Starting HTTP API server", slog.String("address", ln.Addr().String()))

	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")
	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

// statusFor maps workflow errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, workflow.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, workflow.ErrInvalidState), errors.Is(err, errNoPendingRequest):
		return http.StatusConflict
	case errors.Is(err, workflow.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	case errors.Is(err, workflow.ErrCancelled):
		return http.StatusConflict
	case errors.Is(err, workflow.ErrChannel):
		return http.StatusBadGateway
	case errors.Is(err, workflow.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	if r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", workflow.ErrInvalidArgument, err)
	}
	return nil
}

func (h *HTTPServer) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "soundlink",
		"endpoints": map[string]string{
			"GET /health":                   "Service health check",
			"GET /metrics":                  "Prometheus metrics",
			"GET /events":                   "WebSocket stream of workflow events",
			"GET /api/v1/state":             "Workflow and transport state",
			"GET /api/v1/config":            "Active configuration",
			"GET /api/v1/profiles":          "Modem profiles",
			"GET /api/v1/peers":             "Paired device registry",
			"GET /api/v1/transfers":         "Transfer log",
			"GET /api/v1/pairing/pending":   "Pairing requests awaiting a decision",
			"POST /api/v1/pairing/initiate": "Announce this device and wait for an answer",
			"POST /api/v1/pairing/wait":     "Listen for pairing requests",
			"POST /api/v1/pairing/accept":   "Accept a pending request",
			"POST /api/v1/pairing/reject":   "Reject a pending request",
			"POST /api/v1/transfer":         "Send data to the paired device",
			"POST /api/v1/request":          "Ask the paired device for data",
			"POST /api/v1/cancel":           "Cancel the current operation",
			"POST /api/v1/unpair":           "Forget the paired device",
		},
		"timestamp": time.Now().UTC(),
	})
}

func (h *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := h.deps.Engine.Status()
	components := map[string]any{
		"workflow": map[string]any{"state": status.State},
	}
	if h.deps.Link != nil {
		components["transport"] = h.deps.Link.GetStats()
	}
	if h.deps.Medium != nil {
		components["medium"] = h.deps.Medium()
	}
	if h.deps.Bus != nil {
		components["events"] = h.deps.Bus.GetStats()
	}
	if h.deps.Forward != nil {
		components["forward"] = h.deps.Forward.GetStats()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "healthy",
		"timestamp":  time.Now().UTC(),
		"uptime":     time.Since(h.startTime).String(),
		"components": components,
	})
}

func (h *HTTPServer) handleState(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"workflow": h.deps.Engine.Status()}
	if h.deps.Link != nil {
		resp["transport"] = h.deps.Link.GetStats()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPServer) handleConfig(w http.ResponseWriter, _ *http.Request) {
	cfg := h.deps.Config
	writeJSON(w, http.StatusOK, map[string]any{
		"transport": map[string]any{
			"max_payload_length":  cfg.Transport.MaxPayloadLength,
			"volume":              cfg.Transport.Volume,
			"sample_rate":         cfg.Transport.SampleRate,
			"samples_per_frame":   cfg.Transport.SamplesPerFrame,
			"capture_interval_ms": cfg.Transport.CaptureIntervalMs,
		},
		"workflow": map[string]any{
			"device_id":            h.deps.Engine.DeviceID(),
			"pairing_timeout_ms":   cfg.Workflow.PairingTimeoutMs,
			"initiator_timeout_ms": cfg.Workflow.InitiatorTimeoutMs,
			"send_acks":            cfg.Workflow.SendAcks,
		},
		"modem": map[string]any{"profile": cfg.Modem.Profile},
		"squelch": map[string]any{
			"threshold":         cfg.Squelch.Threshold,
			"smoothing":         cfg.Squelch.Smoothing,
			"hangover_frames":   cfg.Squelch.HangoverFrames,
			"max_burst_seconds": cfg.Squelch.MaxBurstSeconds,
		},
		"medium": map[string]any{
			"kind":        cfg.Medium.Kind,
			"listen_addr": cfg.Medium.ListenAddr,
			"peers":       cfg.Medium.Peers,
			"relay_url":   cfg.Medium.RelayURL,
		},
		"store": map[string]any{"enabled": cfg.Store.Enabled},
		"forward": map[string]any{
			"enabled":     cfg.Forward.Enabled,
			"endpoint":    cfg.Forward.Endpoint,
			"max_retries": cfg.Forward.MaxRetries,
		},
		"logging": map[string]any{"level": cfg.Logging.Level, "format": cfg.Logging.Format},
	})
}

func (h *HTTPServer) handleProfiles(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"active":   h.deps.Config.Modem.Profile,
		"profiles": modem.Profiles(),
	})
}

func (h *HTTPServer) handlePeers(w http.ResponseWriter, r *http.Request) {
	if h.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("store disabled"))
		return
	}
	peers, err := h.deps.Store.ListPeers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if peers == nil {
		peers = []store.Peer{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"peers": peers})
}

func (h *HTTPServer) handleTransfers(w http.ResponseWriter, r *http.Request) {
	if h.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("store disabled"))
		return
	}
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", s))
			return
		}
		limit = n
	}
	recs, err := h.deps.Store.ListTransfers(r.Context(), r.URL.Query().Get("peer_id"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if recs == nil {
		recs = []workflow.TransferRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"transfers": recs})
}

type pairingRequest struct {
	DeviceID   string `json:"device_id"`
	TimeoutMs  int    `json:"timeout_ms"`
	AutoAccept bool   `json:"auto_accept"`
	Wait       bool   `json:"wait"`
}

// beginPairing installs a fresh waiter for the next pairing session. The
// returned function restores the previous waiter if the engine refuses it.
func (h *HTTPServer) beginPairing(autoAccept bool) (*pairingWaiter, func()) {
	p := newPairingWaiter(autoAccept, h.logger, h.onPaired)
	h.mu.Lock()
	prev := h.pairing
	h.pairing = p
	h.mu.Unlock()

	return p, func() {
		h.mu.Lock()
		if h.pairing == p {
			h.pairing = prev
		}
		h.mu.Unlock()
	}
}

// onPaired keeps inbound data flowing to the log once paired
func (h *HTTPServer) onPaired(peerID string) {
	err := h.deps.Engine.AwaitData(workflow.TransferFuncs{
		Received: func(data string) {
			h.logger.Info("Inbound data", slog.String("peer_id", peerID), slog.String("data", protocol.Truncate(data)))
			h.forward(peerID, data)
		},
	})
	if err != nil {
		h.logger.Debug("Could not register receiver", slog.String("error", err.Error()))
	}
}

// newTransferWaiter builds the callback for an outbound transfer. Data the
// peer sends meanwhile is logged and forwarded like any other inbound data.
func (h *HTTPServer) newTransferWaiter(peerID string) *transferWaiter {
	return newTransferWaiter(h.logger, func(data string) {
		h.logger.Info("Inbound data", slog.String("peer_id", peerID), slog.String("data", protocol.Truncate(data)))
		h.forward(peerID, data)
	})
}

func (h *HTTPServer) forward(peerID, data string) {
	if h.deps.Forward != nil {
		h.deps.Forward.Submit(peerID, data)
	}
}

func (h *HTTPServer) currentPairing() *pairingWaiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pairing
}

// respondPairing answers a pairing call, waiting for the outcome if asked
func (h *HTTPServer) respondPairing(w http.ResponseWriter, r *http.Request, p *pairingWaiter, req pairingRequest, limit time.Duration) {
	if !req.Wait {
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "pairing", "workflow": h.deps.Engine.Status()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), limit+time.Second)
	defer cancel()
	res, err := p.wait(ctx)
	if err == nil {
		err = res.Err
	}
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "paired", "peer_id": res.PeerID})
}

func (h *HTTPServer) handleInitiatePairing(w http.ResponseWriter, r *http.Request) {
	var req pairingRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.DeviceID == "" {
		req.DeviceID = h.deps.Engine.DeviceID()
	}

	p, restore := h.beginPairing(req.AutoAccept)
	if err := h.deps.Engine.InitiatePairing(req.DeviceID, p); err != nil {
		restore()
		writeError(w, statusFor(err), err)
		return
	}
	h.respondPairing(w, r, p, req, h.deps.Config.Workflow.GetInitiatorTimeoutDuration())
}

func (h *HTTPServer) handleWaitForPairing(w http.ResponseWriter, r *http.Request) {
	var req pairingRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = h.deps.Config.Workflow.GetPairingTimeoutDuration()
	}

	p, restore := h.beginPairing(req.AutoAccept)
	if err := h.deps.Engine.WaitForPairing(timeout, p); err != nil {
		restore()
		writeError(w, statusFor(err), err)
		return
	}
	h.respondPairing(w, r, p, req, timeout)
}

func (h *HTTPServer) handlePendingPairing(w http.ResponseWriter, _ *http.Request) {
	requests := []PendingRequest{}
	if p := h.currentPairing(); p != nil {
		requests = p.requests()
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": requests})
}

type decisionRequest struct {
	PeerID string `json:"peer_id"`
	Reason string `json:"reason"`
}

func (h *HTTPServer) takePending(w http.ResponseWriter, r *http.Request) (workflow.PairingResponse, decisionRequest, bool) {
	var req decisionRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return nil, req, false
	}
	if req.PeerID == "" {
		writeError(w, http.StatusBadRequest, errors.New("peer_id is required"))
		return nil, req, false
	}
	p := h.currentPairing()
	if p == nil {
		writeError(w, http.StatusConflict, errNoPendingRequest)
		return nil, req, false
	}
	resp, err := p.take(req.PeerID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return nil, req, false
	}
	return resp, req, true
}

func (h *HTTPServer) handleAcceptPairing(w http.ResponseWriter, r *http.Request) {
	resp, req, ok := h.takePending(w, r)
	if !ok {
		return
	}
	if err := resp.Accept(); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "paired", "peer_id": req.PeerID})
}

func (h *HTTPServer) handleRejectPairing(w http.ResponseWriter, r *http.Request) {
	resp, req, ok := h.takePending(w, r)
	if !ok {
		return
	}
	resp.Reject(req.Reason)
	writeJSON(w, http.StatusOK, map[string]any{"status": "rejected", "peer_id": req.PeerID})
}

type transferRequest struct {
	Data     string `json:"data"`
	MobileNo string `json:"mobile_no"`
}

func (h *HTTPServer) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	data := req.Data
	if req.MobileNo != "" {
		msg, err := protocol.NewMessage(req.MobileNo)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if !msg.IsValid() {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid mobile number"))
			return
		}
		if data, err = msg.JSON(); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}

	tw := h.newTransferWaiter(h.deps.Engine.Status().PairedDeviceID)
	if err := h.deps.Engine.TransferData(data, tw); err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	select {
	case err := <-tw.done:
		if err != nil {
			status := http.StatusBadGateway
			if errors.Is(err, workflow.ErrCancelled) {
				status = http.StatusConflict
			}
			writeError(w, status, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "sent", "length": len([]rune(data))})
	case <-time.After(h.transferWait):
		writeError(w, http.StatusGatewayTimeout, errors.New("transfer outcome not reported in time"))
	case <-r.Context().Done():
	}
}

type dataRequest struct {
	Type string `json:"type"`
}

func (h *HTTPServer) handleRequest(w http.ResponseWriter, r *http.Request) {
	var req dataRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	peerID := h.deps.Engine.Status().PairedDeviceID
	err := h.deps.Engine.RequestData(req.Type, workflow.TransferFuncs{
		Received: func(data string) {
			h.logger.Info("Requested data received", slog.String("type", req.Type), slog.String("data", protocol.Truncate(data)))
			h.forward(peerID, data)
		},
		Failed: func(reason string) {
			h.logger.Warn("Data request failed", slog.String("type", req.Type), slog.String("reason", reason))
		},
	})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "requested", "type": req.Type})
}

func (h *HTTPServer) handleCancel(w http.ResponseWriter, _ *http.Request) {
	h.deps.Engine.CancelOperation()
	writeJSON(w, http.StatusOK, map[string]any{"workflow": h.deps.Engine.Status()})
}

func (h *HTTPServer) handleUnpair(w http.ResponseWriter, _ *http.Request) {
	h.deps.Engine.Unpair()
	writeJSON(w, http.StatusOK, map[string]any{"workflow": h.deps.Engine.Status()})
}
