package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/audio"
	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/config"
	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/metrics"
)

const (
	sendBufferSize = 256
	maxMessageSize = audio.PacketHeaderSize + 2*audio.MaxPacketSamples
	cleanupPeriod  = 10 * time.Second
	shutdownWait   = 5 * time.Second
)

// Hub is a shared air for WebSocket devices: every binary message from one
// client is forwarded to all the others.
type Hub struct {
	cfg      config.RelayConfig
	logger   *slog.Logger
	mx       *metrics.Metrics
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client

	connected atomic.Uint64
	forwarded atomic.Uint64
	dropped   atomic.Uint64
}

type client struct {
	id          string
	remoteAddr  string
	conn        *websocket.Conn
	send        chan []byte
	connectedAt time.Time
	lastSeen    atomic.Int64 // unix nanos
	received    atomic.Uint64
	closeOnce   sync.Once
	done        chan struct{}
}

// ClientInfo describes one connected client
type ClientInfo struct {
	ID          string    `json:"id"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
	Messages    uint64    `json:"messages"`
}

// Stats represents relay statistics
type Stats struct {
	Clients   []ClientInfo `json:"clients"`
	Connected uint64       `json:"connected_total"`
	Forwarded uint64       `json:"forwarded"`
	Dropped   uint64       `json:"dropped"`
}

// NewHub creates an empty hub
func NewHub(cfg config.RelayConfig, logger *slog.Logger, mx *metrics.Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		mx:      mx,
		clients: make(map[string]*client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Router returns the relay's HTTP routes: the WebSocket endpoint at the
// configured path plus health and stats.
func (h *Hub) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	path := h.cfg.Path
	if path == "" {
		path = "/air"
	}
	r.Get(path, h.ServeHTTP)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"status": "healthy", "clients": h.Clients()})
	})
	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, h.GetStats())
	})
	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// ServeHTTP upgrades the request and attaches the client to the hub
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		return
	}

	c := &client{
		id:          uuid.NewString(),
		remoteAddr:  r.RemoteAddr,
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
		connectedAt: time.Now(),
		done:        make(chan struct{}),
	}
	c.lastSeen.Store(time.Now().UnixNano())
	h.register(c)

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()

	h.connected.Add(1)
	h.mx.SetRelayClients(n)
	h.logger.Info("Relay client connected",
		slog.String("client_id", c.id),
		slog.String("remote_addr", c.remoteAddr),
		slog.Int("clients", n),
	)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c.id]
	delete(h.clients, c.id)
	n := len(h.clients)
	h.mu.Unlock()

	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
	if !ok {
		return
	}

	h.mx.SetRelayClients(n)
	h.logger.Info("Relay client disconnected",
		slog.String("client_id", c.id),
		slog.Uint64("messages", c.received.Load()),
		slog.Int("clients", n),
	)
}

// broadcast queues msg for every client except from
func (h *Hub) broadcast(from *client, msg []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	for id, c := range h.clients {
		if id == from.id {
			continue
		}
		select {
		case c.send <- msg:
			sent++
		default:
			h.dropped.Add(1)
			h.logger.Warn("Relay client send buffer full, dropping message",
				slog.String("client_id", id),
			)
		}
	}
	h.forwarded.Add(uint64(sent))
	h.mx.RecordRelayForwarded(sent)
	return sent
}

func (h *Hub) readPump(c *client) {
	defer h.unregister(c)

	pongWait := h.cfg.GetPongTimeout()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.lastSeen.Store(time.Now().UnixNano())
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	c.conn.SetPingHandler(func(data string) error {
		c.lastSeen.Store(time.Now().UnixNano())
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		err := c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(h.cfg.GetWriteTimeout()))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		kind, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("Relay read error",
					slog.String("client_id", c.id),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		c.lastSeen.Store(time.Now().UnixNano())
		if kind != websocket.BinaryMessage {
			continue
		}
		c.received.Add(1)
		h.broadcast(c, msg)
	}
}

func (h *Hub) writePump(c *client) {
	defer h.unregister(c)

	writeWait := h.cfg.GetWriteTimeout()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				return
			}
		}
	}
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetStats returns a snapshot of hub statistics
func (h *Hub) GetStats() Stats {
	h.mu.RLock()
	infos := make([]ClientInfo, 0, len(h.clients))
	for _, c := range h.clients {
		infos = append(infos, ClientInfo{
			ID:          c.id,
			RemoteAddr:  c.remoteAddr,
			ConnectedAt: c.connectedAt,
			LastSeen:    time.Unix(0, c.lastSeen.Load()),
			Messages:    c.received.Load(),
		})
	}
	h.mu.RUnlock()

	return Stats{
		Clients:   infos,
		Connected: h.connected.Load(),
		Forwarded: h.forwarded.Load(),
		Dropped:   h.dropped.Load(),
	}
}

// Run disconnects inactive clients until ctx is done, then disconnects all
func (h *Hub) Run(ctx context.Context) {
	period := cleanupPeriod
	if d := h.cfg.GetInactiveTimeout(); d > 0 && d < period {
		period = d
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			h.dropInactive()
		}
	}
}

func (h *Hub) dropInactive() int {
	cutoff := time.Now().Add(-h.cfg.GetInactiveTimeout()).UnixNano()

	h.mu.RLock()
	var stale []*client
	for _, c := range h.clients {
		if c.lastSeen.Load() < cutoff {
			stale = append(stale, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stale {
		h.logger.Info("Dropping inactive relay client", slog.String("client_id", c.id))
		h.unregister(c)
	}
	return len(stale)
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	all := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		all = append(all, c)
	}
	h.mu.RUnlock()

	for _, c := range all {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"),
			time.Now().Add(time.Second))
		h.unregister(c)
	}
}

// ListenAndServe runs the hub and its HTTP server until ctx is done
func (h *Hub) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              h.cfg.ListenAddr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go h.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("Relay listening", slog.String("address", srv.Addr), slog.String("path", h.cfg.Path))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("relay server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWait)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down relay: %w", err)
	}
	return nil
}
