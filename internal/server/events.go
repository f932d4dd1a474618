package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	eventsWriteWait  = 5 * time.Second
	eventsPongWait   = 60 * time.Second
	eventsPingPeriod = eventsPongWait * 9 / 10
)

var eventsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleEvents streams workflow events as JSON text messages. Retained
// history is replayed first.
func (h *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	if h.deps.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("event bus disabled"))
		return
	}

	conn, err := eventsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Events upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	ch, unsubscribe := h.deps.Bus.Subscribe()
	defer unsubscribe()

	h.logger.Debug("Events subscriber connected", slog.String("remote_addr", r.RemoteAddr))

	// Read pump: only control frames are expected; a read error means the
	// subscriber went away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(eventsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(eventsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for _, e := range h.deps.Bus.History() {
		_ = conn.SetWriteDeadline(time.Now().Add(eventsWriteWait))
		if err := conn.WriteJSON(e); err != nil {
			return
		}
	}

	ticker := time.NewTicker(eventsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(eventsWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				h.logger.Debug("Events write failed", slog.String("error", err.Error()))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(eventsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			h.logger.Debug("Events subscriber disconnected", slog.String("remote_addr", r.RemoteAddr))
			return
		case <-r.Context().Done():
			return
		}
	}
}
