package medium

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/audio"
	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/metrics"
)

const (
	wsWriteWait      = 5 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxMessageSize = audio.PacketHeaderSize + 2*audio.MaxPacketSamples
	wsDialTimeout    = 10 * time.Second
)

// WSConfig configures a WSDevice
type WSConfig struct {
	URL           string
	SenderID      uint32
	FrameSize     int
	Interval      time.Duration
	StreamTimeout time.Duration
	PongWait      time.Duration
}

// WSDevice carries waveforms through a relay: every audio packet written is
// fanned out by the relay to the other connected devices.
type WSDevice struct {
	conn   *websocket.Conn
	cfg    WSConfig
	logger *slog.Logger
	mx     *metrics.Metrics
	inbox  *inbox

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	writeMu     sync.Mutex
	seq         atomic.Uint32
	packetsSent atomic.Uint64

	readErr atomic.Value // error ending the read pump
}

// DialWS connects to the relay at cfg.URL and starts the read pump and pinger
func DialWS(ctx context.Context, cfg WSConfig, logger *slog.Logger, mx *metrics.Metrics) (*WSDevice, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FrameSize <= 0 {
		return nil, fmt.Errorf("frame size must be positive, got %d", cfg.FrameSize)
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = wsPongWait
	}

	dialer := websocket.Dialer{HandshakeTimeout: wsDialTimeout}
	conn, _, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay %s: %w", cfg.URL, err)
	}

	dctx, cancel := context.WithCancel(context.Background())
	d := &WSDevice{
		conn:   conn,
		cfg:    cfg,
		logger: logger,
		mx:     mx,
		inbox:  newInbox(cfg.SenderID, cfg.FrameSize, cfg.Interval, cfg.StreamTimeout, logger, mx),
		ctx:    dctx,
		cancel: cancel,
	}

	d.wg.Add(2)
	go d.readPump()
	go d.pingLoop()

	logger.Info("Connected to relay",
		slog.String("url", cfg.URL),
		slog.Uint64("sender_id", uint64(cfg.SenderID)),
	)
	return d, nil
}

// Play writes samples to the relay as sequenced audio packets
func (d *WSDevice) Play(ctx context.Context, samples []int16) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := d.failure(); err != nil {
		return err
	}

	packets, err := packetize(d.cfg.SenderID, &d.seq, samples, d.cfg.FrameSize)
	if err != nil {
		return fmt.Errorf("failed to packetize waveform: %w", err)
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	for _, p := range packets {
		if err := ctx.Err(); err != nil {
			return err
		}
		_ = d.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := d.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
			if d.ctx.Err() != nil {
				return audio.ErrClosed
			}
			return fmt.Errorf("failed to write to relay: %w", err)
		}
		d.packetsSent.Add(1)
		d.mx.RecordPacketSent()
	}
	return nil
}

// Read returns the next received frame, or silence after the capture
// interval. Once the relay connection is lost Read reports why.
func (d *WSDevice) Read(ctx context.Context) ([]int16, error) {
	if err := d.failure(); err != nil {
		return nil, err
	}
	f, err := d.inbox.read(ctx)
	if errors.Is(err, audio.ErrClosed) {
		if ferr := d.failure(); ferr != nil {
			return nil, ferr
		}
	}
	return f, err
}

// failure returns the error that ended the connection, if any
func (d *WSDevice) failure() error {
	if d.ctx.Err() != nil {
		return audio.ErrClosed
	}
	if err, ok := d.readErr.Load().(error); ok {
		return err
	}
	return nil
}

// Close sends a close frame and tears down the connection
func (d *WSDevice) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.writeMu.Lock()
		_ = d.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(wsWriteWait))
		d.writeMu.Unlock()

		d.cancel()
		err = d.conn.Close()
		d.wg.Wait()
		d.inbox.close()

		d.logger.Info("Disconnected from relay",
			slog.Uint64("packets_sent", d.packetsSent.Load()),
		)
	})
	return err
}

// GetStats returns current device statistics
func (d *WSDevice) GetStats() Stats {
	return d.inbox.stats(d.packetsSent.Load())
}

func (d *WSDevice) readPump() {
	defer d.wg.Done()

	d.conn.SetReadLimit(wsMaxMessageSize)
	_ = d.conn.SetReadDeadline(time.Now().Add(d.cfg.PongWait))
	d.conn.SetPongHandler(func(string) error {
		return d.conn.SetReadDeadline(time.Now().Add(d.cfg.PongWait))
	})

	for {
		kind, msg, err := d.conn.ReadMessage()
		if err != nil {
			if d.ctx.Err() == nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					d.logger.Error("Relay read error", slog.String("error", err.Error()))
				}
				d.readErr.Store(fmt.Errorf("relay connection lost: %w", err))
				// wake a blocked Read
				d.inbox.close()
			}
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		d.inbox.accept(msg, d.cfg.URL)
	}
}

func (d *WSDevice) pingLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(min(wsPingPeriod, d.cfg.PongWait*9/10))
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.writeMu.Lock()
			err := d.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			d.writeMu.Unlock()
			if err != nil {
				d.logger.Debug("Failed to ping relay", slog.String("error", err.Error()))
			}
		}
	}
}
