package medium

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/audio"
	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/metrics"
)

const (
	udpReadBuffer     = 1 << 20
	udpReadDeadline   = time.Second
	udpQueueCapacity  = 1000
	heartbeatInterval = 5 * time.Second
)

// UDPConfig configures a UDPDevice
type UDPConfig struct {
	ListenAddr    string
	Peers         []string
	SenderID      uint32
	Workers       int
	FrameSize     int
	Interval      time.Duration
	StreamTimeout time.Duration
}

// UDPDevice carries waveforms as audio packets to a fixed set of peers.
// Playing sends every frame to every peer; reading returns frames received
// from any peer, reordered per sender.
type UDPDevice struct {
	conn   *net.UDPConn
	peers  []*net.UDPAddr
	cfg    UDPConfig
	logger *slog.Logger
	mx     *metrics.Metrics
	inbox  *inbox

	ctx        context.Context
	cancel     context.CancelFunc
	receiverWG sync.WaitGroup
	workerWG   sync.WaitGroup
	closeOnce  sync.Once

	// one queue per worker; a sender always lands on the same worker
	packetChans []chan *incomingPacket

	writeMu     sync.Mutex
	seq         atomic.Uint32
	packetsSent atomic.Uint64
}

// incomingPacket represents a received UDP packet with metadata
type incomingPacket struct {
	data       []byte
	remoteAddr *net.UDPAddr
}

// NewUDPDevice binds the listen address and starts the receive loop,
// workers and heartbeat
func NewUDPDevice(cfg UDPConfig, logger *slog.Logger, mx *metrics.Metrics) (*UDPDevice, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.FrameSize <= 0 {
		return nil, fmt.Errorf("frame size must be positive, got %d", cfg.FrameSize)
	}

	addr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	peers := make([]*net.UDPAddr, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		pa, err := net.ResolveUDPAddr("udp", p)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve peer %s: %w", p, err)
		}
		peers = append(peers, pa)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on UDP: %w", err)
	}
	if err := conn.SetReadBuffer(udpReadBuffer); err != nil {
		logger.Warn("Failed to set UDP read buffer size",
			slog.Int("buffer_size", udpReadBuffer),
			slog.String("error", err.Error()),
		)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &UDPDevice{
		conn:       conn,
		peers:      peers,
		cfg:        cfg,
		logger:     logger,
		mx:         mx,
		inbox:      newInbox(cfg.SenderID, cfg.FrameSize, cfg.Interval, cfg.StreamTimeout, logger, mx),
		ctx:        ctx,
		cancel:     cancel,
	}

	d.packetChans = make([]chan *incomingPacket, cfg.Workers)
	for i := range d.packetChans {
		d.packetChans[i] = make(chan *incomingPacket, udpQueueCapacity/cfg.Workers+1)
		d.workerWG.Add(1)
		go d.packetProcessor(i, d.packetChans[i])
	}
	d.receiverWG.Add(2)
	go d.receiveLoop()
	go d.heartbeatLoop()

	logger.Info("UDP medium started",
		slog.String("address", conn.LocalAddr().String()),
		slog.Int("peers", len(peers)),
		slog.Uint64("sender_id", uint64(cfg.SenderID)),
	)
	return d, nil
}

// AddPeer adds a destination for played audio
func (d *UDPDevice) AddPeer(addr string) error {
	pa, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to resolve peer %s: %w", addr, err)
	}
	d.writeMu.Lock()
	d.peers = append(d.peers, pa)
	d.writeMu.Unlock()
	return nil
}

// LocalAddr returns the bound address
func (d *UDPDevice) LocalAddr() net.Addr {
	return d.conn.LocalAddr()
}

// Play sends samples to every peer as sequenced audio packets
func (d *UDPDevice) Play(ctx context.Context, samples []int16) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.ctx.Err() != nil {
		return audio.ErrClosed
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
		if err := d.writeAll(p); err != nil {
			return err
		}
	}
	return nil
}

func (d *UDPDevice) writeAll(p []byte) error {
	for _, peer := range d.peers {
		if _, err := d.conn.WriteToUDP(p, peer); err != nil {
			if d.ctx.Err() != nil {
				return audio.ErrClosed
			}
			return fmt.Errorf("failed to send packet to %s: %w", peer, err)
		}
		d.packetsSent.Add(1)
		d.mx.RecordPacketSent()
	}
	return nil
}

// Read returns the next received frame, or silence after the capture interval
func (d *UDPDevice) Read(ctx context.Context) ([]int16, error) {
	return d.inbox.read(ctx)
}

// Close stops the loops and releases the socket
func (d *UDPDevice) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.cancel()
		err = d.conn.Close()
		d.receiverWG.Wait()
		for _, ch := range d.packetChans {
			close(ch)
		}
		d.workerWG.Wait()
		d.inbox.close()

		stats := d.GetStats()
		d.logger.Info("UDP medium stopped",
			slog.Uint64("packets_sent", stats.PacketsSent),
			slog.Uint64("packets_received", stats.PacketsReceived),
			slog.Uint64("parse_errors", stats.ParseErrors),
		)
	})
	return err
}

// GetStats returns current device statistics
func (d *UDPDevice) GetStats() Stats {
	return d.inbox.stats(d.packetsSent.Load())
}

func (d *UDPDevice) receiveLoop() {
	defer d.receiverWG.Done()

	buffer := make([]byte, audio.PacketHeaderSize+2*audio.MaxPacketSamples)
	for {
		if d.ctx.Err() != nil {
			return
		}

		// Periodic deadline so cancellation is noticed
		if err := d.conn.SetReadDeadline(time.Now().Add(udpReadDeadline)); err != nil {
			if d.ctx.Err() != nil {
				return
			}
			d.logger.Error("Failed to set read deadline", slog.String("error", err.Error()))
			continue
		}

		n, remoteAddr, err := d.conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if d.ctx.Err() != nil {
				return
			}
			d.logger.Error("Failed to read UDP packet", slog.String("error", err.Error()))
			continue
		}

		// buffer is reused
		packetData := make([]byte, n)
		copy(packetData, buffer[:n])

		select {
		case d.workerFor(packetData) <- &incomingPacket{data: packetData, remoteAddr: remoteAddr}:
		default:
			d.logger.Warn("Packet processing queue full, dropping packet",
				slog.String("remote_addr", remoteAddr.String()),
				slog.Int("packet_size", n),
			)
		}
	}
}

// workerFor picks the queue by sender id so one sender's packets stay in order
func (d *UDPDevice) workerFor(data []byte) chan *incomingPacket {
	if len(data) < 8 {
		return d.packetChans[0]
	}
	sender := binary.BigEndian.Uint32(data[4:8])
	return d.packetChans[int(sender%uint32(len(d.packetChans)))]
}

func (d *UDPDevice) packetProcessor(workerID int, packets <-chan *incomingPacket) {
	defer d.workerWG.Done()

	d.logger.Debug("Packet processor started", slog.Int("worker_id", workerID))
	for packet := range packets {
		d.inbox.accept(packet.data, packet.remoteAddr.String())
	}
}

func (d *UDPDevice) heartbeatLoop() {
	defer d.receiverWG.Done()

	hb, err := audio.NewHeartbeatPacket(d.cfg.SenderID).Marshal()
	if err != nil {
		d.logger.Error("Failed to build heartbeat", slog.String("error", err.Error()))
		return
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.writeMu.Lock()
			err := d.writeAll(hb)
			d.writeMu.Unlock()
			if err != nil && d.ctx.Err() == nil {
				d.logger.Debug("Failed to send heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}
