package medium

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/audio"
	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/metrics"
	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/stream"
)

// inbox turns received packets into the frame sequence a Device reads.
// Frames from different senders interleave in arrival order; frames from one
// sender come out in sequence order.
type inbox struct {
	selfID    uint32
	frameSize int
	interval  time.Duration
	logger    *slog.Logger
	mx        *metrics.Metrics
	streams   *stream.Manager

	deliverMu sync.Mutex // orders add+drain+enqueue across workers

	mu     sync.Mutex
	queue  [][]int16
	closed bool
	notify chan struct{}
	done   chan struct{}
	once   sync.Once

	packetsReceived atomic.Uint64
	parseErrors     atomic.Uint64
	ownPackets      atomic.Uint64
}

func newInbox(selfID uint32, frameSize int, interval time.Duration, streamTimeout time.Duration,
	logger *slog.Logger, mx *metrics.Metrics) *inbox {
	return &inbox{
		selfID:    selfID,
		frameSize: frameSize,
		interval:  interval,
		logger:    logger,
		mx:        mx,
		streams:   stream.NewManager(logger, stream.ManagerConfig{Timeout: streamTimeout}, mx),
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// accept handles one raw packet from remote
func (in *inbox) accept(data []byte, remote string) {
	in.packetsReceived.Add(1)
	in.mx.RecordPacketReceived()

	packet, err := audio.ParsePacket(data)
	if err != nil {
		in.parseErrors.Add(1)
		in.mx.RecordParseError()
		in.logger.Debug("Failed to parse packet",
			slog.String("remote_addr", remote),
			slog.Int("packet_size", len(data)),
			slog.String("error", err.Error()),
		)
		return
	}
	if packet.Header.SenderID == in.selfID {
		in.ownPackets.Add(1)
		return
	}

	switch packet.Header.Type {
	case audio.PacketTypeHeartbeat:
		in.streams.GetOrCreate(packet.Header.SenderID, remote)
		in.streams.UpdateActivity(packet.Header.SenderID)
	case audio.PacketTypeAudio:
		in.deliverMu.Lock()
		session, _ := in.streams.GetOrCreate(packet.Header.SenderID, remote)
		if err := session.AddFrame(packet.Header.Sequence, packet.Samples); err != nil {
			in.logger.Debug("Frame not buffered",
				slog.Uint64("sender_id", uint64(packet.Header.SenderID)),
				slog.String("error", err.Error()),
			)
		}
		in.enqueue(session.Drain())
		in.deliverMu.Unlock()
	}
}

func (in *inbox) enqueue(frames [][]int16) {
	if len(frames) == 0 {
		return
	}

	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return
	}
	for _, f := range frames {
		in.queue = append(in.queue, fitFrame(f, in.frameSize))
	}
	in.mx.SetQueueSize(len(in.queue))
	in.mu.Unlock()

	select {
	case in.notify <- struct{}{}:
	default:
	}
}

// fitFrame pads or cuts a received frame to the local frame size
func fitFrame(f []int16, size int) []int16 {
	if len(f) == size {
		return f
	}
	out := make([]int16, size)
	copy(out, f)
	return out
}

// read returns the next frame or a silent frame once interval passes
func (in *inbox) read(ctx context.Context) ([]int16, error) {
	timer := time.NewTimer(in.interval)
	defer timer.Stop()

	for {
		in.mu.Lock()
		if in.closed {
			in.mu.Unlock()
			return nil, audio.ErrClosed
		}
		if len(in.queue) > 0 {
			f := in.queue[0]
			in.queue[0] = nil
			in.queue = in.queue[1:]
			in.mu.Unlock()
			return f, nil
		}
		in.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-in.done:
			return nil, audio.ErrClosed
		case <-in.notify:
		case <-timer.C:
			return make([]int16, in.frameSize), nil
		}
	}
}

func (in *inbox) close() {
	in.once.Do(func() {
		in.mu.Lock()
		in.closed = true
		in.queue = nil
		in.mu.Unlock()
		close(in.done)
		in.streams.Stop()
	})
}

// packetize cuts samples into numbered audio packets
func packetize(senderID uint32, seq *atomic.Uint32, samples []int16, frameSize int) ([][]byte, error) {
	frames := audio.SplitFrames(samples, min(frameSize, audio.MaxPacketSamples))
	out := make([][]byte, 0, len(frames))
	for _, f := range frames {
		data, err := audio.NewAudioPacket(senderID, seq.Add(1)-1, f).Marshal()
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}

// Stats are counters common to network devices
type Stats struct {
	SenderID        uint32               `json:"sender_id"`
	PacketsSent     uint64               `json:"packets_sent"`
	PacketsReceived uint64               `json:"packets_received"`
	ParseErrors     uint64               `json:"parse_errors"`
	OwnPackets      uint64               `json:"own_packets"`
	QueueSize       int                  `json:"queue_size"`
	Streams         []stream.SessionInfo `json:"streams"`
}

func (in *inbox) stats(sent uint64) Stats {
	in.mu.Lock()
	queued := len(in.queue)
	in.mu.Unlock()

	sessions := in.streams.GetAllSessions()
	infos := make([]stream.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.GetSessionInfo())
	}

	return Stats{
		SenderID:        in.selfID,
		PacketsSent:     sent,
		PacketsReceived: in.packetsReceived.Load(),
		ParseErrors:     in.parseErrors.Load(),
		OwnPackets:      in.ownPackets.Load(),
		QueueSize:       queued,
		Streams:         infos,
	}
}
