package medium

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/audio"
	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/config"
	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/metrics"
)

// Medium kinds accepted by Open
const (
	KindLoopback  = "loopback"
	KindUDP       = "udp"
	KindWebSocket = "websocket"
)

// Open builds the audio device selected by cfg.Medium. Loopback devices
// attach to air, which is created when nil.
func Open(ctx context.Context, cfg *config.Config, air *audio.Air, logger *slog.Logger, mx *metrics.Metrics) (audio.Device, error) {
	if logger == nil {
		logger = slog.Default()
	}
	mc := cfg.Medium
	frameSize := cfg.Transport.SamplesPerFrame
	interval := cfg.Transport.GetCaptureInterval()
	streamTimeout := mc.GetStreamTimeoutDuration()

	senderID := mc.SenderID
	if senderID == 0 && mc.Kind != KindLoopback {
		senderID = uuid.New().ID()
		logger.Info("Generated medium sender id", slog.Uint64("sender_id", uint64(senderID)))
	}

	switch mc.Kind {
	case KindLoopback, "":
		if air == nil {
			air = audio.NewAir(frameSize, interval)
		}
		return air.Attach(), nil

	case KindUDP:
		return NewUDPDevice(UDPConfig{
			ListenAddr:    mc.ListenAddr,
			Peers:         mc.Peers,
			SenderID:      senderID,
			Workers:       mc.Workers,
			FrameSize:     frameSize,
			Interval:      interval,
			StreamTimeout: streamTimeout,
		}, logger.With(slog.String("medium", KindUDP)), mx)

	case KindWebSocket:
		return DialWS(ctx, WSConfig{
			URL:           mc.RelayURL,
			SenderID:      senderID,
			FrameSize:     frameSize,
			Interval:      interval,
			StreamTimeout: streamTimeout,
			PongWait:      cfg.Relay.GetPongTimeout(),
		}, logger.With(slog.String("medium", KindWebSocket)), mx)

	default:
		return nil, fmt.Errorf("unknown medium kind %q", mc.Kind)
	}
}
