package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/config"
	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/events"
	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/forward"
	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/medium"
	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/metrics"
	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/modem"
	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/server"
	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/store"
	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/transport"
	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/workflow"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the pairing service and its HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgFile)
			if err != nil {
				return err
			}

			var level slog.LevelVar
			logger, closer := initLogger(cfg.Logging, &level)
			defer closer.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runServe(ctx, *cfgFile, cfg, logger, &level)
		},
	}
}

func runServe(ctx context.Context, cfgPath string, cfg *config.Config, logger *slog.Logger, level *slog.LevelVar) error {
	logger.Info("Service starting",
		slog.String("version", serviceVersion),
		slog.String("config_path", cfgPath),
	)
	logger.Info("Configuration loaded",
		slog.Int("modem_profile", cfg.Modem.Profile),
		slog.Int("max_payload_length", cfg.Transport.MaxPayloadLength),
		slog.Float64("volume", cfg.Transport.Volume),
		slog.String("medium", cfg.Medium.Kind),
		slog.Bool("store_enabled", cfg.Store.Enabled),
		slog.Bool("forward_enabled", cfg.Forward.Enabled),
		slog.Bool("http_enabled", cfg.HTTP.Enabled),
		slog.String("log_level", cfg.Logging.Level),
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mx := metrics.NewMetrics(reg)

	profile, err := modem.ProfileByID(cfg.Modem.Profile)
	if err != nil {
		return err
	}
	m, err := modem.NewFSK(profile, cfg.Transport.MaxPayloadLength)
	if err != nil {
		return fmt.Errorf("failed to create modem: %w", err)
	}

	dev, err := medium.Open(ctx, cfg, nil, logger, mx)
	if err != nil {
		return fmt.Errorf("failed to open medium: %w", err)
	}

	link, err := transport.New(cfg, m, dev, logger.With(slog.String("component", "transport")), mx)
	if err != nil {
		_ = dev.Close()
		return fmt.Errorf("failed to create transport: %w", err)
	}
	logger.Info("Transport initialized", slog.String("profile", profile.Name))

	bus := events.NewBus(events.WithHistory(64), events.WithLogger(logger))

	opts := []workflow.Option{
		workflow.WithLogger(logger.With(slog.String("component", "workflow"))),
		workflow.WithDeviceID(cfg.Workflow.DeviceID),
		workflow.WithPairingTimeout(cfg.Workflow.GetPairingTimeoutDuration()),
		workflow.WithInitiatorTimeout(cfg.Workflow.GetInitiatorTimeoutDuration()),
		workflow.WithMaxPayloadLength(cfg.Transport.MaxPayloadLength),
		workflow.WithAcks(cfg.Workflow.SendAcks),
		workflow.WithBus(bus),
		workflow.WithMetrics(mx),
	}

	var st *store.Store
	if cfg.Store.Enabled {
		st, err = store.Open(cfg.Store.Path)
		if err != nil {
			_ = link.Close()
			return err
		}
		defer st.Close()
		opts = append(opts, workflow.WithRecorder(st))
		logger.Info("Store opened", slog.String("path", cfg.Store.Path))
	}

	engine := workflow.New(link, opts...)
	defer func() {
		if err := engine.Cleanup(); err != nil {
			logger.Error("Error closing workflow engine", slog.String("error", err.Error()))
		}
	}()
	logger.Info("Workflow engine initialized", slog.String("device_id", engine.DeviceID()))

	var fwd *forward.Client
	if cfg.Forward.Enabled {
		fwd, err = forward.NewClient(forward.Config{
			Endpoint:      cfg.Forward.Endpoint,
			APIKey:        cfg.Forward.APIKey,
			Timeout:       cfg.Forward.GetTimeoutDuration(),
			MaxRetries:    cfg.Forward.MaxRetries,
			MaxConcurrent: cfg.Forward.MaxConcurrent,
			DeviceID:      engine.DeviceID(),
		}, logger.With(slog.String("component", "forward")), mx)
		if err != nil {
			return fmt.Errorf("failed to create forward client: %w", err)
		}
		defer fwd.Close()
		logger.Info("Forwarding received data", slog.String("endpoint", cfg.Forward.Endpoint))
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.HTTP.Enabled {
		deps := server.Deps{
			Config:   cfg,
			Engine:   engine,
			Link:     link,
			Medium:   mediumStats(dev),
			Bus:      bus,
			Forward:  fwd,
			Metrics:  mx,
			Gatherer: reg,
			Logger:   logger.With(slog.String("component", "http")),
		}
		if st != nil {
			deps.Store = st
		}
		httpServer := server.NewHTTPServer(deps)
		if err := httpServer.Start(); err != nil {
			return err
		}
		logger.Info("HTTP API server initialized",
			slog.String("address", net.JoinHostPort(cfg.HTTP.Address, strconv.Itoa(cfg.HTTP.Port))),
		)

		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return httpServer.Stop(shutdownCtx)
		})
	}

	if cfgPath != "" {
		if _, statErr := os.Stat(cfgPath); statErr == nil {
			g.Go(func() error {
				err := watchConfig(gctx, cfgPath, logger, func(next *config.Config) {
					applyReload(logger, level, link, next)
				})
				if err != nil {
					logger.Warn("Configuration reload disabled", slog.String("error", err.Error()))
				}
				return nil
			})
		}
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Starting graceful shutdown...")
		return nil
	})

	logger.Info("Service started successfully, waiting for signals...")

	err = g.Wait()
	logger.Info("Service stopped", slog.Any("workflow", engine.Status()))
	return err
}

// applyReload pushes the live-tunable settings of next into the running service
func applyReload(logger *slog.Logger, level *slog.LevelVar, link *transport.Transport, next *config.Config) {
	if lvl := parseLevel(next.Logging.Level); lvl != level.Level() {
		level.Set(lvl)
		logger.Info("Log level changed", slog.String("level", lvl.String()))
	}
	if v := next.Transport.Volume; v != link.Volume() {
		if err := link.SetVolume(v); err != nil {
			logger.Warn("Ignoring volume change", slog.String("error", err.Error()))
			return
		}
		logger.Info("Volume changed", slog.Float64("volume", v))
	}
}

// mediumStats exposes statistics of network media; loopback has none
func mediumStats(dev any) func() any {
	s, ok := dev.(interface{ GetStats() medium.Stats })
	if !ok {
		return nil
	}
	return func() any { return s.GetStats() }
}
