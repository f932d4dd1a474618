package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/relay"
)

func newRelayCmd(cfgFile *string) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run a WebSocket relay that acts as shared air for remote devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgFile)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Relay.ListenAddr = listen
			}

			var level slog.LevelVar
			logger, closer := initLogger(cfg.Logging, &level)
			defer closer.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			hub := relay.NewHub(cfg.Relay, logger.With(slog.String("component", "relay")), nil)
			logger.Info("Relay starting",
				slog.String("address", cfg.Relay.ListenAddr),
				slog.String("path", cfg.Relay.Path),
			)
			return hub.ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Override relay.listen_addr")
	return cmd
}
