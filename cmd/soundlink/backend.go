package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/forward"
	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/protocol"
)

// newBackendCmd runs a receiver for forwarded messages, for trying out
// forward.endpoint without a real payment backend
func newBackendCmd(cfgFile *string) *cobra.Command {
	var (
		listen string
		path   string
	)

	cmd := &cobra.Command{
		Use:   "backend",
		Short: "Run a development endpoint that accepts forwarded messages",
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

			srv := &http.Server{
				Addr:              listen,
				Handler:           backendRouter(path, logger),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()

			logger.Info("Development backend listening", slog.String("address", listen), slog.String("path", path))
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:9090", "Address to listen on")
	cmd.Flags().StringVar(&path, "path", "/deliveries", "Path accepting deliveries")
	return cmd
}

func backendRouter(path string, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post(path, func(w http.ResponseWriter, r *http.Request) {
		var d forward.Delivery
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&d); err != nil {
			http.Error(w, "invalid delivery: "+err.Error(), http.StatusBadRequest)
			return
		}
		if d.ID == "" {
			http.Error(w, "missing delivery id", http.StatusBadRequest)
			return
		}

		attrs := []any{
			slog.String("delivery_id", d.ID),
			slog.String("device_id", d.DeviceID),
			slog.String("peer_id", d.PeerID),
			slog.String("data", protocol.Truncate(d.Data)),
		}
		if d.Message != nil {
			attrs = append(attrs, slog.String("message", d.Message.String()))
		}
		logger.Info("Delivery received", attrs...)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(forward.Receipt{
			ID:         d.ID,
			Status:     "received",
			Reference:  "rcpt_" + uuid.NewString()[:8],
			AcceptedAt: time.Now().UTC(),
		})
	})

	return r
}
