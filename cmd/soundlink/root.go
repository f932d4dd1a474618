package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/config"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "soundlink"
	serviceVersion    = "1.0.0"
)

func newRootCmd() *cobra.Command {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:     serviceName,
		Short:   "SoundLink - pair devices and exchange short messages over sound",
		Version: serviceVersion,
		Long: `SoundLink pairs two devices and carries short text messages between them
as audio. Run 'soundlink serve' for the pairing service and its HTTP API, or
use encode/decode to work with recorded waveforms.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", defaultConfigPath, "Path to configuration file")

	rootCmd.AddCommand(
		newServeCmd(&cfgFile),
		newRelayCmd(&cfgFile),
		newBackendCmd(&cfgFile),
		newEncodeCmd(&cfgFile),
		newDecodeCmd(&cfgFile),
		newProfilesCmd(),
	)

	return rootCmd
}

// loadConfig reads the configuration file. A missing file at the default
// path yields the built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path == defaultConfigPath {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return config.Default(), nil
		}
	}
	return config.Load(path)
}

// parseLevel maps a configured level name to a slog level
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// initLogger creates the structured logger described by cfg. The level lives
// in level so it can be changed while running. The returned closer releases
// a log file, if one was opened.
func initLogger(cfg config.LoggingConfig, level *slog.LevelVar) (*slog.Logger, io.Closer) {
	level.Set(parseLevel(cfg.Level))

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level.Level() == slog.LevelDebug,
	}

	var output io.Writer
	var closer io.Closer = io.NopCloser(nil)
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
			closer = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler).With(slog.String("service", serviceName)), closer
}
