package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete soundlink configuration
type Config struct {
	Transport TransportConfig `yaml:"transport"`
	Workflow  WorkflowConfig  `yaml:"workflow"`
	Modem     ModemConfig     `yaml:"modem"`
	Squelch   SquelchConfig   `yaml:"squelch"`
	Medium    MediumConfig    `yaml:"medium"`
	Relay     RelayConfig     `yaml:"relay"`
	HTTP      HTTPConfig      `yaml:"http"`
	Store     StoreConfig     `yaml:"store"`
	Forward   ForwardConfig   `yaml:"forward"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// TransportConfig contains the send/listen facade parameters
type TransportConfig struct {
	MaxPayloadLength  int     `yaml:"max_payload_length"`  // characters
	Volume            float64 `yaml:"volume"`              // 0.0 - 1.0
	SampleRate        int     `yaml:"sample_rate"`         // Hz
	SamplesPerFrame   int     `yaml:"samples_per_frame"`   // capture read size
	CaptureIntervalMs int     `yaml:"capture_interval_ms"` // idle read interval
}

// WorkflowConfig contains pairing and transfer parameters
type WorkflowConfig struct {
	DeviceID           string `yaml:"device_id"`
	PairingTimeoutMs   int    `yaml:"pairing_timeout_ms"`
	InitiatorTimeoutMs int    `yaml:"initiator_timeout_ms"`
	SendAcks           bool   `yaml:"send_acks"`
}

// ModemConfig selects the modem protocol profile
type ModemConfig struct {
	Profile int `yaml:"profile"`
}

// SquelchConfig contains signal detection parameters for the capture loop
type SquelchConfig struct {
	Threshold       float64 `yaml:"threshold"` // RMS amplitude
	Smoothing       float64 `yaml:"smoothing"`
	HangoverFrames  int     `yaml:"hangover_frames"`
	MaxBurstSeconds float64 `yaml:"max_burst_seconds"`
}

// MediumConfig selects how waveforms travel between devices
type MediumConfig struct {
	Kind              string   `yaml:"kind"` // loopback, udp or websocket
	ListenAddr        string   `yaml:"listen_addr"`
	Peers             []string `yaml:"peers"`
	RelayURL          string   `yaml:"relay_url"`
	SenderID          uint32   `yaml:"sender_id"`
	Workers           int      `yaml:"workers"`
	StreamTimeoutSecs int      `yaml:"stream_timeout_secs"`
}

// RelayConfig contains the websocket air relay parameters
type RelayConfig struct {
	ListenAddr        string `yaml:"listen_addr"`
	Path              string `yaml:"path"`
	WriteTimeoutMs    int    `yaml:"write_timeout_ms"`
	PongTimeoutMs     int    `yaml:"pong_timeout_ms"`
	InactiveTimeoutMs int    `yaml:"inactive_timeout_ms"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// StoreConfig contains the peer registry database settings
type StoreConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ForwardConfig contains the backend that received messages are posted to
type ForwardConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Endpoint      string `yaml:"endpoint"`
	APIKey        string `yaml:"api_key"`
	Timeout       int    `yaml:"timeout"` // seconds
	MaxRetries    int    `yaml:"max_retries"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns a configuration that runs two engines over the in-process air.
func Default() *Config {
	return &Config{
		Transport: TransportConfig{
			MaxPayloadLength:  140,
			Volume:            0.5,
			SampleRate:        48000,
			SamplesPerFrame:   1024,
			CaptureIntervalMs: 50,
		},
		Workflow: WorkflowConfig{
			PairingTimeoutMs:   30000,
			InitiatorTimeoutMs: 30000,
		},
		Modem: ModemConfig{Profile: 5},
		Squelch: SquelchConfig{
			Threshold:       200,
			Smoothing:       0.3,
			HangoverFrames:  2,
			MaxBurstSeconds: 30,
		},
		Medium: MediumConfig{
			Kind:              "loopback",
			ListenAddr:        "0.0.0.0:7700",
			Workers:           2,
			StreamTimeoutSecs: 30,
		},
		Relay: RelayConfig{
			ListenAddr:        ":8090",
			Path:              "/air",
			WriteTimeoutMs:    5000,
			PongTimeoutMs:     60000,
			InactiveTimeoutMs: 120000,
		},
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "0.0.0.0",
			Enabled: true,
		},
		Store: StoreConfig{
			Enabled: true,
			Path:    "soundlink.db",
		},
		Forward: ForwardConfig{
			Timeout:       10,
			MaxRetries:    3,
			MaxConcurrent: 4,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file. Keys missing from the file
// keep their Default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Transport.Validate(); err != nil {
		return fmt.Errorf("transport config: %w", err)
	}

	if err := c.Workflow.Validate(); err != nil {
		return fmt.Errorf("workflow config: %w", err)
	}

	if err := c.Modem.Validate(); err != nil {
		return fmt.Errorf("modem config: %w", err)
	}

	if err := c.Squelch.Validate(); err != nil {
		return fmt.Errorf("squelch config: %w", err)
	}

	if err := c.Medium.Validate(); err != nil {
		return fmt.Errorf("medium config: %w", err)
	}

	if err := c.Relay.Validate(); err != nil {
		return fmt.Errorf("relay config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store config: %w", err)
	}

	if err := c.Forward.Validate(); err != nil {
		return fmt.Errorf("forward config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates transport configuration
func (t *TransportConfig) Validate() error {
	if t.MaxPayloadLength < 1 || t.MaxPayloadLength > 255 {
		return fmt.Errorf("max_payload_length must be between 1 and 255, got %d", t.MaxPayloadLength)
	}

	if t.Volume < 0 || t.Volume > 1 {
		return fmt.Errorf("volume must be between 0 and 1, got %f", t.Volume)
	}

	if t.SampleRate != 48000 {
		return fmt.Errorf("sample_rate must be 48000 Hz, got %d", t.SampleRate)
	}

	if t.SamplesPerFrame < 256 || t.SamplesPerFrame > 4096 {
		return fmt.Errorf("samples_per_frame must be between 256 and 4096, got %d", t.SamplesPerFrame)
	}

	if t.CaptureIntervalMs < 1 {
		return fmt.Errorf("capture_interval_ms must be at least 1, got %d", t.CaptureIntervalMs)
	}

	return nil
}

// Validate validates workflow configuration
func (w *WorkflowConfig) Validate() error {
	if w.PairingTimeoutMs < 1 {
		return fmt.Errorf("pairing_timeout_ms must be positive, got %d", w.PairingTimeoutMs)
	}

	if w.InitiatorTimeoutMs < 0 {
		return fmt.Errorf("initiator_timeout_ms cannot be negative, got %d", w.InitiatorTimeoutMs)
	}

	return nil
}

// Validate validates modem configuration
func (m *ModemConfig) Validate() error {
	if m.Profile < 0 || m.Profile > 8 {
		return fmt.Errorf("profile must be between 0 and 8, got %d", m.Profile)
	}

	return nil
}

// Validate validates squelch configuration
func (s *SquelchConfig) Validate() error {
	if s.Threshold <= 0 {
		return fmt.Errorf("threshold must be positive, got %f", s.Threshold)
	}

	if s.Smoothing < 0 || s.Smoothing >= 1 {
		return fmt.Errorf("smoothing must be between 0 and 1 (exclusive), got %f", s.Smoothing)
	}

	if s.HangoverFrames < 1 {
		return fmt.Errorf("hangover_frames must be at least 1, got %d", s.HangoverFrames)
	}

	if s.MaxBurstSeconds <= 0 {
		return fmt.Errorf("max_burst_seconds must be positive, got %f", s.MaxBurstSeconds)
	}

	return nil
}

// Validate validates medium configuration
func (m *MediumConfig) Validate() error {
	switch m.Kind {
	case "loopback":
	case "udp":
		if m.ListenAddr == "" {
			return fmt.Errorf("listen_addr cannot be empty for udp medium")
		}
		if len(m.Peers) == 0 {
			return fmt.Errorf("udp medium needs at least one peer")
		}
		if m.Workers < 1 {
			return fmt.Errorf("workers must be at least 1, got %d", m.Workers)
		}
		if m.StreamTimeoutSecs < 1 {
			return fmt.Errorf("stream_timeout_secs must be at least 1, got %d", m.StreamTimeoutSecs)
		}
	case "websocket":
		if m.RelayURL == "" {
			return fmt.Errorf("relay_url cannot be empty for websocket medium")
		}
	default:
		return fmt.Errorf("kind must be one of [loopback, udp, websocket], got '%s'", m.Kind)
	}

	return nil
}

// Validate validates relay configuration
func (r *RelayConfig) Validate() error {
	if r.ListenAddr == "" {
		return fmt.Errorf("listen_addr cannot be empty")
	}

	if r.Path == "" || r.Path[0] != '/' {
		return fmt.Errorf("path must start with '/', got '%s'", r.Path)
	}

	if r.WriteTimeoutMs < 1 {
		return fmt.Errorf("write_timeout_ms must be positive, got %d", r.WriteTimeoutMs)
	}

	if r.PongTimeoutMs < 1000 {
		return fmt.Errorf("pong_timeout_ms must be at least 1000, got %d", r.PongTimeoutMs)
	}

	if r.InactiveTimeoutMs < r.PongTimeoutMs {
		return fmt.Errorf("inactive_timeout_ms (%d) must not be shorter than pong_timeout_ms (%d)",
			r.InactiveTimeoutMs, r.PongTimeoutMs)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates store configuration
func (s *StoreConfig) Validate() error {
	if s.Enabled && s.Path == "" {
		return fmt.Errorf("path cannot be empty when the store is enabled")
	}

	return nil
}

// Validate validates forward configuration
func (f *ForwardConfig) Validate() error {
	if !f.Enabled {
		return nil
	}

	if f.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty when forwarding is enabled")
	}

	if f.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", f.Timeout)
	}

	if f.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", f.MaxRetries)
	}

	if f.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", f.MaxConcurrent)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Anything other than stdout/stderr is treated as a file path.
	return nil
}

// GetCaptureInterval returns the idle capture interval as a time.Duration
func (t *TransportConfig) GetCaptureInterval() time.Duration {
	return time.Duration(t.CaptureIntervalMs) * time.Millisecond
}

// GetPairingTimeoutDuration returns the default pairing wait as a time.Duration
func (w *WorkflowConfig) GetPairingTimeoutDuration() time.Duration {
	return time.Duration(w.PairingTimeoutMs) * time.Millisecond
}

// GetInitiatorTimeoutDuration returns how long an initiator waits for a response.
// Zero disables the initiator timer.
func (w *WorkflowConfig) GetInitiatorTimeoutDuration() time.Duration {
	return time.Duration(w.InitiatorTimeoutMs) * time.Millisecond
}

// GetMaxBurstSamples converts the burst limit to a sample count
func (s *SquelchConfig) GetMaxBurstSamples(sampleRate int) int {
	return int(s.MaxBurstSeconds * float64(sampleRate))
}

// GetStreamTimeoutDuration returns the per-sender inactivity timeout as a time.Duration
func (m *MediumConfig) GetStreamTimeoutDuration() time.Duration {
	return time.Duration(m.StreamTimeoutSecs) * time.Second
}

// GetWriteTimeout returns the relay write deadline as a time.Duration
func (r *RelayConfig) GetWriteTimeout() time.Duration {
	return time.Duration(r.WriteTimeoutMs) * time.Millisecond
}

// GetPongTimeout returns the relay read deadline as a time.Duration
func (r *RelayConfig) GetPongTimeout() time.Duration {
	return time.Duration(r.PongTimeoutMs) * time.Millisecond
}

// GetInactiveTimeout returns the relay client inactivity limit as a time.Duration
func (r *RelayConfig) GetInactiveTimeout() time.Duration {
	return time.Duration(r.InactiveTimeoutMs) * time.Millisecond
}

// GetTimeoutDuration returns the forward request timeout as a time.Duration
func (f *ForwardConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(f.Timeout) * time.Second
}
