package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default config should validate, got: %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(c *Config)
		expectError bool
		errorMsg    string
	}{
		{
			name:   "defaults",
			mutate: func(c *Config) {},
		},
		{
			name: "forwarding enabled",
			mutate: func(c *Config) {
				c.Forward.Enabled = true
				c.Forward.Endpoint = "https://backend.example/handoff"
			},
		},
		{
			name:        "forwarding without endpoint",
			mutate:      func(c *Config) { c.Forward.Enabled = true },
			expectError: true,
			errorMsg:    "forward config: endpoint cannot be empty",
		},
		{
			name: "forwarding with zero concurrency",
			mutate: func(c *Config) {
				c.Forward.Enabled = true
				c.Forward.Endpoint = "https://backend.example/handoff"
				c.Forward.MaxConcurrent = 0
			},
			expectError: true,
			errorMsg:    "max_concurrent must be at least 1",
		},
		{
			name:        "volume above one",
			mutate:      func(c *Config) { c.Transport.Volume = 1.5 },
			expectError: true,
			errorMsg:    "transport config: volume must be between 0 and 1",
		},
		{
			name:        "negative volume",
			mutate:      func(c *Config) { c.Transport.Volume = -0.1 },
			expectError: true,
			errorMsg:    "volume must be between 0 and 1",
		},
		{
			name:        "unsupported sample rate",
			mutate:      func(c *Config) { c.Transport.SampleRate = 44100 },
			expectError: true,
			errorMsg:    "sample_rate must be 48000",
		},
		{
			name:        "zero payload length",
			mutate:      func(c *Config) { c.Transport.MaxPayloadLength = 0 },
			expectError: true,
			errorMsg:    "max_payload_length",
		},
		{
			name:        "zero pairing timeout",
			mutate:      func(c *Config) { c.Workflow.PairingTimeoutMs = 0 },
			expectError: true,
			errorMsg:    "workflow config: pairing_timeout_ms must be positive",
		},
		{
			name:        "unknown profile",
			mutate:      func(c *Config) { c.Modem.Profile = 9 },
			expectError: true,
			errorMsg:    "modem config: profile must be between 0 and 8",
		},
		{
			name:        "smoothing out of range",
			mutate:      func(c *Config) { c.Squelch.Smoothing = 1 },
			expectError: true,
			errorMsg:    "squelch config",
		},
		{
			name:        "unknown medium",
			mutate:      func(c *Config) { c.Medium.Kind = "bluetooth" },
			expectError: true,
			errorMsg:    "kind must be one of",
		},
		{
			name:        "udp without peers",
			mutate:      func(c *Config) { c.Medium.Kind = "udp" },
			expectError: true,
			errorMsg:    "udp medium needs at least one peer",
		},
		{
			name: "udp with peers",
			mutate: func(c *Config) {
				c.Medium.Kind = "udp"
				c.Medium.Peers = []string{"127.0.0.1:7701"}
			},
		},
		{
			name:        "websocket without relay url",
			mutate:      func(c *Config) { c.Medium.Kind = "websocket" },
			expectError: true,
			errorMsg:    "relay_url cannot be empty",
		},
		{
			name:        "relay path without slash",
			mutate:      func(c *Config) { c.Relay.Path = "air" },
			expectError: true,
			errorMsg:    "relay config",
		},
		{
			name:        "http port out of range",
			mutate:      func(c *Config) { c.HTTP.Port = 70000 },
			expectError: true,
			errorMsg:    "http port must be between 1 and 65535",
		},
		{
			name: "http disabled ignores port",
			mutate: func(c *Config) {
				c.HTTP.Enabled = false
				c.HTTP.Port = 0
			},
		},
		{
			name:        "store enabled without path",
			mutate:      func(c *Config) { c.Store.Path = "" },
			expectError: true,
			errorMsg:    "store config",
		},
		{
			name:        "invalid log level",
			mutate:      func(c *Config) { c.Logging.Level = "trace" },
			expectError: true,
			errorMsg:    "logging config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
			} else if err != nil {
				t.Errorf("Expected no error but got: %v", err)
			}
		})
	}
}

func TestConfigLoad(t *testing.T) {
	tempDir := t.TempDir()

	tests := []struct {
		name        string
		configYAML  string
		expectError bool
		errorMsg    string
		check       func(t *testing.T, c *Config)
	}{
		{
			name: "full config file",
			configYAML: `
transport:
  max_payload_length: 140
  volume: 0.8
  sample_rate: 48000
  samples_per_frame: 1024
  capture_interval_ms: 20
workflow:
  device_id: "POS-001"
  pairing_timeout_ms: 5000
  send_acks: true
modem:
  profile: 2
medium:
  kind: "websocket"
  relay_url: "ws://127.0.0.1:8090/air"
logging:
  level: "debug"
  format: "text"
  output: "stderr"
`,
			check: func(t *testing.T, c *Config) {
				if c.Transport.Volume != 0.8 {
					t.Errorf("Expected volume 0.8, got %f", c.Transport.Volume)
				}
				if c.Workflow.DeviceID != "POS-001" {
					t.Errorf("Expected device id POS-001, got %q", c.Workflow.DeviceID)
				}
				if !c.Workflow.SendAcks {
					t.Errorf("Expected send_acks to be true")
				}
				if c.Modem.Profile != 2 {
					t.Errorf("Expected profile 2, got %d", c.Modem.Profile)
				}
				if c.Medium.Kind != "websocket" {
					t.Errorf("Expected websocket medium, got %s", c.Medium.Kind)
				}
			},
		},
		{
			name: "partial file keeps defaults",
			configYAML: `
workflow:
  device_id: "TERM-7"
`,
			check: func(t *testing.T, c *Config) {
				if c.Transport.MaxPayloadLength != 140 {
					t.Errorf("Expected default max payload 140, got %d", c.Transport.MaxPayloadLength)
				}
				if c.Workflow.PairingTimeoutMs != 30000 {
					t.Errorf("Expected default pairing timeout 30000, got %d", c.Workflow.PairingTimeoutMs)
				}
				if c.Modem.Profile != 5 {
					t.Errorf("Expected default profile 5, got %d", c.Modem.Profile)
				}
			},
		},
		{
			name: "invalid YAML syntax",
			configYAML: `
transport:
  max_payload_length: invalid_number
`,
			expectError: true,
			errorMsg:    "failed to parse",
		},
		{
			name: "invalid values",
			configYAML: `
transport:
  volume: 2.0
`,
			expectError: true,
			errorMsg:    "config validation failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := filepath.Join(tempDir, "config.yaml")
			if err := os.WriteFile(configPath, []byte(tt.configYAML), 0644); err != nil {
				t.Fatalf("Failed to create test config file: %v", err)
			}

			config, err := Load(configPath)

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
				return
			}

			if err != nil {
				t.Fatalf("Expected no error but got: %v", err)
			}
			if tt.check != nil {
				tt.check(t, config)
			}
		})
	}
}

func TestConfigLoadNonexistentFile(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Fatalf("Expected error for nonexistent file but got none")
	}
	if !strings.Contains(err.Error(), "failed to read config file") {
		t.Errorf("Expected error about reading file, got: %v", err)
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()

	if cfg.Transport.GetCaptureInterval() != 50*time.Millisecond {
		t.Errorf("Expected 50ms, got %v", cfg.Transport.GetCaptureInterval())
	}

	if cfg.Workflow.GetPairingTimeoutDuration() != 30*time.Second {
		t.Errorf("Expected 30 seconds, got %v", cfg.Workflow.GetPairingTimeoutDuration())
	}

	cfg.Workflow.InitiatorTimeoutMs = 0
	if cfg.Workflow.GetInitiatorTimeoutDuration() != 0 {
		t.Errorf("Expected disabled initiator timeout, got %v", cfg.Workflow.GetInitiatorTimeoutDuration())
	}

	if got := cfg.Squelch.GetMaxBurstSamples(48000); got != 30*48000 {
		t.Errorf("Expected %d samples, got %d", 30*48000, got)
	}

	if cfg.Relay.GetPongTimeout() != time.Minute {
		t.Errorf("Expected 1 minute, got %v", cfg.Relay.GetPongTimeout())
	}

	if cfg.Forward.GetTimeoutDuration() != 10*time.Second {
		t.Errorf("Expected 10 seconds, got %v", cfg.Forward.GetTimeoutDuration())
	}
}
