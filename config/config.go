// Package config centralises runtime configuration for the swapflow engine.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML string parsing ("5s", "60s", ...).
type Duration time.Duration

// UnmarshalYAML parses duration strings and bare integers (seconds).
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil || strings.TrimSpace(node.Value) == "" {
		*d = 0
		return nil
	}
	text := strings.TrimSpace(node.Value)
	if secs, err := strconv.Atoi(text); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration in Go's duration syntax.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std converts to the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// QueueConfig sizes the admission and concurrency controller.
type QueueConfig struct {
	// Concurrency caps the number of orders executing at once.
	Concurrency int `yaml:"concurrency"`
	// RateLimit caps admissions per RateWindow; excess admissions wait.
	RateLimit  int      `yaml:"rateLimit"`
	RateWindow Duration `yaml:"rateWindow"`
	// RetentionAge bounds how long finished-job bookkeeping is kept.
	RetentionAge Duration `yaml:"retentionAge"`
	// RetentionSweep is the interval between retention sweeps.
	RetentionSweep Duration `yaml:"retentionSweep"`
}

// ExecutorConfig tunes the pipeline retry policy.
type ExecutorConfig struct {
	MaxRetries  int      `yaml:"maxRetries"`
	BackoffBase Duration `yaml:"backoffBase"`
	// RetrySlippage routes deterministic slippage violations through the
	// transient retry path when true. Off by default: retrying a
	// tolerance violation burns budget without changing the outcome.
	RetrySlippage bool `yaml:"retrySlippage"`
}

// VenueConfig tunes the simulated quote sources.
type VenueConfig struct {
	MinLatency  Duration `yaml:"minLatency"`
	MaxLatency  Duration `yaml:"maxLatency"`
	FailureRate float64  `yaml:"failureRate"`
	// SubmitFailureRate models transient settlement-dispatch failures.
	SubmitFailureRate float64 `yaml:"submitFailureRate"`
}

// BroadcastConfig tunes status fan-out behaviour.
type BroadcastConfig struct {
	// TeardownDelay is how long terminal-state subscribers are kept open so
	// the client can receive the terminal payload before forced closure.
	TeardownDelay Duration `yaml:"teardownDelay"`
}

// ServerConfig configures the ingestion surface.
type ServerConfig struct {
	Addr              string   `yaml:"addr"`
	ReadHeaderTimeout Duration `yaml:"readHeaderTimeout"`
}

// PostgresConfig selects the durable order store. An empty DSN boots the
// in-memory store instead.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// TelemetryConfig configures the OTLP metrics exporter. An empty endpoint
// installs no-op providers.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// Settings contains the swapflow configuration tree loaded from defaults,
// file, and environment overrides.
type Settings struct {
	Queue     QueueConfig     `yaml:"queue"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Venues    VenueConfig     `yaml:"venues"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// Default returns the default swapflow configuration.
func Default() Settings {
	return Settings{
		Queue: QueueConfig{
			Concurrency:    10,
			RateLimit:      100,
			RateWindow:     Duration(60 * time.Second),
			RetentionAge:   Duration(time.Hour),
			RetentionSweep: Duration(5 * time.Minute),
		},
		Executor: ExecutorConfig{
			MaxRetries:    3,
			BackoffBase:   Duration(time.Second),
			RetrySlippage: false,
		},
		Venues: VenueConfig{
			MinLatency:        Duration(2 * time.Second),
			MaxLatency:        Duration(3 * time.Second),
			FailureRate:       0.05,
			SubmitFailureRate: 0.1,
		},
		Broadcast: BroadcastConfig{
			TeardownDelay: Duration(5 * time.Second),
		},
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: Duration(5 * time.Second),
		},
		Postgres:  PostgresConfig{DSN: ""},
		Telemetry: TelemetryConfig{OTLPEndpoint: "", ServiceName: "swapflow"},
	}
}

// LoadOrDefault reads a YAML configuration file over the defaults. A missing
// file is not an error; the second return reports whether the file was read.
func LoadOrDefault(path string) (Settings, bool, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return FromEnv(cfg), false, nil
		}
		return cfg, false, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, false, fmt.Errorf("parse config %s: %w", path, err)
	}
	return FromEnv(cfg), true, nil
}

// FromEnv applies SWAPFLOW_* environment overrides on top of the settings.
func FromEnv(cfg Settings) Settings {
	if v := strings.TrimSpace(os.Getenv("SWAPFLOW_ADDR")); v != "" {
		cfg.Server.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("SWAPFLOW_POSTGRES_DSN")); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("SWAPFLOW_OTLP_ENDPOINT")); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("SWAPFLOW_CONCURRENCY")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.Concurrency = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("SWAPFLOW_RATE_LIMIT")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.RateLimit = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("SWAPFLOW_MAX_RETRIES")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Executor.MaxRetries = n
		}
	}
	return cfg
}

// Validate checks the configuration tree for invalid values.
func (s Settings) Validate() error {
	if s.Queue.Concurrency <= 0 {
		return fmt.Errorf("queue.concurrency must be > 0")
	}
	if s.Queue.RateLimit <= 0 {
		return fmt.Errorf("queue.rateLimit must be > 0")
	}
	if s.Queue.RateWindow <= 0 {
		return fmt.Errorf("queue.rateWindow must be > 0")
	}
	if s.Executor.MaxRetries < 0 {
		return fmt.Errorf("executor.maxRetries must be >= 0")
	}
	if s.Executor.BackoffBase <= 0 {
		return fmt.Errorf("executor.backoffBase must be > 0")
	}
	if s.Venues.MinLatency < 0 || s.Venues.MaxLatency < s.Venues.MinLatency {
		return fmt.Errorf("venues latency window invalid")
	}
	if s.Venues.FailureRate < 0 || s.Venues.FailureRate > 1 {
		return fmt.Errorf("venues.failureRate must be within [0,1]")
	}
	if s.Venues.SubmitFailureRate < 0 || s.Venues.SubmitFailureRate > 1 {
		return fmt.Errorf("venues.submitFailureRate must be within [0,1]")
	}
	if s.Broadcast.TeardownDelay < 0 {
		return fmt.Errorf("broadcast.teardownDelay must be >= 0")
	}
	if strings.TrimSpace(s.Server.Addr) == "" {
		return fmt.Errorf("server.addr required")
	}
	return nil
}
