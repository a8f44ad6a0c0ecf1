package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "5s" or "1m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// LokiConfig configures optional Loki integration for logging.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Labels  map[string]string `yaml:"labels"`
}

// LoggingConfig encapsulates runtime logging options.
type LoggingConfig struct {
	Level  string     `yaml:"level"`
	Format string     `yaml:"format,omitempty"`
	Loki   LokiConfig `yaml:"loki"`
}

// TelemetryConfig configures runtime telemetry exporters.
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DatabaseConfig selects and configures the measurement store.
type DatabaseConfig struct {
	Driver         string   `yaml:"driver"`
	URL            string   `yaml:"url"`
	PoolSize       int      `yaml:"pool_size,omitempty"`
	ConnectTimeout Duration `yaml:"connect_timeout,omitempty"`
	Migrate        bool     `yaml:"migrate,omitempty"`
	StoreTimeout   Duration `yaml:"store_timeout,omitempty"`
}

// DeviceConfig selects the device driver. Settings are passed to the driver
// undecoded.
type DeviceConfig struct {
	Driver         string    `yaml:"driver"`
	DriverSettings yaml.Node `yaml:"driver_settings,omitempty"`
}

// Settings returns the raw driver_settings node, or nil when the section is
// absent.
func (d *DeviceConfig) Settings() *yaml.Node {
	if d.DriverSettings.Kind == 0 {
		return nil
	}
	return &d.DriverSettings
}

// PoolConfig configures the connection pool.
type PoolConfig struct {
	CohortCount            int      `yaml:"cohort_count"`
	ConnectTimeout         Duration `yaml:"connect_timeout"`
	PollTimeout            Duration `yaml:"poll_timeout"`
	MaxConsecutiveFailures int      `yaml:"max_consecutive_failures"`
	MaxReconnectAttempts   int      `yaml:"max_reconnect_attempts"`
	BaseReconnectDelay     Duration `yaml:"base_reconnect_delay"`
	MaxReconnectDelay      Duration `yaml:"max_reconnect_delay"`
	RefreshInterval        Duration `yaml:"refresh_interval"`
}

// PollingConfig configures the cohort scheduler. MaxConcurrentPolls bounds
// how many device sessions are opened at once when the pool connects the
// fleet; polls within a cohort are never capped.
type PollingConfig struct {
	Interval           Duration `yaml:"interval"`
	Jitter             Duration `yaml:"jitter"`
	MaxConcurrentPolls int      `yaml:"max_concurrent_polls"`
}

// BatchConfig configures the batch writer.
type BatchConfig struct {
	FlushInterval  Duration `yaml:"flush_interval"`
	MaxBatchSize   int      `yaml:"max_batch_size"`
	MaxQueueSize   int      `yaml:"max_queue_size"`
	DropChunk      int      `yaml:"drop_chunk,omitempty"`
	OverflowPolicy string   `yaml:"overflow_policy"`
	SpillDir       string   `yaml:"spill_dir,omitempty"`
}

// BackfillConfig configures gap detection and log replay.
type BackfillConfig struct {
	MaxConcurrent  int      `yaml:"max_concurrent"`
	CheckInterval  Duration `yaml:"check_interval"`
	BatchSize      int      `yaml:"batch_size"`
	GapThreshold   Duration `yaml:"gap_threshold"`
	SessionTimeout Duration `yaml:"session_timeout,omitempty"`
}

// ParkedConfig configures the rule that derives the parked flag of a snapshot.
type ParkedConfig struct {
	Expression       string  `yaml:"expression,omitempty"`
	VoltageThreshold float64 `yaml:"voltage_threshold"`
}

// ServerConfig configures the HTTP health and metrics server.
type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen,omitempty"`
	Port    int    `yaml:"port"`
	// GoroutineThreshold fails liveness once exceeded. Zero disables the check.
	GoroutineThreshold int `yaml:"goroutine_threshold,omitempty"`
}

// Config is the root configuration structure for the collector.
type Config struct {
	Name      string          `yaml:"name,omitempty"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Database  DatabaseConfig  `yaml:"database"`
	Device    DeviceConfig    `yaml:"device"`
	Pool      PoolConfig      `yaml:"pool"`
	Polling   PollingConfig   `yaml:"polling"`
	Batch     BatchConfig     `yaml:"batch"`
	Backfill  BackfillConfig  `yaml:"backfill"`
	Parked    ParkedConfig    `yaml:"parked"`
	Server    ServerConfig    `yaml:"server"`
	HotReload bool            `yaml:"hot_reload,omitempty"`
	// Source is the absolute path of the file the configuration was read from.
	Source string `yaml:"-"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Name:      "fleet-collector",
		Logging:   LoggingConfig{Level: "info", Format: "json"},
		Telemetry: TelemetryConfig{Enabled: true},
		Database: DatabaseConfig{
			Driver:         "postgres",
			PoolSize:       10,
			ConnectTimeout: Duration{5 * time.Second},
			StoreTimeout:   Duration{10 * time.Second},
		},
		Device: DeviceConfig{Driver: "simulator"},
		Pool: PoolConfig{
			CohortCount:            10,
			ConnectTimeout:         Duration{15 * time.Second},
			PollTimeout:            Duration{8 * time.Second},
			MaxConsecutiveFailures: 3,
			MaxReconnectAttempts:   5,
			BaseReconnectDelay:     Duration{time.Second},
			MaxReconnectDelay:      Duration{60 * time.Second},
			RefreshInterval:        Duration{5 * time.Minute},
		},
		Polling: PollingConfig{
			Interval:           Duration{10 * time.Second},
			Jitter:             Duration{250 * time.Millisecond},
			MaxConcurrentPolls: 100,
		},
		Batch: BatchConfig{
			FlushInterval:  Duration{2 * time.Second},
			MaxBatchSize:   500,
			MaxQueueSize:   10000,
			DropChunk:      100,
			OverflowPolicy: "drop_oldest",
		},
		Backfill: BackfillConfig{
			MaxConcurrent:  5,
			CheckInterval:  Duration{30 * time.Second},
			BatchSize:      1000,
			GapThreshold:   Duration{30 * time.Second},
			SessionTimeout: Duration{10 * time.Minute},
		},
		Parked: ParkedConfig{VoltageThreshold: 13.8},
		Server: ServerConfig{Enabled: true, Port: 3001},
	}
}

// Load builds the effective configuration: defaults, then the YAML file at
// path when it exists, then environment overrides. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		data, err := os.ReadFile(abs)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("decode config %s: %w", abs, err)
			}
			cfg.Source = abs
		}
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Addr returns the listen address of the HTTP server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Listen, s.Port)
}
