// Package config holds all configuration types and loading logic for the
// telemetry agent. Config structure never shrinks — fields are only
// added, never renamed or removed.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a telemetry agent instance.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Storage   StorageConfig   `yaml:"storage"`
	Channel   ChannelConfig   `yaml:"channel"`
	Ingestion IngestionConfig `yaml:"ingestion"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// NodeConfig holds identity and network settings for this agent.
type NodeConfig struct {
	// InstallID is a ULID string. Use "auto" to generate and persist one
	// on first start.
	InstallID string `yaml:"install_id"`
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	DataDir   string `yaml:"data_dir"`
}

// FsyncPolicy controls when data is flushed to physical disk.
type FsyncPolicy string

const (
	FsyncAlways   FsyncPolicy = "always"   // safest, slowest
	FsyncInterval FsyncPolicy = "interval" // flush every FsyncIntervalMs — default
	FsyncBatch    FsyncPolicy = "batch"    // flush every FsyncBatchSize writes
	FsyncNever    FsyncPolicy = "never"    // fastest, unsafe (dev/test only)
)

// StorageConfig controls how logs are persisted on disk.
type StorageConfig struct {
	Fsync              FsyncPolicy `yaml:"fsync"`
	FsyncIntervalMs    int         `yaml:"fsync_interval_ms"`
	FsyncBatchSize     int         `yaml:"fsync_batch_size"`
	CompactionInterval string      `yaml:"compaction_interval"`
}

// ChannelConfig sets channel-wide behaviour and the default group policy
// the agent registers at startup.
type ChannelConfig struct {
	// MaxEnqueueRate throttles Enqueue per group, logs per second.
	// 0 = unlimited.
	MaxEnqueueRate float64 `yaml:"max_enqueue_rate"`
	// EnqueueBurst allows temporary spikes above MaxEnqueueRate.
	EnqueueBurst int `yaml:"enqueue_burst"`
	// SuspendDrainChunk is how many rows each discard-drain chunk removes.
	SuspendDrainChunk int `yaml:"suspend_drain_chunk"`
	ShutdownTimeoutMs int `yaml:"shutdown_timeout_ms"`

	DefaultGroup GroupConfig `yaml:"default_group"`
}

// GroupConfig is the batching policy for one group.
type GroupConfig struct {
	Name               string `yaml:"name"`
	MaxLogsPerBatch    int    `yaml:"max_logs_per_batch"`
	BatchIntervalMs    int64  `yaml:"batch_interval_ms"`
	MaxParallelBatches int    `yaml:"max_parallel_batches"`
}

// IngestionConfig controls the transport to the remote endpoint.
type IngestionConfig struct {
	ServerURL string `yaml:"server_url"`
	AppSecret string `yaml:"app_secret"`
	// RetryDelaysMs is the list of delays between successive retry
	// attempts of one batch.
	RetryDelaysMs []int `yaml:"retry_delays_ms"`
	TimeoutMs     int   `yaml:"timeout_ms"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			InstallID: "auto",
			Host:      "0.0.0.0",
			Port:      8085,
			DataDir:   "./data",
		},
		Storage: StorageConfig{
			Fsync:              FsyncInterval,
			FsyncIntervalMs:    200,
			FsyncBatchSize:     64,
			CompactionInterval: "1h",
		},
		Channel: ChannelConfig{
			MaxEnqueueRate:    0,
			EnqueueBurst:      0,
			SuspendDrainChunk: 100,
			ShutdownTimeoutMs: 5_000,
			DefaultGroup: GroupConfig{
				Name:               "analytics",
				MaxLogsPerBatch:    50,
				BatchIntervalMs:    3_000,
				MaxParallelBatches: 3,
			},
		},
		Ingestion: IngestionConfig{
			ServerURL:     "https://in.telemetry.example.com",
			AppSecret:     "",
			RetryDelaysMs: []int{10_000, 300_000, 1_200_000},
			TimeoutMs:     60_000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9095,
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of
// Default(). If the file does not exist the default config is returned
// without error, making it easy to run the agent with no config file at
// all.
//
// After loading the file, environment variables are applied as overrides:
//
//	TELEMETRY_APP_SECRET  — sets ingestion.app_secret
//	TELEMETRY_SERVER_URL  — sets ingestion.server_url
//	TELEMETRY_DATA_DIR    — sets node.data_dir
//	TELEMETRY_PORT        — sets node.port
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("TELEMETRY_APP_SECRET"); v != "" {
		cfg.Ingestion.AppSecret = v
	}
	if v := os.Getenv("TELEMETRY_SERVER_URL"); v != "" {
		cfg.Ingestion.ServerURL = v
	}
	if v := os.Getenv("TELEMETRY_DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("TELEMETRY_PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			cfg.Node.Port = p
		}
	}
}

// Validate checks that the config values are consistent and within
// acceptable ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Node.Port < 1 || c.Node.Port > 65535 {
		return errors.New("node.port must be between 1 and 65535")
	}
	if c.Node.DataDir == "" {
		return errors.New("node.data_dir must not be empty")
	}
	if c.Ingestion.ServerURL == "" {
		return errors.New("ingestion.server_url must not be empty")
	}
	if c.Channel.SuspendDrainChunk < 1 {
		return errors.New("channel.suspend_drain_chunk must be at least 1")
	}
	if c.Channel.ShutdownTimeoutMs < 1 {
		return errors.New("channel.shutdown_timeout_ms must be at least 1")
	}
	if g := c.Channel.DefaultGroup; g.Name != "" {
		if g.MaxLogsPerBatch < 1 {
			return errors.New("channel.default_group.max_logs_per_batch must be at least 1")
		}
		if g.BatchIntervalMs < 0 {
			return errors.New("channel.default_group.batch_interval_ms must not be negative")
		}
		if g.MaxParallelBatches < 1 {
			return errors.New("channel.default_group.max_parallel_batches must be at least 1")
		}
	}
	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return errors.New("metrics.port must be between 1 and 65535")
	}
	switch c.Storage.Fsync {
	case FsyncAlways, FsyncInterval, FsyncBatch, FsyncNever:
		// valid
	default:
		return errors.New(`storage.fsync must be one of "always", "interval", "batch", "never"`)
	}
	return nil
}
