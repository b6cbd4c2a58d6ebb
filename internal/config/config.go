// Package config loads the streamd configuration file.
//
// Every field defaults to the documented constant in the top-level config
// package; a YAML file overrides what it names, and command line flags
// override the file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	defaults "github.com/xtxerr/streamd/config"
)

// Config represents the complete daemon configuration.
type Config struct {
	Host        HostConfig        `yaml:"host"`
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Replication ReplicationConfig `yaml:"replication"`
	Relay       RelayConfig       `yaml:"relay"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
	ML          MLConfig          `yaml:"ml"`
}

// HostConfig identifies this agent to its parent.
type HostConfig struct {
	// Hostname defaults to the operating system's host name.
	Hostname string `yaml:"hostname"`

	// GUID is the machine guid. When empty it is read from GUIDFile,
	// which is created with a fresh guid on first start.
	GUID     string `yaml:"guid"`
	GUIDFile string `yaml:"guid_file"`
}

// ServerConfig configures the inbound listener.
type ServerConfig struct {
	// Listen is the TCP address collectors and children connect to.
	Listen string `yaml:"listen"`

	// ReadTimeout drops connections silent for longer than this.
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// MaxLineSize limits a single protocol line.
	MaxLineSize int `yaml:"max_line_size"`

	// DisableLimit and DisableWindow refuse peers that keep violating
	// the protocol.
	DisableLimit  int           `yaml:"disable_limit"`
	DisableWindow time.Duration `yaml:"disable_window"`
}

// StorageConfig configures the tiered storage engine.
type StorageConfig struct {
	// Tiers is the grouping of every tier; the first must be 1.
	Tiers []int `yaml:"tiers"`

	// MaxPoints bounds each tier store. Zero means unbounded.
	MaxPoints []int `yaml:"max_points"`

	// UpdateEvery is used for charts that do not declare one.
	UpdateEvery int `yaml:"update_every"`

	BackfillWorkers   int           `yaml:"backfill_workers"`
	BackfillQueueSize int           `yaml:"backfill_queue_size"`
	DrainTimeout      time.Duration `yaml:"drain_timeout"`

	// CheckpointInterval compacts the WAL. Zero disables checkpoints.
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`

	WAL        WALConfig        `yaml:"wal"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Percentile PercentileConfig `yaml:"percentile"`
}

// WALConfig configures the Write-Ahead Log.
type WALConfig struct {
	// Dir is the WAL directory. Empty keeps the engine in memory.
	Dir string `yaml:"dir"`

	// SyncMode is the sync mode: async, sync, fsync.
	SyncMode string `yaml:"sync_mode"`

	// SyncInterval is the sync interval for async mode.
	SyncInterval time.Duration `yaml:"sync_interval"`

	// MaxSegmentSize is the maximum segment size before rotation.
	MaxSegmentSize int64 `yaml:"max_segment_size"`
}

// ArchiveConfig configures Parquet archives of tier points.
type ArchiveConfig struct {
	// Dir holds the archives. Empty disables archiving.
	Dir string `yaml:"dir"`

	// Interval between exports.
	Interval time.Duration `yaml:"interval"`

	// Compression is the Parquet codec: snappy, zstd, lz4, gzip, none.
	Compression string `yaml:"compression"`

	// QueryMemoryLimit is the DuckDB memory limit for archive queries.
	QueryMemoryLimit string `yaml:"query_memory_limit"`
}

// PercentileConfig configures DDSketch percentiles on tier points.
type PercentileConfig struct {
	// Enabled enables percentile calculation.
	Enabled bool `yaml:"enabled"`

	// Accuracy is the relative accuracy (0.01 = 1% error).
	Accuracy float64 `yaml:"accuracy"`
}

// ReplicationConfig configures the replication controller.
type ReplicationConfig struct {
	// Enabled lets children replay history on reconnect.
	Enabled bool `yaml:"enabled"`

	// Period is how far back history is requested.
	Period time.Duration `yaml:"period"`

	// Step is the largest window requested in one round.
	Step time.Duration `yaml:"step"`

	// SuspiciousThreshold is the number of consecutive no-progress rounds
	// after which replication of a chart is forced to finish.
	SuspiciousThreshold int `yaml:"suspicious_threshold"`
}

// RelayConfig configures streaming to an upstream parent.
type RelayConfig struct {
	// Destination is the parent address. Empty disables relaying.
	Destination string `yaml:"destination"`

	// Capabilities advertised to the parent, e.g. [v2, slots, ieee754].
	Capabilities []string `yaml:"capabilities"`

	// Compression is the stream codec: none, lz4, zstd.
	Compression string `yaml:"compression"`

	QueueSize      int           `yaml:"queue_size"`
	Workers        int           `yaml:"workers"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the HTTP address. Empty disables the endpoint.
	Listen string `yaml:"listen"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// JSON switches to JSON output.
	JSON bool `yaml:"json"`

	// AnomalyEvery and AnomalyBurst rate limit anomaly log lines.
	AnomalyEvery time.Duration `yaml:"anomaly_every"`
	AnomalyBurst int           `yaml:"anomaly_burst"`
}

// MLConfig configures the local anomaly detector, used for samples from
// peers that do not send their own anomaly bit.
type MLConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Window     int     `yaml:"window"`
	MinSamples int     `yaml:"min_samples"`
	Threshold  float64 `yaml:"threshold"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Host: HostConfig{
			GUIDFile: defaults.DefaultGUIDFile,
		},
		Server: ServerConfig{
			Listen:        defaults.DefaultListenAddress,
			ReadTimeout:   defaults.DefaultReadTimeout,
			MaxLineSize:   defaults.DefaultMaxLineSize,
			DisableLimit:  defaults.DefaultDisableLimit,
			DisableWindow: defaults.DefaultDisableWindow,
		},
		Storage: StorageConfig{
			Tiers:              append([]int(nil), defaults.DefaultTierGrouping...),
			UpdateEvery:        defaults.DefaultUpdateEvery,
			BackfillWorkers:    defaults.DefaultBackfillWorkers,
			BackfillQueueSize:  defaults.DefaultBackfillQueueSize,
			DrainTimeout:       defaults.DefaultDrainTimeout,
			CheckpointInterval: defaults.DefaultCheckpointInterval,
			WAL: WALConfig{
				SyncMode:       "async",
				SyncInterval:   time.Second,
				MaxSegmentSize: 64 * 1024 * 1024, // 64MB
			},
			Archive: ArchiveConfig{
				Interval:         defaults.DefaultArchiveInterval,
				Compression:      "zstd",
				QueryMemoryLimit: defaults.DefaultQueryMemoryLimit,
			},
			Percentile: PercentileConfig{
				Enabled:  false,
				Accuracy: defaults.DefaultPercentileAccuracy,
			},
		},
		Replication: ReplicationConfig{
			Enabled:             true,
			Period:              defaults.DefaultReplicationPeriod,
			Step:                defaults.DefaultReplicationStep,
			SuspiciousThreshold: defaults.DefaultSuspiciousThreshold,
		},
		Relay: RelayConfig{
			Capabilities:   []string{"v1", "v2", "slots", "ieee754", "replication"},
			Compression:    defaults.DefaultRelayCompression,
			QueueSize:      defaults.DefaultRelayQueueSize,
			Workers:        defaults.DefaultRelayWorkers,
			ReconnectDelay: defaults.DefaultRelayReconnectDelay,
		},
		Metrics: MetricsConfig{
			Listen: defaults.DefaultMetricsListen,
		},
		Logging: LoggingConfig{
			Level:        "info",
			AnomalyEvery: defaults.DefaultAnomalyLogEvery,
			AnomalyBurst: defaults.DefaultAnomalyLogBurst,
		},
		ML: MLConfig{
			Enabled:    true,
			Window:     defaults.DefaultMLWindow,
			MinSamples: defaults.DefaultMLMinSamples,
			Threshold:  defaults.DefaultMLThreshold,
		},
	}
}
