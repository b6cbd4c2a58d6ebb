package config

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	streamderrors "github.com/xtxerr/streamd/internal/errors"
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if err := c.Host.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("host: %w", err))
	}
	if err := c.Server.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("server: %w", err))
	}
	if err := c.Storage.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("storage: %w", err))
	}
	if err := c.Replication.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("replication: %w", err))
	}
	if err := c.Relay.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("relay: %w", err))
	}
	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}
	if err := c.ML.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("ml: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", streamderrors.ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Validate checks the host identity.
func (c *HostConfig) Validate() error {
	if c.GUID != "" {
		if _, err := uuid.Parse(c.GUID); err != nil {
			return fmt.Errorf("guid: %w", err)
		}
	}
	if c.GUID == "" && c.GUIDFile == "" {
		return errors.New("guid or guid_file is required")
	}
	return nil
}

// Validate checks the server configuration.
func (c *ServerConfig) Validate() error {
	var errs []error

	if c.Listen == "" {
		errs = append(errs, errors.New("listen is required"))
	}
	if c.ReadTimeout <= 0 {
		errs = append(errs, errors.New("read_timeout must be positive"))
	}
	if c.MaxLineSize < 256 {
		errs = append(errs, errors.New("max_line_size must be at least 256"))
	}
	if c.DisableLimit < 0 {
		errs = append(errs, errors.New("disable_limit must not be negative"))
	}

	return errors.Join(errs...)
}

// Validate checks the storage configuration.
func (c *StorageConfig) Validate() error {
	var errs []error

	if len(c.Tiers) == 0 {
		errs = append(errs, errors.New("tiers must not be empty"))
	} else {
		if c.Tiers[0] != 1 {
			errs = append(errs, errors.New("tiers[0] must be 1"))
		}
		for i := 1; i < len(c.Tiers); i++ {
			if c.Tiers[i] <= c.Tiers[i-1] {
				errs = append(errs, fmt.Errorf("tiers[%d] must be greater than tiers[%d]", i, i-1))
			} else if c.Tiers[i]%c.Tiers[i-1] != 0 {
				errs = append(errs, fmt.Errorf("tiers[%d] must be a multiple of tiers[%d]", i, i-1))
			}
		}
	}
	if len(c.MaxPoints) > len(c.Tiers) {
		errs = append(errs, errors.New("max_points has more entries than tiers"))
	}
	if c.UpdateEvery <= 0 {
		errs = append(errs, errors.New("update_every must be positive"))
	}
	if c.BackfillWorkers <= 0 {
		errs = append(errs, errors.New("backfill_workers must be positive"))
	}

	validSync := map[string]bool{"async": true, "sync": true, "fsync": true, "": true}
	if !validSync[c.WAL.SyncMode] {
		errs = append(errs, errors.New("wal.sync_mode must be one of: async, sync, fsync"))
	}

	validCodecs := map[string]bool{
		"snappy": true,
		"zstd":   true,
		"lz4":    true,
		"gzip":   true,
		"none":   true,
		"":       true, // Empty means uncompressed
	}
	if !validCodecs[c.Archive.Compression] {
		errs = append(errs, errors.New("archive.compression must be one of: snappy, zstd, lz4, gzip, none"))
	}
	if c.Archive.Dir != "" && c.Archive.Interval <= 0 {
		errs = append(errs, errors.New("archive.interval must be positive when archive.dir is set"))
	}

	if c.Percentile.Enabled {
		if c.Percentile.Accuracy <= 0 || c.Percentile.Accuracy >= 1 {
			errs = append(errs, errors.New("percentile.accuracy must be between 0 and 1"))
		}
	}

	return errors.Join(errs...)
}

// Validate checks the replication configuration.
func (c *ReplicationConfig) Validate() error {
	var errs []error

	if c.Period <= 0 {
		errs = append(errs, errors.New("period must be positive"))
	}
	if c.Step <= 0 {
		errs = append(errs, errors.New("step must be positive"))
	}
	if c.SuspiciousThreshold < 1 {
		errs = append(errs, errors.New("suspicious_threshold must be at least 1"))
	}

	return errors.Join(errs...)
}

// Validate checks the relay configuration.
func (c *RelayConfig) Validate() error {
	if c.Destination == "" {
		return nil
	}

	var errs []error

	switch c.Compression {
	case "", "none", "lz4", "zstd":
	default:
		errs = append(errs, errors.New("compression must be one of: none, lz4, zstd"))
	}
	if c.QueueSize <= 0 {
		errs = append(errs, errors.New("queue_size must be positive"))
	}
	if c.Workers <= 0 {
		errs = append(errs, errors.New("workers must be positive"))
	}

	return errors.Join(errs...)
}

// Validate checks the logging configuration.
func (c *LoggingConfig) Validate() error {
	switch c.Level {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unknown level %q", c.Level)
	}
	if c.AnomalyBurst < 0 {
		return errors.New("anomaly_burst must not be negative")
	}
	return nil
}

// Validate checks the anomaly detection configuration.
func (c *MLConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	var errs []error

	if c.Window < 2 {
		errs = append(errs, errors.New("window must be at least 2"))
	}
	if c.MinSamples < 2 || c.MinSamples > c.Window {
		errs = append(errs, errors.New("min_samples must be between 2 and window"))
	}
	if c.Threshold <= 0 {
		errs = append(errs, errors.New("threshold must be positive"))
	}

	return errors.Join(errs...)
}
