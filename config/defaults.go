// Package config provides configuration defaults and utilities
// for the streamd daemon.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via streamd.yaml or command line flags.
package config

import "time"

// =============================================================================
// Network Defaults
// =============================================================================

const (
	// DefaultListenAddress is the default address for collector and child
	// agent connections.
	// Override via config: server.listen
	DefaultListenAddress = "0.0.0.0:19999"

	// DefaultReadTimeout is how long a connection may stay silent before
	// it is dropped. A stalled collector must not pin a chart forever.
	// Override via config: server.read_timeout
	DefaultReadTimeout = 2 * time.Minute

	// DefaultMaxLineSize limits a single protocol line to prevent OOM.
	// Override via config: server.max_line_size
	DefaultMaxLineSize = 64 * 1024

	// DefaultMetricsListen is the address of the Prometheus endpoint.
	// Empty disables it.
	// Override via config: metrics.listen
	DefaultMetricsListen = "127.0.0.1:19998"
)

// =============================================================================
// Identity Defaults
// =============================================================================

const (
	// DefaultGUIDFile holds the machine guid generated on first start.
	// Override via config: host.guid_file
	DefaultGUIDFile = "machine.guid"
)

// =============================================================================
// Protection Defaults
// =============================================================================

const (
	// DefaultDisableLimit is how many times a peer may be disabled for
	// protocol violations before new connections from it are refused.
	// Override via config: server.disable_limit
	DefaultDisableLimit = 5

	// DefaultDisableWindow is the window in which disables are counted.
	// Override via config: server.disable_window
	DefaultDisableWindow = time.Minute

	// DefaultAnomalyLogEvery is the minimum interval between two rate
	// limited anomaly log lines of the same kind.
	// Override via config: logging.anomaly_every
	DefaultAnomalyLogEvery = 10 * time.Second

	// DefaultAnomalyLogBurst is how many anomaly lines may be logged
	// back to back before rate limiting kicks in.
	// Override via config: logging.anomaly_burst
	DefaultAnomalyLogBurst = 5
)

// =============================================================================
// Storage Defaults
// =============================================================================

const (
	// DefaultUpdateEvery is the collection interval used when a chart
	// definition does not carry one.
	// Override via config: storage.update_every
	DefaultUpdateEvery = 1

	// DefaultBackfillWorkers is the number of background backfill workers.
	// Override via config: storage.backfill_workers
	DefaultBackfillWorkers = 4

	// DefaultBackfillQueueSize is the capacity of the backfill job queue.
	// Override via config: storage.backfill_queue_size
	DefaultBackfillQueueSize = 1024

	// DefaultDrainTimeout is how long shutdown waits for queued backfills.
	// Override via config: storage.drain_timeout
	DefaultDrainTimeout = 30 * time.Second

	// DefaultCheckpointInterval is how often the WAL is compacted into a
	// snapshot of the tier stores.
	// Override via config: storage.checkpoint_interval
	DefaultCheckpointInterval = 10 * time.Minute

	// DefaultArchiveInterval is how often tier points are exported to a
	// Parquet archive. Zero disables archiving.
	// Override via config: storage.archive.interval
	DefaultArchiveInterval = time.Hour

	// DefaultQueryMemoryLimit caps DuckDB memory for archive queries.
	// Override via config: storage.archive.query_memory_limit
	DefaultQueryMemoryLimit = "512MB"

	// DefaultPercentileAccuracy is the DDSketch relative accuracy used for
	// tier point percentiles when they are enabled.
	// Override via config: storage.percentile.accuracy
	DefaultPercentileAccuracy = 0.01
)

// DefaultTierGrouping is the number of base-interval samples aggregated into
// one point of each tier. Tier 0 always stores raw samples.
// Override via config: storage.tiers
var DefaultTierGrouping = []int{1, 60, 3600}

// =============================================================================
// Replication Defaults
// =============================================================================

const (
	// DefaultReplicationPeriod is how far back a parent asks a child for
	// missing history.
	// Override via config: replication.period
	DefaultReplicationPeriod = 24 * time.Hour

	// DefaultReplicationStep is the maximum window requested in one round.
	// Override via config: replication.step
	DefaultReplicationStep = time.Hour

	// DefaultSuspiciousThreshold is how many consecutive no-progress rounds
	// are tolerated before replication of a chart is forced to finish.
	// Override via config: replication.suspicious_threshold
	DefaultSuspiciousThreshold = 3
)

// =============================================================================
// Relay Defaults
// =============================================================================

const (
	// DefaultRelayQueueSize is the number of pending chunks per upstream.
	// Override via config: relay.queue_size
	DefaultRelayQueueSize = 4096

	// DefaultRelayWorkers is the size of the outbound relay pool.
	// Override via config: relay.workers
	DefaultRelayWorkers = 2

	// DefaultRelayReconnectDelay is the wait before redialing a parent.
	// Override via config: relay.reconnect_delay
	DefaultRelayReconnectDelay = 5 * time.Second

	// DefaultRelayCompression is the stream compression for upstreams.
	// One of: none, lz4, zstd.
	// Override via config: relay.compression
	DefaultRelayCompression = "zstd"
)

// =============================================================================
// Anomaly Detection Defaults
// =============================================================================

const (
	// DefaultMLWindow is the number of recent samples a dimension's
	// detector keeps.
	// Override via config: ml.window
	DefaultMLWindow = 300

	// DefaultMLMinSamples is how many samples a detector needs before it
	// flags anything.
	// Override via config: ml.min_samples
	DefaultMLMinSamples = 30

	// DefaultMLThreshold is the z-score above which a sample is anomalous.
	// Override via config: ml.threshold
	DefaultMLThreshold = 3.0
)
