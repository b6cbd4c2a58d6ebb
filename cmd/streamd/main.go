// streamd is the metrics streaming daemon. It accepts collectors and
// child agents, stores what they send in tiered storage and optionally
// relays everything to a parent.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/streamd/internal/config"
	"github.com/xtxerr/streamd/internal/logging"
	"github.com/xtxerr/streamd/internal/metrics"
	"github.com/xtxerr/streamd/internal/ml"
	"github.com/xtxerr/streamd/internal/parser"
	"github.com/xtxerr/streamd/internal/protocol"
	"github.com/xtxerr/streamd/internal/registry"
	"github.com/xtxerr/streamd/internal/replication"
	"github.com/xtxerr/streamd/internal/server"
	"github.com/xtxerr/streamd/internal/storage/engine"
	"github.com/xtxerr/streamd/internal/storage/parquet"
	"github.com/xtxerr/streamd/internal/storage/types"
	"github.com/xtxerr/streamd/internal/stream"
)

// Version is set at build time via ldflags
var Version = "dev"

var log = logging.Component("main")

func main() {
	// CLI flags
	cfgPath := pflag.StringP("config", "c", "streamd.yaml", "config file path")
	listen := pflag.String("listen", "", "listen address (overrides config)")
	destination := pflag.String("destination", "", "parent address to relay to (overrides config)")
	walDir := pflag.String("wal-dir", "", "WAL directory (overrides config)")
	logLevel := pflag.String("log-level", "", "log level: debug, info, warn, error")
	logJSON := pflag.Bool("log-json", false, "log in JSON")
	version := pflag.BoolP("version", "v", false, "print version and exit")
	pflag.Parse()

	if *version {
		fmt.Println("streamd", Version)
		return
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
		cfg = config.DefaultConfig()
	}

	// CLI overrides
	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	if *destination != "" {
		cfg.Relay.Destination = *destination
	}
	if *walDir != "" {
		cfg.Storage.WAL.Dir = *walDir
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logJSON {
		cfg.Logging.JSON = true
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	logging.Init(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.JSON)
	logging.SetLimits(cfg.Logging.AnomalyEvery, cfg.Logging.AnomalyBurst)
	log.Info("streamd starting", "version", Version, "config", *cfgPath)

	if err := run(cfg); err != nil {
		log.Error("streamd failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// =========================================================================
	// Identity
	// =========================================================================

	guid, err := machineGUID(cfg.Host.GUID, cfg.Host.GUIDFile)
	if err != nil {
		return err
	}
	hostname := cfg.Host.Hostname
	if hostname == "" {
		if hostname, err = os.Hostname(); err != nil {
			return fmt.Errorf("hostname: %w", err)
		}
	}

	// =========================================================================
	// Storage
	// =========================================================================

	engCfg := engine.DefaultConfig()
	engCfg.Tiers = types.Specs(cfg.Storage.Tiers)
	engCfg.MaxPoints = cfg.Storage.MaxPoints
	engCfg.WALDir = cfg.Storage.WAL.Dir
	engCfg.WAL.SyncMode = cfg.Storage.WAL.SyncMode
	engCfg.WAL.SyncInterval = cfg.Storage.WAL.SyncInterval
	engCfg.WAL.MaxSegmentSize = cfg.Storage.WAL.MaxSegmentSize
	if cfg.Storage.Percentile.Enabled {
		engCfg.PercentileAccuracy = cfg.Storage.Percentile.Accuracy
	}
	engCfg.BackfillWorkers = cfg.Storage.BackfillWorkers
	engCfg.BackfillQueueSize = cfg.Storage.BackfillQueueSize
	engCfg.DrainTimeout = cfg.Storage.DrainTimeout

	eng, err := engine.Open(engCfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			log.Warn("close storage", "error", err)
		}
	}()

	reg := registry.New(eng, registry.Options{
		LocalGUID:   guid,
		Hostname:    hostname,
		UpdateEvery: int64(cfg.Storage.UpdateEvery),
	})
	log.Info("localhost ready", "guid", guid, "hostname", hostname, "tiers", len(engCfg.Tiers))

	// =========================================================================
	// Relay, server and background jobs
	// =========================================================================

	g, gctx := errgroup.WithContext(ctx)

	srvCfg := &server.Config{
		Registry:      reg,
		Listen:        cfg.Server.Listen,
		ReadTimeout:   cfg.Server.ReadTimeout,
		MaxLineSize:   cfg.Server.MaxLineSize,
		DisableLimit:  cfg.Server.DisableLimit,
		DisableWindow: cfg.Server.DisableWindow,
	}
	if cfg.Replication.Enabled {
		srvCfg.Replication = &replication.Config{
			Period:              cfg.Replication.Period,
			Step:                cfg.Replication.Step,
			SuspiciousThreshold: cfg.Replication.SuspiciousThreshold,
		}
	}
	if cfg.ML.Enabled {
		srvCfg.NewDetector = ml.Config{
			Window:     cfg.ML.Window,
			MinSamples: cfg.ML.MinSamples,
			Threshold:  cfg.ML.Threshold,
		}.Factory()
	}

	if cfg.Relay.Destination != "" {
		pool, err := newRelayPool(cfg.Relay)
		if err != nil {
			return err
		}
		srvCfg.Relays = func(h *registry.Host) parser.Relay { return pool.For(h) }
		g.Go(func() error { return pool.Run(gctx) })
		log.Info("relaying to parent", "destination", cfg.Relay.Destination, "compression", cfg.Relay.Compression)
	}

	srv := server.New(srvCfg)
	g.Go(func() error { return srv.Run(gctx) })

	if cfg.Metrics.Listen != "" {
		g.Go(func() error { return serveMetrics(gctx, cfg.Metrics.Listen) })
	}
	if cfg.Storage.CheckpointInterval > 0 && cfg.Storage.WAL.Dir != "" {
		g.Go(func() error {
			every(gctx, cfg.Storage.CheckpointInterval, func() {
				if err := eng.Checkpoint(); err != nil {
					log.Error("checkpoint failed", "error", err)
				}
			})
			return nil
		})
	}
	if cfg.Storage.Archive.Dir != "" {
		g.Go(func() error {
			archive(gctx, eng, cfg.Storage.Archive)
			return nil
		})
	}

	err = g.Wait()
	log.Info("shutting down")
	return err
}

// newRelayPool builds the upstream sender pool from the relay settings.
func newRelayPool(rc config.RelayConfig) (*stream.Pool, error) {
	caps, err := protocol.ParseCapabilities(rc.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("relay capabilities: %w", err)
	}
	codec, err := stream.ParseCompression(rc.Compression)
	if err != nil {
		return nil, fmt.Errorf("relay compression: %w", err)
	}

	sc := stream.DefaultSenderConfig()
	sc.Destination = rc.Destination
	sc.Capabilities = caps | codec.Capability()
	sc.QueueSize = rc.QueueSize
	sc.ReconnectDelay = rc.ReconnectDelay
	return stream.NewPool(sc, rc.Workers), nil
}

// serveMetrics serves the Prometheus endpoint until ctx is done.
func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(metrics.Registry()))

	hs := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		hs.Shutdown(shutdownCtx)
	}()

	log.Info("metrics endpoint listening", "address", addr)
	if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics: %w", err)
	}
	return nil
}

// archive exports new tier points to Parquet every interval.
func archive(ctx context.Context, eng *engine.Engine, ac config.ArchiveConfig) {
	if err := os.MkdirAll(ac.Dir, 0o755); err != nil {
		log.Error("archive dir", "dir", ac.Dir, "error", err)
		return
	}
	opts := parquet.DefaultOptions()
	opts.Compression = parquet.ParseCompressionType(ac.Compression)

	var since int64
	every(ctx, ac.Interval, func() {
		now := time.Now().Unix()
		path, rows, err := eng.Export(ac.Dir, since, opts)
		if err != nil {
			log.Error("archive export failed", "error", err)
			return
		}
		since = now
		log.Info("archive written", "path", path, "rows", rows)
	})
}

// every runs fn each interval until ctx is done.
func every(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
