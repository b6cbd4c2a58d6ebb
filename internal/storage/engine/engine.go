// Package engine implements the tiered storage engine.
//
// Every dimension owns one Series. A series appends raw samples to tier 0
// and merges them into one window per coarser tier, flushing a point each
// time a window boundary is reached. Coarse tiers that fell behind (after
// a restart or a replication gap) are backfilled from the finer tiers
// already on disk instead of from collector traffic.
//
// The engine persists accepted points to a WAL and restores the tier
// stores from it on Open. Checkpoint compacts the WAL into one snapshot
// segment.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/xtxerr/streamd/config"
	"github.com/xtxerr/streamd/internal/errors"
	"github.com/xtxerr/streamd/internal/logging"
	"github.com/xtxerr/streamd/internal/storage/tierstore"
	"github.com/xtxerr/streamd/internal/storage/types"
	"github.com/xtxerr/streamd/internal/storage/wal"
)

var log = logging.Component("storage")

// Config configures the engine.
type Config struct {
	// Tiers lists the grouping of each tier. Tier 0 must have grouping 1.
	Tiers []types.TierSpec

	// MaxPoints bounds each tier store. Missing entries or zero mean
	// unbounded.
	MaxPoints []int

	// WALDir enables persistence when set.
	WALDir string
	WAL    wal.Options

	// PercentileAccuracy enables DDSketch percentiles on tier points when
	// greater than zero.
	PercentileAccuracy float64

	BackfillWorkers   int
	BackfillQueueSize int
	DrainTimeout      time.Duration
}

// DefaultConfig returns an in-memory engine configuration.
func DefaultConfig() Config {
	return Config{
		Tiers:             types.Specs(config.DefaultTierGrouping),
		WAL:               wal.DefaultOptions(),
		BackfillWorkers:   config.DefaultBackfillWorkers,
		BackfillQueueSize: config.DefaultBackfillQueueSize,
		DrainTimeout:      config.DefaultDrainTimeout,
	}
}

// Engine owns all series.
//
// Engine is safe for concurrent use.
type Engine struct {
	cfg Config

	mu     sync.RWMutex
	series map[string]*Series

	// Points restored from the WAL for series not created yet.
	restored map[string][][]types.StoragePoint

	wal *wal.Writer

	jobs     chan backfillJob
	group    singleflight.Group
	shutdown chan struct{}
	wg       sync.WaitGroup
	closed   atomic.Bool

	stats engineStats
}

type engineStats struct {
	stored     atomic.Int64
	rejected   atomic.Int64
	backfilled atomic.Int64
	queued     atomic.Int64
	dropped    atomic.Int64
}

// Stats holds engine statistics.
type Stats struct {
	Series          int
	SamplesStored   int64
	SamplesRejected int64
	Backfilled      int64
	BackfillQueued  int64
	BackfillDropped int64
	WAL             wal.WriterStats
}

// Open creates an engine. If a WAL directory is configured, persisted
// points are read back and restored into series as they are created.
func Open(cfg Config) (*Engine, error) {
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = types.Specs(config.DefaultTierGrouping)
	}
	if cfg.Tiers[0].Grouping != 1 {
		return nil, fmt.Errorf("%w: tier 0 grouping must be 1, got %d",
			errors.ErrInvalidConfig, cfg.Tiers[0].Grouping)
	}
	if cfg.BackfillWorkers <= 0 {
		cfg.BackfillWorkers = config.DefaultBackfillWorkers
	}
	if cfg.BackfillQueueSize <= 0 {
		cfg.BackfillQueueSize = config.DefaultBackfillQueueSize
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = config.DefaultDrainTimeout
	}

	e := &Engine{
		cfg:      cfg,
		series:   make(map[string]*Series),
		restored: make(map[string][][]types.StoragePoint),
		jobs:     make(chan backfillJob, cfg.BackfillQueueSize),
		shutdown: make(chan struct{}),
	}

	if cfg.WALDir != "" {
		if err := e.readWAL(); err != nil {
			return nil, err
		}
		w, err := wal.NewWriter(cfg.WALDir, cfg.WAL)
		if err != nil {
			return nil, fmt.Errorf("open wal: %w", err)
		}
		e.wal = w
	}

	for i := 0; i < cfg.BackfillWorkers; i++ {
		e.wg.Add(1)
		go e.worker()
	}

	log.Info("storage engine opened",
		"tiers", len(cfg.Tiers),
		"wal", cfg.WALDir,
		"restored_series", len(e.restored))

	return e, nil
}

// readWAL loads every persisted point, grouped by series and tier and
// sorted by end time. Segments may overlap after a checkpoint raced with
// live appends; duplicates are rejected on restore.
func (e *Engine) readWAL() error {
	entries, err := wal.ReadDir(e.cfg.WALDir)
	if err != nil {
		return fmt.Errorf("read wal: %w", err)
	}

	for _, ent := range entries {
		if int(ent.Tier) >= len(e.cfg.Tiers) {
			continue
		}
		tiers, ok := e.restored[ent.Series]
		if !ok {
			tiers = make([][]types.StoragePoint, len(e.cfg.Tiers))
			e.restored[ent.Series] = tiers
		}
		tiers[ent.Tier] = append(tiers[ent.Tier], ent.Point)
	}

	for _, tiers := range e.restored {
		for _, pts := range tiers {
			sort.SliceStable(pts, func(i, j int) bool {
				return pts[i].EndTime < pts[j].EndTime
			})
		}
	}
	return nil
}

// Tiers returns the number of configured tiers.
func (e *Engine) Tiers() int {
	return len(e.cfg.Tiers)
}

// Series returns the series for key, creating it on first use.
func (e *Engine) Series(key string, updateEvery int64) *Series {
	e.mu.RLock()
	s, ok := e.series[key]
	e.mu.RUnlock()
	if ok {
		return s
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if s, ok := e.series[key]; ok {
		return s
	}

	s = newSeries(e, key, updateEvery)
	if tiers, ok := e.restored[key]; ok {
		s.restore(tiers)
		delete(e.restored, key)
	}
	e.series[key] = s
	return s
}

// Lookup returns an existing series.
func (e *Engine) Lookup(key string) (*Series, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.series[key]
	return s, ok
}

// Remove drops a series from the engine. Its persisted points stay in the
// WAL until the next checkpoint.
func (e *Engine) Remove(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.series, key)
}

// Keys returns all series keys.
func (e *Engine) Keys() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	keys := make([]string, 0, len(e.series))
	for k := range e.series {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Checkpoint compacts the WAL: the current segment is closed, the content
// of every tier store is written to a fresh segment and older segments
// are deleted.
func (e *Engine) Checkpoint() error {
	if e.wal == nil {
		return nil
	}
	if e.closed.Load() {
		return errors.ErrClosed
	}

	seq, err := e.wal.Rotate()
	if err != nil {
		return fmt.Errorf("rotate wal: %w", err)
	}

	e.mu.RLock()
	all := make([]*Series, 0, len(e.series))
	for _, s := range e.series {
		all = append(all, s)
	}
	pending := make(map[string][][]types.StoragePoint, len(e.restored))
	for k, v := range e.restored {
		pending[k] = v
	}
	e.mu.RUnlock()

	var written int
	for _, s := range all {
		for t, st := range s.tiers {
			entries := make([]wal.Entry, 0, st.store.Len())
			st.store.Query(0, st.store.LatestTime(), func(p types.StoragePoint) bool {
				entries = append(entries, wal.Entry{Series: s.key, Tier: types.Tier(t), Point: p})
				return true
			})
			if err := e.wal.Write(entries); err != nil {
				return fmt.Errorf("checkpoint %s: %w", s.key, err)
			}
			written += len(entries)
		}
	}

	// Restored points of series nobody asked for yet must survive too.
	for key, tiers := range pending {
		for t, pts := range tiers {
			entries := make([]wal.Entry, len(pts))
			for i, p := range pts {
				entries[i] = wal.Entry{Series: key, Tier: types.Tier(t), Point: p}
			}
			if err := e.wal.Write(entries); err != nil {
				return fmt.Errorf("checkpoint %s: %w", key, err)
			}
			written += len(entries)
		}
	}

	if err := e.wal.Sync(); err != nil {
		return fmt.Errorf("sync wal: %w", err)
	}

	deleted, err := e.wal.DeleteSegmentsBefore(seq)
	if err != nil {
		return fmt.Errorf("delete old segments: %w", err)
	}

	log.Info("checkpoint complete", "points", written, "segments_deleted", deleted)
	return nil
}

// Close stops the backfill workers, waiting up to the drain timeout for
// queued jobs, and closes the WAL.
func (e *Engine) Close() error {
	return e.CloseWithContext(context.Background())
}

// CloseWithContext is Close with a caller deadline on top of the drain
// timeout.
func (e *Engine) CloseWithContext(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	close(e.shutdown)

	drainCtx, cancel := context.WithTimeout(ctx, e.cfg.DrainTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-drainCtx.Done():
		log.Warn("backfill drain timeout", "queued", len(e.jobs))
	}

	if e.wal != nil {
		if err := e.wal.Close(); err != nil {
			return fmt.Errorf("close wal: %w", err)
		}
	}

	log.Info("storage engine closed")
	return nil
}

// Stats returns engine statistics.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	n := len(e.series)
	e.mu.RUnlock()

	st := Stats{
		Series:          n,
		SamplesStored:   e.stats.stored.Load(),
		SamplesRejected: e.stats.rejected.Load(),
		Backfilled:      e.stats.backfilled.Load(),
		BackfillQueued:  e.stats.queued.Load(),
		BackfillDropped: e.stats.dropped.Load(),
	}
	if e.wal != nil {
		st.WAL = e.wal.Stats()
	}
	return st
}

func (e *Engine) newStore(series string, tier types.Tier) *tierstore.Store {
	var maxPoints int
	if int(tier) < len(e.cfg.MaxPoints) {
		maxPoints = e.cfg.MaxPoints[tier]
	}
	var sink tierstore.Sink
	if e.wal != nil {
		sink = walSink{w: e.wal, series: series, tier: tier}
	}
	return tierstore.New(maxPoints, sink)
}

// walSink persists the points of one tier of one series.
type walSink struct {
	w      *wal.Writer
	series string
	tier   types.Tier
}

func (s walSink) Append(p types.StoragePoint) error {
	return s.w.Write([]wal.Entry{{Series: s.series, Tier: s.tier, Point: p}})
}
