package engine

import (
	"fmt"
	"sync"

	"github.com/xtxerr/streamd/internal/errors"
	"github.com/xtxerr/streamd/internal/metrics"
	"github.com/xtxerr/streamd/internal/storage/aggregate"
	"github.com/xtxerr/streamd/internal/storage/tierstore"
	"github.com/xtxerr/streamd/internal/storage/types"
)

// Series is the multi-resolution store of one dimension.
//
// All writes (Store, Backfill) are serialised by the series lock, so a
// background backfill never interleaves with collection on the same
// dimension. Reads go straight to the tier stores.
type Series struct {
	key    string
	engine *Engine

	mu          sync.Mutex
	updateEvery int64
	tiers       []*tier
	backfilled  bool
}

type tier struct {
	spec   types.TierSpec
	store  *tierstore.Store
	window *aggregate.Window // nil for tier 0
}

func newSeries(e *Engine, key string, updateEvery int64) *Series {
	if updateEvery <= 0 {
		updateEvery = 1
	}
	accuracy := e.cfg.PercentileAccuracy

	s := &Series{
		key:         key,
		engine:      e,
		updateEvery: updateEvery,
		tiers:       make([]*tier, len(e.cfg.Tiers)),
	}
	for i, spec := range e.cfg.Tiers {
		t := &tier{spec: spec, store: e.newStore(key, types.Tier(i))}
		if i > 0 {
			t.window = aggregate.NewWindow(spec.Width(updateEvery), accuracy)
		}
		s.tiers[i] = t
	}
	return s
}

// restore loads persisted points. Duplicates and overlaps are skipped.
func (s *Series) restore(tiers [][]types.StoragePoint) {
	for i, pts := range tiers {
		if i >= len(s.tiers) {
			break
		}
		for _, p := range pts {
			_ = s.tiers[i].store.Restore(p)
		}
	}
}

// Key returns the series key.
func (s *Series) Key() string {
	return s.key
}

// UpdateEvery returns the base interval in seconds.
func (s *Series) UpdateEvery() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateEvery
}

// Store appends one sample to tier 0 and merges it into every coarser tier.
//
// A sample that does not move tier 0 forward is rejected with
// ErrOutOfOrder and touches no tier.
func (s *Series) Store(sample types.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sample.UpdateEvery > 0 && sample.UpdateEvery != s.updateEvery {
		if err := s.setUpdateEveryLocked(sample.UpdateEvery); err != nil {
			return err
		}
	}
	if sample.UpdateEvery <= 0 {
		sample.UpdateEvery = s.updateEvery
	}

	// Higher tiers catch up from whatever the finer tiers already hold
	// before the first live sample lands on top of them, however little
	// of a window that is.
	if !s.backfilled {
		s.backfilled = true
		for t := 1; t < len(s.tiers); t++ {
			if _, err := s.backfillLocked(t, sample.EndTime, true); err != nil {
				log.Warn("initial backfill failed", "series", s.key, "tier", t, "error", err)
			}
		}
	}

	p := sample.Point()
	if err := s.tiers[0].store.Append(p); err != nil {
		if errors.Is(err, errors.ErrOutOfOrder) {
			s.engine.stats.rejected.Add(1)
			metrics.PointsRejected.Inc()
		}
		return fmt.Errorf("%s: %w", s.key, err)
	}
	s.engine.stats.stored.Add(1)
	metrics.PointsStored.WithLabelValues(types.TierRaw.String()).Inc()

	for t := 1; t < len(s.tiers); t++ {
		if err := s.mergeLocked(t, p); err != nil {
			return fmt.Errorf("%s %s: %w", s.key, types.Tier(t), err)
		}
	}
	return nil
}

// mergeLocked feeds one finer point into the window of tier t.
func (s *Series) mergeLocked(t int, p types.StoragePoint) error {
	st := s.tiers[t]
	label := types.Tier(t).String()
	return st.window.Merge(p, func(out types.StoragePoint) error {
		if err := st.store.Append(out); err != nil {
			return err
		}
		metrics.PointsStored.WithLabelValues(label).Inc()
		return nil
	})
}

// setUpdateEveryLocked resizes the windows of the coarse tiers. Pending
// windows flush at their old boundary first.
func (s *Series) setUpdateEveryLocked(updateEvery int64) error {
	for t := 1; t < len(s.tiers); t++ {
		st := s.tiers[t]
		err := st.window.SetWidth(st.spec.Width(updateEvery), st.store.Append)
		if err != nil && !errors.Is(err, errors.ErrOutOfOrder) {
			return err
		}
	}
	s.updateEvery = updateEvery
	return nil
}

// Backfill fills tier t from the finer tiers, up to now. It returns the
// number of finer points merged. Nothing is merged while tier t lags now
// by less than one of its windows, or when there is no new finer data.
func (s *Series) Backfill(t int, now int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backfillLocked(t, now, false)
}

// backfillLocked replays finer points past the newest point of tier t.
// Unless force is set a lag below one window is left to live merges.
func (s *Series) backfillLocked(t int, now int64, force bool) (int, error) {
	if t <= 0 || t >= len(s.tiers) {
		return 0, fmt.Errorf("%w: %d", errors.ErrNoTier, t)
	}

	st := s.tiers[t]

	// A window in flight means live data already reached this tier.
	if st.window.Pending() {
		return 0, nil
	}

	latest := st.store.LatestTime()
	if !force && now-latest < st.window.Width() {
		return 0, nil
	}

	var (
		merged int
		err    error
	)
	for rt := types.Tier(t).Previous(); ; rt = rt.Previous() {
		src := s.tiers[rt].store
		if last := src.LatestTime(); last > latest {
			src.Query(latest, last, func(p types.StoragePoint) bool {
				if p.EndTime <= latest {
					return true
				}
				if err = s.mergeLocked(t, p); err != nil {
					return false
				}
				latest = p.EndTime
				merged++
				return true
			})
			if err != nil {
				break
			}
		}
		if rt.IsLowest() {
			break
		}
	}

	if merged > 0 {
		s.engine.stats.backfilled.Add(int64(merged))
		metrics.PointsBackfilled.Add(float64(merged))
		log.Debug("tier backfilled", "series", s.key, "tier", t, "points", merged)
	}
	return merged, err
}

// FirstTime returns the start of the oldest point in tier t, or 0.
func (s *Series) FirstTime(t int) int64 {
	if t < 0 || t >= len(s.tiers) {
		return 0
	}
	return s.tiers[t].store.OldestTime()
}

// LastTime returns the end of the newest point in tier t, or 0.
func (s *Series) LastTime(t int) int64 {
	if t < 0 || t >= len(s.tiers) {
		return 0
	}
	return s.tiers[t].store.LatestTime()
}

// Retention returns the first and last time covered by any tier.
func (s *Series) Retention() (first, last int64) {
	for t := range s.tiers {
		f, l := s.FirstTime(t), s.LastTime(t)
		if f > 0 && (first == 0 || f < first) {
			first = f
		}
		if l > last {
			last = l
		}
	}
	return first, last
}

// Points returns the points of tier t with after < end <= before.
func (s *Series) Points(t int, after, before int64) ([]types.StoragePoint, error) {
	if t < 0 || t >= len(s.tiers) {
		return nil, fmt.Errorf("%w: %d", errors.ErrNoTier, t)
	}
	return s.tiers[t].store.Points(after, before), nil
}

// At returns the tier t point ending at end.
func (s *Series) At(t int, end int64) (types.StoragePoint, bool) {
	if t < 0 || t >= len(s.tiers) {
		return types.StoragePoint{}, false
	}
	return s.tiers[t].store.At(end)
}

// Pending returns true if tier t has a window in flight.
func (s *Series) Pending(t int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t <= 0 || t >= len(s.tiers) {
		return false
	}
	return s.tiers[t].window.Pending()
}
