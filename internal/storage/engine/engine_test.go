package engine

import (
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/xtxerr/streamd/internal/errors"
	"github.com/xtxerr/streamd/internal/storage/types"
	"github.com/xtxerr/streamd/internal/storage/wal"
)

func testEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = types.Specs([]int{1, 60, 3600})
	}
	cfg.BackfillWorkers = 1
	e, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func sample(end int64, v float64) types.Sample {
	return types.Sample{EndTime: end, UpdateEvery: 1, Value: v}
}

// seedTier0 writes raw points straight into tier 0, as if restored.
func seedTier0(t *testing.T, s *Series, from, to int64) {
	t.Helper()
	for i := from; i <= to; i++ {
		if err := s.tiers[0].store.Restore(sample(i, float64(i)).Point()); err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
	}
}

func TestSeries_StoreFlushesOnePointPerWindow(t *testing.T) {
	e := testEngine(t, Config{})
	s := e.Series("h/sys.cpu/user", 1)

	for i := int64(1); i <= 60; i++ {
		if err := s.Store(sample(i, float64(i))); err != nil {
			t.Fatalf("Store(%d): %v", i, err)
		}
	}

	pts, err := s.Points(1, 0, 60)
	if err != nil {
		t.Fatalf("Points: %v", err)
	}
	if len(pts) != 1 {
		t.Fatalf("expected 1 tier1 point, got %d", len(pts))
	}

	got := pts[0]
	if got.Sum != 1830 || got.Count != 60 || got.Min != 1 || got.Max != 60 {
		t.Errorf("got sum=%f count=%d min=%f max=%f, want 1830/60/1/60",
			got.Sum, got.Count, got.Min, got.Max)
	}
	if got.StartTime != 0 || got.EndTime != 60 {
		t.Errorf("window = [%d,%d), want [0,60)", got.StartTime, got.EndTime)
	}

	if n := len(mustPoints(t, s, 0, 0, 60)); n != 60 {
		t.Errorf("expected 60 tier0 points, got %d", n)
	}
	if s.Pending(1) {
		t.Error("tier1 window should be closed")
	}
}

func TestSeries_TieringCountMatchesSamples(t *testing.T) {
	e := testEngine(t, Config{})
	s := e.Series("h/c/d", 1)

	// Samples 1..150 with a gap every 7th second.
	for i := int64(1); i <= 150; i++ {
		v := float64(i % 13)
		if i%7 == 0 {
			v = math.NaN()
		}
		if err := s.Store(sample(i, v)); err != nil {
			t.Fatalf("Store(%d): %v", i, err)
		}
	}

	for _, p := range mustPoints(t, s, 1, 0, 150) {
		raw := mustPoints(t, s, 0, p.StartTime, p.EndTime)

		var count uint32
		for _, r := range raw {
			if r.IsGap() {
				continue
			}
			count++
			if r.Sum < p.Min || r.Sum > p.Max {
				t.Errorf("window %s: value %f outside [%f,%f]", p, r.Sum, p.Min, p.Max)
			}
		}
		if count != p.Count {
			t.Errorf("window %s: count %d, want %d", p, p.Count, count)
		}
	}
}

func TestSeries_OutOfOrderRejected(t *testing.T) {
	e := testEngine(t, Config{})
	s := e.Series("h/c/d", 1)

	for i := int64(1); i <= 5; i++ {
		if err := s.Store(sample(i, 1)); err != nil {
			t.Fatalf("Store(%d): %v", i, err)
		}
	}

	err := s.Store(sample(5, 100))
	if !errors.Is(err, errors.ErrOutOfOrder) {
		t.Fatalf("expected ErrOutOfOrder, got %v", err)
	}
	if err := s.Store(sample(3, 100)); !errors.Is(err, errors.ErrOutOfOrder) {
		t.Fatalf("expected ErrOutOfOrder for older sample, got %v", err)
	}

	for i := int64(6); i <= 60; i++ {
		if err := s.Store(sample(i, 1)); err != nil {
			t.Fatalf("Store(%d): %v", i, err)
		}
	}

	pts := mustPoints(t, s, 1, 0, 60)
	if len(pts) != 1 || pts[0].Count != 60 || pts[0].Max != 1 {
		t.Errorf("rejected samples leaked into tier1: %v", pts)
	}
	if got := e.Stats().SamplesRejected; got != 2 {
		t.Errorf("SamplesRejected = %d, want 2", got)
	}
}

func TestSeries_BackfillIdempotent(t *testing.T) {
	tests := []struct {
		name    string
		samples int64
		now     int64
		points  int
		pending bool
	}{
		{"whole windows", 120, 200, 2, false},
		{"trailing partial window", 150, 150, 2, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := testEngine(t, Config{})
			s := e.Series("h/c/d", 1)
			seedTier0(t, s, 1, tt.samples)

			n, err := s.Backfill(1, tt.now)
			if err != nil {
				t.Fatalf("Backfill: %v", err)
			}
			if n != int(tt.samples) {
				t.Errorf("merged %d points, want %d", n, tt.samples)
			}

			first := mustPoints(t, s, 1, 0, tt.now)
			if len(first) != tt.points {
				t.Fatalf("expected %d tier1 points, got %d", tt.points, len(first))
			}
			if first[0].Sum != 1830 {
				t.Errorf("first window sum = %f, want 1830", first[0].Sum)
			}
			if s.Pending(1) != tt.pending {
				t.Errorf("Pending = %v, want %v", s.Pending(1), tt.pending)
			}

			n, err = s.Backfill(1, tt.now)
			if err != nil {
				t.Fatalf("second Backfill: %v", err)
			}
			if n != 0 {
				t.Errorf("second Backfill merged %d points, want 0", n)
			}
			if diff := cmp.Diff(first, mustPoints(t, s, 1, 0, tt.now)); diff != "" {
				t.Errorf("second Backfill changed tier1 (-first +second):\n%s", diff)
			}
		})
	}
}

func TestSeries_BackfillSkipsRecentTier(t *testing.T) {
	e := testEngine(t, Config{})
	s := e.Series("h/c/d", 1)
	seedTier0(t, s, 1, 30)

	// tier2 is 3600s wide and nothing lags by that much.
	n, err := s.Backfill(2, 30)
	if err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if n != 0 {
		t.Errorf("merged %d points, want 0", n)
	}

	if _, err := s.Backfill(0, 30); !errors.Is(err, errors.ErrNoTier) {
		t.Errorf("expected ErrNoTier for tier 0, got %v", err)
	}
	if _, err := s.Backfill(5, 30); !errors.Is(err, errors.ErrNoTier) {
		t.Errorf("expected ErrNoTier for tier 5, got %v", err)
	}
}

func TestSeries_BackfillFromMiddleTier(t *testing.T) {
	e := testEngine(t, Config{Tiers: types.Specs([]int{1, 60, 120})})
	s := e.Series("h/c/d", 1)

	// tier1 holds history tier0 no longer has.
	for end := int64(60); end <= 240; end += 60 {
		p := types.StoragePoint{StartTime: end - 60, EndTime: end, Sum: 60, Min: 1, Max: 1, Count: 60}
		if err := s.tiers[1].store.Restore(p); err != nil {
			t.Fatalf("restore tier1: %v", err)
		}
	}
	seedTier0(t, s, 241, 300)

	n, err := s.Backfill(2, 400)
	if err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if n != 4+60 {
		t.Errorf("merged %d points, want 64", n)
	}

	pts := mustPoints(t, s, 2, 0, 400)
	if len(pts) != 2 {
		t.Fatalf("expected 2 tier2 points, got %d: %v", len(pts), pts)
	}
	if pts[0].Count != 120 || pts[1].Count != 120 {
		t.Errorf("counts = %d,%d, want 120,120", pts[0].Count, pts[1].Count)
	}
}

func TestEngine_BackfillAsync(t *testing.T) {
	e, err := Open(Config{Tiers: types.Specs([]int{1, 60}), BackfillWorkers: 2})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s := e.Series("h/c/d", 1)
	seedTier0(t, s, 1, 120)

	if !e.BackfillAsync(s, time.Unix(200, 0)) {
		t.Fatal("BackfillAsync rejected the job")
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if n := len(mustPoints(t, s, 1, 0, 200)); n != 2 {
		t.Errorf("expected 2 tier1 points after drain, got %d", n)
	}
	if e.BackfillAsync(s, time.Unix(300, 0)) {
		t.Error("closed engine accepted a job")
	}
}

func TestEngine_SeriesIsShared(t *testing.T) {
	e := testEngine(t, Config{})
	a := e.Series("h/c/d", 1)
	b := e.Series("h/c/d", 5)
	if a != b {
		t.Error("same key should return the same series")
	}
	if _, ok := e.Lookup("h/c/x"); ok {
		t.Error("Lookup should not create series")
	}
	if diff := cmp.Diff([]string{"h/c/d"}, e.Keys()); diff != "" {
		t.Errorf("Keys mismatch (-want +got):\n%s", diff)
	}
	e.Remove("h/c/d")
	if _, ok := e.Lookup("h/c/d"); ok {
		t.Error("series should be removed")
	}
}

func TestEngine_InvalidTiers(t *testing.T) {
	_, err := Open(Config{Tiers: types.Specs([]int{60, 3600})})
	if !errors.Is(err, errors.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestEngine_RestoreFromWAL(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		Tiers:  types.Specs([]int{1, 60}),
		WALDir: dir,
		WAL:    wal.Options{SyncMode: "sync"},
	}

	e, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s := e.Series("h/c/d", 1)
	for i := int64(1); i <= 130; i++ {
		if err := s.Store(sample(i, float64(i))); err != nil {
			t.Fatalf("Store(%d): %v", i, err)
		}
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	e2, err := Open(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer e2.Close()

	s2 := e2.Series("h/c/d", 1)
	if got := s2.LastTime(0); got != 130 {
		t.Errorf("tier0 LastTime = %d, want 130", got)
	}
	if got := s2.LastTime(1); got != 120 {
		t.Errorf("tier1 LastTime = %d, want 120", got)
	}
	if diff := cmp.Diff(mustPoints(t, s, 1, 0, 200), mustPoints(t, s2, 1, 0, 200)); diff != "" {
		t.Errorf("tier1 differs after restore (-before +after):\n%s", diff)
	}

	if err := s2.Store(sample(131, 1)); err != nil {
		t.Errorf("Store after restore: %v", err)
	}
	if err := s2.Store(sample(130, 1)); !errors.Is(err, errors.ErrOutOfOrder) {
		t.Errorf("expected ErrOutOfOrder across restart, got %v", err)
	}
}

func TestEngine_RestartCompletesOpenWindow(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		Tiers:  types.Specs([]int{1, 60}),
		WALDir: dir,
		WAL:    wal.Options{SyncMode: "sync"},
	}

	e, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s := e.Series("h/c/d", 1)
	for i := int64(1); i <= 130; i++ {
		if err := s.Store(sample(i, 1)); err != nil {
			t.Fatalf("Store(%d): %v", i, err)
		}
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	e2, err := Open(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer e2.Close()

	// 121..130 sat in the open window at shutdown; live data resumes
	// well within one window of the last tier1 point.
	s2 := e2.Series("h/c/d", 1)
	for i := int64(131); i <= 180; i++ {
		if err := s2.Store(sample(i, 1)); err != nil {
			t.Fatalf("Store(%d): %v", i, err)
		}
	}

	p, ok := s2.At(1, 180)
	if !ok {
		t.Fatal("no tier1 point ending at 180")
	}
	if p.Count != 60 || p.Sum != 60 {
		t.Errorf("tier1 point at 180 has count %d sum %v, want 60 and 60", p.Count, p.Sum)
	}
	if n := len(mustPoints(t, s2, 1, 0, 180)); n != 3 {
		t.Errorf("expected 3 tier1 points, got %d", n)
	}
}

func TestEngine_Checkpoint(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		Tiers:  types.Specs([]int{1, 60}),
		WALDir: dir,
		WAL:    wal.Options{SyncMode: "sync", MaxSegmentSize: 2048},
	}

	e, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s := e.Series("h/c/d", 1)
	for i := int64(1); i <= 130; i++ {
		if err := s.Store(sample(i, 1)); err != nil {
			t.Fatalf("Store(%d): %v", i, err)
		}
	}

	before, _ := wal.ListSegments(dir)
	if len(before) < 2 {
		t.Fatalf("expected several segments before checkpoint, got %d", len(before))
	}
	if err := e.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	after, _ := wal.ListSegments(dir)
	if len(after) >= len(before) {
		t.Errorf("checkpoint kept %d segments, had %d", len(after), len(before))
	}

	for i := int64(131); i <= 140; i++ {
		if err := s.Store(sample(i, 1)); err != nil {
			t.Fatalf("Store(%d): %v", i, err)
		}
	}
	e.Close()

	e2, err := Open(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer e2.Close()

	s2 := e2.Series("h/c/d", 1)
	if n := len(mustPoints(t, s2, 0, 0, 200)); n != 140 {
		t.Errorf("expected 140 tier0 points after checkpoint and restart, got %d", n)
	}
}

func mustPoints(t *testing.T, s *Series, tier int, after, before int64) []types.StoragePoint {
	t.Helper()
	pts, err := s.Points(tier, after, before)
	if err != nil {
		t.Fatalf("Points(%d): %v", tier, err)
	}
	return pts
}
