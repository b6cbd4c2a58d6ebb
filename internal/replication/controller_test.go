package replication

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/xtxerr/streamd/internal/errors"
	"github.com/xtxerr/streamd/internal/metrics"
	"github.com/xtxerr/streamd/internal/registry"
	"github.com/xtxerr/streamd/internal/storage/engine"
	"github.com/xtxerr/streamd/internal/storage/types"
)

type sent struct {
	Chart          string
	StartStreaming bool
	After, Before  int64
}

type recorder struct {
	mu   sync.Mutex
	reqs []sent
}

func (r *recorder) ReplayChart(chart string, start bool, after, before int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, sent{chart, start, after, before})
	return nil
}

func (r *recorder) last() sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reqs[len(r.reqs)-1]
}

const now = 10_000

type fixture struct {
	eng  *engine.Engine
	reg  *registry.Registry
	out  *recorder
	ctl  *Controller
	ch   *registry.Chart
	user *registry.Dimension
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	ecfg := engine.DefaultConfig()
	ecfg.BackfillWorkers = 1
	eng, err := engine.Open(ecfg)
	if err != nil {
		t.Fatalf("engine.Open: %v", err)
	}
	t.Cleanup(func() { eng.Close() })

	reg := registry.New(eng, registry.Options{})
	child, err := reg.DefineHost(registry.HostDef{GUID: "aaaaaaaa-0000-0000-0000-000000000001", Hostname: "child"})
	if err != nil {
		t.Fatal(err)
	}
	ch, _ := child.CreateChart(registry.ChartDef{ID: "sys.cpu", UpdateEvery: 1})
	user, _ := ch.AddDimension(registry.DimensionDef{ID: "user"})

	cfg.Now = func() time.Time { return time.Unix(now, 0) }
	out := &recorder{}
	return &fixture{
		eng:  eng,
		reg:  reg,
		out:  out,
		ctl:  New(cfg, eng, out),
		ch:   ch,
		user: user,
	}
}

func (f *fixture) store(t *testing.T, from, to int64) {
	t.Helper()
	for ts := from; ts <= to; ts++ {
		if err := f.user.Series().Store(types.Sample{EndTime: ts, UpdateEvery: 1, Value: float64(ts)}); err != nil {
			t.Fatalf("store %d: %v", ts, err)
		}
	}
}

func TestPlan(t *testing.T) {
	tests := []struct {
		name      string
		localLast int64
		child     Window
		wall      int64
		period    int64
		step      int64
		want      Request
	}{
		{"child has nothing", 0, Window{}, now, 0, 0, Request{StartStreaming: true}},
		{"local covers child", 9000, Window{8000, 9000}, now, 0, 0, Request{StartStreaming: true}},
		{"whole gap in one step", 9000, Window{8000, 9500}, now, 86400, 3600, Request{9001, 9500, true}},
		{"gap split by step", 5000, Window{1000, 9500}, now, 86400, 3600, Request{5001, 8601, false}},
		{"child first after local", 100, Window{7000, 9500}, now, 86400, 3600, Request{7000, 9500, true}},
		{"period bounds how far back", 0, Window{1000, 9500}, now, 2000, 0, Request{8000, 9500, true}},
		{"child window clamped to now", 9000, Window{8000, 20000}, now, 0, 0, Request{9001, now, true}},
		{"child clock ahead extends now", 9000, Window{8000, 10500}, 11000, 0, 0, Request{9001, 10500, true}},
		{"period excludes everything", 0, Window{1000, 2000}, now, 100, 0, Request{StartStreaming: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Plan(tt.localLast, tt.child, tt.wall, now, tt.period, tt.step)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Plan() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPercent(t *testing.T) {
	if p := Percent(1000, 1500, 2000); p != 50 {
		t.Errorf("Percent = %g, want 50", p)
	}
	if p := Percent(1000, 900, 2000); p != 0 {
		t.Errorf("Percent before start = %g", p)
	}
	if p := Percent(1000, 2500, 2000); p != 100 {
		t.Errorf("Percent past end = %g", p)
	}
}

func TestDefinitionEnd_SendsRequestOnce(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.store(t, 9001, 9100)

	if err := f.ctl.DefinitionEnd(f.ch, 5000, 9900, now); err != nil {
		t.Fatal(err)
	}
	want := sent{"sys.cpu", true, 9101, 9900}
	if diff := cmp.Diff(want, f.out.last()); diff != "" {
		t.Errorf("request mismatch (-want +got):\n%s", diff)
	}
	if st := f.ctl.Status(f.ch); st.Phase != registry.ReplicationInProgress || st.ChildLast != 9900 {
		t.Errorf("status = %+v", st)
	}

	if err := f.ctl.DefinitionEnd(f.ch, 5000, 9900, now); err != nil {
		t.Fatal(err)
	}
	if len(f.out.reqs) != 1 {
		t.Errorf("a chart in progress must not be requested again, sent %d", len(f.out.reqs))
	}
	if f.ctl.Pending() != 1 {
		t.Errorf("Pending() = %d", f.ctl.Pending())
	}
}

func TestReplayBatchStoresAtReplayTime(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	if err := f.ctl.DefinitionEnd(f.ch, 9001, 9003, now); err != nil {
		t.Fatal(err)
	}

	if err := f.ctl.ReplayBegin(f.ch, 0, 0, 0); err != nil {
		t.Fatalf("header: %v", err)
	}
	for ts := int64(9001); ts <= 9003; ts++ {
		if err := f.ctl.ReplayBegin(f.ch, ts-1, ts, now); err != nil {
			t.Fatalf("RBEGIN %d: %v", ts, err)
		}
		if err := f.ctl.ReplaySet(f.ch, f.user, float64(ts), 0); err != nil {
			t.Fatalf("RSET %d: %v", ts, err)
		}
	}
	if err := f.ctl.ReplayDimState(f.ch, f.user, DimState{LastCollectedUT: 9003_000_000, LastCollected: 42, LastStored: 9003}); err != nil {
		t.Fatal(err)
	}
	if err := f.ctl.ReplayChartState(f.ch, 9003_000_000, 9003_000_000); err != nil {
		t.Fatal(err)
	}
	if err := f.ctl.ReplayEnd(f.ch, End{UpdateEvery: 1, ChildFirst: 9001, ChildLast: 9003, StartStreaming: true, FirstRequested: 9001, LastRequested: 9003, ChildWall: now}); err != nil {
		t.Fatal(err)
	}

	points, err := f.user.Series().Points(0, 0, math.MaxInt64)
	if err != nil {
		t.Fatal(err)
	}
	if len(points) != 3 || points[0].EndTime != 9001 || points[2].EndTime != 9003 || points[2].Sum != 9003 {
		t.Errorf("replayed points = %v", points)
	}
	if f.user.Collector.LastCollected != 42 || f.ch.LastCollected() != 9003_000_000 {
		t.Error("collector state not restored")
	}
	if st := f.ctl.Status(f.ch); st.Phase != registry.ReplicationFinished || st.Percent != 100 {
		t.Errorf("status = %+v", st)
	}
	if f.ch.LastStoredEnd() != 9003 {
		t.Errorf("LastStoredEnd = %d", f.ch.LastStoredEnd())
	}
}

func TestReplayBegin_InconsistentWindowIsDiscarded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Step = 100 * time.Second
	f := newFixture(t, cfg)
	if err := f.ctl.DefinitionEnd(f.ch, 1000, 2000, now); err != nil {
		t.Fatal(err)
	}

	err := f.ctl.ReplayBegin(f.ch, 5000, 5001, now)
	if !errors.Is(err, errors.ErrReplayWindow) {
		t.Fatalf("error = %v, want ErrReplayWindow", err)
	}
	if errors.IsFatalForConnection(err) {
		t.Error("a replay window anomaly must not end the connection")
	}
	if err := f.ctl.ReplaySet(f.ch, f.user, 1, 0); err != nil {
		t.Errorf("values of a discarded step should be dropped silently: %v", err)
	}
	if f.user.Series().LastTime(0) != 0 {
		t.Error("discarded value was stored")
	}

	if err := f.ctl.ReplayBegin(f.ch, 1500, 1499, now); !errors.Is(err, errors.ErrReplayWindow) {
		t.Errorf("reversed window error = %v", err)
	}
	if err := f.ctl.ReplayBegin(f.ch, 900, 901, now); !errors.Is(err, errors.ErrReplayWindow) {
		t.Errorf("step before child first error = %v", err)
	}
	// one update interval of slack below the child's first entry
	if err := f.ctl.ReplayBegin(f.ch, 999, 1000, now); err != nil {
		t.Errorf("step within slack of child first = %v", err)
	}

	// A valid step after a discarded one is accepted again.
	if err := f.ctl.ReplayBegin(f.ch, 1000, 1001, now); err != nil {
		t.Fatal(err)
	}
	if err := f.ctl.ReplaySet(f.ch, f.user, 1, 0); err != nil {
		t.Fatal(err)
	}
	if f.user.Series().LastTime(0) != 1001 {
		t.Errorf("LastTime = %d", f.user.Series().LastTime(0))
	}
}

func TestReplayOutsideReplication(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	if err := f.ctl.ReplayBegin(f.ch, 1, 2, now); !errors.Is(err, errors.ErrNotReplicating) {
		t.Errorf("RBEGIN error = %v", err)
	}
	if err := f.ctl.ReplaySet(f.ch, f.user, 1, 0); !errors.Is(err, errors.ErrNotReplicating) {
		t.Errorf("RSET error = %v", err)
	}
	if err := f.ctl.ReplayEnd(f.ch, End{}); !errors.Is(err, errors.ErrNotReplicating) {
		t.Errorf("REND error = %v", err)
	}
}

func TestReplayEnd_ContinuesAfterPreviousWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Step = 1000 * time.Second
	f := newFixture(t, cfg)

	if err := f.ctl.DefinitionEnd(f.ch, 6000, 9000, now); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(sent{"sys.cpu", false, 6000, 7000}, f.out.last()); diff != "" {
		t.Fatalf("first request (-want +got):\n%s", diff)
	}

	f.store(t, 6000, 6500)
	err := f.ctl.ReplayEnd(f.ch, End{UpdateEvery: 1, ChildFirst: 6000, ChildLast: 9000, FirstRequested: 6000, LastRequested: 7000, ChildWall: now})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(sent{"sys.cpu", false, 7001, 8001}, f.out.last()); diff != "" {
		t.Errorf("continuation request (-want +got):\n%s", diff)
	}
	st := f.ctl.Status(f.ch)
	if st.Suspicious != 0 || st.Rounds != 2 || st.Percent < 33 || st.Percent > 34 {
		t.Errorf("status = %+v", st)
	}
}

// A child that keeps answering start_streaming=false although local data
// already covers its last entry must be finished within the threshold.
func TestStuckLoopValve(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.store(t, 9001, 9500)
	caughtUp := metrics.ReplicationRounds.WithLabelValues("caught-up")
	before := testutil.ToFloat64(caughtUp)

	if err := f.ctl.DefinitionEnd(f.ch, 9001, 9400, now); err != nil {
		t.Fatal(err)
	}

	rounds := 0
	for f.ctl.Status(f.ch).Phase == registry.ReplicationInProgress {
		rounds++
		if rounds > 3 {
			t.Fatal("controller did not finish within 3 rounds")
		}
		err := f.ctl.ReplayEnd(f.ch, End{UpdateEvery: 1, ChildFirst: 9001, ChildLast: 9400, StartStreaming: false, ChildWall: now})
		if err != nil {
			t.Fatal(err)
		}
	}
	if rounds != 3 {
		t.Errorf("finished after %d rounds, want 3", rounds)
	}
	// the two rounds before the valve asked for nothing more
	if got := testutil.ToFloat64(caughtUp) - before; got != 2 {
		t.Errorf("caught-up requests = %v, want 2", got)
	}

	final := f.out.last()
	if !final.StartStreaming || final.After != 0 || final.Before != 0 {
		t.Errorf("final request = %+v, want an empty start-streaming request", final)
	}
	requests := len(f.out.reqs)

	// Further rounds and definition ends do not restart replication.
	if err := f.ctl.ReplayEnd(f.ch, End{ChildFirst: 9001, ChildLast: 9400, ChildWall: now}); err != nil {
		t.Fatal(err)
	}
	if err := f.ctl.DefinitionEnd(f.ch, 9001, 9400, now); err != nil {
		t.Fatal(err)
	}
	if st := f.ctl.Status(f.ch); st.Phase != registry.ReplicationFinished {
		t.Errorf("phase = %s, want finished", st.Phase)
	}
	if len(f.out.reqs) != requests {
		t.Errorf("finished chart sent %d more requests", len(f.out.reqs)-requests)
	}

	// A new connection starts over.
	f.ctl.Close()
	if st := f.ctl.Status(f.ch); st.Phase != registry.ReplicationNone {
		t.Errorf("phase after close = %s", st.Phase)
	}
}

// The valve never fires while the child still has data the parent lacks.
func TestStuckLoopValve_RequiresLocalCoverage(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.store(t, 9001, 9100)

	if err := f.ctl.DefinitionEnd(f.ch, 9001, 9400, now); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		err := f.ctl.ReplayEnd(f.ch, End{UpdateEvery: 1, ChildFirst: 9001, ChildLast: 9400, LastRequested: 9100, ChildWall: now})
		if err != nil {
			t.Fatal(err)
		}
	}
	st := f.ctl.Status(f.ch)
	if st.Phase != registry.ReplicationInProgress || st.Suspicious != 0 {
		t.Errorf("status = %+v, want in progress without suspicious rounds", st)
	}
}

func TestSuspiciousCounterResetsOnProgress(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.store(t, 9001, 9400)
	if err := f.ctl.DefinitionEnd(f.ch, 9001, 9400, now); err != nil {
		t.Fatal(err)
	}

	end := End{UpdateEvery: 1, ChildFirst: 9001, ChildLast: 9400, ChildWall: now}
	for i := 0; i < 2; i++ {
		if err := f.ctl.ReplayEnd(f.ch, end); err != nil {
			t.Fatal(err)
		}
	}
	if st := f.ctl.Status(f.ch); st.Suspicious != 2 {
		t.Fatalf("suspicious = %d, want 2", st.Suspicious)
	}

	// The child reports more data than we hold: progress is possible.
	end.ChildLast = 9600
	if err := f.ctl.ReplayEnd(f.ch, end); err != nil {
		t.Fatal(err)
	}
	if st := f.ctl.Status(f.ch); st.Suspicious != 0 || st.Phase != registry.ReplicationInProgress {
		t.Errorf("status = %+v", st)
	}
}

func TestThresholdIsConfigurable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SuspiciousThreshold = 1
	f := newFixture(t, cfg)
	f.store(t, 9001, 9400)

	if err := f.ctl.DefinitionEnd(f.ch, 9001, 9400, now); err != nil {
		t.Fatal(err)
	}
	if err := f.ctl.ReplayEnd(f.ch, End{ChildFirst: 9001, ChildLast: 9400, ChildWall: now}); err != nil {
		t.Fatal(err)
	}
	if st := f.ctl.Status(f.ch); st.Phase != registry.ReplicationFinished {
		t.Errorf("phase = %s after one suspicious round with threshold 1", st.Phase)
	}
}
