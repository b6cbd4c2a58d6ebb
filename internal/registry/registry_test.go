package registry

import (
	"sync"
	"testing"

	"github.com/xtxerr/streamd/internal/errors"
	"github.com/xtxerr/streamd/internal/storage/engine"
	"github.com/xtxerr/streamd/internal/storage/types"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	cfg := engine.DefaultConfig()
	cfg.BackfillWorkers = 1
	e, err := engine.Open(cfg)
	if err != nil {
		t.Fatalf("engine.Open: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return New(e, Options{LocalGUID: "11111111-2222-3333-4444-555555555555", Hostname: "parent"})
}

func cpuChart(t *testing.T, r *Registry) *Chart {
	t.Helper()
	c, created := r.Localhost().CreateChart(ChartDef{ID: "sys.cpu", Title: "CPU", Units: "%", UpdateEvery: 1})
	if !created {
		t.Fatal("chart should be created")
	}
	return c
}

func TestHostLookup(t *testing.T) {
	r := testRegistry(t)

	h, err := r.Host("11111111-2222-3333-4444-555555555555")
	if err != nil || h != r.Localhost() {
		t.Fatalf("Host(local) = %v, %v", h, err)
	}
	if _, err := r.Host("aaaaaaaa-0000-0000-0000-000000000000"); !errors.Is(err, errors.ErrHostNotFound) {
		t.Errorf("unknown host error = %v", err)
	}

	child, err := r.DefineHost(HostDef{GUID: "AAAAAAAA-0000-0000-0000-000000000000", Hostname: "child", Labels: map[string]string{"env": "prod"}})
	if err != nil {
		t.Fatal(err)
	}
	got, err := r.Host("aaaaaaaa-0000-0000-0000-000000000000")
	if err != nil || got != child {
		t.Errorf("guid lookup is not case insensitive: %v, %v", got, err)
	}
	if l, ok := child.Labels().Get("env"); !ok || l.Value != "prod" {
		t.Errorf("label env = %+v, %v", l, ok)
	}

	again, _ := r.DefineHost(HostDef{GUID: "aaaaaaaa-0000-0000-0000-000000000000", Hostname: "child-renamed"})
	if again != child || child.Hostname() != "child-renamed" {
		t.Error("redefining a host should update it in place")
	}
	if len(r.Hosts()) != 2 {
		t.Errorf("Hosts() = %d, want 2", len(r.Hosts()))
	}
	if _, err := r.DefineHost(HostDef{}); !errors.Is(err, errors.ErrInvalidHostGUID) {
		t.Errorf("empty guid error = %v", err)
	}
}

func TestChartAndDimensionLookup(t *testing.T) {
	r := testRegistry(t)
	c := cpuChart(t, r)

	if _, err := r.Localhost().Chart("sys.load"); !errors.Is(err, errors.ErrChartNotFound) {
		t.Errorf("missing chart error = %v", err)
	}
	got, err := r.Localhost().Chart("sys.cpu")
	if err != nil || got != c {
		t.Fatalf("Chart(sys.cpu) = %v, %v", got, err)
	}
	if c.Def().Type() != "sys" {
		t.Errorf("Type() = %q", c.Def().Type())
	}

	d, created := c.AddDimension(DimensionDef{ID: "user", Algorithm: AlgorithmIncremental})
	if !created {
		t.Fatal("dimension should be created")
	}
	if def := d.Def(); def.Multiplier != 1 || def.Divisor != 1 || def.Name != "user" {
		t.Errorf("defaults not applied: %+v", def)
	}
	if d.Series() == nil || d.Series().Key() != "11111111-2222-3333-4444-555555555555/sys.cpu/user" {
		t.Errorf("series key = %v", d.Series())
	}
	if d.Chart() != c.Handle() {
		t.Error("dimension back reference does not point at its chart")
	}

	if _, err := c.Dimension("system"); !errors.Is(err, errors.ErrDimNotFound) {
		t.Errorf("missing dimension error = %v", err)
	}

	same, created := c.AddDimension(DimensionDef{ID: "user", Multiplier: 8})
	if created || same != d || same.Def().Multiplier != 8 {
		t.Error("redefining a dimension should update it in place")
	}

	c.AddDimension(DimensionDef{ID: "system"})
	dims := c.Dimensions()
	if len(dims) != 2 || dims[0].ID() != "user" || dims[1].ID() != "system" {
		t.Errorf("dimension order = %v", dims)
	}

	byHandle, err := r.Dimension(d.Handle())
	if err != nil || byHandle != d {
		t.Errorf("Dimension(handle) = %v, %v", byHandle, err)
	}
	if _, err := r.Dimension(0); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("zero handle error = %v", err)
	}
}

func TestObsolete(t *testing.T) {
	r := testRegistry(t)
	c := cpuChart(t, r)
	d, _ := c.AddDimension(DimensionDef{ID: "user"})

	c.MarkObsolete()
	if _, err := r.Chart(c.Handle()); !errors.Is(err, errors.ErrObsolete) {
		t.Errorf("obsolete chart error = %v", err)
	}
	if _, err := r.Dimension(d.Handle()); !errors.Is(err, errors.ErrObsolete) {
		t.Errorf("dimension of obsolete chart error = %v", err)
	}
	if _, err := r.Localhost().Chart("sys.cpu"); !errors.Is(err, errors.ErrObsolete) {
		t.Errorf("strict lookup of obsolete chart error = %v", err)
	}
	if found, err := r.Localhost().ChartAny("sys.cpu"); err != nil || found != c {
		t.Errorf("ChartAny = %v, %v", found, err)
	}

	// A definition without the obsolete option revives the chart.
	again, created := r.Localhost().CreateChart(ChartDef{ID: "sys.cpu", UpdateEvery: 2})
	if created || again != c || c.Obsolete() || c.UpdateEvery() != 2 {
		t.Error("redefinition should revive the chart in place")
	}

	d.MarkObsolete()
	if _, err := c.Dimension("user"); !errors.Is(err, errors.ErrObsolete) {
		t.Errorf("obsolete dimension error = %v", err)
	}
	c.AddDimension(DimensionDef{ID: "user"})
	if _, err := c.Dimension("user"); err != nil {
		t.Errorf("redefined dimension still obsolete: %v", err)
	}

	st := r.Stats()
	if st.Charts != 1 || st.Dimensions != 1 || st.Hosts != 1 || st.Obsolete != 0 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestCreateChart_ObsoleteOption(t *testing.T) {
	r := testRegistry(t)
	c, _ := r.Localhost().CreateChart(ChartDef{ID: "disk.sda", Options: ParseChartOptions("detail obsolete")})
	if !c.Obsolete() {
		t.Error("chart defined obsolete should be obsolete")
	}
	if c.UpdateEvery() != 1 {
		t.Errorf("default update every = %d", c.UpdateEvery())
	}
}

func TestSlotTable(t *testing.T) {
	var st SlotTable[ChartID]

	if _, ok := st.Get(0); ok {
		t.Error("empty table returned an entry")
	}
	st.Put(5, 42)
	if h, ok := st.Get(5); !ok || h != 42 {
		t.Errorf("Get(5) = %d, %v", h, ok)
	}
	if _, ok := st.Get(4); ok {
		t.Error("unset slot returned an entry")
	}
	st.Put(100, 7)
	if h, _ := st.Get(5); h != 42 {
		t.Error("growing lost an entry")
	}
	st.Put(-1, 9)

	n := st.Len()
	st.Reset()
	if _, ok := st.Get(100); ok {
		t.Error("reset kept an entry")
	}
	if st.Len() != n {
		t.Error("reset should not shrink the table")
	}
	st.Put(6, 1)
	if h, ok := st.Get(6); !ok || h != 1 {
		t.Error("table unusable after reset")
	}
}

func TestChartEnterIsExclusive(t *testing.T) {
	r := testRegistry(t)
	c := cpuChart(t, r)

	var wg sync.WaitGroup
	var mu sync.Mutex
	entered := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Enter() {
				mu.Lock()
				entered++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if entered != 1 {
		t.Errorf("%d goroutines entered the chart, want 1", entered)
	}
	c.Leave()
	if !c.Enter() {
		t.Error("chart not enterable after Leave")
	}
}

func TestChartRetention(t *testing.T) {
	r := testRegistry(t)
	c := cpuChart(t, r)
	user, _ := c.AddDimension(DimensionDef{ID: "user"})
	sys, _ := c.AddDimension(DimensionDef{ID: "system"})

	if f, l := c.Retention(); f != 0 || l != 0 {
		t.Errorf("empty retention = %d, %d", f, l)
	}

	for ts := int64(100); ts <= 110; ts++ {
		if err := user.Series().Store(types.Sample{EndTime: ts, UpdateEvery: 1, Value: 1}); err != nil {
			t.Fatal(err)
		}
	}
	for ts := int64(105); ts <= 120; ts++ {
		if err := sys.Series().Store(types.Sample{EndTime: ts, UpdateEvery: 1, Value: 1}); err != nil {
			t.Fatal(err)
		}
	}

	f, l := c.Retention()
	if f != 99 || l != 120 {
		t.Errorf("Retention() = %d, %d; want 99, 120", f, l)
	}
}

func TestLabels(t *testing.T) {
	var l Labels
	l.Add("a", "1", LabelSourceAuto)
	if l.Len() != 0 {
		t.Error("staged labels must not be visible")
	}
	l.Commit()
	l.Add("b", "2", LabelSourceStream)
	l.Commit()

	if _, ok := l.Get("a"); ok {
		t.Error("commit should replace the label set")
	}
	if v, ok := l.Get("b"); !ok || v.Value != "2" || v.Source != LabelSourceStream {
		t.Errorf("label b = %+v, %v", v, ok)
	}
	l.Commit()
	if l.Len() != 1 {
		t.Error("empty commit should keep the set")
	}
}

func TestReplicationState(t *testing.T) {
	r := testRegistry(t)
	c := cpuChart(t, r)

	c.Replication().Update(func(st *ReplicationStatus) {
		st.Phase = ReplicationInProgress
		st.Suspicious = 2
	})
	if st := c.Replication().Status(); st.Phase != ReplicationInProgress || st.Suspicious != 2 {
		t.Errorf("status = %+v", st)
	}
	c.Replication().Reset()
	if st := c.Replication().Status(); st.Phase != ReplicationNone || st.Phase.String() != "none" {
		t.Errorf("reset status = %+v", st)
	}
}

func TestParseWords(t *testing.T) {
	if ParseAlgorithm("percentage-of-incremental-row") != AlgorithmPercentageOfIncrementalRow {
		t.Error("percentage-of-incremental-row")
	}
	if ParseAlgorithm("bogus") != AlgorithmAbsolute {
		t.Error("unknown algorithm should be absolute")
	}
	if !AlgorithmIncremental.Incremental() || AlgorithmAbsolute.Incremental() {
		t.Error("Incremental()")
	}
	if o := ParseDimOptions("hidden nooverflow"); !o.Has(DimHidden | DimNoReset) {
		t.Errorf("dim options = %b", o)
	}
	if ParseChartType("STACKED") != ChartTypeStacked || ParseChartType("pie") != ChartTypeLine {
		t.Error("ParseChartType")
	}
	if s := ParseChartOptions("store_first hidden").String(); s != "hidden store_first" {
		t.Errorf("options = %q", s)
	}
}
