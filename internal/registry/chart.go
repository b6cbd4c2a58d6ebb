package registry

import (
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/xtxerr/streamd/internal/errors"
)

// =============================================================================
// Definition types
// =============================================================================

// ChartType is the rendering hint of a chart.
type ChartType string

const (
	ChartTypeLine    ChartType = "line"
	ChartTypeArea    ChartType = "area"
	ChartTypeStacked ChartType = "stacked"
)

// ParseChartType maps a protocol word to a chart type. Unknown words are
// treated as line.
func ParseChartType(s string) ChartType {
	switch ChartType(strings.ToLower(s)) {
	case ChartTypeArea:
		return ChartTypeArea
	case ChartTypeStacked:
		return ChartTypeStacked
	default:
		return ChartTypeLine
	}
}

// ChartOptions are the option words of a CHART line.
type ChartOptions uint8

const (
	ChartObsolete ChartOptions = 1 << iota
	ChartDetail
	ChartHidden
	ChartStoreFirst
)

// ParseChartOptions parses a space separated option list.
func ParseChartOptions(s string) ChartOptions {
	var o ChartOptions
	for _, w := range strings.Fields(s) {
		switch w {
		case "obsolete":
			o |= ChartObsolete
		case "detail":
			o |= ChartDetail
		case "hidden":
			o |= ChartHidden
		case "store_first":
			o |= ChartStoreFirst
		}
	}
	return o
}

// Has reports whether every bit of x is set.
func (o ChartOptions) Has(x ChartOptions) bool { return o&x == x }

func (o ChartOptions) String() string {
	var words []string
	if o.Has(ChartObsolete) {
		words = append(words, "obsolete")
	}
	if o.Has(ChartDetail) {
		words = append(words, "detail")
	}
	if o.Has(ChartHidden) {
		words = append(words, "hidden")
	}
	if o.Has(ChartStoreFirst) {
		words = append(words, "store_first")
	}
	return strings.Join(words, " ")
}

// ChartDef is a chart definition as carried by a CHART line.
type ChartDef struct {
	ID          string // "type.id"
	Name        string // without the type prefix, empty when unset
	Title       string
	Units       string
	Family      string
	Context     string
	ChartType   ChartType
	Priority    int
	UpdateEvery int64
	Options     ChartOptions
	Plugin      string
	Module      string
}

// Type returns the part of the id before the first dot.
func (d ChartDef) Type() string {
	if i := strings.IndexByte(d.ID, '.'); i > 0 {
		return d.ID[:i]
	}
	return d.ID
}

// =============================================================================
// Chart
// =============================================================================

// Chart is a named set of dimensions sampled together.
type Chart struct {
	host   *Host
	handle ChartID

	mu        sync.RWMutex
	def       ChartDef
	dims      map[string]DimensionID
	order     []DimensionID
	labels    Labels
	variables map[string]float64

	collecting atomic.Bool
	obsolete   atomic.Bool

	lastCollectedUT atomic.Int64
	lastUpdatedUT   atomic.Int64
	lastStoredEnd   atomic.Int64

	replication ReplicationState
}

func newChart(h *Host, def ChartDef) *Chart {
	return &Chart{
		host:      h,
		def:       def,
		dims:      make(map[string]DimensionID),
		variables: make(map[string]float64),
	}
}

func (c *Chart) redefine(def ChartDef) {
	c.mu.Lock()
	c.def = def
	c.mu.Unlock()

	if def.Options.Has(ChartObsolete) {
		c.MarkObsolete()
	} else {
		c.Revive()
	}
}

// Handle returns the arena handle of the chart.
func (c *Chart) Handle() ChartID { return c.handle }

// Host returns the owning host.
func (c *Chart) Host() *Host { return c.host }

// ID returns "type.id".
func (c *Chart) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.def.ID
}

// Def returns a copy of the chart definition.
func (c *Chart) Def() ChartDef {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.def
}

// UpdateEvery returns the collection interval in seconds.
func (c *Chart) UpdateEvery() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.def.UpdateEvery
}

// SetUpdateEvery changes the collection interval.
func (c *Chart) SetUpdateEvery(ue int64) {
	if ue <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.def.UpdateEvery = ue
}

// =============================================================================
// Collection scope
// =============================================================================

// Enter acquires the chart's collection scope. It fails if a collection
// cycle or replication batch is already open on the chart.
func (c *Chart) Enter() bool {
	return c.collecting.CompareAndSwap(false, true)
}

// Leave releases the collection scope.
func (c *Chart) Leave() {
	c.collecting.Store(false)
}

// Collecting reports whether a cycle is open on the chart.
func (c *Chart) Collecting() bool {
	return c.collecting.Load()
}

// =============================================================================
// Obsolete handling
// =============================================================================

// MarkObsolete flags the chart obsolete. The chart stays in the registry.
func (c *Chart) MarkObsolete() {
	if c.obsolete.CompareAndSwap(false, true) {
		log.Debug("chart obsolete", "host", c.host.Hostname(), "chart", c.ID())
	}
}

// Revive clears the obsolete flag.
func (c *Chart) Revive() {
	c.obsolete.Store(false)
}

// Obsolete reports whether the chart is obsolete.
func (c *Chart) Obsolete() bool {
	return c.obsolete.Load()
}

// =============================================================================
// Dimensions
// =============================================================================

// Dimension returns the dimension with id. It must exist and must not be
// obsolete.
func (c *Chart) Dimension(id string) (*Dimension, error) {
	d, err := c.DimensionAny(id)
	if err != nil {
		return nil, err
	}
	if d.Obsolete() {
		return nil, errors.Wrapf(errors.ErrObsolete, "dimension %s", id)
	}
	return d, nil
}

// DimensionAny returns the dimension with id, obsolete or not.
func (c *Chart) DimensionAny(id string) (*Dimension, error) {
	c.mu.RLock()
	handle, ok := c.dims[id]
	c.mu.RUnlock()
	if !ok {
		return nil, errors.NewNotFound(errors.ErrDimNotFound, c.ID()+"."+id)
	}
	return c.host.reg.dimAny(handle), nil
}

// AddDimension creates a dimension or updates an existing one, reporting
// whether it was created. Definitions without the obsolete option revive
// the dimension.
func (c *Chart) AddDimension(def DimensionDef) (*Dimension, bool) {
	def.normalize()

	c.mu.Lock()
	handle, ok := c.dims[def.ID]
	if ok {
		c.mu.Unlock()
		d := c.host.reg.dimAny(handle)
		d.redefine(def)
		return d, false
	}

	key := seriesKey(c.host.guid, c.def.ID, def.ID)
	d := newDimension(c, def, c.host.reg.engine.Series(key, c.def.UpdateEvery))
	c.host.reg.addDimension(d)
	c.dims[def.ID] = d.handle
	c.order = append(c.order, d.handle)
	c.mu.Unlock()

	if def.Options.Has(DimObsolete) {
		d.MarkObsolete()
	}
	return d, true
}

// Dimensions returns the dimensions in definition order, obsolete ones
// included.
func (c *Chart) Dimensions() []*Dimension {
	c.mu.RLock()
	handles := append([]DimensionID(nil), c.order...)
	c.mu.RUnlock()

	out := make([]*Dimension, 0, len(handles))
	for _, h := range handles {
		out = append(out, c.host.reg.dimAny(h))
	}
	return out
}

// Retention returns the first and last tier 0 times over all dimensions.
// Both are zero when nothing is stored.
func (c *Chart) Retention() (first, last int64) {
	for _, d := range c.Dimensions() {
		f, l := d.Series().FirstTime(0), d.Series().LastTime(0)
		if l == 0 {
			continue
		}
		if first == 0 || f < first {
			first = f
		}
		if l > last {
			last = l
		}
	}
	return first, last
}

// =============================================================================
// Labels, variables and collection times
// =============================================================================

// Labels returns the chart label set.
func (c *Chart) Labels() *Labels {
	return &c.labels
}

// SetVariable sets a chart variable.
func (c *Chart) SetVariable(name string, v float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.variables[name] = v
}

// Variable returns a chart variable.
func (c *Chart) Variable(name string) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.variables[name]
	return v, ok
}

// LastCollected returns the time of the last collection in microseconds.
func (c *Chart) LastCollected() int64 { return c.lastCollectedUT.Load() }

// SetLastCollected records the time of the last collection.
func (c *Chart) SetLastCollected(ut int64) { c.lastCollectedUT.Store(ut) }

// LastUpdated returns the time of the last stored sample in microseconds.
func (c *Chart) LastUpdated() int64 { return c.lastUpdatedUT.Load() }

// SetLastUpdated records the time of the last stored sample.
func (c *Chart) SetLastUpdated(ut int64) { c.lastUpdatedUT.Store(ut) }

// LastStoredEnd returns the end time of the last stored sample in seconds.
func (c *Chart) LastStoredEnd() int64 { return c.lastStoredEnd.Load() }

// SetLastStoredEnd records the end time of the last stored sample.
func (c *Chart) SetLastStoredEnd(t int64) { c.lastStoredEnd.Store(t) }

// Replication returns the chart's replication state.
func (c *Chart) Replication() *ReplicationState {
	return &c.replication
}

func (c *Chart) String() string {
	return c.host.Hostname() + "/" + c.ID() + "#" + strconv.FormatUint(uint64(c.handle), 10)
}
