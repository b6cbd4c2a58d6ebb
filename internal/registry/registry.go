// Package registry is the in-memory directory of hosts, charts and
// dimensions.
//
// Charts and dimensions live in an arena and are addressed by stable
// integer handles. A host owns its charts by id and a chart owns its
// dimensions by id; a dimension refers back to its chart by handle only.
// Connection scopes and slot tables hold handles, so a chart marked
// obsolete while a scope still names it is detected on the next lookup
// instead of being dereferenced.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xtxerr/streamd/config"
	"github.com/xtxerr/streamd/internal/errors"
	"github.com/xtxerr/streamd/internal/logging"
	"github.com/xtxerr/streamd/internal/storage/engine"
)

var log = logging.Component("registry")

// ChartID is the arena handle of a chart. Zero is never a valid handle.
type ChartID uint32

// DimensionID is the arena handle of a dimension. Zero is never valid.
type DimensionID uint32

// Options configures a registry.
type Options struct {
	// LocalGUID and Hostname describe the host the daemon runs on.
	LocalGUID string
	Hostname  string

	// UpdateEvery is used for charts defined without one.
	UpdateEvery int64
}

// Registry owns every host, chart and dimension.
//
// Registry is safe for concurrent use.
type Registry struct {
	engine *engine.Engine
	opts   Options

	mu        sync.RWMutex
	hosts     map[string]*Host
	localhost *Host
	charts    []*Chart     // arena, index 0 unused
	dims      []*Dimension // arena, index 0 unused
}

// New creates a registry whose dimensions store into eng.
func New(eng *engine.Engine, opts Options) *Registry {
	if opts.UpdateEvery <= 0 {
		opts.UpdateEvery = config.DefaultUpdateEvery
	}
	if opts.LocalGUID == "" {
		opts.LocalGUID = "localhost"
	}
	if opts.Hostname == "" {
		opts.Hostname = "localhost"
	}

	r := &Registry{
		engine: eng,
		opts:   opts,
		hosts:  make(map[string]*Host),
		charts: make([]*Chart, 1, 64),
		dims:   make([]*Dimension, 1, 256),
	}
	r.localhost = newHost(r, HostDef{GUID: opts.LocalGUID, Hostname: opts.Hostname}, true)
	r.hosts[normalizeGUID(opts.LocalGUID)] = r.localhost
	return r
}

// Engine returns the storage engine dimensions write into.
func (r *Registry) Engine() *engine.Engine {
	return r.engine
}

// Localhost returns the host the daemon runs on.
func (r *Registry) Localhost() *Host {
	return r.localhost
}

// Host returns the host with guid. The host must already exist.
func (r *Registry) Host(guid string) (*Host, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.hosts[normalizeGUID(guid)]
	if !ok {
		return nil, errors.NewNotFound(errors.ErrHostNotFound, guid)
	}
	return h, nil
}

// DefineHost creates a virtual host or updates the definition of an
// existing one.
func (r *Registry) DefineHost(def HostDef) (*Host, error) {
	if def.GUID == "" {
		return nil, fmt.Errorf("define host: %w", errors.ErrInvalidHostGUID)
	}
	key := normalizeGUID(def.GUID)

	r.mu.Lock()
	h, ok := r.hosts[key]
	if !ok {
		h = newHost(r, def, false)
		r.hosts[key] = h
	}
	r.mu.Unlock()

	if ok {
		h.update(def)
	} else {
		log.Info("host created", "guid", def.GUID, "hostname", def.Hostname)
	}
	return h, nil
}

// Hosts returns every host ordered by hostname.
func (r *Registry) Hosts() []*Host {
	r.mu.RLock()
	out := make([]*Host, 0, len(r.hosts))
	for _, h := range r.hosts {
		out = append(out, h)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Hostname() < out[j].Hostname() })
	return out
}

// Chart resolves a chart handle. Obsolete charts return ErrObsolete.
func (r *Registry) Chart(id ChartID) (*Chart, error) {
	c := r.chartAny(id)
	if c == nil {
		return nil, fmt.Errorf("%w: chart handle %d", errors.ErrNotFound, id)
	}
	if c.Obsolete() {
		return nil, fmt.Errorf("chart %s: %w", c.ID(), errors.ErrObsolete)
	}
	return c, nil
}

// Dimension resolves a dimension handle. Obsolete dimensions and
// dimensions of obsolete charts return ErrObsolete.
func (r *Registry) Dimension(id DimensionID) (*Dimension, error) {
	d := r.dimAny(id)
	if d == nil {
		return nil, fmt.Errorf("%w: dimension handle %d", errors.ErrNotFound, id)
	}
	if d.Obsolete() {
		return nil, fmt.Errorf("dimension %s: %w", d.ID(), errors.ErrObsolete)
	}
	if c := r.chartAny(d.chart); c != nil && c.Obsolete() {
		return nil, fmt.Errorf("chart %s: %w", c.ID(), errors.ErrObsolete)
	}
	return d, nil
}

// ChartAny resolves a chart handle without the obsolete check. It returns
// nil for unknown handles.
func (r *Registry) ChartAny(id ChartID) *Chart {
	return r.chartAny(id)
}

// DimensionAny resolves a dimension handle without the obsolete check.
func (r *Registry) DimensionAny(id DimensionID) *Dimension {
	return r.dimAny(id)
}

func (r *Registry) chartAny(id ChartID) *Chart {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id == 0 || int(id) >= len(r.charts) {
		return nil
	}
	return r.charts[id]
}

func (r *Registry) dimAny(id DimensionID) *Dimension {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id == 0 || int(id) >= len(r.dims) {
		return nil
	}
	return r.dims[id]
}

func (r *Registry) addChart(c *Chart) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c.handle = ChartID(len(r.charts))
	r.charts = append(r.charts, c)
}

func (r *Registry) addDimension(d *Dimension) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d.handle = DimensionID(len(r.dims))
	r.dims = append(r.dims, d)
}

// Stats is a summary of the registry contents.
type Stats struct {
	Hosts      int
	Charts     int
	Dimensions int
	Obsolete   int
}

// Stats returns counts over the arena.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{
		Hosts:      len(r.hosts),
		Charts:     len(r.charts) - 1,
		Dimensions: len(r.dims) - 1,
	}
	for _, c := range r.charts[1:] {
		if c.Obsolete() {
			s.Obsolete++
		}
	}
	return s
}

// seriesKey names the storage series of a dimension.
func seriesKey(host, chart, dim string) string {
	return host + "/" + chart + "/" + dim
}

func normalizeGUID(guid string) string {
	return strings.ToLower(guid)
}
