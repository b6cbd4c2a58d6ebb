package registry

import (
	"sort"
	"sync"

	"github.com/xtxerr/streamd/internal/errors"
)

// HostDef describes a host as announced by HOST_DEFINE.
type HostDef struct {
	GUID     string
	Hostname string
	Labels   map[string]string
}

// Host is a monitored node. It owns its charts by id.
type Host struct {
	reg   *Registry
	guid  string
	local bool

	mu        sync.RWMutex
	hostname  string
	charts    map[string]ChartID
	labels    Labels
	variables map[string]float64
	claimID   string
}

func newHost(r *Registry, def HostDef, local bool) *Host {
	h := &Host{
		reg:       r,
		guid:      def.GUID,
		local:     local,
		hostname:  def.Hostname,
		charts:    make(map[string]ChartID),
		variables: make(map[string]float64),
	}
	for k, v := range def.Labels {
		h.labels.Add(k, v, LabelSourceStream)
	}
	h.labels.Commit()
	return h
}

func (h *Host) update(def HostDef) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if def.Hostname != "" {
		h.hostname = def.Hostname
	}
	for k, v := range def.Labels {
		h.labels.Add(k, v, LabelSourceStream)
	}
	h.labels.Commit()
}

// GUID returns the machine guid of the host.
func (h *Host) GUID() string { return h.guid }

// IsLocal reports whether this is the daemon's own host.
func (h *Host) IsLocal() bool { return h.local }

// Hostname returns the current hostname.
func (h *Host) Hostname() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.hostname
}

// Chart returns the chart with the given "type.id". The chart must exist.
func (h *Host) Chart(id string) (*Chart, error) {
	h.mu.RLock()
	handle, ok := h.charts[id]
	h.mu.RUnlock()
	if !ok {
		return nil, errors.NewNotFound(errors.ErrChartNotFound, id)
	}
	return h.reg.Chart(handle)
}

// ChartAny returns the chart with the given "type.id", obsolete or not.
func (h *Host) ChartAny(id string) (*Chart, error) {
	h.mu.RLock()
	handle, ok := h.charts[id]
	h.mu.RUnlock()
	if !ok {
		return nil, errors.NewNotFound(errors.ErrChartNotFound, id)
	}
	return h.reg.chartAny(handle), nil
}

// CreateChart creates a chart or updates the definition of an existing
// one. It reports whether the chart was created. Redefining a chart
// clears its dimension slots and, unless the definition says obsolete,
// revives it.
func (h *Host) CreateChart(def ChartDef) (*Chart, bool) {
	if def.UpdateEvery <= 0 {
		def.UpdateEvery = h.reg.opts.UpdateEvery
	}
	id := def.ID

	h.mu.Lock()
	handle, ok := h.charts[id]
	if !ok {
		c := newChart(h, def)
		h.reg.addChart(c)
		h.charts[id] = c.handle
		h.mu.Unlock()
		if def.Options.Has(ChartObsolete) {
			c.MarkObsolete()
		}
		return c, true
	}
	h.mu.Unlock()

	c := h.reg.chartAny(handle)
	c.redefine(def)
	return c, false
}

// Charts returns the host's charts, obsolete ones included, by id.
func (h *Host) Charts() []*Chart {
	h.mu.RLock()
	out := make([]*Chart, 0, len(h.charts))
	for _, handle := range h.charts {
		out = append(out, h.reg.chartAny(handle))
	}
	h.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Labels returns the host label set.
func (h *Host) Labels() *Labels {
	return &h.labels
}

// SetVariable sets a host variable.
func (h *Host) SetVariable(name string, v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.variables[name] = v
}

// Variable returns a host variable.
func (h *Host) Variable(name string) (float64, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	v, ok := h.variables[name]
	return v, ok
}

// SetClaimID records the cloud claim id of the host. Empty unclaims.
func (h *Host) SetClaimID(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.claimID = id
}

// ClaimID returns the claim id of the host.
func (h *Host) ClaimID() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.claimID
}
