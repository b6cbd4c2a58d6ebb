// Package replication drives the catch-up of a reconnecting child.
//
// Once a chart's definition is complete the controller compares the
// child's retention with the local one and asks the child for the gap
// with REPLAY_CHART. The child answers with RBEGIN/RSET/.../REND batches;
// replayed samples are stored at the batch's explicit timestamps. A chart
// moves NONE -> IN_PROGRESS -> FINISHED and stays FINISHED until the
// connection goes away.
//
// A child can keep answering "not done yet" while the parent already
// holds everything it claims to have. After a configurable number of
// such rounds the controller finishes the chart on its own, provided the
// local data covers the child's window.
package replication

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/xtxerr/streamd/config"
	"github.com/xtxerr/streamd/internal/errors"
	"github.com/xtxerr/streamd/internal/logging"
	"github.com/xtxerr/streamd/internal/metrics"
	"github.com/xtxerr/streamd/internal/registry"
	"github.com/xtxerr/streamd/internal/storage/engine"
	"github.com/xtxerr/streamd/internal/storage/types"
)

// Requester sends replication requests to the child.
type Requester interface {
	ReplayChart(chartID string, startStreaming bool, after, before int64) error
}

// Config configures a controller.
type Config struct {
	// Period is how far back replication may reach.
	Period time.Duration

	// Step is the largest window asked for in one round.
	Step time.Duration

	// SuspiciousThreshold is the number of consecutive rounds without
	// progress after which a chart is finished.
	SuspiciousThreshold int

	// Now returns the wall clock. Defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns the default controller settings.
func DefaultConfig() Config {
	return Config{
		Period:              config.DefaultReplicationPeriod,
		Step:                config.DefaultReplicationStep,
		SuspiciousThreshold: config.DefaultSuspiciousThreshold,
	}
}

// End is the content of a REND line.
type End struct {
	UpdateEvery    int64
	ChildFirst     int64
	ChildLast      int64
	StartStreaming bool
	FirstRequested int64
	LastRequested  int64
	ChildWall      int64
}

// DimState is the content of an RDSTATE line.
type DimState struct {
	LastCollectedUT int64
	LastCollected   int64
	LastCalculated  float64
	LastStored      float64
}

// Controller runs replication for the charts of one child connection.
//
// Controller is safe for concurrent use, but the methods of one chart are
// expected to be called in protocol order by the connection owning it.
type Controller struct {
	cfg       Config
	engine    *engine.Engine
	out       Requester
	log       *slog.Logger
	anomalies *logging.Limited

	mu     sync.Mutex
	charts map[registry.ChartID]*registry.Chart
}

// New creates a controller sending requests through out. eng is used to
// schedule tier backfill when a chart finishes and may be nil.
func New(cfg Config, eng *engine.Engine, out Requester) *Controller {
	if cfg.SuspiciousThreshold <= 0 {
		cfg.SuspiciousThreshold = config.DefaultSuspiciousThreshold
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Controller{
		cfg:       cfg,
		engine:    eng,
		out:       out,
		log:       logging.Component("replication"),
		anomalies: logging.LimitedComponent("replication"),
		charts:    make(map[registry.ChartID]*registry.Chart),
	}
}

func (c *Controller) now() int64 {
	return c.cfg.Now().Unix()
}

// DefinitionEnd starts replication of a chart whose definition is
// complete. first and last are the child's retention of the chart and
// wall its clock. Charts already replicating or finished are left alone.
func (c *Controller) DefinitionEnd(ch *registry.Chart, first, last, wall int64) error {
	_, localLast := ch.Retention()

	var req Request
	started := false
	ch.Replication().Update(func(st *registry.ReplicationStatus) {
		if st.Phase != registry.ReplicationNone {
			return
		}
		req = Plan(localLast, Window{First: first, Last: last}, wall, c.now(),
			int64(c.cfg.Period/time.Second), int64(c.cfg.Step/time.Second))
		*st = registry.ReplicationStatus{
			Phase:          registry.ReplicationInProgress,
			StartAfter:     req.After,
			After:          req.After,
			Before:         req.Before,
			StartStreaming: req.StartStreaming,
			ChildFirst:     first,
			ChildLast:      last,
			Rounds:         1,
		}
		started = true
	})
	if !started {
		c.log.Debug("definition end ignored", "chart", ch.ID(), "phase", ch.Replication().Status().Phase)
		return nil
	}

	c.mu.Lock()
	c.charts[ch.Handle()] = ch
	c.mu.Unlock()

	c.log.Debug("replication started", "chart", ch.ID(),
		"child_first", first, "child_last", last, "local_last", localLast,
		"after", req.After, "before", req.Before, "start_streaming", req.StartStreaming)
	return c.send(ch, req, "definition")
}

// ReplayBegin opens a replay batch or one time step of it. A header
// without times only checks that the chart is replicating. A time step
// must lie within the child's declared retention, give or take one
// update interval; otherwise the step is discarded.
func (c *Controller) ReplayBegin(ch *registry.Chart, start, end, wall int64) error {
	var err error
	ue := ch.UpdateEvery()
	now := c.now()

	ch.Replication().Update(func(st *registry.ReplicationStatus) {
		if st.Phase != registry.ReplicationInProgress {
			err = errors.Wrapf(errors.ErrNotReplicating, "RBEGIN %s in phase %s", ch.ID(), st.Phase)
			return
		}
		st.Replaying = true
		if start == 0 && end == 0 {
			st.Discarding = false
			return
		}

		limit := st.ChildLast
		if st.StartStreaming {
			// The child extends its last answer up to its clock.
			limit = max(limit, wall, now)
		}
		if start > end || end > limit+ue || (st.ChildFirst > 0 && start < st.ChildFirst-ue) {
			st.Discarding = true
			err = errors.Wrapf(errors.ErrReplayWindow, "RBEGIN %s [%d, %d] outside child retention [%d, %d]",
				ch.ID(), start, end, st.ChildFirst, st.ChildLast)
			return
		}
		st.Discarding = false
		st.ReplayStart = start
		st.ReplayEnd = end
		st.ReplayWall = wall
	})
	if err != nil {
		c.anomalies.Warn("replay batch discarded", "chart", ch.ID(), "error", err)
	}
	return err
}

// ReplaySet stores one replayed value of d at the end of the current time
// step. Values of a discarded step are dropped silently.
func (c *Controller) ReplaySet(ch *registry.Chart, d *registry.Dimension, value float64, flags types.Flags) error {
	st := ch.Replication().Status()
	if st.Phase != registry.ReplicationInProgress || !st.Replaying {
		return errors.Wrapf(errors.ErrNotReplicating, "RSET %s.%s", ch.ID(), d.ID())
	}
	if st.Discarding {
		return nil
	}
	if st.ReplayEnd == 0 {
		return errors.Wrapf(errors.ErrReplayWindow, "RSET %s.%s before a timed RBEGIN", ch.ID(), d.ID())
	}

	ue := st.ReplayEnd - st.ReplayStart
	if ue <= 0 {
		ue = ch.UpdateEvery()
	}
	if math.IsNaN(value) {
		flags |= types.FlagEmpty
	}
	err := d.Series().Store(types.Sample{
		EndTime:     st.ReplayEnd,
		UpdateEvery: ue,
		Value:       value,
		Flags:       flags,
	})
	if err != nil {
		c.anomalies.Warn("replayed sample not stored", "chart", ch.ID(), "dimension", d.ID(), "end", st.ReplayEnd, "error", err)
		return err
	}
	if st.ReplayEnd > ch.LastStoredEnd() {
		ch.SetLastStoredEnd(st.ReplayEnd)
	}
	return nil
}

// ReplayDimState restores the collector state of d if the child's state
// is newer than the local one.
func (c *Controller) ReplayDimState(ch *registry.Chart, d *registry.Dimension, s DimState) error {
	if st := ch.Replication().Status(); !st.Replaying {
		return errors.Wrapf(errors.ErrNotReplicating, "RDSTATE %s.%s", ch.ID(), d.ID())
	}
	if s.LastCollectedUT <= d.Collector.LastCollectedUT {
		return nil
	}
	d.Collector.LastCollectedUT = s.LastCollectedUT
	d.Collector.LastCollected = s.LastCollected
	d.Collector.Collected = s.LastCollected
	d.Collector.LastCalculated = s.LastCalculated
	d.Collector.LastStored = s.LastStored
	return nil
}

// ReplayChartState restores the chart's collection times if newer.
func (c *Controller) ReplayChartState(ch *registry.Chart, lastCollectedUT, lastUpdatedUT int64) error {
	if st := ch.Replication().Status(); !st.Replaying {
		return errors.Wrapf(errors.ErrNotReplicating, "RSSTATE %s", ch.ID())
	}
	if lastCollectedUT > ch.LastCollected() {
		ch.SetLastCollected(lastCollectedUT)
	}
	if lastUpdatedUT > ch.LastUpdated() {
		ch.SetLastUpdated(lastUpdatedUT)
	}
	return nil
}

// ReplayEnd closes a batch and decides the next step: finish when the
// child starts streaming, finish on the stuck-loop valve, or ask for the
// next window.
func (c *Controller) ReplayEnd(ch *registry.Chart, e End) error {
	_, localLast := ch.Retention()
	threshold := c.cfg.SuspiciousThreshold

	var (
		req      Request
		send     bool
		finished bool
		stuck    bool
		err      error
	)
	ch.Replication().Update(func(st *registry.ReplicationStatus) {
		switch st.Phase {
		case registry.ReplicationFinished:
			st.Replaying = false
			return
		case registry.ReplicationNone:
			err = errors.Wrapf(errors.ErrNotReplicating, "REND %s", ch.ID())
			return
		}

		st.Replaying = false
		st.Discarding = false
		st.ChildFirst = e.ChildFirst
		st.ChildLast = e.ChildLast
		st.Percent = Percent(st.StartAfter, e.LastRequested, e.ChildLast)

		if e.StartStreaming {
			st.Phase = registry.ReplicationFinished
			st.Suspicious = 0
			st.Percent = 100
			finished = true
			return
		}

		// The child is not done, yet local data may already cover all it
		// claims to have. Only that case counts towards the valve.
		if e.ChildLast > 0 && localLast >= e.ChildLast {
			st.Suspicious++
		} else {
			st.Suspicious = 0
		}

		if st.Suspicious >= threshold {
			st.Phase = registry.ReplicationFinished
			st.Percent = 100
			req = Request{StartStreaming: true}
			st.After, st.Before, st.StartStreaming = 0, 0, true
			send, finished, stuck = true, true, true
			return
		}

		req = Plan(max(localLast, e.LastRequested), Window{First: e.ChildFirst, Last: e.ChildLast}, e.ChildWall, c.now(),
			int64(c.cfg.Period/time.Second), int64(c.cfg.Step/time.Second))
		st.After, st.Before, st.StartStreaming = req.After, req.Before, req.StartStreaming
		st.Rounds++
		send = true
	})
	if err != nil {
		c.anomalies.Warn("unexpected replay end", "chart", ch.ID(), "error", err)
		return err
	}

	if finished {
		c.finish(ch)
	}
	if stuck {
		metrics.ReplicationStuck.Inc()
		c.log.Warn("replication forced to finish after rounds without progress",
			"chart", ch.ID(), "rounds", threshold, "local_last", localLast, "child_last", e.ChildLast)
	}
	if !send {
		return nil
	}
	reason := "continue"
	switch {
	case stuck:
		reason = "stuck"
	case req.Empty():
		reason = "caught-up"
	}
	return c.send(ch, req, reason)
}

// finish schedules tier backfill for the chart's dimensions.
func (c *Controller) finish(ch *registry.Chart) {
	c.log.Debug("replication finished", "chart", ch.ID())
	if c.engine == nil {
		return
	}
	now := c.cfg.Now()
	for _, d := range ch.Dimensions() {
		if !c.engine.BackfillAsync(d.Series(), now) {
			c.anomalies.Warn("backfill queue full", "chart", ch.ID(), "dimension", d.ID())
		}
	}
}

func (c *Controller) send(ch *registry.Chart, req Request, reason string) error {
	metrics.ReplicationRounds.WithLabelValues(reason).Inc()
	if err := c.out.ReplayChart(ch.ID(), req.StartStreaming, req.After, req.Before); err != nil {
		return fmt.Errorf("replication request for %s: %w", ch.ID(), err)
	}
	return nil
}

// Status returns the replication status of a chart.
func (c *Controller) Status(ch *registry.Chart) registry.ReplicationStatus {
	return ch.Replication().Status()
}

// Pending returns how many charts this controller started that have not
// finished yet.
func (c *Controller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ch := range c.charts {
		if ch.Replication().Status().Phase == registry.ReplicationInProgress {
			n++
		}
	}
	return n
}

// Close resets every chart this controller touched so the next
// connection replicates them again.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.charts {
		ch.Replication().Reset()
		delete(c.charts, id)
	}
}
