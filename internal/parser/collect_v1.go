package parser

import (
	"math"

	"github.com/xtxerr/streamd/internal/errors"
	"github.com/xtxerr/streamd/internal/protocol"
	"github.com/xtxerr/streamd/internal/registry"
	"github.com/xtxerr/streamd/internal/storage/types"
)

const usecPerSec = 1_000_000

// begin opens a v1 cycle:
//
//	BEGIN [SLOT] type.id [microseconds_since_last]
func (d *Dispatcher) begin(args []string) error {
	slot, args, err := protocol.TakeSlot(args)
	if err != nil {
		return errors.NewProtocol("BEGIN", err, "")
	}
	id := arg(args, 0)
	if id == "" {
		return errors.NewProtocol("BEGIN", errors.ErrMissingParam, "chart id")
	}
	if d.cycle.kind != cycleNone {
		return errors.NewProtocol("BEGIN", errors.ErrNestedCycle, d.cycle.chart.ID())
	}

	var elapsed int64
	if s := arg(args, 1); s != "" {
		v, err := protocol.ParseInt64(s)
		if err != nil {
			return errors.NewProtocol("BEGIN", errors.ErrInvalidNumber, s)
		}
		elapsed = max(v, 0)
	}

	ch, err := d.resolveChart(slot, id, true)
	if errors.Is(err, errors.ErrObsolete) {
		if obsolete, _ := d.resolveChart(slot, id, false); obsolete != nil {
			d.cycle = cycle{kind: cycleDiscard, chart: obsolete}
		}
		return err
	}
	if err != nil {
		return err
	}
	if !ch.Enter() {
		return errors.NewProtocol("BEGIN", errors.ErrChartBusy, id)
	}
	d.openCycle(cycleV1, ch)
	d.cycle.elapsedUS = elapsed

	for _, dim := range ch.Dimensions() {
		dim.Collector.Updated = false
	}

	if b := d.upstream(); b != nil {
		b.Keyword(protocol.KeywordBegin).Slot(int(ch.Handle())).Quoted(ch.ID())
		if elapsed > 0 {
			b.Int(elapsed)
		}
		b.End()
	}
	return nil
}

// set records a collected value in the open v1 cycle:
//
//	SET [SLOT] dim = value
//
// An empty value leaves the dimension unset for this cycle.
func (d *Dispatcher) set(args []string) error {
	slot, args, err := protocol.TakeSlot(args)
	if err != nil {
		return errors.NewProtocol("SET", err, "")
	}
	if d.cycle.kind == cycleDiscard {
		return nil
	}
	if err := d.requireCycle("SET", cycleV1); err != nil {
		return err
	}
	id := arg(args, 0)
	if id == "" {
		return errors.NewProtocol("SET", errors.ErrMissingParam, "dimension id")
	}
	raw := arg(args, 1)
	if raw == "=" {
		raw = arg(args, 2)
	}

	ch := d.cycle.chart
	dim, err := d.resolveDimension(ch, slot, id, true)
	if err != nil {
		return err
	}
	if raw == "" {
		return nil
	}
	v, err := protocol.ParseInt64(raw)
	if err != nil {
		return errors.NewProtocol("SET", errors.ErrInvalidNumber, raw)
	}
	dim.Collector.Collected = v
	dim.Collector.Updated = true

	if b := d.upstream(); b != nil {
		b.Keyword(protocol.KeywordSet).Slot(int(dim.Handle())).Quoted(dim.ID()).Word("=").Int(v).End()
	}
	return nil
}

// end closes the open v1 cycle and stores one sample per dimension:
//
//	END [tv_sec [tv_usec [pending]]]
func (d *Dispatcher) end(args []string) error {
	if d.cycle.kind == cycleDiscard {
		d.closeCycle()
		return nil
	}
	if err := d.requireCycle("END", cycleV1); err != nil {
		return err
	}
	ch := d.cycle.chart
	defer d.closeCycle()

	var collectedUT int64
	if sec := intOr(arg(args, 0), 0); sec > 0 {
		collectedUT = sec*usecPerSec + max(intOr(arg(args, 1), 0), 0)
	}
	last := ch.LastCollected()
	if collectedUT == 0 {
		if last > 0 && d.cycle.elapsedUS > 0 {
			collectedUT = last + d.cycle.elapsedUS
		} else {
			collectedUT = d.cfg.Now().UnixMicro()
		}
	}

	d.computeV1(ch, last, collectedUT)

	if b := d.upstream(); b != nil {
		b.Keyword(protocol.KeywordEnd).End()
		d.flushRelay()
	}
	return nil
}

// computeV1 turns the collected values of a cycle into stored samples.
// The sample lands on the update_every boundary at or after the
// collection time; a second cycle within the same boundary is computed
// but not stored.
func (d *Dispatcher) computeV1(ch *registry.Chart, lastUT, collectedUT int64) {
	ue := ch.UpdateEvery()
	step := ue * usecPerSec
	endTime := (collectedUT + step - 1) / step * ue
	store := endTime > ch.LastStoredEnd()
	if !store {
		d.anomalies.Warn("collection faster than update every, sample not stored",
			"chart", ch.ID(), "end_time", endTime)
	}

	var elapsed float64
	if lastUT > 0 && collectedUT > lastUT {
		elapsed = float64(collectedUT-lastUT) / usecPerSec
	}

	dims := ch.Dimensions()
	values := make([]float64, len(dims))
	flags := make([]types.Flags, len(dims))
	var absTotal, incTotal float64

	for i, dim := range dims {
		values[i] = math.NaN()
		flags[i] = types.FlagEmpty
		c := &dim.Collector
		if dim.Obsolete() || !c.Updated {
			continue
		}
		def := dim.Def()
		scale := float64(def.Multiplier) / float64(def.Divisor)

		switch def.Algorithm {
		case registry.AlgorithmAbsolute, registry.AlgorithmPercentageOfAbsoluteRow:
			values[i] = float64(c.Collected) * scale
			flags[i] = 0
		case registry.AlgorithmIncremental, registry.AlgorithmPercentageOfIncrementalRow:
			if c.Collections == 0 || elapsed == 0 {
				break
			}
			delta := c.Collected - c.LastCollected
			if delta < 0 && !def.Options.Has(registry.DimNoReset) {
				flags[i] = types.FlagEmpty | types.FlagReset
				break
			}
			v := float64(delta) * scale
			if def.Algorithm == registry.AlgorithmIncremental {
				v = v / elapsed * float64(ue)
			}
			values[i] = v
			flags[i] = 0
		}

		if !math.IsNaN(values[i]) {
			switch def.Algorithm {
			case registry.AlgorithmPercentageOfAbsoluteRow:
				absTotal += math.Abs(values[i])
			case registry.AlgorithmPercentageOfIncrementalRow:
				incTotal += math.Abs(values[i])
			}
		}
	}

	for i, dim := range dims {
		c := &dim.Collector
		v := values[i]
		if !math.IsNaN(v) {
			switch dim.Def().Algorithm {
			case registry.AlgorithmPercentageOfAbsoluteRow:
				v = percent(v, absTotal)
			case registry.AlgorithmPercentageOfIncrementalRow:
				v = percent(v, incTotal)
			}
		}

		if c.Updated {
			c.LastCollected = c.Collected
			c.LastCollectedUT = collectedUT
			c.Collections++
		}
		c.Calculated = v
		c.LastCalculated = v
		c.Updated = false

		if !store || dim.Obsolete() {
			continue
		}
		f := flags[i]
		if !math.IsNaN(v) {
			f = d.detect(dim, v, f)
		}
		if err := dim.Series().Store(types.Sample{EndTime: endTime, UpdateEvery: ue, Value: v, Flags: f}); err != nil {
			d.anomalies.Warn("sample not stored", "chart", ch.ID(), "dimension", dim.ID(), "error", err)
			continue
		}
		c.LastStored = v
	}

	ch.SetLastCollected(collectedUT)
	ch.SetLastUpdated(endTime * usecPerSec)
	if store {
		ch.SetLastStoredEnd(endTime)
	}
}

func percent(v, total float64) float64 {
	if total == 0 {
		return 0
	}
	return v * 100 / total
}

// detect runs the dimension's anomaly detector unless the peer runs its
// own models.
func (d *Dispatcher) detect(dim *registry.Dimension, v float64, f types.Flags) types.Flags {
	if d.cfg.Capabilities.Has(protocol.CapMLModels) {
		return f
	}
	det := dim.Detector(d.cfg.NewDetector)
	if det == nil {
		return f
	}
	if det.Anomalous(v) {
		return f | types.FlagAnomalous
	}
	return f &^ types.FlagAnomalous
}
