package parser

import (
	"math"

	"github.com/xtxerr/streamd/internal/errors"
	"github.com/xtxerr/streamd/internal/protocol"
	"github.com/xtxerr/streamd/internal/storage/types"
)

// begin2 opens a v2 cycle:
//
//	BEGIN2 [SLOT] type.id update_every end_time wall_clock
//
// A wall clock of "#" means the end time. An obsolete chart is revived.
func (d *Dispatcher) begin2(args []string) error {
	slot, args, err := protocol.TakeSlot(args)
	if err != nil {
		return errors.NewProtocol("BEGIN2", err, "")
	}
	if len(args) < 4 {
		return errors.NewProtocol("BEGIN2", errors.ErrMissingParam, "want chart, update every, end time and wall clock")
	}
	if d.cycle.kind != cycleNone {
		return errors.NewProtocol("BEGIN2", errors.ErrNestedCycle, d.cycle.chart.ID())
	}

	ue, err := protocol.ParseInt64(args[1])
	if err != nil || ue <= 0 {
		return errors.NewProtocol("BEGIN2", errors.ErrInvalidNumber, args[1])
	}
	end, err := protocol.ParseInt64(args[2])
	if err != nil {
		return errors.NewProtocol("BEGIN2", errors.ErrInvalidNumber, args[2])
	}
	wall := end
	if args[3] != protocol.SameAs {
		if wall, err = protocol.ParseInt64(args[3]); err != nil {
			return errors.NewProtocol("BEGIN2", errors.ErrInvalidNumber, args[3])
		}
	}

	ch, err := d.resolveChart(slot, args[0], false)
	if err != nil {
		return err
	}
	if ch.Obsolete() {
		ch.Revive()
	}
	if !ch.Enter() {
		return errors.NewProtocol("BEGIN2", errors.ErrChartBusy, args[0])
	}
	if ue != ch.UpdateEvery() {
		ch.SetUpdateEvery(ue)
	}
	d.openCycle(cycleV2, ch)
	d.cycle.updateEvery = ue
	d.cycle.endTime = end
	d.cycle.wallClock = wall

	b := d.upstream()
	if b == nil {
		return nil
	}
	if d.upstreamCaps().Has(protocol.CapV2) {
		b.Keyword(protocol.KeywordBegin2).Slot(int(ch.Handle())).Quoted(ch.ID()).Int(ue).Int(end)
		if wall == end {
			b.Word(protocol.SameAs)
		} else {
			b.Int(wall)
		}
		b.End()
		return nil
	}

	d.cycle.relayV1 = true
	b.Keyword(protocol.KeywordBegin).Quoted(ch.ID())
	if last := ch.LastCollected(); last > 0 && end*usecPerSec > last {
		b.Int(end*usecPerSec - last)
	}
	b.End()
	return nil
}

// set2 stores one sample of the open v2 cycle:
//
//	SET2 [SLOT] dim collected_value value flags
//
// A value of "#" means the collected value. NaN or the E flag store a gap.
func (d *Dispatcher) set2(args []string) error {
	slot, args, err := protocol.TakeSlot(args)
	if err != nil {
		return errors.NewProtocol("SET2", err, "")
	}
	if err := d.requireCycle("SET2", cycleV2); err != nil {
		return err
	}
	if len(args) < 3 {
		return errors.NewProtocol("SET2", errors.ErrMissingParam, "want dimension, collected value and value")
	}

	collected, err := protocol.ParseInt64(args[1])
	if err != nil {
		return errors.NewProtocol("SET2", errors.ErrInvalidNumber, args[1])
	}
	var value float64
	if args[2] == protocol.SameAs {
		value = float64(collected)
	} else if value, err = protocol.ParseFloat(args[2]); err != nil {
		return errors.NewProtocol("SET2", errors.ErrInvalidNumber, args[2])
	}
	flags := protocol.ParseFlags(arg(args, 3))

	ch := d.cycle.chart
	dim, err := d.resolveDimension(ch, slot, args[0], false)
	if err != nil {
		return err
	}
	if dim.Obsolete() {
		dim.Revive()
	}

	if math.IsNaN(value) || flags.Has(types.FlagEmpty) {
		value = math.NaN()
		flags = types.FlagEmpty | flags&types.FlagReset
	} else {
		flags = d.detect(dim, value, flags)
	}

	c := &dim.Collector
	c.Collected = collected
	c.Updated = true
	c.Calculated = value
	c.LastCollectedUT = d.cycle.endTime * usecPerSec

	sample := types.Sample{
		EndTime:     d.cycle.endTime,
		UpdateEvery: d.cycle.updateEvery,
		Value:       value,
		Flags:       flags,
	}
	if err := dim.Series().Store(sample); err != nil {
		d.anomalies.Warn("sample not stored", "chart", ch.ID(), "dimension", dim.ID(), "error", err)
	} else {
		c.LastStored = value
	}

	if b := d.upstream(); b != nil {
		if d.cycle.relayV1 {
			b.Keyword(protocol.KeywordSet).Quoted(dim.ID()).Word("=").Int(collected).End()
			return nil
		}
		b.Keyword(protocol.KeywordSet2).Slot(int(dim.Handle())).Quoted(dim.ID())
		if d.cfg.Capabilities.CanCopy(d.upstreamCaps()) {
			b.Word(args[1]).Word(args[2])
		} else {
			b.Int(collected)
			if args[2] == protocol.SameAs {
				b.Word(protocol.SameAs)
			} else {
				b.Float(value)
			}
		}
		b.Flags(flags).End()
	}
	return nil
}

// end2 closes the open v2 cycle.
func (d *Dispatcher) end2() error {
	if err := d.requireCycle("END2", cycleV2); err != nil {
		return err
	}
	ch := d.cycle.chart
	defer d.closeCycle()

	for _, dim := range ch.Dimensions() {
		c := &dim.Collector
		if !c.Updated {
			continue
		}
		c.LastCollected = c.Collected
		c.LastCalculated = c.Calculated
		c.Collections++
		c.Updated = false
	}

	end := d.cycle.endTime
	ch.SetLastCollected(end * usecPerSec)
	ch.SetLastUpdated(end * usecPerSec)
	if end > ch.LastStoredEnd() {
		ch.SetLastStoredEnd(end)
	}

	if b := d.upstream(); b != nil {
		if d.cycle.relayV1 {
			b.Keyword(protocol.KeywordEnd).End()
		} else {
			b.Keyword(protocol.KeywordEnd2).End()
		}
		d.flushRelay()
	}
	return nil
}
