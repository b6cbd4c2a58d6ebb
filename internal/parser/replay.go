package parser

import (
	"math"

	"github.com/xtxerr/streamd/internal/errors"
	"github.com/xtxerr/streamd/internal/protocol"
	"github.com/xtxerr/streamd/internal/replication"
)

// A replay batch for one chart looks like
//
//	RBEGIN [SLOT] 'type.id'
//	RBEGIN '' start end wall
//	RSET [SLOT] 'dim' value flags
//	...
//	RDSTATE [SLOT] 'dim' last_collected_ut last_collected last_calculated last_stored
//	RSSTATE last_collected_ut last_updated_ut
//	REND update_every first last start_streaming first_requested last_requested wall
//
// The first RBEGIN opens the batch; each following RBEGIN with an empty
// chart id starts the next point of the same chart.

// replayBegin handles
//
//	RBEGIN [SLOT] chart [start end [wall]]
func (d *Dispatcher) replayBegin(args []string) error {
	slot, args, err := protocol.TakeSlot(args)
	if err != nil {
		return errors.NewProtocol("RBEGIN", err, "")
	}
	if len(args) < 1 {
		return errors.NewProtocol("RBEGIN", errors.ErrMissingParam, "chart id")
	}

	id := args[0]
	switch {
	case id == "":
		if d.cycle.kind != cycleReplay {
			return errors.NewProtocol("RBEGIN", errors.ErrNoChartScope, "no replay batch open")
		}
	case d.cycle.kind == cycleReplay:
		if d.cycle.chart.ID() != id {
			return errors.NewProtocol("RBEGIN", errors.ErrNestedCycle, d.cycle.chart.ID())
		}
	case d.cycle.kind != cycleNone:
		return errors.NewProtocol("RBEGIN", errors.ErrNestedCycle, d.cycle.chart.ID())
	default:
		ch, err := d.resolveChart(slot, id, false)
		if err != nil {
			return err
		}
		if !ch.Enter() {
			return errors.NewProtocol("RBEGIN", errors.ErrChartBusy, id)
		}
		d.openCycle(cycleReplay, ch)
	}

	var start, end, wall int64
	if len(args) >= 3 {
		nums, err := parseInts("RBEGIN", args[1:], 2)
		if err != nil {
			return err
		}
		start, end = nums[0], nums[1]
		wall = d.cfg.Now().Unix()
		if s := arg(args, 3); s != "" {
			if wall, err = protocol.ParseInt64(s); err != nil {
				return errors.NewProtocol("RBEGIN", errors.ErrInvalidNumber, s)
			}
		}
	}

	if d.cfg.Replication == nil {
		return nil
	}
	return d.cfg.Replication.ReplayBegin(d.cycle.chart, start, end, wall)
}

// replaySet handles
//
//	RSET [SLOT] dim value [flags]
func (d *Dispatcher) replaySet(args []string) error {
	slot, args, err := protocol.TakeSlot(args)
	if err != nil {
		return errors.NewProtocol("RSET", err, "")
	}
	if err := d.requireCycle("RSET", cycleReplay); err != nil {
		return err
	}
	if len(args) < 2 {
		return errors.NewProtocol("RSET", errors.ErrMissingParam, "want dimension and value")
	}

	value := math.NaN()
	if args[1] != "" {
		if value, err = protocol.ParseFloat(args[1]); err != nil {
			return errors.NewProtocol("RSET", errors.ErrInvalidNumber, args[1])
		}
	}
	flags := protocol.ParseFlags(arg(args, 2))

	dim, err := d.resolveDimension(d.cycle.chart, slot, args[0], false)
	if err != nil {
		return err
	}
	if d.cfg.Replication == nil {
		return nil
	}
	return d.cfg.Replication.ReplaySet(d.cycle.chart, dim, value, flags)
}

// replayDimState handles
//
//	RDSTATE [SLOT] dim last_collected_ut last_collected last_calculated last_stored
func (d *Dispatcher) replayDimState(args []string) error {
	slot, args, err := protocol.TakeSlot(args)
	if err != nil {
		return errors.NewProtocol("RDSTATE", err, "")
	}
	if err := d.requireCycle("RDSTATE", cycleReplay); err != nil {
		return err
	}
	if len(args) < 5 {
		return errors.NewProtocol("RDSTATE", errors.ErrMissingParam, "want dimension and four values")
	}

	nums, err := parseInts("RDSTATE", args[1:], 2)
	if err != nil {
		return err
	}
	var floats [2]float64
	for i, s := range args[3:5] {
		if floats[i], err = protocol.ParseFloat(s); err != nil {
			return errors.NewProtocol("RDSTATE", errors.ErrInvalidNumber, s)
		}
	}

	dim, err := d.resolveDimension(d.cycle.chart, slot, args[0], false)
	if err != nil {
		return err
	}
	if d.cfg.Replication == nil {
		return nil
	}
	return d.cfg.Replication.ReplayDimState(d.cycle.chart, dim, replication.DimState{
		LastCollectedUT: nums[0],
		LastCollected:   nums[1],
		LastCalculated:  floats[0],
		LastStored:      floats[1],
	})
}

// replayChartState handles
//
//	RSSTATE last_collected_ut last_updated_ut
func (d *Dispatcher) replayChartState(args []string) error {
	if err := d.requireCycle("RSSTATE", cycleReplay); err != nil {
		return err
	}
	nums, err := parseInts("RSSTATE", args, 2)
	if err != nil {
		return err
	}
	if d.cfg.Replication == nil {
		return nil
	}
	return d.cfg.Replication.ReplayChartState(d.cycle.chart, nums[0], nums[1])
}

// replayEnd closes the batch:
//
//	REND update_every first last start_streaming first_requested last_requested [wall]
func (d *Dispatcher) replayEnd(args []string) error {
	if err := d.requireCycle("REND", cycleReplay); err != nil {
		return err
	}
	ch := d.cycle.chart
	defer d.closeCycle()

	if len(args) < 6 {
		return errors.NewProtocol("REND", errors.ErrMissingParam, "want six values")
	}
	head, err := parseInts("REND", args, 3)
	if err != nil {
		return err
	}
	requested, err := parseInts("REND", args[4:], 2)
	if err != nil {
		return err
	}
	wall := d.cfg.Now().Unix()
	if s := arg(args, 6); s != "" {
		if wall, err = protocol.ParseInt64(s); err != nil {
			return errors.NewProtocol("REND", errors.ErrInvalidNumber, s)
		}
	}

	if d.cfg.Replication == nil {
		return nil
	}
	return d.cfg.Replication.ReplayEnd(ch, replication.End{
		UpdateEvery:    head[0],
		ChildFirst:     head[1],
		ChildLast:      head[2],
		StartStreaming: args[3] == "true",
		FirstRequested: requested[0],
		LastRequested:  requested[1],
		ChildWall:      wall,
	})
}
