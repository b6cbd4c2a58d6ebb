package stream

import (
	"fmt"
	"slices"
	"time"

	"github.com/xtxerr/streamd/internal/errors"
	"github.com/xtxerr/streamd/internal/protocol"
	"github.com/xtxerr/streamd/internal/registry"
	"github.com/xtxerr/streamd/internal/storage/types"
)

// ReplayRequest is a parsed REPLAY_CHART line.
type ReplayRequest struct {
	Chart          string
	StartStreaming bool
	After          int64
	Before         int64
}

// ParseReplayRequest parses the arguments of
//
//	REPLAY_CHART 'chart' 'start_streaming' after before
func ParseReplayRequest(args []string) (ReplayRequest, error) {
	if len(args) < 4 {
		return ReplayRequest{}, errors.NewProtocol("REPLAY_CHART", errors.ErrMissingParam, "want chart, start streaming, after and before")
	}
	after, err := protocol.ParseInt64(args[2])
	if err != nil {
		return ReplayRequest{}, errors.NewProtocol("REPLAY_CHART", errors.ErrInvalidNumber, args[2])
	}
	before, err := protocol.ParseInt64(args[3])
	if err != nil {
		return ReplayRequest{}, errors.NewProtocol("REPLAY_CHART", errors.ErrInvalidNumber, args[3])
	}
	return ReplayRequest{
		Chart:          args[0],
		StartStreaming: args[1] == "true",
		After:          after,
		Before:         before,
	}, nil
}

// stateAttempts bounds how long an answer waits for a chart being
// collected before it goes out without collector state.
const (
	stateAttempts = 10
	stateBackoff  = 5 * time.Millisecond
)

// AppendReplay writes the replay batch answering req from the tier 0
// points of host:
//
//	RBEGIN [SLOT] 'chart'
//	RBEGIN '' start end wall       per point
//	RSET [SLOT] 'dim' value flags  per dimension
//	RDSTATE ...                    per dimension
//	RSSTATE last_collected_ut last_updated_ut
//	REND update_every first last start_streaming after before wall
//
// A chart the host does not know is answered with an empty batch and
// no retention, which ends replication of it upstream.
func AppendReplay(b *protocol.Buffer, host *registry.Host, req ReplayRequest, now int64) error {
	ch, err := host.ChartAny(req.Chart)
	if err != nil {
		req.StartStreaming = true
		b.Keyword(protocol.KeywordReplayBegin).Quoted(req.Chart).End()
		appendReplayEnd(b, 0, 0, 0, req, now)
		return fmt.Errorf("replay %s: %w", req.Chart, err)
	}

	b.Keyword(protocol.KeywordReplayBegin).Slot(int(ch.Handle())).Quoted(ch.ID()).End()

	dims := ch.Dimensions()
	points := make([][]types.StoragePoint, len(dims))
	var ends []int64
	for i, dim := range dims {
		pts, err := dim.Series().Points(0, req.After, req.Before)
		if err != nil {
			return err
		}
		points[i] = pts
		for _, p := range pts {
			ends = append(ends, p.EndTime)
		}
	}
	slices.Sort(ends)
	ends = slices.Compact(ends)

	ue := ch.UpdateEvery()
	next := make([]int, len(dims))
	for _, end := range ends {
		b.Keyword(protocol.KeywordReplayBegin).Quoted("").Int(end - ue).Int(end).Int(now).End()
		for i, dim := range dims {
			pts := points[i]
			for next[i] < len(pts) && pts[next[i]].EndTime < end {
				next[i]++
			}
			b.Keyword(protocol.KeywordReplaySet).Slot(int(dim.Handle())).Quoted(dim.ID())
			if next[i] < len(pts) && pts[next[i]].EndTime == end && !pts[next[i]].IsGap() {
				p := &pts[next[i]]
				b.Float(p.Average()).Flags(p.Flags).End()
				continue
			}
			b.Quoted("").Flags(types.FlagEmpty).End()
		}
	}

	if enterWithin(ch, stateAttempts) {
		for _, dim := range dims {
			c := dim.Collector
			b.Keyword(protocol.KeywordReplayDimState).Slot(int(dim.Handle())).Quoted(dim.ID()).
				Int(c.LastCollectedUT).Int(c.LastCollected).
				Float(c.LastCalculated).Float(c.LastStored).
				End()
		}
		b.Keyword(protocol.KeywordReplayChartState).Int(ch.LastCollected()).Int(ch.LastUpdated()).End()
		ch.Leave()
	}

	first, last := ch.Retention()
	appendReplayEnd(b, ue, first, last, req, now)
	return nil
}

func appendReplayEnd(b *protocol.Buffer, ue, first, last int64, req ReplayRequest, now int64) {
	start := "false"
	if req.StartStreaming {
		start = "true"
	}
	b.Keyword(protocol.KeywordReplayEnd).Int(ue).Int(first).Int(last).Word(start).
		Int(req.After).Int(req.Before).Int(now).End()
}

// enterWithin takes the chart's collection scope, retrying while a
// collector holds it.
func enterWithin(ch *registry.Chart, attempts int) bool {
	for i := 0; i < attempts; i++ {
		if ch.Enter() {
			return true
		}
		time.Sleep(stateBackoff)
	}
	return false
}
