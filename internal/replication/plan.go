package replication

// Window is a retention range in Unix seconds. Zero values mean no data.
type Window struct {
	First int64
	Last  int64
}

// Empty reports whether the window holds no data.
func (w Window) Empty() bool {
	return w.First == 0 || w.Last == 0 || w.First > w.Last
}

// Request is one REPLAY_CHART request.
type Request struct {
	After          int64
	Before         int64
	StartStreaming bool
}

// Empty reports whether the request asks for no samples.
func (r Request) Empty() bool {
	return r.After == 0 && r.Before == 0
}

// Plan computes the next request for a chart.
//
// localLast is the newest sample stored locally, or the end of the
// previous round when continuing. The child window is clamped to now,
// taken as the later of the local and the child's wall clock. When the
// child has nothing or local data already covers it the request is empty
// and tells the child to start streaming. Otherwise the request starts
// after localLast, never before the child's first entry or more than
// period seconds in the past, and spans at most step seconds.
func Plan(localLast int64, child Window, childWall, now, period, step int64) Request {
	if childWall > now {
		now = childWall
	}
	if child.Last > now {
		child.Last = now
	}
	if child.Empty() || localLast >= child.Last {
		return Request{StartStreaming: true}
	}

	after := max(localLast+1, child.First)
	if period > 0 {
		after = max(after, now-period)
	}
	if after > child.Last {
		return Request{StartStreaming: true}
	}

	before := child.Last
	if step > 0 {
		before = min(after+step, child.Last)
	}
	return Request{
		After:          after,
		Before:         before,
		StartStreaming: before >= child.Last,
	}
}

// Percent estimates how much of [startAfter, childLast] has been replayed
// once the round ending at lastRequested completes.
func Percent(startAfter, lastRequested, childLast int64) float64 {
	if childLast <= startAfter || lastRequested >= childLast {
		return 100
	}
	if lastRequested <= startAfter {
		return 0
	}
	return float64(lastRequested-startAfter) * 100 / float64(childLast-startAfter)
}
