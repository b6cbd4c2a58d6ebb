package aggregate

import "github.com/xtxerr/streamd/internal/storage/types"

// FlushFunc receives a completed tier point.
type FlushFunc func(types.StoragePoint) error

// Window drives the virtual point of one tier through its windows.
//
// Points are merged into the current window until the window boundary
// (next point end time) is reached. Reaching it flushes one point, or a
// zero-count gap point if nothing was merged, and advances the boundary.
type Window struct {
	width   int64
	nextEnd int64
	vp      *VirtualPoint
}

// NewWindow creates a window driver for points of the given width.
func NewWindow(width int64, accuracy float64) *Window {
	if width <= 0 {
		width = 1
	}
	return &Window{
		width: width,
		vp:    New(accuracy),
	}
}

// Width returns the window width in seconds.
func (w *Window) Width() int64 {
	return w.width
}

// NextEnd returns the boundary at which the current window flushes.
// Zero means no window is open yet.
func (w *Window) NextEnd() int64 {
	return w.nextEnd
}

// Pending returns true if the current window holds merged samples.
func (w *Window) Pending() bool {
	return !w.vp.IsEmpty()
}

// Merge feeds one finer point (a tier 0 sample or a finer tier point)
// through the window. Gap points close due windows but are not merged.
func (w *Window) Merge(p types.StoragePoint, flush FlushFunc) error {
	if w.nextEnd == 0 {
		w.nextEnd = types.WindowEnd(p.StartTime, w.width)
	}

	// The point starts past the open window: close it first.
	if p.StartTime >= w.nextEnd {
		if err := w.flush(flush); err != nil {
			return err
		}
		w.nextEnd = types.WindowEnd(p.StartTime, w.width)
	}

	w.vp.Add(p)

	// The point completes the open window.
	if p.EndTime >= w.nextEnd {
		if err := w.flush(flush); err != nil {
			return err
		}
		w.nextEnd += w.width
	}

	return nil
}

// SetWidth changes the window width, e.g. after a chart changed its
// update_every. A pending window is flushed at its old boundary first.
func (w *Window) SetWidth(width int64, flush FlushFunc) error {
	if width <= 0 || width == w.width {
		return nil
	}
	if w.Pending() {
		if err := w.flush(flush); err != nil {
			return err
		}
	}
	w.width = width
	w.nextEnd = 0
	return nil
}

func (w *Window) flush(flush FlushFunc) error {
	p := w.vp.Point(w.nextEnd-w.width, w.nextEnd)
	w.vp.Reset()
	return flush(p)
}
