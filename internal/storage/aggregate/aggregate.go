package aggregate

import (
	"math"

	"github.com/DataDog/sketches-go/ddsketch"
	"github.com/xtxerr/streamd/internal/storage/types"
)

// VirtualPoint is the in-flight aggregate of one tier window.
// It supports optional percentile calculation using DDSketch.
//
// A VirtualPoint is not safe for concurrent use. Its owner (the series)
// serializes access behind the chart's data-collection lock.
type VirtualPoint struct {
	// Running statistics
	count     uint32
	anomalies uint32
	sum       float64
	min       float64
	max       float64
	flags     types.Flags

	// DDSketch for percentiles (nil if disabled)
	sketch   *ddsketch.DDSketch
	accuracy float64
}

// New creates an empty VirtualPoint. A positive accuracy enables percentiles.
func New(accuracy float64) *VirtualPoint {
	vp := &VirtualPoint{accuracy: accuracy}
	vp.Reset()
	return vp
}

// Add merges a finer point into the aggregate. Gap points are ignored.
func (v *VirtualPoint) Add(p types.StoragePoint) {
	if p.IsGap() {
		return
	}

	v.count += p.Count
	v.anomalies += p.AnomalyCount
	v.sum += p.Sum
	v.flags |= p.Flags &^ types.FlagEmpty

	if p.Min < v.min {
		v.min = p.Min
	}
	if p.Max > v.max {
		v.max = p.Max
	}

	if v.sketch != nil {
		// Finer tier points carry only their average into the sketch.
		v.sketch.AddWithCount(p.Sum/float64(p.Count), float64(p.Count))
	}
}

// Count returns the number of samples merged so far.
func (v *VirtualPoint) Count() uint32 {
	return v.count
}

// IsEmpty returns true if no samples have been merged.
func (v *VirtualPoint) IsEmpty() bool {
	return v.count == 0
}

// Point returns the aggregate as a storage point covering [start, end).
// An empty aggregate yields a gap point.
func (v *VirtualPoint) Point(start, end int64) types.StoragePoint {
	p := types.StoragePoint{
		StartTime: start,
		EndTime:   end,
	}

	if v.count == 0 {
		p.Flags = types.FlagEmpty
		return p
	}

	p.Count = v.count
	p.AnomalyCount = v.anomalies
	p.Sum = v.sum
	p.Min = v.min
	p.Max = v.max
	p.Flags = v.flags

	if v.sketch != nil && !v.sketch.IsEmpty() {
		p50, _ := v.sketch.GetValueAtQuantile(0.50)
		p95, _ := v.sketch.GetValueAtQuantile(0.95)
		p99, _ := v.sketch.GetValueAtQuantile(0.99)
		p.SetPercentiles(p50, p95, p99)
	}

	return p
}

// Reset clears the aggregate for a new window.
func (v *VirtualPoint) Reset() {
	v.count = 0
	v.anomalies = 0
	v.sum = 0
	v.min = math.MaxFloat64
	v.max = -math.MaxFloat64
	v.flags = 0

	if v.accuracy > 0 {
		// DDSketch has no Clear method
		sketch, err := ddsketch.NewDefaultDDSketch(v.accuracy)
		if err == nil {
			v.sketch = sketch
		}
	}
}
