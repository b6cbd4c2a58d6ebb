package types

import "math"

// Sample represents one collected value of a dimension.
//
// A sample covers the interval [EndTime-UpdateEvery, EndTime). A NaN value
// or the FlagEmpty flag marks a gap.
type Sample struct {
	EndTime     int64   // Unix seconds, end of the collection interval
	UpdateEvery int64   // Collection interval in seconds
	Value       float64 // Stored (calculated) value
	Flags       Flags   // Storage flags carried from the collector
}

// StartTime returns the beginning of the interval covered by the sample.
func (s Sample) StartTime() int64 {
	return s.EndTime - s.UpdateEvery
}

// IsGap returns true if the sample carries no value.
func (s Sample) IsGap() bool {
	return math.IsNaN(s.Value) || math.IsInf(s.Value, 0) || s.Flags.Has(FlagEmpty)
}

// Point converts the sample to a tier 0 storage point.
// Gap samples become zero-count points.
func (s Sample) Point() StoragePoint {
	p := StoragePoint{
		StartTime: s.StartTime(),
		EndTime:   s.EndTime,
		Flags:     s.Flags,
	}
	if s.IsGap() {
		p.Flags |= FlagEmpty
		return p
	}
	p.Sum = s.Value
	p.Min = s.Value
	p.Max = s.Value
	p.Count = 1
	if s.Flags.Has(FlagAnomalous) {
		p.AnomalyCount = 1
	}
	return p
}
