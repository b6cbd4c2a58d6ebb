package types

import "fmt"

// Flags are per-point storage flags.
type Flags uint8

const (
	// FlagAnomalous marks a value the anomaly detector flagged.
	FlagAnomalous Flags = 1 << iota

	// FlagReset marks a counter reset or overflow.
	FlagReset

	// FlagEmpty marks an empty slot (gap).
	FlagEmpty
)

// Has returns true if all bits of f2 are set in f.
func (f Flags) Has(f2 Flags) bool {
	return f&f2 == f2
}

// String returns the protocol rendering of the flags ("E", "A", "R" or "").
func (f Flags) String() string {
	var b []byte
	if f.Has(FlagEmpty) {
		b = append(b, 'E')
	}
	if f.Has(FlagAnomalous) {
		b = append(b, 'A')
	}
	if f.Has(FlagReset) {
		b = append(b, 'R')
	}
	return string(b)
}

// StoragePoint is one point of any tier.
//
// Tier 0 points hold a single sample (Count 1). Higher tier points are the
// aggregate of every finer point whose interval fell in the window
// [StartTime, EndTime). A point with Count == 0 denotes a gap.
type StoragePoint struct {
	StartTime    int64 // Unix seconds (window start)
	EndTime      int64 // Unix seconds (window end)
	Sum          float64
	Min          float64
	Max          float64
	Count        uint32
	AnomalyCount uint32
	Flags        Flags

	// Percentiles (optional, nil if not enabled)
	P50 *float64
	P95 *float64
	P99 *float64
}

// IsGap returns true if no samples were aggregated.
func (p *StoragePoint) IsGap() bool {
	return p.Count == 0
}

// Average returns Sum / Count, or 0 for a gap.
func (p *StoragePoint) Average() float64 {
	if p.Count == 0 {
		return 0
	}
	return p.Sum / float64(p.Count)
}

// Duration returns the window length in seconds.
func (p *StoragePoint) Duration() int64 {
	return p.EndTime - p.StartTime
}

// HasPercentiles returns true if percentile data is available.
func (p *StoragePoint) HasPercentiles() bool {
	return p.P50 != nil
}

// SetPercentiles sets all percentile values.
func (p *StoragePoint) SetPercentiles(p50, p95, p99 float64) {
	p.P50 = &p50
	p.P95 = &p95
	p.P99 = &p99
}

func (p StoragePoint) String() string {
	return fmt.Sprintf("[%d,%d) count=%d sum=%g min=%g max=%g anomalies=%d flags=%q",
		p.StartTime, p.EndTime, p.Count, p.Sum, p.Min, p.Max, p.AnomalyCount, p.Flags.String())
}
