package registry

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/xtxerr/streamd/internal/ml"
	"github.com/xtxerr/streamd/internal/storage/engine"
)

// Algorithm selects how collected values become stored values.
type Algorithm uint8

const (
	AlgorithmAbsolute Algorithm = iota
	AlgorithmIncremental
	AlgorithmPercentageOfAbsoluteRow
	AlgorithmPercentageOfIncrementalRow
)

var algorithmNames = map[Algorithm]string{
	AlgorithmAbsolute:                   "absolute",
	AlgorithmIncremental:                "incremental",
	AlgorithmPercentageOfAbsoluteRow:    "percentage-of-absolute-row",
	AlgorithmPercentageOfIncrementalRow: "percentage-of-incremental-row",
}

// ParseAlgorithm maps a protocol word to an algorithm. Unknown words and
// the empty word mean absolute.
func ParseAlgorithm(s string) Algorithm {
	for a, name := range algorithmNames {
		if s == name {
			return a
		}
	}
	return AlgorithmAbsolute
}

func (a Algorithm) String() string {
	return algorithmNames[a]
}

// Incremental reports whether the algorithm works on deltas.
func (a Algorithm) Incremental() bool {
	return a == AlgorithmIncremental || a == AlgorithmPercentageOfIncrementalRow
}

// DimOptions are the option words of a DIMENSION line.
type DimOptions uint8

const (
	DimObsolete DimOptions = 1 << iota
	DimHidden
	DimNoReset
)

// ParseDimOptions parses a space separated option list.
func ParseDimOptions(s string) DimOptions {
	var o DimOptions
	for _, w := range strings.Fields(s) {
		switch w {
		case "obsolete":
			o |= DimObsolete
		case "hidden":
			o |= DimHidden
		case "noreset", "nooverflow":
			o |= DimNoReset
		}
	}
	return o
}

// Has reports whether every bit of x is set.
func (o DimOptions) Has(x DimOptions) bool { return o&x == x }

// DimensionDef is a dimension definition as carried by a DIMENSION line.
type DimensionDef struct {
	ID         string
	Name       string
	Algorithm  Algorithm
	Multiplier int64
	Divisor    int64
	Options    DimOptions
}

func (d *DimensionDef) normalize() {
	if d.Multiplier == 0 {
		d.Multiplier = 1
	}
	if d.Divisor == 0 {
		d.Divisor = 1
	}
	if d.Name == "" {
		d.Name = d.ID
	}
}

// CollectorState is the per-cycle collection state of a dimension. It is
// only touched by the connection holding the chart's collection scope.
type CollectorState struct {
	Collected       int64   // value received in the open cycle
	Updated         bool    // Collected was set in the open cycle
	LastCollected   int64   // value of the previous completed cycle
	Calculated      float64 // value computed in the open cycle
	LastCalculated  float64
	LastStored      float64
	LastCollectedUT int64 // microseconds
	Collections     uint64
}

// Dimension is one time series of a chart.
type Dimension struct {
	chart  ChartID
	handle DimensionID
	series *engine.Series

	mu       sync.RWMutex
	def      DimensionDef
	detector ml.Detector

	obsolete atomic.Bool

	// Collector is guarded by the chart's collection scope.
	Collector CollectorState
}

func newDimension(c *Chart, def DimensionDef, s *engine.Series) *Dimension {
	return &Dimension{
		chart:  c.handle,
		def:    def,
		series: s,
	}
}

func (d *Dimension) redefine(def DimensionDef) {
	d.mu.Lock()
	d.def = def
	d.mu.Unlock()

	if def.Options.Has(DimObsolete) {
		d.MarkObsolete()
	} else {
		d.Revive()
	}
}

// Handle returns the arena handle of the dimension.
func (d *Dimension) Handle() DimensionID { return d.handle }

// Chart returns the handle of the owning chart.
func (d *Dimension) Chart() ChartID { return d.chart }

// Series returns the storage series of the dimension.
func (d *Dimension) Series() *engine.Series { return d.series }

// ID returns the dimension id.
func (d *Dimension) ID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.def.ID
}

// Def returns a copy of the definition.
func (d *Dimension) Def() DimensionDef {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.def
}

// MarkObsolete flags the dimension obsolete.
func (d *Dimension) MarkObsolete() { d.obsolete.Store(true) }

// Revive clears the obsolete flag.
func (d *Dimension) Revive() { d.obsolete.Store(false) }

// Obsolete reports whether the dimension is obsolete.
func (d *Dimension) Obsolete() bool { return d.obsolete.Load() }

// Detector returns the dimension's anomaly detector, creating it with
// newDetector on first use. It returns nil when newDetector is nil.
func (d *Dimension) Detector(newDetector func() ml.Detector) ml.Detector {
	if newDetector == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.detector == nil {
		d.detector = newDetector()
	}
	return d.detector
}
