// Package ml scores collected values for anomalies.
//
// The collection path only consumes a yes/no verdict per sample. The
// detector here is a rolling z-score over a fixed window of recent
// values; anything richer can be plugged in through Detector.
package ml

import (
	"math"
	"sync"

	"github.com/xtxerr/streamd/config"
)

// Detector learns from and scores the values of one dimension.
type Detector interface {
	// Anomalous records v and reports whether it is anomalous against
	// the values seen before it.
	Anomalous(v float64) bool
}

// Config configures z-score detectors.
type Config struct {
	Window     int
	MinSamples int
	Threshold  float64
}

// DefaultConfig returns the default detector settings.
func DefaultConfig() Config {
	return Config{
		Window:     config.DefaultMLWindow,
		MinSamples: config.DefaultMLMinSamples,
		Threshold:  config.DefaultMLThreshold,
	}
}

// Factory returns a function creating one detector per dimension.
func (c Config) Factory() func() Detector {
	return func() Detector { return NewZScore(c) }
}

// ZScore flags values further than Threshold standard deviations from the
// mean of the window.
//
// ZScore is safe for concurrent use.
type ZScore struct {
	cfg Config

	mu    sync.Mutex
	ring  []float64
	next  int
	n     int
	sum   float64
	sumSq float64
}

// NewZScore creates a detector.
func NewZScore(cfg Config) *ZScore {
	if cfg.Window <= 0 {
		cfg.Window = config.DefaultMLWindow
	}
	if cfg.MinSamples <= 1 {
		cfg.MinSamples = 2
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = config.DefaultMLThreshold
	}
	return &ZScore{cfg: cfg, ring: make([]float64, cfg.Window)}
}

// Anomalous implements Detector. NaN and infinite values are neither
// scored nor learned.
func (z *ZScore) Anomalous(v float64) bool {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return false
	}

	z.mu.Lock()
	defer z.mu.Unlock()

	anomalous := false
	if z.n >= z.cfg.MinSamples {
		mean := z.sum / float64(z.n)
		variance := z.sumSq/float64(z.n) - mean*mean
		if variance > 0 {
			anomalous = math.Abs(v-mean)/math.Sqrt(variance) > z.cfg.Threshold
		} else {
			anomalous = v != mean
		}
	}

	if z.n == len(z.ring) {
		old := z.ring[z.next]
		z.sum -= old
		z.sumSq -= old * old
	} else {
		z.n++
	}
	z.ring[z.next] = v
	z.sum += v
	z.sumSq += v * v
	z.next = (z.next + 1) % len(z.ring)

	return anomalous
}

// Samples returns how many values the window holds.
func (z *ZScore) Samples() int {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.n
}
