package stream

import (
	"sync"
	"sync/atomic"
	"time"
)

// Level represents the current backpressure level of an upstream queue.
type Level int

const (
	// LevelNormal - the upstream keeps up.
	LevelNormal Level = iota

	// LevelWarning - the queue is filling.
	LevelWarning

	// LevelCritical - the upstream is falling behind.
	LevelCritical

	// LevelEmergency - live chunks are dropped until the queue drains.
	LevelEmergency
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	case LevelEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// Thresholds are queue usage ratios at which each level starts.
// Going down a level requires usage to fall Hysteresis below the mark.
type Thresholds struct {
	Warning    float64
	Critical   float64
	Emergency  float64
	Hysteresis float64
	Cooldown   time.Duration
}

// DefaultThresholds returns the thresholds used by senders.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Warning:    0.70,
		Critical:   0.85,
		Emergency:  0.95,
		Hysteresis: 0.05,
	}
}

// Pressure tracks the backpressure level of a queue.
type Pressure struct {
	mu sync.Mutex

	thresholds Thresholds
	queue      *Queue

	level     atomic.Int32
	lastCheck time.Time
	lastLevel Level

	stats PressureStats

	onLevelChange func(old, new Level)
}

// PressureStats holds backpressure statistics.
type PressureStats struct {
	CurrentLevel   Level
	LevelChanges   int64
	WarningCount   int64
	CriticalCount  int64
	EmergencyCount int64
	ChunksDropped  int64
	QueueUsage     float64
}

// NewPressure creates a backpressure tracker for q.
func NewPressure(t Thresholds, q *Queue) *Pressure {
	return &Pressure{
		thresholds: t,
		queue:      q,
	}
}

// SetOnLevelChange sets the callback for level changes.
func (p *Pressure) SetOnLevelChange(fn func(old, new Level)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onLevelChange = fn
}

// Check evaluates the queue usage and updates the level.
func (p *Pressure) Check() Level {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	if p.thresholds.Cooldown > 0 && now.Sub(p.lastCheck) < p.thresholds.Cooldown {
		return Level(p.level.Load())
	}
	p.lastCheck = now

	newLevel := p.determineLevel(p.queue.UsageRatio())
	if newLevel != p.lastLevel {
		p.setLevel(newLevel)
	}
	return newLevel
}

// determineLevel applies the thresholds going up. Going down, a level
// is only left once usage falls Hysteresis below its mark.
func (p *Pressure) determineLevel(usage float64) Level {
	raw := p.levelFor(usage)
	if raw >= p.lastLevel {
		return raw
	}
	if usage >= p.mark(p.lastLevel)-p.thresholds.Hysteresis {
		return p.lastLevel
	}
	return raw
}

func (p *Pressure) levelFor(usage float64) Level {
	t := p.thresholds
	switch {
	case usage >= t.Emergency:
		return LevelEmergency
	case usage >= t.Critical:
		return LevelCritical
	case usage >= t.Warning:
		return LevelWarning
	default:
		return LevelNormal
	}
}

// mark is the usage at which l starts.
func (p *Pressure) mark(l Level) float64 {
	switch l {
	case LevelEmergency:
		return p.thresholds.Emergency
	case LevelCritical:
		return p.thresholds.Critical
	case LevelWarning:
		return p.thresholds.Warning
	default:
		return 0
	}
}

func (p *Pressure) setLevel(newLevel Level) {
	oldLevel := p.lastLevel
	p.lastLevel = newLevel
	p.level.Store(int32(newLevel))
	p.stats.LevelChanges++

	switch newLevel {
	case LevelWarning:
		p.stats.WarningCount++
	case LevelCritical:
		p.stats.CriticalCount++
	case LevelEmergency:
		p.stats.EmergencyCount++
	}

	if p.onLevelChange != nil {
		p.onLevelChange(oldLevel, newLevel)
	}
}

// CurrentLevel returns the current level.
func (p *Pressure) CurrentLevel() Level {
	return Level(p.level.Load())
}

// ShouldDrop returns true if live chunks should be dropped.
func (p *Pressure) ShouldDrop() bool {
	return p.CurrentLevel() == LevelEmergency
}

// RecordDrop records that a chunk was dropped.
func (p *Pressure) RecordDrop() {
	p.mu.Lock()
	p.stats.ChunksDropped++
	p.mu.Unlock()
}

// Stats returns current statistics.
func (p *Pressure) Stats() PressureStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.stats
	s.CurrentLevel = p.CurrentLevel()
	s.QueueUsage = p.queue.UsageRatio()
	return s
}
