package logging

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Limited is a logger that drops lines beyond a token bucket budget.
// Storage and replication anomalies repeat for as long as a bad link
// stays bad, so they are logged through one of these.
//
// The first line logged after a quiet period carries a "suppressed"
// attribute with the number of lines dropped since the previous one.
type Limited struct {
	log        *slog.Logger
	limiter    *rate.Limiter
	suppressed atomic.Int64
}

// NewLimited returns a limited logger allowing burst lines at once and
// one more line per every interval after that.
func NewLimited(log *slog.Logger, every time.Duration, burst int) *Limited {
	if burst <= 0 {
		burst = 1
	}
	return &Limited{
		log:     log,
		limiter: rate.NewLimiter(rate.Every(every), burst),
	}
}

// Warn logs at warning level if the budget allows it.
func (l *Limited) Warn(msg string, args ...any) {
	l.emit(slog.LevelWarn, msg, args)
}

// Error logs at error level if the budget allows it.
func (l *Limited) Error(msg string, args ...any) {
	l.emit(slog.LevelError, msg, args)
}

// Suppressed returns the number of lines dropped since the last emitted one.
func (l *Limited) Suppressed() int64 {
	return l.suppressed.Load()
}

func (l *Limited) emit(level slog.Level, msg string, args []any) {
	if !l.limiter.Allow() {
		l.suppressed.Add(1)
		return
	}
	if n := l.suppressed.Swap(0); n > 0 {
		args = append(args, "suppressed", n)
	}
	l.log.Log(context.Background(), level, msg, args...)
}

// =============================================================================
// Shared limited loggers
// =============================================================================

var (
	limitedMu sync.Mutex
	limited   = make(map[string]*Limited)

	limitEvery = 10 * time.Second
	limitBurst = 5
)

// SetLimits changes the budget used by loggers created after the call.
func SetLimits(every time.Duration, burst int) {
	limitedMu.Lock()
	defer limitedMu.Unlock()
	limitEvery = every
	limitBurst = burst
}

// LimitedComponent returns the shared limited logger of a component.
// All callers asking for the same name share one budget.
func LimitedComponent(name string) *Limited {
	limitedMu.Lock()
	defer limitedMu.Unlock()

	if l, ok := limited[name]; ok {
		return l
	}
	l := NewLimited(Component(name), limitEvery, limitBurst)
	limited[name] = l
	return l
}
