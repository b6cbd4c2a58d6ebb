package engine

import (
	"fmt"
	"time"
)

// backfillJob asks a worker to catch the coarse tiers of a series up.
type backfillJob struct {
	series *Series
	now    int64
}

// BackfillAsync queues a backfill of every coarse tier of s. It returns
// false if the queue is full or the engine is closing; the series will
// still be backfilled before its next live sample.
func (e *Engine) BackfillAsync(s *Series, now time.Time) bool {
	if e.closed.Load() {
		return false
	}

	job := backfillJob{series: s, now: now.Unix()}
	select {
	case e.jobs <- job:
		e.stats.queued.Add(1)
		return true
	default:
		e.stats.dropped.Add(1)
		log.Debug("backfill queue full", "series", s.key)
		return false
	}
}

// Backfill runs a backfill of every coarse tier of s on the caller's
// goroutine. Concurrent calls for the same series share one run, so a
// caller may receive the result of a run started with an earlier now.
func (e *Engine) Backfill(s *Series, now int64) (int, error) {
	v, err, _ := e.group.Do(s.key, func() (interface{}, error) {
		var total int
		for t := 1; t < len(s.tiers); t++ {
			n, err := s.Backfill(t, now)
			total += n
			if err != nil {
				return total, fmt.Errorf("backfill %s tier %d: %w", s.key, t, err)
			}
		}
		return total, nil
	})
	return v.(int), err
}

func (e *Engine) worker() {
	defer e.wg.Done()

	for {
		select {
		case job := <-e.jobs:
			if _, err := e.Backfill(job.series, job.now); err != nil {
				log.Warn("background backfill failed", "series", job.series.key, "error", err)
			}
		case <-e.shutdown:
			e.drain()
			return
		}
	}
}

// drain runs whatever is still queued at shutdown.
func (e *Engine) drain() {
	for {
		select {
		case job := <-e.jobs:
			if _, err := e.Backfill(job.series, job.now); err != nil {
				log.Warn("background backfill failed", "series", job.series.key, "error", err)
			}
		default:
			return
		}
	}
}
