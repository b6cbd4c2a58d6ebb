// Package tierstore implements the append-only point store behind one tier
// of one dimension.
//
// Points are kept in a B-tree ordered by end time. Appends must move
// forward in time: a point whose end time is not strictly after the latest
// stored point is rejected with ErrOutOfOrder, so nothing is ever stored
// or served out of order.
package tierstore

import (
	"fmt"
	"sync"

	"github.com/google/btree"
	"github.com/xtxerr/streamd/internal/errors"
	"github.com/xtxerr/streamd/internal/storage/types"
)

const btreeDegree = 32

// item adapts a storage point to the B-tree.
type item struct {
	p types.StoragePoint
}

func (a item) Less(than btree.Item) bool {
	return a.p.EndTime < than.(item).p.EndTime
}

// pivot builds a search key for an end time.
func pivot(end int64) item {
	return item{p: types.StoragePoint{EndTime: end}}
}

// Sink receives every point accepted by a store, e.g. a WAL.
type Sink interface {
	Append(p types.StoragePoint) error
}

// Store is the append-only point store of one tier.
//
// Store is safe for concurrent use: readers (queries, replication retention
// checks) may run while the single writer appends.
type Store struct {
	mu   sync.RWMutex
	tree *btree.BTree

	// MaxPoints bounds the store; the oldest points are evicted first.
	// Zero means unbounded.
	maxPoints int

	sink Sink

	// Statistics
	stats Stats
}

// Stats holds store statistics.
type Stats struct {
	Appended   int64
	Rejected   int64
	Evicted    int64
	SinkErrors int64
}

// New creates an empty store.
func New(maxPoints int, sink Sink) *Store {
	return &Store{
		tree:      btree.New(btreeDegree),
		maxPoints: maxPoints,
		sink:      sink,
	}
}

// Append stores a point after the latest one.
func (s *Store) Append(p types.StoragePoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.appendLocked(p); err != nil {
		return err
	}

	if s.sink != nil {
		if err := s.sink.Append(p); err != nil {
			s.stats.SinkErrors++
			return fmt.Errorf("persist point: %w", err)
		}
	}
	return nil
}

// Restore appends a point without forwarding it to the sink.
// It is used when replaying persisted points at startup.
func (s *Store) Restore(p types.StoragePoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(p)
}

func (s *Store) appendLocked(p types.StoragePoint) error {
	if p.EndTime <= p.StartTime {
		s.stats.Rejected++
		return fmt.Errorf("%w: empty window [%d,%d)", errors.ErrOutOfOrder, p.StartTime, p.EndTime)
	}

	if last := s.tree.Max(); last != nil {
		latest := last.(item).p.EndTime
		if p.EndTime <= latest {
			s.stats.Rejected++
			return fmt.Errorf("%w: end %d not after latest %d", errors.ErrOutOfOrder, p.EndTime, latest)
		}
	}

	s.tree.ReplaceOrInsert(item{p: p})
	s.stats.Appended++

	if s.maxPoints > 0 {
		for s.tree.Len() > s.maxPoints {
			s.tree.DeleteMin()
			s.stats.Evicted++
		}
	}
	return nil
}

// LatestTime returns the end time of the newest point, or 0 if empty.
func (s *Store) LatestTime() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if last := s.tree.Max(); last != nil {
		return last.(item).p.EndTime
	}
	return 0
}

// OldestTime returns the start time of the oldest point, or 0 if empty.
func (s *Store) OldestTime() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if first := s.tree.Min(); first != nil {
		return first.(item).p.StartTime
	}
	return 0
}

// Query calls fn for every point with after < EndTime <= before, in
// ascending order, until fn returns false.
func (s *Store) Query(after, before int64, fn func(types.StoragePoint) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	s.tree.AscendRange(pivot(after+1), pivot(before+1), func(i btree.Item) bool {
		return fn(i.(item).p)
	})
}

// Points returns the points with after < EndTime <= before.
func (s *Store) Points(after, before int64) []types.StoragePoint {
	var out []types.StoragePoint
	s.Query(after, before, func(p types.StoragePoint) bool {
		out = append(out, p)
		return true
	})
	return out
}

// At returns the point whose window ends at end.
func (s *Store) At(end int64) (types.StoragePoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if i := s.tree.Get(pivot(end)); i != nil {
		return i.(item).p, true
	}
	return types.StoragePoint{}, false
}

// Len returns the number of stored points.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Len()
}

// Stats returns store statistics.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}
