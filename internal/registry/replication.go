package registry

import "sync"

// ReplicationPhase is where a chart is in its catch-up with a child.
type ReplicationPhase uint8

const (
	ReplicationNone ReplicationPhase = iota
	ReplicationInProgress
	ReplicationFinished
)

func (p ReplicationPhase) String() string {
	switch p {
	case ReplicationInProgress:
		return "in_progress"
	case ReplicationFinished:
		return "finished"
	default:
		return "none"
	}
}

// ReplicationStatus is a snapshot of a chart's replication state.
type ReplicationStatus struct {
	Phase      ReplicationPhase
	Suspicious int     // consecutive rounds without progress
	Percent    float64 // completion estimate
	Rounds     int     // requests sent since the phase started

	// First request window, used for the completion estimate.
	StartAfter int64

	// Last request sent.
	After          int64
	Before         int64
	StartStreaming bool

	// Child retention as last reported.
	ChildFirst int64
	ChildLast  int64

	// Open replay batch.
	Replaying   bool
	ReplayStart int64
	ReplayEnd   int64
	ReplayWall  int64
	Discarding  bool
}

// ReplicationState holds a chart's replication status. The controller
// locks it around each state transition.
type ReplicationState struct {
	mu     sync.Mutex
	status ReplicationStatus
}

// Update runs fn with the state locked.
func (s *ReplicationState) Update(fn func(st *ReplicationStatus)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.status)
}

// Status returns a snapshot.
func (s *ReplicationState) Status() ReplicationStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Reset returns the state to ReplicationNone. Called when the connection
// feeding the chart goes away.
func (s *ReplicationState) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = ReplicationStatus{}
}
