package registry

import (
	"maps"
	"sync"
)

// LabelSource records where a label came from.
type LabelSource int

const (
	LabelSourceAuto   LabelSource = 1
	LabelSourceConfig LabelSource = 2
	LabelSourceStream LabelSource = 16
)

// Label is one label value.
type Label struct {
	Value  string
	Source LabelSource
}

// Labels is a label set built in two steps: Add collects pending labels
// and Commit replaces the visible set with them.
type Labels struct {
	mu        sync.RWMutex
	committed map[string]Label
	pending   map[string]Label
}

// Add stages a label.
func (l *Labels) Add(name, value string, src LabelSource) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending == nil {
		l.pending = make(map[string]Label)
	}
	l.pending[name] = Label{Value: value, Source: src}
}

// Commit makes the staged labels the visible set. Committing with nothing
// staged keeps the current set.
func (l *Labels) Commit() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending == nil {
		return
	}
	l.committed = l.pending
	l.pending = nil
}

// Get returns a committed label.
func (l *Labels) Get(name string) (Label, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	v, ok := l.committed[name]
	return v, ok
}

// All returns a copy of the committed labels.
func (l *Labels) All() map[string]Label {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return maps.Clone(l.committed)
}

// Len returns the number of committed labels.
func (l *Labels) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.committed)
}
