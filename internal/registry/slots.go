package registry

import "sync"

// SlotTable maps connection assigned slots to arena handles. The zero
// handle marks an empty entry. Tables grow on demand and Reset clears
// them without giving the storage back.
type SlotTable[H ~uint32] struct {
	mu      sync.RWMutex
	entries []H
}

// Put stores h at slot.
func (t *SlotTable[H]) Put(slot int, h H) {
	if slot < 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if slot >= len(t.entries) && slot < cap(t.entries) {
		t.entries = t.entries[:slot+1]
	} else if slot >= len(t.entries) {
		n := cap(t.entries)
		if n == 0 {
			n = 16
		}
		for n <= slot {
			n *= 2
		}
		grown := make([]H, slot+1, n)
		copy(grown, t.entries)
		t.entries = grown
	}
	t.entries[slot] = h
}

// Get returns the handle at slot.
func (t *SlotTable[H]) Get(slot int) (H, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if slot < 0 || slot >= len(t.entries) || t.entries[slot] == 0 {
		return 0, false
	}
	return t.entries[slot], true
}

// Reset clears every entry.
func (t *SlotTable[H]) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.entries)
}

// Len returns the table size.
func (t *SlotTable[H]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
