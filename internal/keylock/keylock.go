// Package keylock serializes work per key without a process-wide lock.
package keylock

import "sync"

// Table hands out one mutex per key and drops it once no goroutine holds or waits for it.
type Table struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu      sync.Mutex
	holders int
}

// New constructs an empty Table.
func New() *Table {
	return &Table{entries: make(map[string]*lockEntry)}
}

// Lock blocks until key is free and returns the matching unlock function.
func (t *Table) Lock(key string) func() {
	t.mu.Lock()
	current, ok := t.entries[key]
	if !ok {
		current = &lockEntry{}
		t.entries[key] = current
	}
	current.holders++
	t.mu.Unlock()

	current.mu.Lock()
	return func() {
		current.mu.Unlock()
		t.mu.Lock()
		current.holders--
		if current.holders == 0 {
			delete(t.entries, key)
		}
		t.mu.Unlock()
	}
}

// Len reports how many keys currently have holders or waiters.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
