package ingest

import "sync"

// lockTable tracks identifiers with a write in flight. Acquisition never
// blocks: a second writer for the same key is rejected immediately so
// one slow backend call cannot stall the rest of a batch.
type lockTable struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newLockTable() *lockTable {
	return &lockTable{held: make(map[string]struct{})}
}

// tryAcquire claims key, returning false if another writer holds it.
func (t *lockTable) tryAcquire(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.held[key]; ok {
		return false
	}
	t.held[key] = struct{}{}
	return true
}

func (t *lockTable) release(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.held, key)
}
