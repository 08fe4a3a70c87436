package cmdbus

import (
	"context"
	"sync"

	"github.com/fxsml/cmdbus/message"
)

// pending tracks one command awaiting its reply.
type pending struct {
	env    *message.Envelope
	future *Future
	// cancel fires the linked context; its cause resolves the future.
	cancel context.CancelCauseFunc
	// stop retires the cancellation callback.
	stop func() bool
}

// table maps command ids to pending entries. Every operation is atomic.
type table struct {
	mu      sync.Mutex
	entries map[string]*pending
}

func newTable() *table {
	return &table{entries: make(map[string]*pending)}
}

// insert adds p unless id is already present.
func (t *table) insert(id string, p *pending) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[id]; ok {
		return false
	}
	t.entries[id] = p
	return true
}

// take removes and returns the entry for id, or nil.
func (t *table) take(id string) *pending {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.entries[id]
	if !ok {
		return nil
	}
	delete(t.entries, id)
	return p
}

// remove deletes id only while it still maps to p.
func (t *table) remove(id string, p *pending) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.entries[id]; !ok || cur != p {
		return false
	}
	delete(t.entries, id)
	return true
}

// drain removes and returns every entry.
func (t *table) drain() []*pending {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*pending, 0, len(t.entries))
	for id, p := range t.entries {
		out = append(out, p)
		delete(t.entries, id)
	}
	return out
}

func (t *table) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
