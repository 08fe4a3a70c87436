// Package outbox provides stores for commands that were accepted by the bus
// but not yet confirmed as transmitted.
//
// Every store implements cmdbus.Outbox and cmdbus.OutboxAppender. Store in
// this package keeps entries in memory; the sqlite and postgres subpackages
// persist them so they survive a restart.
package outbox

import (
	"context"
	"sync"

	"github.com/fxsml/cmdbus/message"
)

// Store is an in-memory outbox. Entries are listed in insertion order.
type Store struct {
	mu      sync.Mutex
	order   []string
	entries map[string]*message.Envelope
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{entries: make(map[string]*message.Envelope)}
}

// Append stores envs. Appending an id that is already present is a no-op.
func (s *Store) Append(_ context.Context, envs ...*message.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, env := range envs {
		if _, ok := s.entries[env.ID]; ok {
			continue
		}
		s.entries[env.ID] = env.Clone()
		s.order = append(s.order, env.ID)
	}
	return nil
}

// ListUnsent returns copies of all stored envelopes, oldest first.
func (s *Store) ListUnsent(_ context.Context) ([]*message.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*message.Envelope, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.entries[id].Clone())
	}
	return out, nil
}

// RemoveSent deletes id. Unknown ids are ignored.
func (s *Store) RemoveSent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return nil
	}
	delete(s.entries, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// Len returns the number of stored envelopes.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
