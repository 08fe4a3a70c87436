package outbox_test

import (
	"context"
	"sync"
	"testing"

	"github.com/fxsml/cmdbus"
	"github.com/fxsml/cmdbus/message"
	"github.com/fxsml/cmdbus/outbox"
)

var (
	_ cmdbus.Outbox         = (*outbox.Store)(nil)
	_ cmdbus.OutboxAppender = (*outbox.Store)(nil)
)

func TestStore_AppendListRemove(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := outbox.NewStore()

	a := message.NewEnvelope("a", []byte(`1`), "replies", "k")
	b := message.NewEnvelope("b", []byte(`2`), "replies", "")
	if err := s.Append(ctx, a, b); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	got, err := s.ListUnsent(ctx)
	if err != nil {
		t.Fatalf("ListUnsent failed: %v", err)
	}
	if len(got) != 2 || got[0].ID != a.ID || got[1].ID != b.ID {
		t.Fatalf("Expected [a b] in order, got %v", got)
	}
	if got[0].Key != "k" || got[0].ReplyTo != "replies" {
		t.Errorf("metadata lost: %+v", got[0])
	}

	if err := s.RemoveSent(ctx, a.ID); err != nil {
		t.Fatalf("RemoveSent failed: %v", err)
	}
	if err := s.RemoveSent(ctx, a.ID); err != nil {
		t.Errorf("removing twice must not fail: %v", err)
	}
	if s.Len() != 1 {
		t.Errorf("Expected 1 entry, got %d", s.Len())
	}
}

func TestStore_AppendIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := outbox.NewStore()
	env := message.NewEnvelope("a", nil, "", "")

	_ = s.Append(ctx, env)
	_ = s.Append(ctx, env)

	if s.Len() != 1 {
		t.Errorf("Expected 1 entry, got %d", s.Len())
	}
}

func TestStore_ListReturnsCopies(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := outbox.NewStore()
	_ = s.Append(ctx, message.NewEnvelope("a", []byte("x"), "", ""))

	got, _ := s.ListUnsent(ctx)
	got[0].Payload[0] = 'y'

	again, _ := s.ListUnsent(ctx)
	if string(again[0].Payload) != "x" {
		t.Errorf("store shares payload memory with callers: %q", again[0].Payload)
	}
}

func TestStore_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := outbox.NewStore()

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env := message.NewEnvelope("x", nil, "", "")
			_ = s.Append(ctx, env)
			_, _ = s.ListUnsent(ctx)
			_ = s.RemoveSent(ctx, env.ID)
		}()
	}
	wg.Wait()

	if s.Len() != 0 {
		t.Errorf("Expected empty store, got %d", s.Len())
	}
}
