package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/fxsml/cmdbus"
	"github.com/fxsml/cmdbus/message"
	"github.com/fxsml/cmdbus/outbox/postgres"
)

var (
	_ cmdbus.Outbox         = (*postgres.Store)(nil)
	_ cmdbus.OutboxAppender = (*postgres.Store)(nil)
)

// openStore connects to CMDBUS_TEST_POSTGRES_DSN and skips the test when it
// is not set.
func openStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := os.Getenv("CMDBUS_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CMDBUS_TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	s, err := postgres.New(ctx, dsn)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate failed: %v", err)
	}
	return s
}

func TestStore_AppendListRemove(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	a := message.NewEnvelope("create.order", []byte(`{"id":"o-1"}`), "replies", "alice")
	b := message.NewEnvelope("ping", nil, "", "")
	t.Cleanup(func() {
		_ = s.RemoveSent(ctx, a.ID)
		_ = s.RemoveSent(ctx, b.ID)
	})

	if err := s.Append(ctx, a, b); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := s.Append(ctx, a); err != nil {
		t.Fatalf("re-append failed: %v", err)
	}

	got, err := s.ListUnsent(ctx)
	if err != nil {
		t.Fatalf("ListUnsent failed: %v", err)
	}
	found := map[string]*message.Envelope{}
	for _, env := range got {
		found[env.ID] = env
	}
	if env := found[a.ID]; env == nil || env.Key != "alice" || env.ReplyTo != "replies" {
		t.Errorf("Expected %s with metadata, got %+v", a.ID, env)
	}
	if found[b.ID] == nil {
		t.Errorf("Expected %s listed", b.ID)
	}

	if err := s.RemoveSent(ctx, a.ID); err != nil {
		t.Fatalf("RemoveSent failed: %v", err)
	}
	got, _ = s.ListUnsent(ctx)
	for _, env := range got {
		if env.ID == a.ID {
			t.Errorf("%s still listed after removal", a.ID)
		}
	}
}
