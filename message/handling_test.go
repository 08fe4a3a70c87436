package message_test

import (
	"context"
	"sync"
	"testing"

	"github.com/fxsml/cmdbus/message"
)

func TestHandlingFromContext(t *testing.T) {
	t.Parallel()

	if message.HandlingFromContext(context.Background()) != nil {
		t.Error("Expected no handling context")
	}

	cmd := message.NewEnvelope("create-order", nil, "", "")
	h := message.NewHandling(cmd)
	ctx := message.WithHandling(context.Background(), h)

	got := message.HandlingFromContext(ctx)
	if got != h {
		t.Fatal("Expected handling context to be returned")
	}
	if got.Command() != cmd {
		t.Error("Expected handled command")
	}
}

func TestHandling_AddDrain(t *testing.T) {
	t.Parallel()

	h := message.NewHandling(nil)

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Add(message.NewEnvelope("x", nil, "", ""))
		}()
	}
	wg.Wait()

	if got := len(h.Drain()); got != 50 {
		t.Errorf("Expected 50 deferred envelopes, got %d", got)
	}
	if got := len(h.Drain()); got != 0 {
		t.Errorf("Expected drain to clear, got %d", got)
	}
}

func TestHandling_DrainKeepsOrder(t *testing.T) {
	t.Parallel()

	h := message.NewHandling(nil)
	a := message.NewEnvelope("a", nil, "", "")
	b := message.NewEnvelope("b", nil, "", "")
	h.Add(a)
	h.Add(b)

	envs := h.Drain()
	if len(envs) != 2 || envs[0] != a || envs[1] != b {
		t.Errorf("unexpected drain order %v", envs)
	}
}
