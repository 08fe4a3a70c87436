package redisstream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fxsml/cmdbus/transport"
	"github.com/fxsml/cmdbus/transport/transporttest"
	"github.com/redis/go-redis/v9"
)

func newTestBroker(t *testing.T) (*Broker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	b, err := NewBroker(Config{Client: client, Block: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewBroker failed: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b, mr
}

func TestBroker_Conformance(t *testing.T) {
	transporttest.Run(t, func(t *testing.T) transport.Broker {
		b, _ := newTestBroker(t)
		return b
	})
}

func TestNewBroker_RequiresClient(t *testing.T) {
	t.Parallel()

	if _, err := NewBroker(Config{}); err == nil {
		t.Fatal("Expected error without client")
	}
}

func TestConsumer_GroupCreateIsIdempotent(t *testing.T) {
	t.Parallel()

	b, _ := newTestBroker(t)
	ctx := context.Background()
	for range 2 {
		c, err := b.Consumer(ctx, "orders")
		if err != nil {
			t.Fatalf("Consumer failed: %v", err)
		}
		_ = c.Close()
	}
}

func TestDelivery_AckRemovesPending(t *testing.T) {
	t.Parallel()

	b, _ := newTestBroker(t)
	ctx := context.Background()
	c, err := b.Consumer(ctx, "orders")
	if err != nil {
		t.Fatalf("Consumer failed: %v", err)
	}
	defer c.Close()
	p, _ := b.Producer(ctx, "orders")

	if err := p.Send(ctx, &transport.Message{ID: "m-1", Body: []byte("x")}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	d, err := c.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}

	client := b.config.Client
	pending, err := client.XPending(ctx, "orders", b.config.Group).Result()
	if err != nil {
		t.Fatalf("XPending failed: %v", err)
	}
	if pending.Count != 1 {
		t.Errorf("Expected 1 pending entry before ack, got %d", pending.Count)
	}

	if err := d.Ack(); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
	pending, err = client.XPending(ctx, "orders", b.config.Group).Result()
	if err != nil {
		t.Fatalf("XPending failed: %v", err)
	}
	if pending.Count != 0 {
		t.Errorf("Expected no pending entries after ack, got %d", pending.Count)
	}
}

func TestConsumer_CloseUnblocksReceive(t *testing.T) {
	t.Parallel()

	b, _ := newTestBroker(t)
	c, err := b.Consumer(context.Background(), "idle")
	if err != nil {
		t.Fatalf("Consumer failed: %v", err)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := c.Receive(context.Background())
		errc <- err
	}()

	time.Sleep(50 * time.Millisecond)
	_ = c.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, transport.ErrClosed) {
			t.Errorf("Expected ErrClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Receive did not return after Close")
	}
}

func TestProducer_MaxLen(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	b, _ := NewBroker(Config{Client: client, MaxLen: 2})

	ctx := context.Background()
	p, _ := b.Producer(ctx, "capped")
	for _, id := range []string{"a", "b", "c", "d"} {
		if err := p.Send(ctx, &transport.Message{ID: id}); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}
	n, err := client.XLen(ctx, "capped").Result()
	if err != nil {
		t.Fatalf("XLen failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected stream trimmed to 2 entries, got %d", n)
	}
}

func TestMapError(t *testing.T) {
	t.Parallel()

	if got := mapError(redis.ErrClosed); !errors.Is(got, transport.ErrInvalidState) {
		t.Errorf("mapError(ErrClosed) = %v, want ErrInvalidState", got)
	}
	plain := errors.New("boom")
	if got := mapError(plain); got != plain {
		t.Errorf("mapError(%v) = %v, want passthrough", plain, got)
	}
}
