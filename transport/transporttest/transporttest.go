// Package transporttest provides a conformance suite for transport.Broker
// implementations.
package transporttest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/fxsml/cmdbus/transport"
)

// NewBroker returns a fresh broker for one subtest. Queue names passed to
// the broker are unique per subtest.
type NewBroker func(t *testing.T) transport.Broker

// Run exercises the behavior every broker must provide: point-to-point
// delivery with metadata, acknowledgment, FIFO order on one queue and
// ErrClosed after Close.
func Run(t *testing.T, newBroker NewBroker) {
	t.Run("RoundTrip", func(t *testing.T) {
		testRoundTrip(t, newBroker(t))
	})
	t.Run("Order", func(t *testing.T) {
		testOrder(t, newBroker(t))
	})
	t.Run("QueueIsolation", func(t *testing.T) {
		testQueueIsolation(t, newBroker(t))
	})
	t.Run("ReceiveHonorsContext", func(t *testing.T) {
		testReceiveHonorsContext(t, newBroker(t))
	})
	t.Run("ClosedConsumer", func(t *testing.T) {
		testClosedConsumer(t, newBroker(t))
	})
}

// QueueName returns a queue name unique to t.
func QueueName(t *testing.T, suffix string) string {
	t.Helper()
	return fmt.Sprintf("cmdbus-test-%d-%s", time.Now().UnixNano(), suffix)
}

func timeout(t *testing.T) (context.Context, context.CancelFunc) {
	t.Helper()
	return context.WithTimeout(context.Background(), 10*time.Second)
}

func pair(t *testing.T, b transport.Broker, queue string) (transport.Producer, transport.Consumer) {
	t.Helper()
	ctx, cancel := timeout(t)
	defer cancel()

	// Consumer first: some brokers only retain messages for existing groups.
	c, err := b.Consumer(ctx, queue)
	if err != nil {
		t.Fatalf("Consumer(%s) failed: %v", queue, err)
	}
	p, err := b.Producer(ctx, queue)
	if err != nil {
		t.Fatalf("Producer(%s) failed: %v", queue, err)
	}
	t.Cleanup(func() {
		_ = p.Close()
		_ = c.Close()
	})
	return p, c
}

func testRoundTrip(t *testing.T, b transport.Broker) {
	ctx, cancel := timeout(t)
	defer cancel()
	p, c := pair(t, b, QueueName(t, "rt"))

	in := &transport.Message{ID: "m-1", Key: "customer-A", ContentType: "application/json", Body: []byte(`{"n":1}`)}
	if err := p.Send(ctx, in); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	d, err := c.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if d.ID != in.ID {
		t.Errorf("Expected id %q, got %q", in.ID, d.ID)
	}
	if d.Key != in.Key {
		t.Errorf("Expected key %q, got %q", in.Key, d.Key)
	}
	if d.ContentType != in.ContentType {
		t.Errorf("Expected content type %q, got %q", in.ContentType, d.ContentType)
	}
	if string(d.Body) != string(in.Body) {
		t.Errorf("Expected body %s, got %s", in.Body, d.Body)
	}
	if err := d.Ack(); err != nil {
		t.Errorf("Ack failed: %v", err)
	}
	if err := d.Ack(); err != nil {
		t.Errorf("second Ack returned %v", err)
	}
}

func testOrder(t *testing.T, b transport.Broker) {
	ctx, cancel := timeout(t)
	defer cancel()
	p, c := pair(t, b, QueueName(t, "order"))

	const n = 5
	for i := range n {
		msg := &transport.Message{ID: fmt.Sprintf("m-%d", i), Key: "k", Body: []byte{byte(i)}}
		if err := p.Send(ctx, msg); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
	}
	for i := range n {
		d, err := c.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive %d failed: %v", i, err)
		}
		if want := fmt.Sprintf("m-%d", i); d.ID != want {
			t.Errorf("Expected %s at position %d, got %s", want, i, d.ID)
		}
		_ = d.Ack()
	}
}

func testQueueIsolation(t *testing.T, b transport.Broker) {
	ctx, cancel := timeout(t)
	defer cancel()
	pa, ca := pair(t, b, QueueName(t, "a"))
	_, cb := pair(t, b, QueueName(t, "b"))

	if err := pa.Send(ctx, &transport.Message{ID: "only-a", Body: []byte("x")}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	d, err := ca.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	_ = d.Ack()

	short, cancelShort := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancelShort()
	if d, err := cb.Receive(short); err == nil {
		_ = d.Ack()
		t.Fatalf("queue b received %s sent to queue a", d.ID)
	}
}

func testReceiveHonorsContext(t *testing.T, b transport.Broker) {
	_, c := pair(t, b, QueueName(t, "ctx"))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := c.Receive(ctx)
	if err == nil {
		t.Fatal("Expected error from Receive on empty queue")
	}
	if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Receive returned after %v, long past the deadline", elapsed)
	}
}

func testClosedConsumer(t *testing.T, b transport.Broker) {
	_, c := pair(t, b, QueueName(t, "closed"))
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	ctx, cancel := timeout(t)
	defer cancel()
	if _, err := c.Receive(ctx); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Expected ErrClosed after Close, got %v", err)
	}
}
