// Package memory provides an in-process transport.Broker.
//
// Destinations are point-to-point queues: every message is delivered to
// exactly one consumer of its queue. Queues are created on first use and are
// unbounded. The broker tracks unacknowledged deliveries per queue, which
// makes it useful for tests that assert acknowledgment discipline.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/fxsml/cmdbus/internal/queue"
	"github.com/fxsml/cmdbus/transport"
)

type topic struct {
	q *queue.Queue[*transport.Message]

	mu      sync.Mutex
	unacked int
	acked   int
}

// Broker is an in-memory transport.Broker.
type Broker struct {
	mu     sync.RWMutex
	queues map[string]*topic
	closed bool
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{queues: make(map[string]*topic)}
}

func (b *Broker) getOrCreate(name string) (*topic, error) {
	b.mu.RLock()
	t, ok := b.queues[name]
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return nil, transport.ErrClosed
	}
	if ok {
		return t, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, transport.ErrClosed
	}
	if t, ok = b.queues[name]; ok {
		return t, nil
	}
	t = &topic{q: queue.New[*transport.Message]()}
	b.queues[name] = t
	return t, nil
}

// Producer implements transport.Broker.
func (b *Broker) Producer(_ context.Context, destination string) (transport.Producer, error) {
	t, err := b.getOrCreate(destination)
	if err != nil {
		return nil, err
	}
	return &producer{topic: t}, nil
}

// Consumer implements transport.Broker.
func (b *Broker) Consumer(_ context.Context, source string) (transport.Consumer, error) {
	t, err := b.getOrCreate(source)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &consumer{topic: t, done: ctx, cancel: cancel}, nil
}

// Publish sends a raw body to destination. Tests use it to inject replies.
func (b *Broker) Publish(ctx context.Context, destination string, msg *transport.Message) error {
	p, err := b.Producer(ctx, destination)
	if err != nil {
		return err
	}
	return p.Send(ctx, msg)
}

// Len returns the number of messages waiting in a queue.
func (b *Broker) Len(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if t, ok := b.queues[name]; ok {
		return t.q.Len()
	}
	return 0
}

// Unacked returns the number of delivered but unacknowledged messages.
func (b *Broker) Unacked(name string) int {
	b.mu.RLock()
	t, ok := b.queues[name]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.unacked
}

// Acked returns the number of acknowledged messages.
func (b *Broker) Acked(name string) int {
	b.mu.RLock()
	t, ok := b.queues[name]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.acked
}

// Close closes every queue. Queued messages can still be received.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, t := range b.queues {
		t.q.Close()
	}
	return nil
}

type producer struct {
	topic *topic

	mu     sync.Mutex
	closed bool
}

func (p *producer) Send(ctx context.Context, msg *transport.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}

	cp := *msg
	cp.Body = append([]byte(nil), msg.Body...)
	if err := p.topic.q.Push(&cp); err != nil {
		return transport.ErrClosed
	}
	return nil
}

func (p *producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

type consumer struct {
	topic  *topic
	done   context.Context
	cancel context.CancelFunc
}

func (c *consumer) Receive(ctx context.Context) (*transport.Delivery, error) {
	if c.done.Err() != nil {
		return nil, transport.ErrClosed
	}

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.done, cancel)
	defer stop()

	msg, err := c.topic.q.Pop(rctx)
	if err != nil {
		switch {
		case c.done.Err() != nil:
			return nil, transport.ErrClosed
		case errors.Is(err, queue.ErrClosed):
			return nil, transport.ErrClosed
		}
		return nil, err
	}

	t := c.topic
	t.mu.Lock()
	t.unacked++
	t.mu.Unlock()

	return transport.NewDelivery(msg, func() error {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.unacked--
		t.acked++
		return nil
	}), nil
}

func (c *consumer) Close() error {
	c.cancel()
	return nil
}
