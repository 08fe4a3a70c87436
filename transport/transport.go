package transport

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrClosed is returned by handles that were closed on purpose.
	ErrClosed = errors.New("transport: closed")
	// ErrInvalidState is returned when a handle can no longer be used and must
	// be rebuilt before the next attempt.
	ErrInvalidState = errors.New("transport: invalid state")
	// ErrMalformed is returned when an inbound body cannot be decoded.
	ErrMalformed = errors.New("transport: malformed message")
)

// Message is the broker-level unit of transmission.
type Message struct {
	// ID is the envelope id; adapters use it for broker side deduplication.
	ID string
	// Key is the partition key, empty when unkeyed.
	Key string
	// ContentType of Body.
	ContentType string
	// Body is the encoded envelope.
	Body []byte
}

// Delivery is a received message awaiting acknowledgment.
type Delivery struct {
	*Message

	once sync.Once
	ack  func() error
	err  error
}

// NewDelivery wraps msg with an acknowledgment callback. A nil ack is a no-op.
func NewDelivery(msg *Message, ack func() error) *Delivery {
	return &Delivery{Message: msg, ack: ack}
}

// Ack acknowledges the delivery. Only the first call reaches the broker;
// later calls return the first result.
func (d *Delivery) Ack() error {
	d.once.Do(func() {
		if d.ack != nil {
			d.err = d.ack()
		}
	})
	return d.err
}

// Producer sends messages to one destination. A Producer is driven by a
// single goroutine.
type Producer interface {
	Send(ctx context.Context, msg *Message) error
	Close() error
}

// Consumer receives messages from one source. Receive blocks until a message
// is available, ctx is done, or the consumer is closed (ErrClosed).
type Consumer interface {
	Receive(ctx context.Context) (*Delivery, error)
	Close() error
}

// Broker creates producers and consumers.
type Broker interface {
	Producer(ctx context.Context, destination string) (Producer, error)
	Consumer(ctx context.Context, source string) (Consumer, error)
	Close() error
}
