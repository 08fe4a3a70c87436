// Package kafka provides a transport.Broker backed by Apache Kafka.
//
// Every queue is a topic. Producers hash the partition key (or the message
// id when the key is empty) onto topic partitions, so commands sharing a key
// keep their order end to end. Consumers join a consumer group and commit
// the offset of a message when its delivery is acknowledged.
//
// # Usage
//
//	broker := kafka.NewBroker(kafka.Config{
//	    Brokers: []string{"localhost:9092"},
//	    GroupID: "orders-service",
//	})
package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/fxsml/cmdbus/transport"
	"github.com/segmentio/kafka-go"
)

const (
	headerID          = "cmdbus-id"
	headerContentType = "content-type"
)

// Config configures the Kafka broker.
type Config struct {
	// Brokers is the list of Kafka broker addresses.
	Brokers []string

	// GroupID is the consumer group shared by all consumers of this broker.
	// Default is "cmdbus".
	GroupID string

	// StartOffset controls where a new consumer group starts reading.
	// Default is kafka.FirstOffset so commands sent before the group
	// existed are not skipped.
	StartOffset int64

	// BatchTimeout is how long the writer waits to fill a batch.
	// Default is 10 milliseconds.
	BatchTimeout time.Duration

	// MaxWait is the maximum time a fetch waits for new data.
	// Default is 1 second.
	MaxWait time.Duration

	// RequiredAcks controls producer acknowledgment.
	// Default is kafka.RequireAll.
	RequiredAcks kafka.RequiredAcks

	// Logger for operational logging. If nil, uses slog.Default().
	Logger *slog.Logger
}

func (c Config) applyDefaults() Config {
	if c.GroupID == "" {
		c.GroupID = "cmdbus"
	}
	if c.StartOffset == 0 {
		c.StartOffset = kafka.FirstOffset
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 10 * time.Millisecond
	}
	if c.MaxWait <= 0 {
		c.MaxWait = time.Second
	}
	if c.RequiredAcks == 0 {
		c.RequiredAcks = kafka.RequireAll
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Broker is a Kafka transport.Broker. It holds no connection itself; every
// producer owns a writer and every consumer owns a group reader.
type Broker struct {
	config Config

	mu     sync.Mutex
	closed bool
}

// NewBroker creates a Kafka broker.
func NewBroker(config Config) *Broker {
	return &Broker{config: config.applyDefaults()}
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Producer implements transport.Broker.
func (b *Broker) Producer(_ context.Context, destination string) (transport.Producer, error) {
	if b.isClosed() {
		return nil, transport.ErrClosed
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(b.config.Brokers...),
		Topic:                  destination,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           b.config.BatchTimeout,
		RequiredAcks:           b.config.RequiredAcks,
		AllowAutoTopicCreation: true,
	}
	return &producer{w: w}, nil
}

// Consumer implements transport.Broker.
func (b *Broker) Consumer(_ context.Context, source string) (transport.Consumer, error) {
	if b.isClosed() {
		return nil, transport.ErrClosed
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     b.config.Brokers,
		GroupID:     b.config.GroupID,
		Topic:       source,
		StartOffset: b.config.StartOffset,
		MaxWait:     b.config.MaxWait,
	})
	b.config.Logger.Info("Kafka consumer started",
		"topic", source,
		"group", b.config.GroupID)
	return &consumer{r: r}, nil
}

// Close marks the broker closed. Producers and consumers are closed by
// their owners.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

type producer struct {
	w *kafka.Writer

	mu     sync.Mutex
	closed bool
}

func (p *producer) Send(ctx context.Context, msg *transport.Message) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}

	key := msg.Key
	if key == "" {
		key = msg.ID
	}
	km := kafka.Message{
		Key:   []byte(key),
		Value: msg.Body,
		Headers: []kafka.Header{
			{Key: headerID, Value: []byte(msg.ID)},
		},
	}
	if msg.ContentType != "" {
		km.Headers = append(km.Headers, kafka.Header{Key: headerContentType, Value: []byte(msg.ContentType)})
	}

	if err := p.w.WriteMessages(ctx, km); err != nil {
		return mapError(err)
	}
	return nil
}

func (p *producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.w.Close()
}

type consumer struct {
	r *kafka.Reader

	mu     sync.Mutex
	closed bool
}

func (c *consumer) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *consumer) Receive(ctx context.Context) (*transport.Delivery, error) {
	if c.isClosed() {
		return nil, transport.ErrClosed
	}

	m, err := c.r.FetchMessage(ctx)
	if err != nil {
		if c.isClosed() {
			return nil, transport.ErrClosed
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, mapError(err)
	}

	msg := &transport.Message{Key: string(m.Key), Body: m.Value}
	for _, h := range m.Headers {
		switch h.Key {
		case headerID:
			msg.ID = string(h.Value)
		case headerContentType:
			msg.ContentType = string(h.Value)
		}
	}
	if msg.Key == msg.ID {
		msg.Key = ""
	}

	return transport.NewDelivery(msg, func() error {
		return c.r.CommitMessages(context.Background(), m)
	}), nil
}

func (c *consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.r.Close()
}

// mapError classifies kafka-go errors into the transport taxonomy. A closed
// reader or writer cannot be reused.
func mapError(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
		return fmt.Errorf("%w: %w", transport.ErrInvalidState, err)
	}
	return err
}
