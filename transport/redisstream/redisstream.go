// Package redisstream provides a transport.Broker backed by Redis Streams.
//
// Every queue is a stream read through a consumer group, so each entry is
// delivered to one consumer of the group. Acknowledging a delivery issues
// XACK; unacknowledged entries stay in the group's pending list.
package redisstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fxsml/cmdbus/transport"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	fieldID          = "id"
	fieldKey         = "key"
	fieldContentType = "content_type"
	fieldBody        = "body"
)

// Config configures the Redis Streams broker.
type Config struct {
	// Client is the Redis client. The broker does not close it.
	Client redis.UniversalClient

	// Group is the consumer group name.
	// Default is "cmdbus".
	Group string

	// Consumer is this process's consumer name inside the group.
	// Default is a random UUID.
	Consumer string

	// Block bounds a single XREADGROUP call. Receive keeps reading until an
	// entry arrives, the context is done or the consumer is closed.
	// Default is 1 second.
	Block time.Duration

	// MaxLen caps stream length; older entries are trimmed on XADD.
	// Zero means unbounded.
	MaxLen int64

	// Logger for operational logging. If nil, uses slog.Default().
	Logger *slog.Logger
}

func (c Config) applyDefaults() Config {
	if c.Group == "" {
		c.Group = "cmdbus"
	}
	if c.Consumer == "" {
		c.Consumer = uuid.NewString()
	}
	if c.Block <= 0 {
		c.Block = time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Broker is a Redis Streams transport.Broker.
type Broker struct {
	config Config

	mu     sync.Mutex
	closed bool
}

// NewBroker creates a broker on top of an existing client.
func NewBroker(config Config) (*Broker, error) {
	if config.Client == nil {
		return nil, errors.New("redisstream: client is required")
	}
	return &Broker{config: config.applyDefaults()}, nil
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
	return &producer{broker: b, stream: destination}, nil
}

// Consumer implements transport.Broker. It creates the stream and the
// consumer group when they do not exist yet.
func (b *Broker) Consumer(ctx context.Context, source string) (transport.Consumer, error) {
	if b.isClosed() {
		return nil, transport.ErrClosed
	}
	err := b.config.Client.XGroupCreateMkStream(ctx, source, b.config.Group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return nil, fmt.Errorf("redisstream: create group %s on %s: %w", b.config.Group, source, mapError(err))
	}

	done, cancel := context.WithCancel(context.Background())
	return &consumer{broker: b, stream: source, done: done, cancel: cancel}, nil
}

// Close marks the broker closed. The Redis client stays open.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

type producer struct {
	broker *Broker
	stream string

	mu     sync.Mutex
	closed bool
}

func (p *producer) Send(ctx context.Context, msg *transport.Message) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed || p.broker.isClosed() {
		return transport.ErrClosed
	}

	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			fieldID:          msg.ID,
			fieldKey:         msg.Key,
			fieldContentType: msg.ContentType,
			fieldBody:        msg.Body,
		},
	}
	if n := p.broker.config.MaxLen; n > 0 {
		args.MaxLen = n
	}
	if err := p.broker.config.Client.XAdd(ctx, args).Err(); err != nil {
		return mapError(err)
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
	broker *Broker
	stream string
	done   context.Context
	cancel context.CancelFunc
}

func (c *consumer) closed() bool {
	return c.done.Err() != nil || c.broker.isClosed()
}

func (c *consumer) Receive(ctx context.Context) (*transport.Delivery, error) {
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.done, cancel)
	defer stop()

	cfg := c.broker.config
	for {
		if c.closed() {
			return nil, transport.ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res, err := cfg.Client.XReadGroup(rctx, &redis.XReadGroupArgs{
			Group:    cfg.Group,
			Consumer: cfg.Consumer,
			Streams:  []string{c.stream, ">"},
			Count:    1,
			Block:    cfg.Block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if c.closed() {
				return nil, transport.ErrClosed
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, mapError(err)
		}

		for _, s := range res {
			for _, entry := range s.Messages {
				return c.delivery(entry), nil
			}
		}
	}
}

func (c *consumer) delivery(entry redis.XMessage) *transport.Delivery {
	msg := &transport.Message{
		ID:          field(entry.Values, fieldID),
		Key:         field(entry.Values, fieldKey),
		ContentType: field(entry.Values, fieldContentType),
		Body:        []byte(field(entry.Values, fieldBody)),
	}
	cfg := c.broker.config
	return transport.NewDelivery(msg, func() error {
		return cfg.Client.XAck(context.Background(), c.stream, cfg.Group, entry.ID).Err()
	})
}

func (c *consumer) Close() error {
	c.cancel()
	return nil
}

func field(values map[string]any, name string) string {
	switch v := values[name].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	}
	return ""
}

func isBusyGroup(err error) bool {
	return strings.HasPrefix(err.Error(), "BUSYGROUP")
}

// mapError classifies go-redis errors into the transport taxonomy.
func mapError(err error) error {
	if errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("%w: %w", transport.ErrInvalidState, err)
	}
	return err
}
