// Package nats provides a transport.Broker backed by NATS JetStream.
//
// Every queue maps to a subject below Config.SubjectPrefix inside a single
// work-queue stream, so each message is delivered to one consumer of its
// queue. Consumers are durable pull consumers with explicit acknowledgment;
// the durable name is derived from the queue name.
//
// # Usage
//
//	broker, err := nats.NewBroker(ctx, nats.Config{
//	    URL: "nats://localhost:4222",
//	})
//	client := transport.NewClient(broker, transport.ClientConfig{
//	    Queues:     []string{"orders.0", "orders.1"},
//	    ReplyQueue: "orders.replies",
//	})
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fxsml/cmdbus/transport"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	headerKey         = "Cmdbus-Partition-Key"
	headerContentType = "Content-Type"
)

// Config configures the NATS broker.
type Config struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	URL string

	// Stream is the JetStream stream holding all queues.
	// Default is "CMDBUS".
	Stream string

	// SubjectPrefix is prepended to queue names to form subjects.
	// Default is "cmdbus.".
	SubjectPrefix string

	// PollWait bounds a single pull request. Receive keeps polling until a
	// message arrives, the context is done or the consumer is closed.
	// Default is 1 second.
	PollWait time.Duration

	// ConnectTimeout is the timeout for the initial connection.
	// Default is 5 seconds.
	ConnectTimeout time.Duration

	// Logger for operational logging. If nil, uses slog.Default().
	Logger *slog.Logger
}

func (c Config) applyDefaults() Config {
	if c.Stream == "" {
		c.Stream = "CMDBUS"
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "cmdbus."
	}
	if c.PollWait <= 0 {
		c.PollWait = time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Broker is a JetStream transport.Broker. It owns one connection shared by
// all producers and consumers.
type Broker struct {
	config Config
	conn   *nats.Conn
	js     jetstream.JetStream

	mu     sync.Mutex
	closed bool
}

// NewBroker connects to NATS and ensures the stream exists.
func NewBroker(ctx context.Context, config Config) (*Broker, error) {
	config = config.applyDefaults()
	log := config.Logger

	conn, err := nats.Connect(
		config.URL,
		nats.Timeout(config.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats: connect %s: %w", config.URL, err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("nats: jetstream: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      config.Stream,
		Subjects:  []string{config.SubjectPrefix + ">"},
		Retention: jetstream.WorkQueuePolicy,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("nats: create stream %s: %w", config.Stream, err)
	}

	return &Broker{config: config, conn: conn, js: js}, nil
}

func (b *Broker) subject(queue string) string {
	return b.config.SubjectPrefix + queue
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
	if b.conn.IsClosed() {
		return nil, transport.ErrInvalidState
	}
	return &producer{broker: b, subject: b.subject(destination)}, nil
}

// Consumer implements transport.Broker.
func (b *Broker) Consumer(ctx context.Context, source string) (transport.Consumer, error) {
	if b.isClosed() {
		return nil, transport.ErrClosed
	}
	cons, err := b.js.CreateOrUpdateConsumer(ctx, b.config.Stream, jetstream.ConsumerConfig{
		Durable:       DurableName(source),
		FilterSubject: b.subject(source),
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("nats: create consumer for %s: %w", source, mapError(err))
	}

	done, cancel := context.WithCancel(context.Background())
	return &consumer{broker: b, cons: cons, done: done, cancel: cancel}, nil
}

// Close drains and closes the connection.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return fmt.Errorf("nats: drain: %w", err)
	}
	return nil
}

type producer struct {
	broker  *Broker
	subject string

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

	m := nats.NewMsg(p.subject)
	m.Data = msg.Body
	if msg.Key != "" {
		m.Header.Set(headerKey, msg.Key)
	}
	if msg.ContentType != "" {
		m.Header.Set(headerContentType, msg.ContentType)
	}

	// The message id doubles as the JetStream dedup id, so a retried publish
	// inside the stream's duplicate window is stored once.
	if _, err := p.broker.js.PublishMsg(ctx, m, jetstream.WithMsgID(msg.ID)); err != nil {
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
	cons   jetstream.Consumer
	done   context.Context
	cancel context.CancelFunc
}

func (c *consumer) Receive(ctx context.Context) (*transport.Delivery, error) {
	for {
		if c.done.Err() != nil || c.broker.isClosed() {
			return nil, transport.ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		m, err := c.cons.Next(jetstream.FetchMaxWait(c.broker.config.PollWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if c.done.Err() != nil || c.broker.isClosed() {
				return nil, transport.ErrClosed
			}
			return nil, mapError(err)
		}

		return transport.NewDelivery(&transport.Message{
			ID:          m.Headers().Get(jetstream.MsgIDHeader),
			Key:         m.Headers().Get(headerKey),
			ContentType: m.Headers().Get(headerContentType),
			Body:        m.Data(),
		}, m.Ack), nil
	}
}

func (c *consumer) Close() error {
	c.cancel()
	return nil
}

// DurableName derives a valid durable consumer name from a queue name.
// NATS does not allow '.', '*', '>' or whitespace in durable names.
func DurableName(queue string) string {
	return durableReplacer.Replace(queue)
}

var durableReplacer = strings.NewReplacer(
	".", "_",
	"*", "_",
	">", "_",
	" ", "_",
	"\t", "_",
)

// mapError classifies NATS errors into the transport taxonomy.
func mapError(err error) error {
	switch {
	case errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, nats.ErrConnectionDraining),
		errors.Is(err, jetstream.ErrConsumerDeleted),
		errors.Is(err, jetstream.ErrConsumerNotFound),
		errors.Is(err, jetstream.ErrStreamNotFound):
		return fmt.Errorf("%w: %w", transport.ErrInvalidState, err)
	}
	return err
}
