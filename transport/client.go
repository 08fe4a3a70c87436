package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fxsml/cmdbus/message"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// Queues are the outbound command queues, one channel each. Required.
	Queues []string
	// ReplyQueue is the inbound queue replies are published to. Required.
	ReplyQueue string
	// Codec encodes envelopes. Default: message.NewCloudEventsCodec().
	Codec message.Codec
}

func (c ClientConfig) applyDefaults() ClientConfig {
	if c.Codec == nil {
		c.Codec = message.NewCloudEventsCodec()
	}
	return c
}

// Client owns N outbound channels and one inbound reply channel on a Broker.
//
// Each outbound channel must be driven by a single goroutine at a time, and
// so must the reply channel. Reopen and Close may be called concurrently
// with both.
type Client struct {
	broker Broker
	config ClientConfig

	mu        sync.Mutex
	producers []Producer
	reply     Consumer
	replyDone bool
	closed    bool
}

// NewClient creates a client for broker. Call Open before use.
func NewClient(broker Broker, config ClientConfig) *Client {
	return &Client{
		broker: broker,
		config: config.applyDefaults(),
	}
}

// Open creates all producers and the reply consumer. On failure every handle
// opened so far is closed again.
func (c *Client) Open(ctx context.Context) error {
	if len(c.config.Queues) == 0 {
		return errors.New("transport: no command queues configured")
	}
	if c.config.ReplyQueue == "" {
		return errors.New("transport: no reply queue configured")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.producers != nil {
		return nil
	}

	producers := make([]Producer, 0, len(c.config.Queues))
	for _, q := range c.config.Queues {
		p, err := c.broker.Producer(ctx, q)
		if err != nil {
			closeAll(producers)
			return fmt.Errorf("transport: open producer %q: %w", q, err)
		}
		producers = append(producers, p)
	}
	reply, err := c.broker.Consumer(ctx, c.config.ReplyQueue)
	if err != nil {
		closeAll(producers)
		return fmt.Errorf("transport: open reply consumer %q: %w", c.config.ReplyQueue, err)
	}

	c.producers = producers
	c.reply = reply
	return nil
}

// Channels returns the number of outbound channels.
func (c *Client) Channels() int {
	return len(c.config.Queues)
}

// ReplyTo returns the reply queue name handlers publish replies to.
func (c *Client) ReplyTo() string {
	return c.config.ReplyQueue
}

// Queue returns the queue name of channel idx.
func (c *Client) Queue(idx int) string {
	return c.config.Queues[idx]
}

// SelectChannel returns the outbound channel for env.
func (c *Client) SelectChannel(env *message.Envelope) int {
	return SelectChannel(env.Key, env.ID, c.Channels())
}

// Send encodes env and transmits it on channel idx.
func (c *Client) Send(ctx context.Context, idx int, env *message.Envelope) error {
	p, err := c.producer(idx)
	if err != nil {
		return err
	}
	body, err := c.config.Codec.Encode(env)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return p.Send(ctx, &Message{
		ID:          env.ID,
		Key:         env.Key,
		ContentType: c.config.Codec.ContentType(),
		Body:        body,
	})
}

// Reopen replaces the producer of channel idx with a fresh one.
func (c *Client) Reopen(ctx context.Context, idx int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.producers == nil {
		return ErrInvalidState
	}

	p, err := c.broker.Producer(ctx, c.config.Queues[idx])
	if err != nil {
		return fmt.Errorf("transport: reopen producer %q: %w", c.config.Queues[idx], err)
	}
	_ = c.producers[idx].Close()
	c.producers[idx] = p
	return nil
}

// Receive blocks until a reply arrives and decodes it. The returned Delivery
// must be acked by the caller, including when err wraps ErrMalformed.
// When the reply consumer reports ErrInvalidState it is rebuilt before the
// error is returned.
func (c *Client) Receive(ctx context.Context) (*message.Envelope, *Delivery, error) {
	c.mu.Lock()
	reply, done := c.reply, c.replyDone || c.closed
	c.mu.Unlock()
	if done {
		return nil, nil, ErrClosed
	}
	if reply == nil {
		return nil, nil, ErrInvalidState
	}

	d, err := reply.Receive(ctx)
	if err != nil {
		if errors.Is(err, ErrInvalidState) {
			if rerr := c.reopenReply(ctx, reply); rerr != nil {
				return nil, nil, errors.Join(err, rerr)
			}
		}
		return nil, nil, err
	}

	env, err := c.config.Codec.Decode(d.Body)
	if err != nil {
		return nil, d, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return env, d, nil
}

func (c *Client) reopenReply(ctx context.Context, old Consumer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.replyDone || c.closed || c.reply != old {
		return nil
	}
	fresh, err := c.broker.Consumer(ctx, c.config.ReplyQueue)
	if err != nil {
		return fmt.Errorf("transport: reopen reply consumer: %w", err)
	}
	_ = old.Close()
	c.reply = fresh
	return nil
}

// CloseReply closes the reply consumer, unblocking a pending Receive.
func (c *Client) CloseReply() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.replyDone {
		return nil
	}
	c.replyDone = true
	if c.reply == nil {
		return nil
	}
	return c.reply.Close()
}

// Close closes every handle. The broker itself is left open.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	if !c.replyDone && c.reply != nil {
		errs = append(errs, c.reply.Close())
	}
	c.replyDone = true
	for _, p := range c.producers {
		errs = append(errs, p.Close())
	}
	return errors.Join(errs...)
}

func (c *Client) producer(idx int) (Producer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.producers == nil {
		return nil, ErrInvalidState
	}
	if idx < 0 || idx >= len(c.producers) {
		return nil, fmt.Errorf("transport: channel %d out of range [0, %d)", idx, len(c.producers))
	}
	return c.producers[idx], nil
}

func closeAll(producers []Producer) {
	for _, p := range producers {
		_ = p.Close()
	}
}
