package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/fxsml/cmdbus/message"
	"github.com/fxsml/cmdbus/transport"
)

// Enqueuer accepts deferred commands once a handler returns.
// cmdbus.Bus implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, envs ...*message.Envelope) error
}

// ResponderConfig configures a Responder.
type ResponderConfig struct {
	// Queues are the command queues to consume. One goroutine serves each
	// queue, so commands on a queue are handled in order.
	Queues []string

	// Codec decodes commands and encodes replies.
	// Default: message.NewCloudEventsCodec().
	Codec message.Codec

	// Enqueuer receives commands deferred during handling. When nil,
	// deferred commands are dropped with a warning.
	Enqueuer Enqueuer

	// RetryDelay is the pause after a failed receive or reply publish.
	// Default: 1 second.
	RetryDelay time.Duration

	// Recover converts handler panics into fault replies. It is applied
	// outside Middleware.
	Recover bool

	// Middleware wraps every handler. The first entry is the outermost.
	Middleware []Middleware

	// Logger for operational logging. If nil, uses slog.Default().
	Logger *slog.Logger
}

func (c ResponderConfig) applyDefaults() ResponderConfig {
	if c.Codec == nil {
		c.Codec = message.NewCloudEventsCodec()
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Responder consumes command queues and answers each command on its
// ReplyTo queue. Every delivery is acknowledged exactly once, whatever the
// outcome of handling.
type Responder struct {
	broker   transport.Broker
	config   ResponderConfig
	handlers map[string]Handler

	mu        sync.Mutex
	producers map[route]transport.Producer
}

// route identifies a reply producer. Each served queue owns its producers,
// so a producer is only ever driven by one goroutine.
type route struct {
	queue string
	dest  string
}

// NewResponder creates a responder serving handlers. It fails when two
// handlers claim the same command type or no queue is configured.
func NewResponder(broker transport.Broker, config ResponderConfig, handlers ...Handler) (*Responder, error) {
	config = config.applyDefaults()
	if len(config.Queues) == 0 {
		return nil, errors.New("handler: at least one queue is required")
	}
	mws := config.Middleware
	if config.Recover {
		mws = append([]Middleware{Recover(config.Logger)}, mws...)
	}
	byType := make(map[string]Handler, len(handlers))
	for _, h := range handlers {
		t := h.CommandType()
		if _, dup := byType[t]; dup {
			return nil, fmt.Errorf("handler: duplicate handler for %q", t)
		}
		byType[t] = Chain(h, mws...)
	}
	return &Responder{
		broker:    broker,
		config:    config,
		handlers:  byType,
		producers: make(map[route]transport.Producer),
	}, nil
}

// Run consumes all queues until ctx is done or a consumer is closed. It
// returns the first error that stopped a queue, or nil on cancellation.
func (r *Responder) Run(ctx context.Context) error {
	defer r.closeProducers()

	g, gctx := errgroup.WithContext(ctx)
	for _, q := range r.config.Queues {
		g.Go(func() error {
			return r.serve(gctx, q)
		})
	}
	return g.Wait()
}

func (r *Responder) serve(ctx context.Context, queue string) error {
	log := r.config.Logger.With("queue", queue)

	cons, err := r.broker.Consumer(ctx, queue)
	if err != nil {
		return fmt.Errorf("handler: consume %s: %w", queue, err)
	}
	defer func() { _ = cons.Close() }()

	bo := backoff.NewConstantBackOff(r.config.RetryDelay)
	for {
		d, err := cons.Receive(ctx)
		switch {
		case err == nil:
			r.handle(ctx, queue, d)
			continue
		case ctx.Err() != nil, errors.Is(err, transport.ErrClosed):
			return nil
		case errors.Is(err, transport.ErrInvalidState):
			log.Warn("Command consumer unusable, rebuilding", "error", err)
			_ = cons.Close()
			if c, rerr := r.broker.Consumer(ctx, queue); rerr == nil {
				cons = c
			} else {
				log.Error("Failed to rebuild command consumer", "error", rerr)
			}
		default:
			log.Error("Failed to receive command", "error", err)
		}
		if !sleep(ctx, bo.NextBackOff()) {
			return nil
		}
	}
}

// handle processes one delivery. The delivery is acked when handle returns.
func (r *Responder) handle(ctx context.Context, queue string, d *transport.Delivery) {
	defer func() {
		if err := d.Ack(); err != nil {
			r.config.Logger.Warn("Failed to ack command", "message_id", d.ID, "error", err)
		}
	}()

	env, err := r.config.Codec.Decode(d.Body)
	if err != nil {
		r.config.Logger.Warn("Dropping malformed command",
			"message_id", d.ID,
			"error", err,
		)
		return
	}

	h := message.NewHandling(env)
	payload, herr := r.invoke(message.WithHandling(ctx, h), env)

	if deferred := h.Drain(); len(deferred) > 0 {
		r.flush(ctx, env, deferred)
	}

	if env.ReplyTo == "" {
		if herr != nil {
			r.config.Logger.Warn("Command failed, no reply requested",
				"message_id", env.ID,
				"type", env.Type,
				"error", herr,
			)
		}
		return
	}

	var reply *message.Envelope
	if herr != nil {
		reply = message.NewFaultReply(env, message.AsFault(herr))
	} else {
		reply = message.NewReply(env, payload)
	}
	r.reply(ctx, route{queue: queue, dest: env.ReplyTo}, reply)
}

func (r *Responder) invoke(ctx context.Context, env *message.Envelope) ([]byte, error) {
	h, ok := r.handlers[env.Type]
	if !ok {
		return nil, message.NewFault(FaultCodeUnknownCommand, "no handler for "+env.Type)
	}
	return h.Handle(ctx, env)
}

func (r *Responder) flush(ctx context.Context, cmd *message.Envelope, envs []*message.Envelope) {
	if r.config.Enqueuer == nil {
		r.config.Logger.Warn("Dropping deferred commands, no enqueuer configured",
			"message_id", cmd.ID,
			"count", len(envs),
		)
		return
	}
	if err := r.config.Enqueuer.Enqueue(ctx, envs...); err != nil {
		r.config.Logger.Error("Failed to enqueue deferred commands",
			"message_id", cmd.ID,
			"count", len(envs),
			"error", err,
		)
	}
}

// reply publishes env on rt, retrying until it succeeds or ctx ends.
func (r *Responder) reply(ctx context.Context, rt route, env *message.Envelope) {
	body, err := r.config.Codec.Encode(env)
	if err != nil {
		r.config.Logger.Error("Failed to encode reply",
			"correlation_id", env.CorrelationID,
			"error", err,
		)
		return
	}
	msg := &transport.Message{
		ID:          env.ID,
		ContentType: r.config.Codec.ContentType(),
		Body:        body,
	}

	bo := backoff.NewConstantBackOff(r.config.RetryDelay)
	for attempt := 1; ; attempt++ {
		err := r.publish(ctx, rt, msg)
		if err == nil {
			return
		}
		r.config.Logger.Warn("Failed to send reply, retrying",
			"correlation_id", env.CorrelationID,
			"reply_to", rt.dest,
			"attempt", attempt,
			"error", err,
		)
		if !sleep(ctx, bo.NextBackOff()) {
			return
		}
	}
}

func (r *Responder) publish(ctx context.Context, rt route, msg *transport.Message) error {
	p, err := r.producer(ctx, rt)
	if err != nil {
		return err
	}
	err = p.Send(ctx, msg)
	if errors.Is(err, transport.ErrInvalidState) || errors.Is(err, transport.ErrClosed) {
		r.dropProducer(rt, p)
	}
	return err
}

func (r *Responder) producer(ctx context.Context, rt route) (transport.Producer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.producers[rt]; ok {
		return p, nil
	}
	p, err := r.broker.Producer(ctx, rt.dest)
	if err != nil {
		return nil, err
	}
	r.producers[rt] = p
	return p, nil
}

func (r *Responder) dropProducer(rt route, p transport.Producer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.producers[rt] == p {
		delete(r.producers, rt)
		_ = p.Close()
	}
}

func (r *Responder) closeProducers() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for rt, p := range r.producers {
		_ = p.Close()
		delete(r.producers, rt)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
