package cmdbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/fxsml/cmdbus/internal/queue"
	"github.com/fxsml/cmdbus/message"
	"github.com/fxsml/cmdbus/transport"
)

// Dispatcher sends commands. Bus implements it; cmdbustest.Recorder is a
// recording test double.
type Dispatcher interface {
	// Send dispatches cmd and returns a future for its reply.
	Send(ctx context.Context, cmd any) (*Future, error)
	// Add defers cmd until the command being handled in ctx completes.
	Add(ctx context.Context, cmd any) error
}

// Config configures a Bus. The zero value is usable.
type Config struct {
	// Logger for operational logging. Default: slog.Default().
	Logger Logger
	// Marshaler encodes commands and decodes replies. Default: JSON.
	Marshaler message.Marshaler
	// Naming derives envelope types for commands that are not
	// message.Typed. Default: message.KebabNaming.
	Naming message.NamingStrategy
	// KeyFunc resolves the partition key of commands that are not
	// message.Keyed. Optional.
	KeyFunc func(cmd any) string
	// Outbox replays unsent commands on Start and is cleaned up after each
	// transmit. Optional.
	Outbox Outbox

	// RetryDelay is the fixed pause between failed transport attempts.
	// Default: 1 second.
	RetryDelay time.Duration
	// NewBackOff overrides the retry policy. Attempts are never capped;
	// a backoff.Stop result is treated as RetryDelay.
	NewBackOff func() backoff.BackOff

	// ReplyStopTimeout bounds how long Stop waits for the reply worker.
	// Default: 1 second.
	ReplyStopTimeout time.Duration
	// SendStopTimeout bounds how long Stop waits for the send worker to
	// drain. Default: 2 seconds.
	SendStopTimeout time.Duration

	// MeterProvider for bus metrics. Default: otel.GetMeterProvider().
	MeterProvider metric.MeterProvider
	// TracerProvider for send spans. Default: otel.GetTracerProvider().
	TracerProvider trace.TracerProvider
}

func (c Config) applyDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Marshaler == nil {
		c.Marshaler = message.NewJSONMarshaler()
	}
	if c.Naming == nil {
		c.Naming = message.KebabNaming
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.NewBackOff == nil {
		delay := c.RetryDelay
		c.NewBackOff = func() backoff.BackOff {
			return backoff.NewConstantBackOff(delay)
		}
	}
	if c.ReplyStopTimeout <= 0 {
		c.ReplyStopTimeout = time.Second
	}
	if c.SendStopTimeout <= 0 {
		c.SendStopTimeout = 2 * time.Second
	}
	if c.MeterProvider == nil {
		c.MeterProvider = otel.GetMeterProvider()
	}
	if c.TracerProvider == nil {
		c.TracerProvider = otel.GetTracerProvider()
	}
	return c
}

type state int

const (
	stateIdle state = iota
	stateRunning
	stateStopping
	stateStopped
)

// Bus dispatches commands through a transport.Client and resolves their
// futures from replies. A Bus is started once and stopped once.
type Bus struct {
	client  *transport.Client
	config  Config
	table   *table
	queue   *queue.Queue[*message.Envelope]
	metrics *metrics
	tracer  trace.Tracer

	mu          sync.Mutex
	state       state
	cancelSend  context.CancelFunc
	cancelReply context.CancelFunc
	sendDone    chan struct{}
	replyDone   chan struct{}
}

var _ Dispatcher = (*Bus)(nil)

// New creates a bus on client. The client is opened by Start and closed by
// Stop.
func New(client *transport.Client, config Config) *Bus {
	cfg := config.applyDefaults()
	return &Bus{
		client:  client,
		config:  cfg,
		table:   newTable(),
		queue:   queue.New[*message.Envelope](),
		metrics: newMetrics(cfg.MeterProvider.Meter(meterName)),
		tracer:  cfg.TracerProvider.Tracer(meterName),
	}
}

// Start opens the transport and launches the send and reply workers. It
// returns once unsent commands from the Outbox have been queued. Calling
// Start on a running bus is a no-op.
//
// ctx bounds opening the transport. The workers keep its values but not its
// cancellation; only Stop ends them.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateRunning:
		return nil
	case stateStopping, stateStopped:
		return ErrStopped
	}

	if err := b.client.Open(ctx); err != nil {
		return fmt.Errorf("cmdbus: open transport: %w", err)
	}

	base := context.WithoutCancel(ctx)
	sendCtx, cancelSend := context.WithCancel(base)
	replyCtx, cancelReply := context.WithCancel(base)
	b.cancelSend, b.cancelReply = cancelSend, cancelReply
	b.sendDone = make(chan struct{})
	b.replyDone = make(chan struct{})

	ready := make(chan struct{})
	go b.runSendWorker(sendCtx, ready)
	go b.runReplyWorker(replyCtx)
	<-ready

	b.state = stateRunning
	b.config.Logger.Info("Command bus started",
		"channels", b.client.Channels(),
		"reply_to", b.client.ReplyTo(),
	)
	return nil
}

// Stop shuts the bus down. It closes the reply channel and the send queue,
// then waits up to ReplyStopTimeout and SendStopTimeout for the workers.
// A worker that does not finish in time is logged and abandoned. Futures
// still pending afterwards fail with ErrStopped.
func (b *Bus) Stop() {
	b.mu.Lock()
	switch b.state {
	case stateIdle:
		b.state = stateStopped
		b.queue.Close()
		b.mu.Unlock()
		return
	case stateStopping, stateStopped:
		b.mu.Unlock()
		return
	}
	b.state = stateStopping
	b.mu.Unlock()

	if err := b.client.CloseReply(); err != nil {
		b.config.Logger.Warn("Failed to close reply channel", "error", err)
	}
	b.queue.Close()

	if !waitDone(b.replyDone, b.config.ReplyStopTimeout) {
		b.config.Logger.Error("Reply worker did not stop in time",
			"timeout", b.config.ReplyStopTimeout,
		)
	}
	b.cancelReply()

	if !waitDone(b.sendDone, b.config.SendStopTimeout) {
		b.config.Logger.Warn("Send worker did not drain in time",
			"timeout", b.config.SendStopTimeout,
			"remaining", b.queue.Len(),
		)
	}
	b.cancelSend()

	for _, p := range b.table.drain() {
		b.abandon(p, ErrStopped)
	}

	if err := b.client.Close(); err != nil {
		b.config.Logger.Warn("Failed to close transport", "error", err)
	}

	b.mu.Lock()
	b.state = stateStopped
	b.mu.Unlock()
	b.config.Logger.Info("Command bus stopped")
}

// Send dispatches cmd and returns its future without waiting for the
// transport. Cancelling ctx removes the pending entry and resolves the
// future with the cancellation cause.
//
// Send returns ErrNestedSend when ctx carries a handling context.
func (b *Bus) Send(ctx context.Context, cmd any) (*Future, error) {
	if message.HandlingFromContext(ctx) != nil {
		return nil, ErrNestedSend
	}
	if err := b.checkRunning(); err != nil {
		return nil, err
	}

	env, err := b.envelope(cmd, b.client.ReplyTo())
	if err != nil {
		return nil, err
	}

	ctx, span := b.tracer.Start(ctx, "cmdbus.Send",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.message.id", env.ID),
			attribute.String("cmdbus.command.type", env.Type),
		),
	)
	defer span.End()

	f, err := b.dispatch(ctx, env)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return f, nil
}

// Add builds an envelope for cmd and registers it on the handling context
// carried by ctx. It is sent once the handler returns, and no reply is
// awaited.
func (b *Bus) Add(ctx context.Context, cmd any) error {
	h := message.HandlingFromContext(ctx)
	if h == nil {
		return ErrNoHandlingContext
	}
	env, err := b.envelope(cmd, "")
	if err != nil {
		return err
	}
	h.Add(env)
	return nil
}

// Enqueue queues pre-built envelopes for sending without awaiting replies.
// Envelopes keep their order.
func (b *Bus) Enqueue(ctx context.Context, envs ...*message.Envelope) error {
	if len(envs) == 0 {
		return nil
	}
	if err := b.checkRunning(); err != nil {
		return err
	}
	persisted := b.persist(ctx, envs...)
	if err := b.queue.Push(envs...); err != nil {
		if persisted {
			b.withdraw(ctx, envs...)
		}
		return ErrStopped
	}
	return nil
}

// Pending returns the number of commands awaiting a reply.
func (b *Bus) Pending() int {
	return b.table.len()
}

func (b *Bus) dispatch(ctx context.Context, env *message.Envelope) (*Future, error) {
	f := NewFuture(env.ID, b.config.Marshaler.Unmarshal)

	// pctx fires when the caller cancels or when the bus cancels internally.
	// Whoever removes the entry first resolves the future.
	pctx, cancel := context.WithCancelCause(ctx)
	p := &pending{env: env, future: f, cancel: cancel}
	p.stop = context.AfterFunc(pctx, func() { b.cancelled(p, context.Cause(pctx)) })

	if !b.table.insert(env.ID, p) {
		p.stop()
		cancel(nil)
		return nil, ErrDuplicateID
	}
	b.metrics.pending.Add(ctx, 1)
	if pctx.Err() != nil {
		b.cancelled(p, context.Cause(pctx))
	}

	persisted := b.persist(ctx, env)
	if err := b.queue.Push(env); err != nil {
		if persisted {
			b.withdraw(ctx, env)
		}
		if b.table.remove(env.ID, p) {
			b.abandon(p, ErrStopped)
		}
		return nil, ErrStopped
	}
	return f, nil
}

// cancelled runs when the linked context of p fires.
func (b *Bus) cancelled(p *pending, cause error) {
	if !b.table.remove(p.env.ID, p) {
		return
	}
	b.metrics.pending.Add(context.Background(), -1)
	b.metrics.cancelled.Add(context.Background(), 1)
	p.future.Complete(nil, cause)
	b.config.Logger.Debug("Pending command cancelled",
		"message_id", p.env.ID,
		"cause", cause,
	)
}

// resolve completes a pending entry already removed from the table.
func (b *Bus) resolve(p *pending, reply *message.Envelope, err error) {
	p.stop()
	p.cancel(nil)
	b.metrics.pending.Add(context.Background(), -1)
	p.future.Complete(reply, err)
}

// abandon fails a pending entry already removed from the table.
func (b *Bus) abandon(p *pending, err error) {
	b.resolve(p, nil, err)
}

// persist appends envs to the outbox and reports whether they were stored.
func (b *Bus) persist(ctx context.Context, envs ...*message.Envelope) bool {
	appender, ok := b.config.Outbox.(OutboxAppender)
	if !ok {
		return false
	}
	if err := appender.Append(ctx, envs...); err != nil {
		b.config.Logger.Error("Failed to append to outbox",
			"count", len(envs),
			"error", err,
		)
		return false
	}
	return true
}

// withdraw removes envs that were appended but never queued.
func (b *Bus) withdraw(ctx context.Context, envs ...*message.Envelope) {
	ctx = context.WithoutCancel(ctx)
	for _, env := range envs {
		if err := b.config.Outbox.RemoveSent(ctx, env.ID); err != nil {
			b.config.Logger.Warn("Failed to withdraw unsent command from outbox",
				"message_id", env.ID,
				"error", err,
			)
		}
	}
}

func (b *Bus) envelope(cmd any, replyTo string) (*message.Envelope, error) {
	if cmd == nil {
		return nil, errors.New("cmdbus: nil command")
	}
	payload, err := b.config.Marshaler.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("cmdbus: marshal %T: %w", cmd, err)
	}
	key := message.KeyOf(cmd)
	if key == "" && b.config.KeyFunc != nil {
		key = b.config.KeyFunc(cmd)
	}
	return message.NewEnvelope(message.TypeOf(cmd, b.config.Naming), payload, replyTo, key), nil
}

func (b *Bus) checkRunning() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateRunning:
		return nil
	case stateIdle:
		return ErrNotStarted
	}
	return ErrStopped
}

func waitDone(done <-chan struct{}, timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}
