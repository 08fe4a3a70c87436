package cmdbus

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/fxsml/cmdbus/message"
	"github.com/fxsml/cmdbus/transport"
)

// runSendWorker replays the outbox, closes ready, then transmits queued
// envelopes until the queue is closed and drained or ctx is done.
func (b *Bus) runSendWorker(ctx context.Context, ready chan<- struct{}) {
	defer close(b.sendDone)

	b.replay(ctx)
	close(ready)

	for ctx.Err() == nil {
		env, err := b.queue.Pop(ctx)
		if err != nil {
			return
		}
		b.transmit(ctx, env)
	}
}

// replay queues every envelope the outbox still holds.
func (b *Bus) replay(ctx context.Context) {
	if b.config.Outbox == nil {
		return
	}
	envs, err := b.config.Outbox.ListUnsent(ctx)
	if err != nil {
		b.config.Logger.Error("Failed to list unsent commands", "error", err)
		return
	}
	if len(envs) == 0 {
		return
	}
	if err := b.queue.Push(envs...); err != nil {
		return
	}
	b.config.Logger.Info("Replaying unsent commands", "count", len(envs))
}

// transmit sends env on its channel, retrying every failure until it
// succeeds or ctx is done. An invalid-state failure rebuilds the channel and
// the envelope before the next attempt.
func (b *Bus) transmit(ctx context.Context, env *message.Envelope) bool {
	idx := b.client.SelectChannel(env)
	queueName := b.client.Queue(idx)
	bo := b.config.NewBackOff()

	for attempt := 1; ; attempt++ {
		err := b.client.Send(ctx, idx, env)
		if err == nil {
			b.metrics.recordSent(ctx, queueName)
			b.removeSent(ctx, env.ID)
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		if errors.Is(err, transport.ErrMalformed) {
			b.config.Logger.Error("Dropping command that cannot be encoded",
				"message_id", env.ID,
				"type", env.Type,
				"error", err,
			)
			if p := b.table.take(env.ID); p != nil {
				b.abandon(p, err)
			}
			b.removeSent(ctx, env.ID)
			return false
		}

		b.metrics.recordRetry(ctx, queueName)
		b.config.Logger.Warn("Failed to send command, retrying",
			"message_id", env.ID,
			"channel", idx,
			"attempt", attempt,
			"error", err,
		)

		if errors.Is(err, transport.ErrInvalidState) {
			if rerr := b.client.Reopen(ctx, idx); rerr != nil {
				b.config.Logger.Warn("Failed to rebuild channel",
					"channel", idx,
					"error", rerr,
				)
			}
			env = env.Clone()
		}

		if !sleep(ctx, next(bo, b.config.RetryDelay)) {
			return false
		}
	}
}

// removeSent deletes id from the outbox without blocking the caller.
// Failures are logged, not retried.
func (b *Bus) removeSent(ctx context.Context, id string) {
	if b.config.Outbox == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	go func() {
		if err := b.config.Outbox.RemoveSent(ctx, id); err != nil {
			b.config.Logger.Warn("Failed to remove sent command from outbox",
				"message_id", id,
				"error", err,
			)
		}
	}()
}

// next returns the next pause from bo. Retries are never capped, so a
// policy that gives up falls back to fallback.
func next(bo backoff.BackOff, fallback time.Duration) time.Duration {
	d := bo.NextBackOff()
	if d == backoff.Stop || d < 0 {
		return fallback
	}
	return d
}

// sleep waits for d and reports false if ctx ended first.
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
