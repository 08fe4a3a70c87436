package cmdbus

import (
	"context"
	"errors"

	"github.com/fxsml/cmdbus/message"
	"github.com/fxsml/cmdbus/transport"
)

// runReplyWorker receives replies until the reply channel is closed or ctx
// is done. Receive failures are logged and followed by a back-off.
func (b *Bus) runReplyWorker(ctx context.Context) {
	defer close(b.replyDone)
	bo := b.config.NewBackOff()

	for {
		env, d, err := b.client.Receive(ctx)
		if err != nil {
			if d != nil {
				b.ack(d)
			}
			switch {
			case errors.Is(err, transport.ErrClosed), ctx.Err() != nil:
				return
			case errors.Is(err, transport.ErrMalformed):
				b.metrics.recordReply(ctx, outcomeMalformed)
				b.config.Logger.Warn("Dropping malformed reply", "error", err)
				continue
			}
			b.config.Logger.Error("Failed to receive reply", "error", err)
			if !sleep(ctx, next(bo, b.config.RetryDelay)) {
				return
			}
			continue
		}
		bo.Reset()
		b.handleReply(ctx, env, d)
	}
}

// handleReply resolves the pending entry env answers. Unmatched replies
// are dropped. d is acked in every case.
func (b *Bus) handleReply(ctx context.Context, env *message.Envelope, d *transport.Delivery) {
	defer b.ack(d)

	p := b.table.take(env.CorrelationID)
	if p == nil {
		b.metrics.recordReply(ctx, outcomeDropped)
		b.config.Logger.Debug("Dropping reply without pending command",
			"message_id", env.ID,
			"correlation_id", env.CorrelationID,
		)
		return
	}

	if env.Fault {
		b.metrics.recordReply(ctx, outcomeFault)
		b.resolve(p, env, message.DecodeFault(env.Payload))
		return
	}
	b.metrics.recordReply(ctx, outcomeMatched)
	b.resolve(p, env, nil)
}

func (b *Bus) ack(d *transport.Delivery) {
	if err := d.Ack(); err != nil {
		b.config.Logger.Warn("Failed to ack reply", "message_id", d.ID, "error", err)
	}
}
