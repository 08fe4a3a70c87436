package cmdbus

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name for bus metrics and spans.
const meterName = "github.com/fxsml/cmdbus"

// Reply outcomes recorded on cmdbus.replies.
const (
	outcomeMatched   = "matched"
	outcomeFault     = "fault"
	outcomeDropped   = "dropped"
	outcomeMalformed = "malformed"
)

// metrics holds the bus instruments:
//   - cmdbus.commands.sent (Int64Counter): envelopes transmitted, by queue
//   - cmdbus.send.retries (Int64Counter): failed transmit attempts, by queue
//   - cmdbus.replies (Int64Counter): received replies, by outcome
//   - cmdbus.commands.cancelled (Int64Counter): pending entries cancelled
//   - cmdbus.pending (Int64UpDownCounter): commands awaiting a reply
type metrics struct {
	sent      metric.Int64Counter
	retries   metric.Int64Counter
	replies   metric.Int64Counter
	cancelled metric.Int64Counter
	pending   metric.Int64UpDownCounter
}

// newMetrics creates the instruments. The OTel API returns working noop
// instruments alongside any error, so errors are ignored.
func newMetrics(meter metric.Meter) *metrics {
	sent, _ := meter.Int64Counter(
		"cmdbus.commands.sent",
		metric.WithDescription("Commands transmitted to a command queue"),
		metric.WithUnit("{command}"),
	)
	retries, _ := meter.Int64Counter(
		"cmdbus.send.retries",
		metric.WithDescription("Failed transmit attempts that were retried"),
		metric.WithUnit("{attempt}"),
	)
	replies, _ := meter.Int64Counter(
		"cmdbus.replies",
		metric.WithDescription("Replies received on the reply queue"),
		metric.WithUnit("{reply}"),
	)
	cancelled, _ := meter.Int64Counter(
		"cmdbus.commands.cancelled",
		metric.WithDescription("Pending commands resolved by cancellation"),
		metric.WithUnit("{command}"),
	)
	pending, _ := meter.Int64UpDownCounter(
		"cmdbus.pending",
		metric.WithDescription("Commands awaiting a reply"),
		metric.WithUnit("{command}"),
	)
	return &metrics{
		sent:      sent,
		retries:   retries,
		replies:   replies,
		cancelled: cancelled,
		pending:   pending,
	}
}

func (m *metrics) recordSent(ctx context.Context, queue string) {
	m.sent.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
}

func (m *metrics) recordRetry(ctx context.Context, queue string) {
	m.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
}

func (m *metrics) recordReply(ctx context.Context, outcome string) {
	m.replies.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
