package cmdbus_test

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/fxsml/cmdbus"
	"github.com/fxsml/cmdbus/message"
	"github.com/fxsml/cmdbus/transport"
	"github.com/fxsml/cmdbus/transport/memory"
)

const replyQueue = "replies"

var codec = message.NewCloudEventsCodec()

type CreateOrder struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
}

func (c CreateOrder) PartitionKey() string { return c.Customer }

type Ping struct {
	N int `json:"n"`
}

// logEntry is one captured log call.
type logEntry struct {
	level string
	msg   string
	args  []any
}

type recordLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *recordLogger) log(level, msg string, args []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg, args: args})
}

func (l *recordLogger) Debug(msg string, args ...any) { l.log("debug", msg, args) }
func (l *recordLogger) Info(msg string, args ...any)  { l.log("info", msg, args) }
func (l *recordLogger) Warn(msg string, args ...any)  { l.log("warn", msg, args) }
func (l *recordLogger) Error(msg string, args ...any) { l.log("error", msg, args) }

func (l *recordLogger) find(level, msg string) (logEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.level == level && e.msg == msg {
			return e, true
		}
	}
	return logEntry{}, false
}

func (l *recordLogger) count(level string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.entries {
		if e.level == level {
			n++
		}
	}
	return n
}

// arg returns the value logged for key.
func (e logEntry) arg(key string) any {
	for i := 0; i+1 < len(e.args); i += 2 {
		if e.args[i] == key {
			return e.args[i+1]
		}
	}
	return nil
}

// faultyBroker wraps a memory broker. Producer sends fail with the queued
// errors first and with always afterwards, if set.
type faultyBroker struct {
	*memory.Broker

	mu        sync.Mutex
	failures  []error
	always    error
	attempts  int
	producers int
}

func (b *faultyBroker) Producer(ctx context.Context, dest string) (transport.Producer, error) {
	b.mu.Lock()
	b.producers++
	b.mu.Unlock()
	p, err := b.Broker.Producer(ctx, dest)
	if err != nil {
		return nil, err
	}
	return &faultyProducer{Producer: p, broker: b}, nil
}

func (b *faultyBroker) stats() (attempts, producers int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts, b.producers
}

type faultyProducer struct {
	transport.Producer
	broker *faultyBroker
}

func (p *faultyProducer) Send(ctx context.Context, msg *transport.Message) error {
	b := p.broker
	b.mu.Lock()
	b.attempts++
	var err error
	if len(b.failures) > 0 {
		err, b.failures = b.failures[0], b.failures[1:]
	} else {
		err = b.always
	}
	b.mu.Unlock()
	if err != nil {
		return err
	}
	return p.Producer.Send(ctx, msg)
}

// recordOutbox is an in-memory Outbox that records removals.
type recordOutbox struct {
	mu       sync.Mutex
	unsent   []*message.Envelope
	appended []*message.Envelope
	removed  []string
	onRemove func(id string)
	onAppend func()
}

func (o *recordOutbox) ListUnsent(context.Context) ([]*message.Envelope, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*message.Envelope(nil), o.unsent...), nil
}

func (o *recordOutbox) RemoveSent(_ context.Context, id string) error {
	if o.onRemove != nil {
		o.onRemove(id)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.removed = append(o.removed, id)
	return nil
}

func (o *recordOutbox) Append(_ context.Context, envs ...*message.Envelope) error {
	if o.onAppend != nil {
		o.onAppend()
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.appended = append(o.appended, envs...)
	return nil
}

func (o *recordOutbox) appendedIDs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, len(o.appended))
	for i, env := range o.appended {
		ids[i] = env.ID
	}
	return ids
}

func (o *recordOutbox) removedIDs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.removed...)
}

func queueNames(n int) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = "commands-" + strconv.Itoa(i)
	}
	return names
}

// startBus starts a bus with n command queues on broker and stops it when
// the test ends.
func startBus(t *testing.T, broker transport.Broker, n int, cfg cmdbus.Config) (*cmdbus.Bus, *transport.Client) {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = &recordLogger{}
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 10 * time.Millisecond
	}
	client := transport.NewClient(broker, transport.ClientConfig{
		Queues:     queueNames(n),
		ReplyQueue: replyQueue,
	})
	bus := cmdbus.New(client, cfg)
	if err := bus.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(bus.Stop)
	return bus, client
}

// receiveCommand takes the next command from queue, acks it and decodes it.
// It reports failures with t.Errorf and returns nil, so it may run on any
// goroutine.
func receiveCommand(t *testing.T, broker transport.Broker, queue string) *message.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := broker.Consumer(ctx, queue)
	if err != nil {
		t.Errorf("Consumer failed: %v", err)
		return nil
	}
	defer c.Close()

	d, err := c.Receive(ctx)
	if err != nil {
		t.Errorf("no command on %s: %v", queue, err)
		return nil
	}
	_ = d.Ack()
	env, err := codec.Decode(d.Body)
	if err != nil {
		t.Errorf("Decode failed: %v", err)
		return nil
	}
	return env
}

// mustReceiveCommand is receiveCommand for the test goroutine.
func mustReceiveCommand(t *testing.T, broker transport.Broker, queue string) *message.Envelope {
	t.Helper()
	env := receiveCommand(t, broker, queue)
	if env == nil {
		t.FailNow()
	}
	return env
}

// replyTo answers the next command on queue with payload.
func replyTo(t *testing.T, broker transport.Broker, queue string, payload []byte) {
	t.Helper()
	if cmd := receiveCommand(t, broker, queue); cmd != nil {
		publishReply(t, broker, message.NewReply(cmd, payload))
	}
}

// publishReply encodes reply and publishes it on the reply queue.
func publishReply(t *testing.T, broker transport.Broker, reply *message.Envelope) {
	t.Helper()
	body, err := codec.Encode(reply)
	if err != nil {
		t.Errorf("Encode failed: %v", err)
		return
	}
	p, err := broker.Producer(context.Background(), replyQueue)
	if err != nil {
		t.Errorf("Producer failed: %v", err)
		return
	}
	defer p.Close()
	if err := p.Send(context.Background(), &transport.Message{ID: reply.ID, Body: body}); err != nil {
		t.Errorf("publish reply: %v", err)
	}
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, fmt.Sprintf(format, args...))
}

func waitFuture(t *testing.T, f *cmdbus.Future) {
	t.Helper()
	select {
	case <-f.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("future %s did not resolve", f.ID())
	}
}
