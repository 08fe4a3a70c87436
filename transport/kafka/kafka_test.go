package kafka

import (
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/fxsml/cmdbus/transport"
	"github.com/fxsml/cmdbus/transport/transporttest"
	"github.com/segmentio/kafka-go"
)

func TestConfig_Defaults(t *testing.T) {
	t.Parallel()

	c := Config{}.applyDefaults()
	if c.GroupID != "cmdbus" {
		t.Errorf("Expected group cmdbus, got %q", c.GroupID)
	}
	if c.StartOffset != kafka.FirstOffset {
		t.Errorf("Expected FirstOffset, got %d", c.StartOffset)
	}
	if c.RequiredAcks != kafka.RequireAll {
		t.Errorf("Expected RequireAll, got %v", c.RequiredAcks)
	}
	if c.BatchTimeout != 10*time.Millisecond || c.MaxWait != time.Second {
		t.Errorf("unexpected timing defaults: %+v", c)
	}
}

func TestMapError(t *testing.T) {
	t.Parallel()

	for _, err := range []error{io.EOF, io.ErrClosedPipe} {
		if got := mapError(err); !errors.Is(got, transport.ErrInvalidState) {
			t.Errorf("mapError(%v) = %v, want ErrInvalidState", err, got)
		}
	}
	plain := errors.New("boom")
	if got := mapError(plain); got != plain {
		t.Errorf("mapError(%v) = %v, want passthrough", plain, got)
	}
}

func TestBroker_Closed(t *testing.T) {
	t.Parallel()

	b := NewBroker(Config{Brokers: []string{"localhost:9092"}})
	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := b.Producer(t.Context(), "q"); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Expected ErrClosed from Producer, got %v", err)
	}
	if _, err := b.Consumer(t.Context(), "q"); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Expected ErrClosed from Consumer, got %v", err)
	}
}

func TestProducer_SendAfterClose(t *testing.T) {
	t.Parallel()

	b := NewBroker(Config{Brokers: []string{"localhost:9092"}})
	p, err := b.Producer(t.Context(), "q")
	if err != nil {
		t.Fatalf("Producer failed: %v", err)
	}
	_ = p.Close()
	if err := p.Send(t.Context(), &transport.Message{ID: "1"}); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestBroker_Conformance(t *testing.T) {
	addrs := os.Getenv("CMDBUS_TEST_KAFKA_BROKERS")
	if addrs == "" {
		t.Skip("CMDBUS_TEST_KAFKA_BROKERS not set")
	}

	transporttest.Run(t, func(t *testing.T) transport.Broker {
		b := NewBroker(Config{
			Brokers: strings.Split(addrs, ","),
			GroupID: transporttest.QueueName(t, "group"),
			MaxWait: 100 * time.Millisecond,
		})
		t.Cleanup(func() { _ = b.Close() })
		return b
	})
}
