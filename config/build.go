package config

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/fxsml/cmdbus"
	"github.com/fxsml/cmdbus/outbox"
	"github.com/fxsml/cmdbus/outbox/postgres"
	"github.com/fxsml/cmdbus/outbox/sqlite"
	"github.com/fxsml/cmdbus/transport"
	"github.com/fxsml/cmdbus/transport/kafka"
	"github.com/fxsml/cmdbus/transport/memory"
	"github.com/fxsml/cmdbus/transport/nats"
	"github.com/fxsml/cmdbus/transport/rabbitmq"
	"github.com/fxsml/cmdbus/transport/redisstream"
)

// Logger builds the process logger writing to w.
func (c Config) Logger(w io.Writer) *slog.Logger {
	level, _ := c.level()
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// NewBroker connects the configured broker.
func (c Config) NewBroker(ctx context.Context, logger *slog.Logger) (transport.Broker, error) {
	switch c.Broker {
	case BrokerMemory:
		return memory.NewBroker(), nil
	case BrokerRabbitMQ:
		b, err := rabbitmq.NewBroker(rabbitmq.Config{
			URL:       c.RabbitMQ.URL,
			Transient: c.RabbitMQ.Transient,
			Prefetch:  c.RabbitMQ.Prefetch,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	case BrokerNATS:
		b, err := nats.NewBroker(ctx, nats.Config{
			URL:           c.NATS.URL,
			Stream:        c.NATS.Stream,
			SubjectPrefix: c.NATS.SubjectPrefix,
			PollWait:      c.NATS.PollWait,
			Logger:        logger,
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	case BrokerKafka:
		return kafka.NewBroker(kafka.Config{
			Brokers: c.Kafka.Brokers,
			GroupID: c.Kafka.GroupID,
			Logger:  logger,
		}), nil
	case BrokerRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("config: redis ping %s: %w", c.Redis.Addr, err)
		}
		b, err := redisstream.NewBroker(redisstream.Config{
			Client: client,
			Group:  c.Redis.Group,
			Block:  c.Redis.Block,
			MaxLen: c.Redis.MaxLen,
			Logger: logger,
		})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return &redisBroker{Broker: b, client: client}, nil
	}
	return nil, fmt.Errorf("config: unknown broker %q", c.Broker)
}

// redisBroker closes the client it was built with.
type redisBroker struct {
	*redisstream.Broker
	client *redis.Client
}

func (b *redisBroker) Close() error {
	_ = b.Broker.Close()
	return b.client.Close()
}

// NewOutbox opens the configured outbox. It returns nil when the driver is
// none. Stores holding resources implement io.Closer.
func (c Config) NewOutbox(ctx context.Context, logger *slog.Logger) (cmdbus.Outbox, error) {
	switch c.Outbox.Driver {
	case OutboxNone:
		return nil, nil
	case OutboxMemory:
		return outbox.NewStore(), nil
	case OutboxSQLite:
		s, err := sqlite.Open(ctx, c.Outbox.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	case OutboxPostgres:
		s, err := postgres.New(ctx, c.Outbox.DSN, postgres.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("config: unknown outbox driver %q", c.Outbox.Driver)
}

// ClientConfig returns the transport client configuration.
func (c Config) ClientConfig() transport.ClientConfig {
	return transport.ClientConfig{
		Queues:     c.Queues,
		ReplyQueue: c.ReplyQueue,
	}
}

// BusConfig returns the bus configuration. Outbox and logger are supplied
// by the caller since they own resources.
func (c Config) BusConfig(logger *slog.Logger, ob cmdbus.Outbox) cmdbus.Config {
	bc := cmdbus.Config{
		Outbox:           ob,
		RetryDelay:       c.RetryDelay,
		ReplyStopTimeout: c.ReplyStopTimeout,
		SendStopTimeout:  c.SendStopTimeout,
	}
	if logger != nil {
		bc.Logger = logger
	}
	return bc
}
