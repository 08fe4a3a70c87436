// Package transport connects the command bus to a message broker.
//
// A Broker hands out Producers for named destinations and Consumers for named
// sources. Every Delivery returned by a Consumer must be acknowledged exactly
// once; Ack is idempotent so it can be deferred unconditionally.
//
// Client owns one Producer per configured command queue plus one Consumer for
// the reply queue, and picks a queue per envelope with SelectChannel so that
// envelopes sharing a partition key always travel through the same queue.
//
// Adapters live in subpackages: memory, rabbitmq, nats, kafka and
// redisstream. Each maps its own "handle unusable" errors to ErrInvalidState.
package transport
