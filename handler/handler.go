// Package handler runs the receiving side of the command bus.
//
// A Handler processes one command type. Responder consumes command queues,
// routes each envelope to the handler registered for its type and publishes
// the reply, or a fault reply, to the queue named by the envelope's ReplyTo.
//
// Handlers run inside a handling context (message.WithHandling). Commands
// added through cmdbus.Bus.Add during handling are flushed through an
// Enqueuer after the handler returns, and a nested Bus.Send is rejected.
package handler

import (
	"context"
	"fmt"

	"github.com/fxsml/cmdbus/message"
)

// Handler processes commands of one envelope type.
type Handler interface {
	// CommandType returns the envelope type this handler processes.
	CommandType() string

	// Handle processes cmd and returns the reply payload.
	Handle(ctx context.Context, cmd *message.Envelope) ([]byte, error)
}

// Config configures typed handlers.
type Config struct {
	// Naming derives the command type when C is not message.Typed.
	// Default: message.KebabNaming.
	Naming message.NamingStrategy

	// Marshaler decodes commands and encodes results.
	// Default: JSON.
	Marshaler message.Marshaler
}

func (c Config) applyDefaults() Config {
	if c.Naming == nil {
		c.Naming = message.KebabNaming
	}
	if c.Marshaler == nil {
		c.Marshaler = message.NewJSONMarshaler()
	}
	return c
}

type typedHandler[C, R any] struct {
	commandType string
	marshaler   message.Marshaler
	fn          func(ctx context.Context, cmd C) (R, error)
}

// New creates a handler from a typed function. The command type is derived
// from C the same way the bus derives it when sending.
func New[C, R any](fn func(ctx context.Context, cmd C) (R, error), cfg Config) Handler {
	cfg = cfg.applyDefaults()
	var zero C
	return &typedHandler[C, R]{
		commandType: message.TypeOf(zero, cfg.Naming),
		marshaler:   cfg.Marshaler,
		fn:          fn,
	}
}

func (h *typedHandler[C, R]) CommandType() string {
	return h.commandType
}

func (h *typedHandler[C, R]) Handle(ctx context.Context, env *message.Envelope) ([]byte, error) {
	var cmd C
	if err := h.marshaler.Unmarshal(env.Payload, &cmd); err != nil {
		return nil, message.NewFault(FaultCodeMalformed, fmt.Sprintf("decode %s: %v", env.Type, err))
	}
	res, err := h.fn(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return h.marshaler.Marshal(res)
}

// Fault codes reported by the Responder itself.
const (
	FaultCodeMalformed      = "malformed_command"
	FaultCodeUnknownCommand = "unknown_command"
	FaultCodePanic          = "panic"
)
