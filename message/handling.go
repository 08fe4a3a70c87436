package message

import (
	"context"
	"sync"
)

type contextKey string

const handlingKey contextKey = "message.handling"

// Handling describes the command whose handler is currently running. It
// collects commands registered for dispatch after the handler returns.
type Handling struct {
	command *Envelope

	mu       sync.Mutex
	deferred []*Envelope
}

// NewHandling creates a handling context for cmd.
func NewHandling(cmd *Envelope) *Handling {
	return &Handling{command: cmd}
}

// Command returns the envelope being handled.
func (h *Handling) Command() *Envelope {
	return h.command
}

// Add registers envelopes for dispatch once handling completes.
func (h *Handling) Add(envs ...*Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deferred = append(h.deferred, envs...)
}

// Drain returns the registered envelopes in registration order and clears them.
func (h *Handling) Drain() []*Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	envs := h.deferred
	h.deferred = nil
	return envs
}

// WithHandling returns a context carrying h.
func WithHandling(ctx context.Context, h *Handling) context.Context {
	return context.WithValue(ctx, handlingKey, h)
}

// HandlingFromContext returns the handling context carried by ctx, or nil.
func HandlingFromContext(ctx context.Context) *Handling {
	if ctx == nil {
		return nil
	}
	h, _ := ctx.Value(handlingKey).(*Handling)
	return h
}
