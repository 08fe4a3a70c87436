package handler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/fxsml/cmdbus/message"
)

// Middleware wraps a Handler with additional behavior.
type Middleware func(Handler) Handler

// Chain applies mws to h. The first middleware is the outermost.
func Chain(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// HandlerFunc adapts a function to Handler for a fixed command type.
type HandlerFunc struct {
	Type string
	Fn   func(ctx context.Context, cmd *message.Envelope) ([]byte, error)
}

// CommandType implements Handler.
func (f HandlerFunc) CommandType() string { return f.Type }

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, cmd *message.Envelope) ([]byte, error) {
	return f.Fn(ctx, cmd)
}

func wrap(next Handler, fn func(ctx context.Context, cmd *message.Envelope) ([]byte, error)) Handler {
	return HandlerFunc{Type: next.CommandType(), Fn: fn}
}

// Recover converts a handler panic into a fault with code FaultCodePanic.
// The panic value and stack are logged at error level.
func Recover(log *slog.Logger) Middleware {
	if log == nil {
		log = slog.Default()
	}
	return func(next Handler) Handler {
		return wrap(next, func(ctx context.Context, cmd *message.Envelope) (payload []byte, err error) {
			defer func() {
				if p := recover(); p != nil {
					log.Error("Handler panicked",
						"message_id", cmd.ID,
						"type", cmd.Type,
						"panic", p,
						"stack", string(debug.Stack()),
					)
					payload, err = nil, message.NewFault(FaultCodePanic, fmt.Sprint(p))
				}
			}()
			return next.Handle(ctx, cmd)
		})
	}
}

// LoggingConfig configures the Logging middleware.
type LoggingConfig struct {
	// Args are added to every record.
	Args []any
	// LevelSuccess is used for handled commands. Default: slog.LevelDebug.
	LevelSuccess slog.Leveler
	// LevelFailure is used for failed commands. Default: slog.LevelWarn.
	LevelFailure slog.Leveler
}

// Logging records the outcome and duration of every handled command.
func Logging(log *slog.Logger, config LoggingConfig) Middleware {
	if log == nil {
		log = slog.Default()
	}
	if config.LevelSuccess == nil {
		config.LevelSuccess = slog.LevelDebug
	}
	if config.LevelFailure == nil {
		config.LevelFailure = slog.LevelWarn
	}
	return func(next Handler) Handler {
		return wrap(next, func(ctx context.Context, cmd *message.Envelope) ([]byte, error) {
			start := time.Now()
			payload, err := next.Handle(ctx, cmd)

			args := append([]any{
				"message_id", cmd.ID,
				"type", cmd.Type,
				"duration", time.Since(start),
			}, config.Args...)
			if err != nil {
				log.Log(ctx, config.LevelFailure.Level(), "Command failed", append(args, "error", err)...)
			} else {
				log.Log(ctx, config.LevelSuccess.Level(), "Command handled", args...)
			}
			return payload, err
		})
	}
}

// Timeout bounds each handler call with d. The handler sees the deadline on
// its context; a handler that ignores it is not interrupted.
func Timeout(d time.Duration) Middleware {
	return func(next Handler) Handler {
		return wrap(next, func(ctx context.Context, cmd *message.Envelope) ([]byte, error) {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next.Handle(ctx, cmd)
		})
	}
}

// Limit allows at most n concurrent calls across all handlers wrapped by
// the returned middleware.
func Limit(n int64) Middleware {
	sem := semaphore.NewWeighted(n)
	return func(next Handler) Handler {
		return wrap(next, func(ctx context.Context, cmd *message.Envelope) ([]byte, error) {
			if err := sem.Acquire(ctx, 1); err != nil {
				return nil, err
			}
			defer sem.Release(1)
			return next.Handle(ctx, cmd)
		})
	}
}
