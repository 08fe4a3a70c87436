package cmdbus

import "errors"

var (
	// ErrNestedSend is returned by Send when called from inside a command
	// handler. Use Add to defer the command instead.
	ErrNestedSend = errors.New("cmdbus: send called while handling a command; use Add")
	// ErrNotStarted is returned when the bus is used before Start.
	ErrNotStarted = errors.New("cmdbus: not started")
	// ErrStopped is returned after Stop and fails futures still pending at
	// shutdown.
	ErrStopped = errors.New("cmdbus: stopped")
	// ErrNoHandlingContext is returned by Add outside a command handler.
	ErrNoHandlingContext = errors.New("cmdbus: no handling context")
	// ErrDuplicateID is returned when a command id is already pending.
	ErrDuplicateID = errors.New("cmdbus: duplicate message id")
)
