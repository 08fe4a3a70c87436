package cmdbus

import (
	"context"

	"github.com/fxsml/cmdbus/message"
)

// Outbox holds commands that were accepted but not yet confirmed as
// transmitted. Implementations must be safe for concurrent use with inserts
// made outside the bus.
type Outbox interface {
	// ListUnsent returns every envelope not yet removed, oldest first.
	ListUnsent(ctx context.Context) ([]*message.Envelope, error)
	// RemoveSent deletes the envelope with the given id. Removing an
	// unknown id is not an error.
	RemoveSent(ctx context.Context, id string) error
}

// OutboxAppender is implemented by outboxes the bus may write to. When the
// configured Outbox implements it, every envelope is appended before it is
// queued for sending.
type OutboxAppender interface {
	Append(ctx context.Context, envs ...*message.Envelope) error
}
