package cmdbus

import (
	"context"
	"sync"

	"github.com/fxsml/cmdbus/message"
)

// UnmarshalFunc decodes a reply payload.
type UnmarshalFunc func(data []byte, v any) error

// Future is the eventual outcome of one command. It resolves exactly once:
// with the reply envelope, with the remote *message.Fault, or with the
// cancellation cause (context.Canceled, context.DeadlineExceeded or
// ErrStopped).
type Future struct {
	id        string
	unmarshal UnmarshalFunc

	once  sync.Once
	done  chan struct{}
	reply *message.Envelope
	err   error
}

// NewFuture creates an unresolved future for command id. Dispatchers other
// than Bus, such as test doubles, use it together with Complete.
func NewFuture(id string, unmarshal UnmarshalFunc) *Future {
	if unmarshal == nil {
		unmarshal = message.NewJSONMarshaler().Unmarshal
	}
	return &Future{
		id:        id,
		unmarshal: unmarshal,
		done:      make(chan struct{}),
	}
}

// ID returns the command id the future belongs to.
func (f *Future) ID() string {
	return f.id
}

// Done is closed once the future resolves.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Err returns the resolution error. It is nil while the future is pending
// and after a successful reply.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Wait blocks until the future resolves or ctx is done. A done ctx does not
// cancel the command; cancel the context passed to Send for that.
func (f *Future) Wait(ctx context.Context) (*message.Envelope, error) {
	select {
	case <-f.done:
		return f.reply, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Complete resolves the future. It reports false when the future was
// already resolved, in which case nothing changes.
func (f *Future) Complete(reply *message.Envelope, err error) bool {
	resolved := false
	f.once.Do(func() {
		f.reply = reply
		f.err = err
		close(f.done)
		resolved = true
	})
	return resolved
}

// Await waits for f and decodes the reply payload into T. Remote faults are
// returned unchanged as *message.Fault.
func Await[T any](ctx context.Context, f *Future) (T, error) {
	var result T
	reply, err := f.Wait(ctx)
	if err != nil {
		return result, err
	}
	if reply == nil || len(reply.Payload) == 0 {
		return result, nil
	}
	if err := f.unmarshal(reply.Payload, &result); err != nil {
		return result, err
	}
	return result, nil
}

// SendAndAwait sends cmd and waits for its typed result.
func SendAndAwait[T any](ctx context.Context, d Dispatcher, cmd any) (T, error) {
	f, err := d.Send(ctx, cmd)
	if err != nil {
		var zero T
		return zero, err
	}
	return Await[T](ctx, f)
}
