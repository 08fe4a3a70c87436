// Package cmdbustest provides test doubles for code that depends on
// cmdbus.Dispatcher.
package cmdbustest

import (
	"context"
	"fmt"
	"sync"

	"github.com/fxsml/cmdbus"
	"github.com/fxsml/cmdbus/message"
)

// Call is one recorded Send or Add.
type Call struct {
	Command  any
	Deferred bool
	Future   *cmdbus.Future
}

// Recorder implements cmdbus.Dispatcher without a transport. Sent commands
// are recorded and their futures stay pending until a test resolves them,
// either explicitly or through Respond.
type Recorder struct {
	marshaler message.Marshaler

	mu        sync.Mutex
	calls     []Call
	responses map[string]func(cmd any) (any, error)
	sendErr   error
}

var _ cmdbus.Dispatcher = (*Recorder)(nil)

// NewRecorder creates an empty recorder using JSON payloads.
func NewRecorder() *Recorder {
	return &Recorder{
		marshaler: message.NewJSONMarshaler(),
		responses: make(map[string]func(cmd any) (any, error)),
	}
}

// Respond registers fn to resolve every future for commands of typ, as
// named by message.TypeOf with KebabNaming. Results are encoded with the
// recorder's marshaler; errors resolve the future with that error.
func (r *Recorder) Respond(typ string, fn func(cmd any) (any, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses[typ] = fn
}

// FailSends makes every subsequent Send return err. A nil err restores
// normal behavior.
func (r *Recorder) FailSends(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sendErr = err
}

// Send implements cmdbus.Dispatcher. Like the bus, it rejects sends from
// inside a handling context.
func (r *Recorder) Send(ctx context.Context, cmd any) (*cmdbus.Future, error) {
	if message.HandlingFromContext(ctx) != nil {
		return nil, cmdbus.ErrNestedSend
	}

	r.mu.Lock()
	if r.sendErr != nil {
		err := r.sendErr
		r.mu.Unlock()
		return nil, err
	}
	f := cmdbus.NewFuture(message.NewID(), r.marshaler.Unmarshal)
	r.calls = append(r.calls, Call{Command: cmd, Future: f})
	respond := r.responses[message.TypeOf(cmd, message.KebabNaming)]
	r.mu.Unlock()

	if respond != nil {
		res, err := respond(cmd)
		r.complete(f, res, err)
	}
	return f, nil
}

// Add implements cmdbus.Dispatcher. The command is recorded as deferred;
// no future is created.
func (r *Recorder) Add(ctx context.Context, cmd any) error {
	if message.HandlingFromContext(ctx) == nil {
		return cmdbus.ErrNoHandlingContext
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Command: cmd, Deferred: true})
	return nil
}

// Calls returns a copy of all recorded calls in order.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// Commands returns the recorded commands in order.
func (r *Recorder) Commands() []any {
	calls := r.Calls()
	out := make([]any, len(calls))
	for i, c := range calls {
		out[i] = c.Command
	}
	return out
}

// Reset forgets all recorded calls. Pending futures are not resolved.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

// Reply resolves the future of the i-th recorded call with result. It
// reports false when the call has no future or was already resolved.
func (r *Recorder) Reply(i int, result any) bool {
	f := r.future(i)
	if f == nil {
		return false
	}
	return r.complete(f, result, nil)
}

// Fail resolves the future of the i-th recorded call with err.
func (r *Recorder) Fail(i int, err error) bool {
	f := r.future(i)
	if f == nil {
		return false
	}
	return f.Complete(nil, err)
}

func (r *Recorder) future(i int) *cmdbus.Future {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i < 0 || i >= len(r.calls) {
		return nil
	}
	return r.calls[i].Future
}

func (r *Recorder) complete(f *cmdbus.Future, result any, err error) bool {
	if err != nil {
		return f.Complete(nil, err)
	}
	payload, merr := r.marshaler.Marshal(result)
	if merr != nil {
		return f.Complete(nil, fmt.Errorf("cmdbustest: marshal result: %w", merr))
	}
	cmd := &message.Envelope{ID: f.ID()}
	return f.Complete(message.NewReply(cmd, payload), nil)
}
