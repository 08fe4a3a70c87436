package message_test

import (
	"testing"

	"github.com/fxsml/cmdbus/message"
)

func TestNewEnvelope(t *testing.T) {
	t.Parallel()

	env := message.NewEnvelope("create-order", []byte(`{}`), "replies", "order-1")
	if env.ID == "" {
		t.Error("Expected generated id")
	}
	if env.ReplyTo != "replies" || env.Key != "order-1" || env.Type != "create-order" {
		t.Errorf("unexpected envelope %+v", env)
	}
	if env.IsReply() {
		t.Error("command must not be a reply")
	}
	if env.Time.IsZero() {
		t.Error("Expected creation time")
	}
}

func TestNewReply(t *testing.T) {
	t.Parallel()

	cmd := message.NewEnvelope("create-order", nil, "replies", "order-1")
	reply := message.NewReply(cmd, []byte(`"ok"`))

	if reply.CorrelationID != cmd.ID {
		t.Errorf("Expected correlation id %q, got %q", cmd.ID, reply.CorrelationID)
	}
	if reply.ID == cmd.ID {
		t.Error("reply must have its own id")
	}
	if reply.Key != cmd.Key {
		t.Errorf("Expected key %q, got %q", cmd.Key, reply.Key)
	}
	if reply.Type != message.ReplyType || reply.Fault {
		t.Errorf("unexpected reply %+v", reply)
	}
	if !reply.IsReply() {
		t.Error("Expected IsReply")
	}
}

func TestEnvelope_Clone(t *testing.T) {
	t.Parallel()

	env := message.NewEnvelope("create-order", []byte("abc"), "replies", "k")
	c := env.Clone()

	if c == env {
		t.Fatal("Clone returned the same pointer")
	}
	if c.ID != env.ID {
		t.Errorf("Expected same id, got %q and %q", env.ID, c.ID)
	}
	c.Payload[0] = 'z'
	if string(env.Payload) != "abc" {
		t.Errorf("Clone shares payload memory: %q", env.Payload)
	}
}
