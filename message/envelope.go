package message

import "time"

const (
	// ReplyType is the envelope type of successful replies.
	ReplyType = "cmdbus.reply"
	// FaultType is the envelope type of fault replies.
	FaultType = "cmdbus.fault"
)

// Envelope wraps a command or a reply with routing and correlation metadata.
//
// An envelope is owned by exactly one stage of the dispatch pipeline at a
// time and is handed over by pointer; it is never mutated after it has been
// queued. Use Clone to obtain a fresh copy of the same logical message.
type Envelope struct {
	// ID uniquely identifies this message.
	ID string
	// CorrelationID is set on replies to the ID of the command they answer.
	CorrelationID string
	// ReplyTo names the destination the handler publishes its reply to.
	ReplyTo string
	// Key is the partition key. Envelopes sharing a key keep their order.
	Key string
	// Type identifies the payload, e.g. "create.order".
	Type string
	// Payload is the marshaled command, reply value or Fault.
	Payload []byte
	// Fault marks a reply whose payload is a Fault.
	Fault bool
	// Time is when the envelope was created.
	Time time.Time
}

// NewEnvelope creates a command envelope with a freshly generated id.
func NewEnvelope(typ string, payload []byte, replyTo, key string) *Envelope {
	return &Envelope{
		ID:      DefaultIDGenerator(),
		ReplyTo: replyTo,
		Key:     key,
		Type:    typ,
		Payload: payload,
		Time:    time.Now().UTC(),
	}
}

// NewReply creates a reply envelope answering cmd.
func NewReply(cmd *Envelope, payload []byte) *Envelope {
	return &Envelope{
		ID:            DefaultIDGenerator(),
		CorrelationID: cmd.ID,
		Key:           cmd.Key,
		Type:          ReplyType,
		Payload:       payload,
		Time:          time.Now().UTC(),
	}
}

// NewFaultReply creates a reply envelope reporting that cmd failed with f.
func NewFaultReply(cmd *Envelope, f *Fault) *Envelope {
	reply := NewReply(cmd, f.Encode())
	reply.Type = FaultType
	reply.Fault = true
	return reply
}

// Clone returns a copy of e for the same logical message. The id is kept so
// receivers can deduplicate; the payload slice is copied.
func (e *Envelope) Clone() *Envelope {
	c := *e
	if e.Payload != nil {
		c.Payload = append([]byte(nil), e.Payload...)
	}
	return &c
}

// IsReply reports whether e answers another envelope.
func (e *Envelope) IsReply() bool {
	return e.CorrelationID != ""
}
