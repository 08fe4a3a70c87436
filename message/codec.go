package message

import (
	"encoding/json"
	"fmt"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/cloudevents/sdk-go/v2/types"
)

// CloudEvents extension attributes carrying envelope metadata.
const (
	ExtCorrelationID = "correlationid"
	ExtReplyTo       = "replyto"
	ExtPartitionKey  = "partitionkey"
	ExtFault         = "fault"
)

// Codec converts envelopes to and from their wire representation.
type Codec interface {
	Encode(env *Envelope) ([]byte, error)
	Decode(data []byte) (*Envelope, error)
	// ContentType is the media type of encoded envelopes.
	ContentType() string
}

// CloudEventsCodec encodes envelopes as structured-mode CloudEvents JSON.
type CloudEventsCodec struct {
	// Source is the CloudEvents source attribute. Default: "/cmdbus".
	Source string
	// DataContentType of payloads. Default: "application/json".
	DataContentType string
}

// NewCloudEventsCodec creates a codec with default source and content type.
func NewCloudEventsCodec() *CloudEventsCodec {
	return &CloudEventsCodec{}
}

// ContentType returns the structured CloudEvents JSON media type.
func (c *CloudEventsCodec) ContentType() string {
	return cloudevents.ApplicationCloudEventsJSON
}

// Encode implements Codec.
func (c *CloudEventsCodec) Encode(env *Envelope) ([]byte, error) {
	if env.ID == "" {
		return nil, ErrMissingID
	}
	if env.Type == "" {
		return nil, ErrMissingType
	}

	e := cloudevents.NewEvent()
	e.SetID(env.ID)
	e.SetType(env.Type)
	e.SetSource(c.source())
	if !env.Time.IsZero() {
		e.SetTime(env.Time)
	}
	if env.CorrelationID != "" {
		e.SetExtension(ExtCorrelationID, env.CorrelationID)
	}
	if env.ReplyTo != "" {
		e.SetExtension(ExtReplyTo, env.ReplyTo)
	}
	if env.Key != "" {
		e.SetExtension(ExtPartitionKey, env.Key)
	}
	if env.Fault {
		e.SetExtension(ExtFault, true)
	}

	if len(env.Payload) > 0 {
		ct := c.dataContentType()
		var data any = env.Payload
		if ct == "application/json" && json.Valid(env.Payload) {
			data = json.RawMessage(env.Payload)
		}
		if err := e.SetData(ct, data); err != nil {
			return nil, fmt.Errorf("message: set data: %w", err)
		}
	}

	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("message: invalid event: %w", err)
	}
	return json.Marshal(e)
}

// Decode implements Codec.
func (c *CloudEventsCodec) Decode(data []byte) (*Envelope, error) {
	var e cloudevents.Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("message: decode event: %w", err)
	}

	env := &Envelope{
		ID:   e.ID(),
		Type: e.Type(),
		Time: e.Time(),
	}
	if env.ID == "" {
		return nil, ErrMissingID
	}

	ext := e.Extensions()
	env.CorrelationID = extString(ext, ExtCorrelationID)
	env.ReplyTo = extString(ext, ExtReplyTo)
	env.Key = extString(ext, ExtPartitionKey)
	if v, ok := ext[ExtFault]; ok {
		env.Fault, _ = types.ToBool(v)
	}

	if b := e.Data(); len(b) > 0 {
		env.Payload = append([]byte(nil), b...)
	}
	return env, nil
}

func (c *CloudEventsCodec) source() string {
	if c.Source == "" {
		return "/cmdbus"
	}
	return c.Source
}

func (c *CloudEventsCodec) dataContentType() string {
	if c.DataContentType == "" {
		return "application/json"
	}
	return c.DataContentType
}

func extString(ext map[string]any, name string) string {
	v, ok := ext[name]
	if !ok {
		return ""
	}
	s, err := types.ToString(v)
	if err != nil {
		return ""
	}
	return s
}
