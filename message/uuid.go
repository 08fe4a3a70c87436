package message

import "github.com/google/uuid"

// IDGenerator generates unique message IDs.
type IDGenerator func() string

// DefaultIDGenerator is used by NewEnvelope and the reply constructors.
// Tests may replace it to obtain deterministic ids.
var DefaultIDGenerator IDGenerator = NewID

// NewID returns a random RFC 4122 UUID v4 string.
func NewID() string {
	return uuid.NewString()
}
