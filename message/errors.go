package message

import "errors"

var (
	// ErrMissingID is returned when an envelope without a message id is encoded.
	ErrMissingID = errors.New("message: missing id")

	// ErrMissingType is returned when an envelope without a type is encoded.
	ErrMissingType = errors.New("message: missing type")
)
