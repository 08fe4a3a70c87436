package message

import (
	"encoding/json"
	"errors"
)

// FaultCodeUnknown is used for handler errors that are not Faults.
const FaultCodeUnknown = "unknown"

// Fault is the error a remote command handler reported. It travels as the
// payload of a fault reply and is returned unchanged to the caller.
type Fault struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewFault creates a Fault with the given code and message.
func NewFault(code, msg string) *Fault {
	return &Fault{Code: code, Message: msg}
}

// Error implements error.
func (f *Fault) Error() string {
	if f.Code == "" {
		return f.Message
	}
	return f.Code + ": " + f.Message
}

// Is reports whether target is a Fault with the same code.
func (f *Fault) Is(target error) bool {
	var t *Fault
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == f.Code
}

// Encode returns the JSON encoding of f.
func (f *Fault) Encode() []byte {
	b, _ := json.Marshal(f)
	return b
}

// DecodeFault decodes a fault reply payload. A payload that is not a Fault
// document becomes an unknown Fault carrying the raw text.
func DecodeFault(data []byte) *Fault {
	var f Fault
	if err := json.Unmarshal(data, &f); err != nil || (f.Code == "" && f.Message == "") {
		return &Fault{Code: FaultCodeUnknown, Message: string(data)}
	}
	return &f
}

// AsFault converts err into a Fault. Errors wrapping a Fault keep it.
func AsFault(err error) *Fault {
	if err == nil {
		return nil
	}
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return &Fault{Code: FaultCodeUnknown, Message: err.Error()}
}
