package wire

import (
	"errors"
	"fmt"
)

// ErrUnknownMessage is returned by Decode for message types it does not know.
var ErrUnknownMessage = errors.New("wire: unknown message type")

// ParseError reports the message field that failed to decode.
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("wire: parse %s: %v", e.Field, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
