package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrEmptyMessage is returned by Parse for a frame with no recognized payload.
var ErrEmptyMessage = errors.New("message has no recognized payload")

// ParseError reports an inbound frame that could not be turned into a Message.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return "parse signaling message: " + e.Err.Error() }
func (e *ParseError) Unwrap() error { return e.Err }

// Encode serializes a Message into a text frame for the signaling channel.
func Encode(msg Message) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

// Parse deserializes a raw frame. It never panics; malformed input, a frame
// without payload and a frame with more than one payload all yield a
// *ParseError.
func Parse(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, &ParseError{Err: err}
	}
	if err := msg.Validate(); err != nil {
		return Message{}, &ParseError{Err: err}
	}
	return msg, nil
}

// Validate checks the one-payload invariant.
func (m Message) Validate() error {
	switch kinds := m.kinds(); len(kinds) {
	case 0:
		return ErrEmptyMessage
	case 1:
		return nil
	default:
		return fmt.Errorf("message carries %d payloads (%v), want exactly one", len(kinds), kinds)
	}
}
