package call

import (
	"errors"
	"fmt"
)

var (
	// ErrNoCaptureDevice is wrapped by the ResourceError returned when the
	// engine enumerates no camera.
	ErrNoCaptureDevice = errors.New("no capture device available")

	// ErrAlreadyCapturing is returned by BeginCapturing when a session is
	// active; the caller must stop first.
	ErrAlreadyCapturing = errors.New("capture session already active")

	// ErrNoSession is returned by operations that need BeginCapturing first.
	ErrNoSession = errors.New("no active capture session")
)

// NegotiationError is an SDP generation or application failure. The peer has
// been told through an SdpError message and the attempt is Failed.
type NegotiationError struct {
	Step string
	Err  error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation failed at %s: %v", e.Step, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// ChannelError is a signaling send failure. It is reported locally only.
type ChannelError struct {
	Kind string // payload kind that could not be sent
	Err  error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("send %s: %v", e.Kind, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// ResourceError is an engine initialization or device failure surfaced by
// BeginCapturing.
type ResourceError struct {
	Op  string
	Err error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ResourceError) Unwrap() error { return e.Err }
