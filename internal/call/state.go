// Package call negotiates peer-to-peer media calls. The Orchestrator is the
// monitor (answering) side that owns the camera; the Viewer is the offering
// side that renders the remote stream.
package call

// State is the connection state of one call attempt.
type State int

const (
	StateNew State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether a new attempt is needed to leave s.
func (s State) Terminal() bool {
	return s == StateDisconnected || s == StateFailed
}
