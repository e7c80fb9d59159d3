package events

import (
	"fmt"
	"sync/atomic"

	"github.com/1ureka/camlink/internal/engine"
)

// Kind discriminates the payload of an Event.
type Kind int

const (
	KindICECandidate Kind = iota + 1
	KindConnectionState
	KindStreamAdded
	KindStreamRemoved
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindICECandidate:
		return "ice-candidate"
	case KindConnectionState:
		return "connection-state"
	case KindStreamAdded:
		return "stream-added"
	case KindStreamRemoved:
		return "stream-removed"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is one engine notification. Only the field matching Kind is set.
// Generation identifies the connection that raised it; zero means the event
// did not come from a connection (e.g. an orchestrator-reported error).
type Event struct {
	Kind       Kind
	Generation uint64

	Candidate engine.Candidate
	State     engine.PeerState
	Track     engine.RemoteTrack
	Err       error
}

// Multiplexer merges the callbacks of one or more engine connections into a
// single ordered event stream.
type Multiplexer struct {
	fanout *Fanout[Event]
	gen    atomic.Uint64
}

// NewMultiplexer creates a multiplexer with no subscribers.
func NewMultiplexer() *Multiplexer {
	return &Multiplexer{fanout: NewFanout[Event]()}
}

// Subscribe attaches a subscriber. Subscribe before making any engine call
// that could raise events: there is no replay.
func (m *Multiplexer) Subscribe() *Subscription[Event] {
	return m.fanout.Subscribe()
}

// Observer returns an engine.Observer for a new connection along with the
// generation number stamped on every event it raises.
func (m *Multiplexer) Observer() (engine.Observer, uint64) {
	gen := m.gen.Add(1)
	return &observer{m: m, gen: gen}, gen
}

// ReportError publishes an error that did not originate from an engine
// callback.
func (m *Multiplexer) ReportError(err error) {
	m.fanout.Publish(Event{Kind: KindError, Err: err})
}

// Close drains and closes every subscription.
func (m *Multiplexer) Close() {
	m.fanout.Close()
}

// observer stamps events with the generation of the connection it serves.
type observer struct {
	m   *Multiplexer
	gen uint64
}

func (o *observer) OnICECandidate(c engine.Candidate) {
	o.m.fanout.Publish(Event{Kind: KindICECandidate, Generation: o.gen, Candidate: c})
}

func (o *observer) OnConnectionStateChange(s engine.PeerState) {
	o.m.fanout.Publish(Event{Kind: KindConnectionState, Generation: o.gen, State: s})
}

func (o *observer) OnStreamAdded(t engine.RemoteTrack) {
	o.m.fanout.Publish(Event{Kind: KindStreamAdded, Generation: o.gen, Track: t})
}

func (o *observer) OnStreamRemoved(t engine.RemoteTrack) {
	o.m.fanout.Publish(Event{Kind: KindStreamRemoved, Generation: o.gen, Track: t})
}

func (o *observer) OnError(err error) {
	o.m.fanout.Publish(Event{Kind: KindError, Generation: o.gen, Err: err})
}
