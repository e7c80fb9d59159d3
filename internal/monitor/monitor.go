// Package monitor runs the camera side: it accepts viewers on the signaling
// server and feeds their messages into the call orchestrator, one message at
// a time.
package monitor

import (
	"context"
	"errors"
	"sync"

	"github.com/1ureka/camlink/internal/engine"
	"github.com/1ureka/camlink/internal/protocol"
	"github.com/1ureka/camlink/internal/signaling"
	"github.com/1ureka/camlink/internal/util"
)

var (
	// ErrNoViewer is returned by Relay.Send while no viewer is connected.
	ErrNoViewer = errors.New("no viewer connected")

	// ErrPairingRejected ends Serve when the viewer presented a wrong code.
	ErrPairingRejected = errors.New("pairing code rejected")
)

// Answerer is the part of the orchestrator driven by viewer messages.
type Answerer interface {
	AcceptOffer(ctx context.Context, sdp string) error
	AddICECandidate(c engine.Candidate) error
}

// Relay forwards outbound messages to whichever viewer is connected. The
// orchestrator outlives single viewers, so it sends through a Relay.
type Relay struct {
	mu sync.Mutex
	ch signaling.Channel
}

// NewRelay creates a relay with no viewer attached.
func NewRelay() *Relay {
	return &Relay{}
}

func (r *Relay) Send(ctx context.Context, msg protocol.Message) error {
	r.mu.Lock()
	ch := r.ch
	r.mu.Unlock()

	if ch == nil {
		return ErrNoViewer
	}
	return ch.Send(ctx, msg)
}

func (r *Relay) attach(ch signaling.Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ch = ch
}

func (r *Relay) detach(ch signaling.Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ch == ch {
		r.ch = nil
	}
}

// Monitor dispatches viewer messages.
type Monitor struct {
	orch  Answerer
	relay *Relay
	pin   string
}

// New creates a monitor. orch must send through relay.
func New(orch Answerer, relay *Relay, pin string) *Monitor {
	return &Monitor{orch: orch, relay: relay, pin: pin}
}

// Run accepts viewers one after another until ctx is done or the server is
// closed. Capture keeps running between viewers.
func (m *Monitor) Run(ctx context.Context, srv *signaling.Server) error {
	for {
		ch, err := srv.Accept(ctx)
		if err != nil {
			if errors.Is(err, signaling.ErrServerClosed) {
				return nil
			}
			return err
		}

		if err := m.Serve(ctx, ch); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			util.LogWarning("viewer session ended: %v", err)
		}
		util.LogInfo("waiting for the next viewer")
	}
}

// Serve processes the events of one viewer channel until it closes. The
// channel is closed on return.
func (m *Monitor) Serve(ctx context.Context, ch signaling.Channel) error {
	m.relay.attach(ch)
	defer m.relay.detach(ch)
	defer ch.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-ch.Events():
			if !ok {
				return nil
			}
			switch ev.Type {
			case signaling.EventOpen:
				util.LogDebug("viewer channel open")
			case signaling.EventClosed:
				util.LogInfo("viewer disconnected")
				return ev.Err
			case signaling.EventMessage:
				if err := m.dispatch(ctx, ch, ev.Data); err != nil {
					return err
				}
			}
		}
	}
}

// dispatch handles one inbound frame. Only a rejected pairing is fatal for
// the channel; negotiation errors were already reported to the viewer.
func (m *Monitor) dispatch(ctx context.Context, ch signaling.Channel, raw []byte) error {
	msg, err := protocol.Parse(raw)
	if err != nil {
		util.LogWarning("dropping signaling message: %v", err)
		return nil
	}
	util.Logf("received %s", msg.Kind())

	switch msg.Kind() {
	case protocol.KindSdpOffer:
		if err := m.orch.AcceptOffer(ctx, msg.SdpOffer.SDP); err != nil {
			util.LogError("accept offer: %v", err)
		}

	case protocol.KindIceCandidate:
		c := msg.IceCandidate
		if err := m.orch.AddICECandidate(engine.Candidate{SDP: c.SDP, Mid: c.Mid, LineIndex: c.LineIndex}); err != nil {
			util.LogWarning("remote candidate: %v", err)
		}

	case protocol.KindPairingCode:
		approved := m.pin == "" || *msg.PairingCode == m.pin
		if err := ch.Send(ctx, protocol.NewPairingApproved(approved)); err != nil {
			return err
		}
		if !approved {
			return ErrPairingRejected
		}
		util.LogSuccess("viewer paired")

	case protocol.KindBabyName:
		util.LogInfo("monitor name set to %q", *msg.BabyName)

	case protocol.KindPushNotificationsToken:
		util.LogDebug("viewer registered a push notifications token")

	case protocol.KindAction:
		if *msg.Action == protocol.ActionReset {
			util.LogInfo("viewer requested a pairing reset")
		} else {
			util.LogWarning("unknown action %q", *msg.Action)
		}

	default:
		util.LogWarning("unexpected %s message from viewer", msg.Kind())
	}
	return nil
}
