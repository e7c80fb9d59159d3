package call

import (
	"context"
	"errors"
	"sync"

	"github.com/1ureka/camlink/internal/engine"
	"github.com/1ureka/camlink/internal/events"
	"github.com/1ureka/camlink/internal/protocol"
	"github.com/1ureka/camlink/internal/signaling"
	"github.com/1ureka/camlink/internal/util"
)

var (
	// ErrPairingRejected is returned when the monitor refuses the pairing
	// code.
	ErrPairingRejected = errors.New("pairing code rejected by monitor")

	// ErrCallEnded is returned by Start on a viewer that already ran.
	ErrCallEnded = errors.New("call already started")

	// ErrPeerFailed ends a call whose connection failed after negotiation.
	ErrPeerFailed = errors.New("peer connection failed")
)

// Viewer is the offering side of a call. It asks the monitor for a stream
// and writes the received video into an RTP sink. A Viewer runs once.
type Viewer struct {
	newFactory FactoryFunc
	pin        string

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewViewer creates a viewer. A non-empty pin is sent as a pairing code
// before the offer.
func NewViewer(newFactory FactoryFunc, pin string) *Viewer {
	return &Viewer{newFactory: newFactory, pin: pin}
}

// viewerAttempt is the state of one running call.
type viewerAttempt struct {
	ch      signaling.Channel
	conn    engine.Connection
	sink    engine.RTPSink
	onState func(State)

	state         State
	remoteSet     bool
	peerConnected bool
	pending       []engine.Candidate
	pumps         sync.WaitGroup
}

// Start negotiates the call over ch and blocks until it ends: on a terminal
// connection state, a closed channel, a negotiation failure or Cleanup.
// onState observes every state change. Engine objects are released before
// Start returns.
func (v *Viewer) Start(ctx context.Context, sink engine.RTPSink, ch signaling.Channel, onState func(State)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	v.mu.Lock()
	if v.started {
		v.mu.Unlock()
		return ErrCallEnded
	}
	v.started = true
	v.cancel = cancel
	v.done = make(chan struct{})
	done := v.done
	v.mu.Unlock()
	defer close(done)

	if onState == nil {
		onState = func(State) {}
	}

	factory, err := v.newFactory()
	if err != nil {
		return &ResourceError{Op: "initialize engine", Err: err}
	}
	defer factory.Dispose()

	mux := events.NewMultiplexer()
	defer mux.Close()
	sub := mux.Subscribe()
	defer sub.Cancel()

	obs, _ := mux.Observer()
	conn, err := factory.NewConnection(obs)
	if err != nil {
		return &ResourceError{Op: "create connection", Err: err}
	}

	a := &viewerAttempt{ch: ch, conn: conn, sink: sink, onState: onState}
	// Pumps end once the connection is gone.
	defer a.pumps.Wait()
	defer conn.Dispose()

	if err := conn.ReceiveOnly(engine.KindVideo, engine.KindAudio); err != nil {
		return &ResourceError{Op: "add transceivers", Err: err}
	}
	a.setState(StateConnecting)

	if err := v.offer(ctx, a); err != nil {
		a.setState(StateFailed)
		return err
	}

	err = a.run(ctx, sub)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Cleanup stops a running call and waits until its resources are released.
// Safe to call at any time, repeatedly.
func (v *Viewer) Cleanup() {
	v.mu.Lock()
	v.started = true
	cancel, done := v.cancel, v.done
	v.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (v *Viewer) offer(ctx context.Context, a *viewerAttempt) error {
	if v.pin != "" {
		if err := a.ch.Send(ctx, protocol.NewPairingCode(v.pin)); err != nil {
			return &ChannelError{Kind: string(protocol.KindPairingCode), Err: err}
		}
	}

	offer, err := a.conn.CreateOffer(ctx)
	if err != nil {
		return &NegotiationError{Step: "create offer", Err: err}
	}
	if err := a.conn.SetLocalDescription(ctx, offer); err != nil {
		return &NegotiationError{Step: "set local description", Err: err}
	}
	util.LogDebug("offer set as a local description")

	if err := a.ch.Send(ctx, protocol.NewSdpOffer(offer.SDP)); err != nil {
		return &ChannelError{Kind: string(protocol.KindSdpOffer), Err: err}
	}
	return nil
}

// run multiplexes signaling messages and engine events until the call ends.
func (a *viewerAttempt) run(ctx context.Context, sub *events.Subscription[events.Event]) error {
	chEvents := a.ch.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-chEvents:
			if !ok || ev.Type == signaling.EventClosed {
				a.setState(StateDisconnected)
				if ok && ev.Err != nil {
					return &ChannelError{Kind: "closed", Err: ev.Err}
				}
				return nil
			}
			if ev.Type != signaling.EventMessage {
				continue
			}
			if err := a.onMessage(ctx, ev.Data); err != nil {
				a.setState(StateFailed)
				return err
			}

		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			if done, err := a.onEngineEvent(ctx, ev); done {
				return err
			}
		}
	}
}

func (a *viewerAttempt) onMessage(ctx context.Context, raw []byte) error {
	msg, err := protocol.Parse(raw)
	if err != nil {
		util.LogWarning("dropping signaling message: %v", err)
		return nil
	}

	switch msg.Kind() {
	case protocol.KindSdpAnswer:
		answer := engine.SessionDescription{Type: msg.SdpAnswer.Type, SDP: msg.SdpAnswer.SDP}
		if answer.Type == "" {
			answer.Type = "answer"
		}
		if err := a.conn.SetRemoteDescription(ctx, answer); err != nil {
			return &NegotiationError{Step: "set remote description", Err: err}
		}
		util.LogDebug("answer set as a remote description")
		a.remoteSet = true
		for _, c := range a.pending {
			if err := a.conn.AddICECandidate(c); err != nil {
				util.LogWarning("add queued ICE candidate: %v", err)
			}
		}
		a.pending = nil
		a.promote()

	case protocol.KindIceCandidate:
		c := engine.Candidate{SDP: msg.IceCandidate.SDP, Mid: msg.IceCandidate.Mid, LineIndex: msg.IceCandidate.LineIndex}
		if !a.remoteSet {
			a.pending = append(a.pending, c)
			return nil
		}
		if err := a.conn.AddICECandidate(c); err != nil {
			util.LogWarning("add ICE candidate: %v", err)
		}

	case protocol.KindSdpError:
		return &NegotiationError{Step: "remote", Err: errors.New(*msg.SdpError)}

	case protocol.KindPairingApproved:
		if !*msg.PairingApproved {
			return ErrPairingRejected
		}
		util.LogSuccess("pairing approved")

	default:
		util.LogDebug("ignoring %s message", msg.Kind())
	}
	return nil
}

// onEngineEvent reports whether the call ended and with which error.
func (a *viewerAttempt) onEngineEvent(ctx context.Context, ev events.Event) (bool, error) {
	switch ev.Kind {
	case events.KindICECandidate:
		c := ev.Candidate
		if err := a.ch.Send(ctx, protocol.NewIceCandidate(c.SDP, c.Mid, c.LineIndex)); err != nil {
			util.LogWarning("%v", &ChannelError{Kind: string(protocol.KindIceCandidate), Err: err})
		}

	case events.KindConnectionState:
		switch ev.State {
		case engine.PeerStateConnected:
			a.peerConnected = true
			a.promote()
		case engine.PeerStateDisconnected, engine.PeerStateClosed:
			a.setState(StateDisconnected)
			return true, nil
		case engine.PeerStateFailed:
			a.setState(StateFailed)
			return true, ErrPeerFailed
		}

	case events.KindStreamAdded:
		util.LogInfo("receiving %s track %s (%s)", ev.Track.Kind(), ev.Track.ID(), ev.Track.Codec())
		a.pumps.Add(1)
		go a.pump(ev.Track)

	case events.KindStreamRemoved:
		util.LogDebug("%s track %s removed", ev.Track.Kind(), ev.Track.ID())

	case events.KindError:
		util.LogWarning("engine error: %v", ev.Err)
	}
	return false, nil
}

// pump reads one remote track until it ends. Video goes to the sink; audio
// is only counted. A sink that cannot take the track codec is skipped and
// the track is still drained.
func (a *viewerAttempt) pump(t engine.RemoteTrack) {
	defer a.pumps.Done()

	sink := a.sink
	if t.Kind() != engine.KindVideo {
		sink = nil
	}
	if cs, ok := sink.(engine.CodecSink); ok {
		if err := cs.SetCodec(t.Codec()); err != nil {
			util.LogError("not recording %s track %s: %v", t.Codec(), t.ID(), err)
			sink = nil
		}
	}

	for {
		pkt, err := t.ReadRTP()
		if err != nil {
			return
		}
		util.Stats.AddPacket(len(pkt.Payload))

		if sink == nil {
			continue
		}
		if err := sink.WriteRTP(pkt); err != nil {
			util.LogWarning("write %s packet: %v", t.Kind(), err)
			sink = nil
		}
	}
}

func (a *viewerAttempt) promote() {
	if a.state == StateConnecting && a.remoteSet && a.peerConnected {
		a.setState(StateConnected)
		util.Stats.AddCall()
	}
}

func (a *viewerAttempt) setState(s State) {
	if a.state == s || a.state.Terminal() {
		return
	}
	util.LogInfo("call state: %s -> %s", a.state, s)
	a.state = s
	a.onState(s)
}
