package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/1ureka/camlink/internal/config"
	"github.com/1ureka/camlink/internal/engine"
	"github.com/1ureka/camlink/internal/events"
	"github.com/1ureka/camlink/internal/protocol"
	"github.com/1ureka/camlink/internal/util"
)

// Track names announced to the viewer. Every attached stream gets a fresh
// UUID as its msid so the peer can tell overlapping attempts apart.
const (
	AudioTrackID = "audio"
	VideoTrackID = "video"
)

// Sender is the outbound half of the signaling channel.
type Sender interface {
	Send(ctx context.Context, msg protocol.Message) error
}

// FactoryFunc constructs the media engine for one capture session. The
// session owns the factory and disposes it last.
type FactoryFunc func() (engine.Factory, error)

// Orchestrator is the answering side of a call: it owns the camera, accepts
// offers from the viewer and trickles local ICE candidates back.
//
// BeginCapturing, AcceptOffer, AddICECandidate, SetCameraEnabled and
// AttachRenderer are serialized internally. StopCapturing cancels in-flight
// negotiation before it waits for the lock.
type Orchestrator struct {
	newFactory FactoryFunc
	sender     Sender
	mux        *events.Multiplexer
	states     *events.Fanout[State]

	// cancel of the current session, reachable without mu.
	cancel atomic.Pointer[context.CancelFunc]

	mu            sync.Mutex
	session       *Session // nil: no session
	renderer      engine.FrameSink
	cameraEnabled bool
}

// Session is the resource group of one capture lifetime. Capture resources
// are nil when BeginCapturing failed before acquiring them.
type Session struct {
	ctx      context.Context
	cancel   context.CancelFunc
	sub      *events.Subscription[events.Event]
	loopDone chan struct{}

	factory  engine.Factory
	capture  config.Capture
	capturer engine.Capturer
	video    engine.VideoSource
	audio    engine.AudioSource
	conn     engine.Connection
	gen      uint64

	state  State
	stream *mediaStream // nil: no stream attached

	remoteSet     bool
	localSet      bool
	peerConnected bool
	pending       []engine.Candidate // remote candidates waiting for the remote description
}

// mediaStream is the audio+video track pair attached to the connection.
type mediaStream struct {
	id     string
	stream engine.Stream
	audio  engine.Track
	video  engine.Track
}

// NewOrchestrator creates an idle orchestrator. Nothing is acquired until
// BeginCapturing.
func NewOrchestrator(newFactory FactoryFunc, sender Sender) *Orchestrator {
	return &Orchestrator{
		newFactory:    newFactory,
		sender:        sender,
		mux:           events.NewMultiplexer(),
		states:        events.NewFanout[State](),
		cameraEnabled: true,
	}
}

// ---------------------------------------------------------------------------
// Observation
// ---------------------------------------------------------------------------

// SubscribeState returns the derived connection-state stream.
func (o *Orchestrator) SubscribeState() *events.Subscription[State] {
	return o.states.Subscribe()
}

// SubscribeEvents returns the raw engine event stream.
func (o *Orchestrator) SubscribeEvents() *events.Subscription[events.Event] {
	return o.mux.Subscribe()
}

// State returns the state of the current attempt, StateNew without a session.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return StateNew
	}
	return o.session.state
}

// ---------------------------------------------------------------------------
// Capture lifecycle
// ---------------------------------------------------------------------------

// BeginCapturing initializes the engine, opens the preferred camera, starts
// capture and creates the native connection. On failure the resources
// acquired so far stay in the session; StopCapturing releases them.
func (o *Orchestrator) BeginCapturing(ctx context.Context, capture config.Capture) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.session != nil {
		return ErrAlreadyCapturing
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{ctx: sctx, cancel: cancel, capture: capture, state: StateNew}
	o.session = s
	o.cancel.Store(&cancel)

	util.LogDebug("beginCapturing()")

	factory, err := o.newFactory()
	if err != nil {
		return &ResourceError{Op: "initialize engine", Err: err}
	}
	s.factory = factory

	devices, err := factory.Devices()
	if err != nil {
		return &ResourceError{Op: "enumerate capture devices", Err: err}
	}
	device, ok := SelectDevice(devices)
	if !ok {
		return &ResourceError{Op: "select capture device", Err: ErrNoCaptureDevice}
	}
	util.LogInfo("using %s camera %s (%s)", device.Facing, device.ID, device.Label)

	if s.capturer, err = factory.NewCapturer(device); err != nil {
		return &ResourceError{Op: "create capturer", Err: err}
	}
	if s.video, err = factory.NewVideoSource(s.capturer); err != nil {
		return &ResourceError{Op: "create video source", Err: err}
	}
	if s.audio, err = factory.NewAudioSource(); err != nil {
		return &ResourceError{Op: "create audio source", Err: err}
	}
	if o.cameraEnabled {
		if err := s.capturer.StartCapture(capture.Width, capture.Height, capture.FPS); err != nil {
			return &ResourceError{Op: "start capture", Err: err}
		}
	}

	// Subscribe before the connection exists: the multiplexer has no replay.
	s.sub = o.mux.Subscribe()
	s.loopDone = make(chan struct{})
	go o.watch(s)

	if err := o.newConnection(s); err != nil {
		return &ResourceError{Op: "create connection", Err: err}
	}
	return nil
}

// StopCapturing releases every resource of the session in a fixed order:
// subscriptions and in-flight negotiation, media stream, audio source, video
// source, render sink, capturer, connection, engine factory. It is safe to
// call repeatedly and without BeginCapturing.
func (o *Orchestrator) StopCapturing() {
	if cancel := o.cancel.Swap(nil); cancel != nil {
		(*cancel)()
	}

	o.mu.Lock()
	s := o.session
	o.session = nil
	renderer := o.renderer
	o.renderer = nil
	o.mu.Unlock()

	if s == nil {
		return
	}
	util.LogDebug("stopCapturing()")

	s.cancel()
	if s.sub != nil {
		s.sub.Cancel()
		<-s.loopDone
	}

	o.disposeStream(s)
	if s.audio != nil {
		s.audio.Dispose()
	}
	if s.video != nil {
		s.video.Dispose()
		if renderer != nil {
			s.video.RemoveSink(renderer)
		}
	}
	if s.capturer != nil {
		s.capturer.Dispose()
	}
	if s.conn != nil {
		s.conn.Dispose()
	}
	if s.factory != nil {
		s.factory.Dispose()
	}
}

// Close stops capturing and closes the state and event streams.
func (o *Orchestrator) Close() {
	o.StopCapturing()
	o.mux.Close()
	o.states.Close()
}

// SetCameraEnabled starts or stops capture on the existing camera without
// recreating it. The setting is remembered for the next BeginCapturing.
func (o *Orchestrator) SetCameraEnabled(enabled bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.cameraEnabled = enabled
	s := o.session
	if s == nil || s.capturer == nil {
		return nil
	}

	if enabled {
		util.LogInfo("camera enabled")
		return s.capturer.StartCapture(s.capture.Width, s.capture.Height, s.capture.FPS)
	}
	util.LogInfo("camera disabled")
	return s.capturer.StopCapture()
}

// AttachRenderer shows the local capture on sink until StopCapturing.
func (o *Orchestrator) AttachRenderer(sink engine.FrameSink) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := o.session
	if s == nil || s.video == nil {
		return ErrNoSession
	}
	if o.renderer != nil {
		s.video.RemoveSink(o.renderer)
	}
	o.renderer = sink
	s.video.AddSink(sink)
	return nil
}

// ---------------------------------------------------------------------------
// Negotiation
// ---------------------------------------------------------------------------

// AcceptOffer answers a remote offer: it attaches a fresh media stream,
// applies the offer, sends the answer and applies it locally. A terminal
// previous attempt is replaced by a new connection; capture keeps running.
func (o *Orchestrator) AcceptOffer(ctx context.Context, offer string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := o.session
	if s == nil || s.conn == nil {
		return ErrNoSession
	}
	util.Logf("acceptOffer(%s)", offer)

	// Stop cancels the session context; in-flight steps observe it.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	if s.state.Terminal() {
		if err := o.renewConnection(s); err != nil {
			return o.failNegotiation(ctx, s, "create connection", err)
		}
	}

	o.disposeStream(s) // overlapping offers
	if err := o.addStream(s); err != nil {
		return o.failNegotiation(ctx, s, "attach stream", err)
	}

	if err := s.conn.SetRemoteDescription(ctx, engine.SessionDescription{Type: "offer", SDP: offer}); err != nil {
		return o.failNegotiation(ctx, s, "set remote description", err)
	}
	util.LogDebug("offer set as a remote description")
	s.remoteSet = true
	o.flushCandidates(s)

	answer, err := s.conn.CreateAnswer(ctx)
	if err != nil {
		return o.failNegotiation(ctx, s, "create answer", err)
	}
	util.LogDebug("answer created")

	var sendErr error
	if err := o.sender.Send(ctx, protocol.NewSdpAnswer(answer.SDP, answer.Type)); err != nil {
		sendErr = &ChannelError{Kind: string(protocol.KindSdpAnswer), Err: err}
		util.LogError("%v", sendErr)
		o.mux.ReportError(sendErr)
	}

	if err := s.conn.SetLocalDescription(ctx, answer); err != nil {
		return errors.Join(o.failNegotiation(ctx, s, "set local description", err), sendErr)
	}
	util.LogDebug("answer set as a local description")
	s.localSet = true
	o.promote(s)

	return sendErr
}

// AddICECandidate applies a remote candidate. Candidates that arrive before
// the offer was applied are queued and applied, in order, right after it.
func (o *Orchestrator) AddICECandidate(c engine.Candidate) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := o.session
	if s == nil || s.conn == nil {
		return ErrNoSession
	}
	if !s.remoteSet || s.state.Terminal() {
		util.Logf("queueing remote candidate until the offer is applied")
		s.pending = append(s.pending, c)
		return nil
	}
	if err := s.conn.AddICECandidate(c); err != nil {
		return fmt.Errorf("add ICE candidate: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Internals (mu held unless noted)
// ---------------------------------------------------------------------------

func (o *Orchestrator) newConnection(s *Session) error {
	obs, gen := o.mux.Observer()
	conn, err := s.factory.NewConnection(obs)
	if err != nil {
		return err
	}
	s.conn, s.gen = conn, gen
	o.setState(s, StateConnecting)
	return nil
}

// renewConnection replaces a connection whose attempt ended. Remote
// candidates queued since then belong to the previous viewer and are
// dropped; a viewer sends its offer before its candidates.
func (o *Orchestrator) renewConnection(s *Session) error {
	util.LogInfo("previous attempt %s, creating a new connection", s.state)
	o.disposeStream(s)
	s.conn.Dispose()
	s.conn = nil
	if len(s.pending) > 0 {
		util.LogDebug("dropping %d remote candidates of the previous attempt", len(s.pending))
	}
	s.pending = nil
	s.remoteSet, s.localSet, s.peerConnected = false, false, false
	return o.newConnection(s)
}

func (o *Orchestrator) addStream(s *Session) error {
	util.LogInfo("add stream")

	audio, err := s.factory.NewTrack(engine.KindAudio, AudioTrackID, s.audio)
	if err != nil {
		return err
	}
	video, err := s.factory.NewTrack(engine.KindVideo, VideoTrackID, s.video)
	if err != nil {
		audio.Dispose()
		return err
	}
	id := uuid.NewString()
	stream, err := s.conn.AddStream(id, audio, video)
	if err != nil {
		audio.Dispose()
		video.Dispose()
		return err
	}

	s.stream = &mediaStream{id: id, stream: stream, audio: audio, video: video}
	util.LogDebug("stream %s attached", s.stream.id)
	return nil
}

// disposeStream detaches the stream from the connection before disposing
// its tracks. Idempotent.
func (o *Orchestrator) disposeStream(s *Session) {
	if s.stream == nil {
		util.Logf("stream already disposed")
		return
	}
	util.LogInfo("dispose stream")

	ms := s.stream
	s.stream = nil
	if s.conn != nil {
		if err := s.conn.RemoveStream(ms.stream); err != nil {
			util.LogWarning("remove stream %s: %v", ms.id, err)
		}
	}
	ms.audio.Dispose()
	ms.video.Dispose()
}

func (o *Orchestrator) flushCandidates(s *Session) {
	pending := s.pending
	s.pending = nil
	for _, c := range pending {
		if err := s.conn.AddICECandidate(c); err != nil {
			util.LogWarning("add queued ICE candidate: %v", err)
		}
	}
}

// failNegotiation tells the peer, reports locally and fails the attempt. A
// cancelled session only returns the error.
func (o *Orchestrator) failNegotiation(ctx context.Context, s *Session, step string, err error) error {
	negErr := &NegotiationError{Step: step, Err: err}
	if s.ctx.Err() != nil {
		return negErr
	}

	util.LogError("%v", negErr)
	if sendErr := o.sender.Send(ctx, protocol.NewSdpError(err.Error())); sendErr != nil {
		util.LogError("send sdpError: %v", sendErr)
	}
	o.mux.ReportError(negErr)
	o.enterTerminal(s, StateFailed)
	return negErr
}

func (o *Orchestrator) setState(s *Session, state State) {
	if s.state == state {
		return
	}
	util.LogInfo("connection state: %s -> %s", s.state, state)
	s.state = state
	o.states.Publish(state)
}

// promote enters Connected once both descriptions are applied and the engine
// reports a connected peer, in whichever order those happen.
func (o *Orchestrator) promote(s *Session) {
	if s.state == StateConnecting && s.remoteSet && s.localSet && s.peerConnected {
		o.setState(s, StateConnected)
		util.Stats.AddCall()
	}
}

// enterTerminal disposes the media stream; capture and connection stay.
func (o *Orchestrator) enterTerminal(s *Session, state State) {
	if s.state.Terminal() {
		return
	}
	o.setState(s, state)
	o.disposeStream(s)
}

func (o *Orchestrator) onPeerState(s *Session, ps engine.PeerState) {
	if s.state.Terminal() {
		return
	}
	switch ps {
	case engine.PeerStateConnected:
		s.peerConnected = true
		o.promote(s)
	case engine.PeerStateDisconnected, engine.PeerStateClosed:
		o.enterTerminal(s, StateDisconnected)
	case engine.PeerStateFailed:
		o.enterTerminal(s, StateFailed)
	}
}

// watch consumes the session's event subscription (mu not held).
func (o *Orchestrator) watch(s *Session) {
	defer close(s.loopDone)

	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-s.sub.C():
			if !ok {
				return
			}
			o.handle(s, ev)
		}
	}
}

func (o *Orchestrator) handle(s *Session, ev events.Event) {
	switch ev.Kind {
	case events.KindICECandidate:
		if !o.current(s, ev.Generation) {
			return
		}
		// Trickle ICE: forward immediately, outside the lock.
		c := ev.Candidate
		if err := o.sender.Send(s.ctx, protocol.NewIceCandidate(c.SDP, c.Mid, c.LineIndex)); err != nil {
			if s.ctx.Err() == nil {
				chErr := &ChannelError{Kind: string(protocol.KindIceCandidate), Err: err}
				util.LogWarning("%v", chErr)
				o.mux.ReportError(chErr)
			}
		}

	case events.KindConnectionState:
		o.mu.Lock()
		defer o.mu.Unlock()
		if o.session != s || s.gen != ev.Generation {
			return
		}
		o.onPeerState(s, ev.State)

	case events.KindError:
		if ev.Generation != 0 {
			util.LogWarning("engine error: %v", ev.Err)
		}
	}
}

// current reports whether gen belongs to the live connection of s.
func (o *Orchestrator) current(s *Session, gen uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session == s && s.gen == gen
}
