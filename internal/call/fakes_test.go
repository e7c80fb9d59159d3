package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/camlink/internal/engine"
	"github.com/1ureka/camlink/internal/protocol"
	"github.com/1ureka/camlink/internal/signaling"
)

const testTimeout = 2 * time.Second

var (
	_ engine.Factory     = (*fakeFactory)(nil)
	_ engine.Capturer    = (*fakeCapturer)(nil)
	_ engine.VideoSource = (*fakeVideoSource)(nil)
	_ engine.AudioSource = (*fakeAudioSource)(nil)
	_ engine.Track       = (*fakeTrack)(nil)
	_ engine.Connection  = (*fakeConnection)(nil)
	_ engine.RemoteTrack = (*fakeRemoteTrack)(nil)
	_ Sender             = (*fakeSender)(nil)
	_ signaling.Channel  = (*fakeChannel)(nil)
)

// opLog records engine calls across all fakes in call order.
type opLog struct {
	mu  sync.Mutex
	ops []string
}

func (l *opLog) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ops = append(l.ops, fmt.Sprintf(format, args...))
}

func (l *opLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ops...)
}

func (l *opLog) index(op string) int {
	for i, o := range l.snapshot() {
		if o == op {
			return i
		}
	}
	return -1
}

func (l *opLog) count(op string) int {
	n := 0
	for _, o := range l.snapshot() {
		if o == op {
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// Engine fakes
// ---------------------------------------------------------------------------

type fakeFactory struct {
	log     *opLog
	devices []engine.Device

	mu           sync.Mutex
	conns        []*fakeConnection
	capturer     *fakeCapturer
	streams      int
	streamLabels []string

	// connErrs configures the connections this factory creates.
	connErrs map[string]error
	// blockRemote makes SetRemoteDescription wait for cancellation.
	blockRemote chan struct{}
}

func newFakeFactory(devices ...engine.Device) *fakeFactory {
	return &fakeFactory{log: &opLog{}, devices: devices, connErrs: map[string]error{}}
}

func backCamera() engine.Device {
	return engine.Device{ID: "camera0", Label: "rear", Facing: engine.FacingBack}
}

func (f *fakeFactory) fn() FactoryFunc {
	return func() (engine.Factory, error) { return f, nil }
}

func (f *fakeFactory) Devices() ([]engine.Device, error) {
	return f.devices, nil
}

func (f *fakeFactory) NewCapturer(d engine.Device) (engine.Capturer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.capturer = &fakeCapturer{log: f.log, device: d}
	return f.capturer, nil
}

func (f *fakeFactory) NewVideoSource(engine.Capturer) (engine.VideoSource, error) {
	return &fakeVideoSource{log: f.log}, nil
}

func (f *fakeFactory) NewAudioSource() (engine.AudioSource, error) {
	return &fakeAudioSource{log: f.log}, nil
}

func (f *fakeFactory) NewTrack(kind engine.TrackKind, id string, _ engine.Source) (engine.Track, error) {
	return &fakeTrack{log: f.log, kind: kind, id: id}, nil
}

func (f *fakeFactory) NewConnection(obs engine.Observer) (engine.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &fakeConnection{f: f, log: f.log, obs: obs, errs: f.connErrs}
	f.conns = append(f.conns, c)
	f.log.add("new connection %d", len(f.conns))
	return c, nil
}

func (f *fakeFactory) Dispose() {
	f.log.add("dispose factory")
}

func (f *fakeFactory) conn(i int) *fakeConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[i]
}

func (f *fakeFactory) connCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *fakeFactory) nextStream(label string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streams++
	f.streamLabels = append(f.streamLabels, label)
	return f.streams
}

func (f *fakeFactory) labels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.streamLabels...)
}

type fakeCapturer struct {
	log    *opLog
	device engine.Device
}

func (c *fakeCapturer) Device() engine.Device { return c.device }

func (c *fakeCapturer) StartCapture(w, h, fps int) error {
	c.log.add("start capture %dx%d@%d", w, h, fps)
	return nil
}

func (c *fakeCapturer) StopCapture() error {
	c.log.add("stop capture")
	return nil
}

func (c *fakeCapturer) Dispose() { c.log.add("dispose capturer") }

type fakeVideoSource struct{ log *opLog }

func (s *fakeVideoSource) Kind() engine.TrackKind      { return engine.KindVideo }
func (s *fakeVideoSource) Dispose()                    { s.log.add("dispose video source") }
func (s *fakeVideoSource) AddSink(engine.FrameSink)    { s.log.add("add sink") }
func (s *fakeVideoSource) RemoveSink(engine.FrameSink) { s.log.add("remove sink") }

type fakeAudioSource struct{ log *opLog }

func (s *fakeAudioSource) Kind() engine.TrackKind { return engine.KindAudio }
func (s *fakeAudioSource) Dispose()               { s.log.add("dispose audio source") }

type fakeTrack struct {
	log  *opLog
	kind engine.TrackKind
	id   string
}

func (t *fakeTrack) ID() string             { return t.id }
func (t *fakeTrack) Kind() engine.TrackKind { return t.kind }
func (t *fakeTrack) Dispose()               { t.log.add("dispose track %s", t.id) }

type fakeStream struct{ label string }

func (s fakeStream) Label() string { return s.label }

type fakeConnection struct {
	f    *fakeFactory
	log  *opLog
	obs  engine.Observer
	errs map[string]error

	mu         sync.Mutex
	candidates []engine.Candidate
	remote     *engine.SessionDescription
	local      *engine.SessionDescription
}

func (c *fakeConnection) AddStream(label string, tracks ...engine.Track) (engine.Stream, error) {
	n := c.f.nextStream(label)
	c.log.add("add stream %d", n)
	return fakeStream{label: fmt.Sprintf("stream#%d", n)}, nil
}

func (c *fakeConnection) RemoveStream(s engine.Stream) error {
	c.log.add("remove stream %s", s.Label())
	return nil
}

func (c *fakeConnection) ReceiveOnly(kinds ...engine.TrackKind) error {
	c.log.add("receive only %v", kinds)
	return c.errs["receive only"]
}

func (c *fakeConnection) CreateOffer(context.Context) (engine.SessionDescription, error) {
	c.log.add("create offer")
	if err := c.errs["create offer"]; err != nil {
		return engine.SessionDescription{}, err
	}
	return engine.SessionDescription{Type: "offer", SDP: "v=0 offer"}, nil
}

func (c *fakeConnection) CreateAnswer(context.Context) (engine.SessionDescription, error) {
	c.log.add("create answer")
	if err := c.errs["create answer"]; err != nil {
		return engine.SessionDescription{}, err
	}
	return engine.SessionDescription{Type: "answer", SDP: "v=0 answer"}, nil
}

func (c *fakeConnection) SetLocalDescription(_ context.Context, d engine.SessionDescription) error {
	c.log.add("set local %s", d.Type)
	if err := c.errs["set local"]; err != nil {
		return err
	}
	c.mu.Lock()
	c.local = &d
	c.mu.Unlock()
	return nil
}

func (c *fakeConnection) SetRemoteDescription(ctx context.Context, d engine.SessionDescription) error {
	c.log.add("set remote %s", d.Type)
	if c.f.blockRemote != nil {
		close(c.f.blockRemote)
		<-ctx.Done()
		return ctx.Err()
	}
	if err := c.errs["set remote"]; err != nil {
		return err
	}
	c.mu.Lock()
	c.remote = &d
	c.mu.Unlock()
	return nil
}

func (c *fakeConnection) AddICECandidate(cand engine.Candidate) error {
	c.log.add("add candidate %s", cand.SDP)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.candidates = append(c.candidates, cand)
	return nil
}

func (c *fakeConnection) Dispose() { c.log.add("dispose connection") }

func (c *fakeConnection) appliedCandidates() []engine.Candidate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]engine.Candidate(nil), c.candidates...)
}

func (c *fakeConnection) localDescription() *engine.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

type fakeRemoteTrack struct {
	kind    engine.TrackKind
	codec   string
	packets chan *rtp.Packet
}

func (t *fakeRemoteTrack) ID() string             { return string(t.kind) }
func (t *fakeRemoteTrack) Kind() engine.TrackKind { return t.kind }
func (t *fakeRemoteTrack) Codec() string          { return t.codec }

func (t *fakeRemoteTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, ok := <-t.packets
	if !ok {
		return nil, errors.New("track ended")
	}
	return pkt, nil
}

// ---------------------------------------------------------------------------
// Signaling fakes
// ---------------------------------------------------------------------------

type fakeSender struct {
	mu   sync.Mutex
	msgs []protocol.Message
	// failKind makes sends of that payload kind fail.
	failKind protocol.Kind
}

func (s *fakeSender) Send(_ context.Context, msg protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.Kind() == s.failKind {
		return errors.New("socket closed")
	}
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *fakeSender) sent(kind protocol.Kind) []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Message
	for _, m := range s.msgs {
		if m.Kind() == kind {
			out = append(out, m)
		}
	}
	return out
}

// fakeChannel is a signaling.Channel whose inbound side is driven by the
// test.
type fakeChannel struct {
	fakeSender
	events chan signaling.Event
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{events: make(chan signaling.Event, 16)}
}

func (c *fakeChannel) Events() <-chan signaling.Event { return c.events }
func (c *fakeChannel) Close() error                   { return nil }

func (c *fakeChannel) deliver(t *testing.T, msg protocol.Message) {
	t.Helper()
	data, err := protocol.Encode(msg)
	require.NoError(t, err)
	c.events <- signaling.Event{Type: signaling.EventMessage, Data: data}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, testTimeout, 5*time.Millisecond, msg)
}

func signalingMessage(raw string) signaling.Event {
	return signaling.Event{Type: signaling.EventMessage, Data: []byte(raw)}
}
