package pionengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/camlink/internal/engine"
	"github.com/1ureka/camlink/internal/util"
)

// connection adapts a pion PeerConnection to engine.Connection and forwards
// its callbacks to an engine.Observer.
type connection struct {
	pc  *webrtc.PeerConnection
	obs engine.Observer

	once   sync.Once
	closed atomic.Bool
}

var _ engine.Connection = (*connection)(nil)

func newConnection(pc *webrtc.PeerConnection, obs engine.Observer) *connection {
	c := &connection{pc: pc, obs: obs}

	// Trickle ICE: a nil candidate marks the end of gathering.
	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		obs.OnICECandidate(candidateFromInit(cand.ToJSON()))
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.Logf("PeerConnection state: %s", state.String())
		obs.OnConnectionStateChange(peerState(state))
	})

	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		util.LogDebug("remote %s track %s (%s)", tr.Kind(), tr.ID(), tr.Codec().MimeType)
		obs.OnStreamAdded(&remoteTrack{track: tr, conn: c, id: tr.ID()})
	})

	return c
}

// stream is the set of tracks attached by one AddStream call. Its label is
// the msid the peer sees.
type stream struct {
	label  string
	tracks []streamTrack
}

type streamTrack struct {
	track  *localTrack
	sender *webrtc.RTPSender
}

func (s *stream) Label() string { return s.label }

func (c *connection) AddStream(label string, tracks ...engine.Track) (engine.Stream, error) {
	s := &stream{label: label}
	for _, t := range tracks {
		lt, ok := t.(*localTrack)
		if !ok {
			return nil, errors.Join(fmt.Errorf("track %T was not created by this engine", t), c.RemoveStream(s))
		}
		sample, err := lt.attach(label)
		if err != nil {
			return nil, errors.Join(err, c.RemoveStream(s))
		}
		sender, err := c.pc.AddTrack(sample)
		if err != nil {
			lt.detach()
			return nil, errors.Join(fmt.Errorf("add %s track: %w", lt.kind, err), c.RemoveStream(s))
		}
		s.tracks = append(s.tracks, streamTrack{track: lt, sender: sender})
		go c.drainRTCP(sender)
	}
	return s, nil
}

func (c *connection) RemoveStream(es engine.Stream) error {
	s, ok := es.(*stream)
	if !ok {
		return fmt.Errorf("stream %T was not created by this engine", es)
	}
	var errs []error
	for _, st := range s.tracks {
		if err := c.pc.RemoveTrack(st.sender); err != nil && !errors.Is(err, webrtc.ErrConnectionClosed) {
			errs = append(errs, err)
		}
		st.track.detach()
	}
	s.tracks = nil
	return errors.Join(errs...)
}

func (c *connection) ReceiveOnly(kinds ...engine.TrackKind) error {
	for _, k := range kinds {
		typ := webrtc.RTPCodecTypeVideo
		if k == engine.KindAudio {
			typ = webrtc.RTPCodecTypeAudio
		}
		if _, err := c.pc.AddTransceiverFromKind(typ, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("add %s transceiver: %w", k, err)
		}
	}
	return nil
}

func (c *connection) CreateOffer(ctx context.Context) (engine.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return engine.SessionDescription{}, err
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return engine.SessionDescription{}, err
	}
	return engine.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (c *connection) CreateAnswer(ctx context.Context) (engine.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return engine.SessionDescription{}, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return engine.SessionDescription{}, err
	}
	return engine.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (c *connection) SetLocalDescription(ctx context.Context, d engine.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP})
}

// SetRemoteDescription validates the SDP before handing it to pion so a
// malformed description fails with a readable error.
func (c *connection) SetRemoteDescription(ctx context.Context, d engine.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	typ := webrtc.NewSDPType(d.Type)
	if typ == webrtc.SDPTypeUnknown {
		return fmt.Errorf("unknown description type %q", d.Type)
	}

	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(d.SDP)); err != nil {
		return fmt.Errorf("invalid remote %s: %w", d.Type, err)
	}
	util.LogDebug("remote %s: media [%s]", d.Type, mediaSummary(&parsed))

	return c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: d.SDP})
}

func (c *connection) AddICECandidate(cand engine.Candidate) error {
	if cand.LineIndex < 0 || cand.LineIndex > math.MaxUint16 {
		return fmt.Errorf("sdpMLineIndex %d out of range", cand.LineIndex)
	}
	mid := cand.Mid
	idx := uint16(cand.LineIndex)
	return c.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     cand.SDP,
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	})
}

func (c *connection) Dispose() {
	c.once.Do(func() {
		c.closed.Store(true)
		if err := c.pc.Close(); err != nil {
			util.LogWarning("close PeerConnection: %v", err)
		}
	})
}

// ---------------------------------------------------------------------------
// Remote tracks
// ---------------------------------------------------------------------------

// remoteTrack reports its own removal the first time a read fails.
type remoteTrack struct {
	track *webrtc.TrackRemote
	conn  *connection
	id    string
	once  sync.Once
}

func (t *remoteTrack) ID() string    { return t.id }
func (t *remoteTrack) Codec() string { return t.track.Codec().MimeType }

func (t *remoteTrack) Kind() engine.TrackKind {
	if t.track.Kind() == webrtc.RTPCodecTypeAudio {
		return engine.KindAudio
	}
	return engine.KindVideo
}

func (t *remoteTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := t.track.ReadRTP()
	if err != nil {
		t.end(err)
		return nil, err
	}
	return pkt, nil
}

func (t *remoteTrack) end(err error) {
	t.once.Do(func() {
		t.conn.readFailed("read remote track "+t.id, err)
		t.conn.obs.OnStreamRemoved(t)
	})
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// drainRTCP reads RTCP for a sender so interceptors keep working; it exits
// when the sender is removed or the connection closes.
func (c *connection) drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			c.readFailed("read RTCP", err)
			return
		}
	}
}

// readFailed reports a read error to the observer unless it is the normal
// end of a stream or the connection is already closed.
func (c *connection) readFailed(what string, err error) {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || c.closed.Load() {
		return
	}
	c.obs.OnError(fmt.Errorf("%s: %w", what, err))
}

func candidateFromInit(init webrtc.ICECandidateInit) engine.Candidate {
	c := engine.Candidate{SDP: init.Candidate}
	if init.SDPMid != nil {
		c.Mid = *init.SDPMid
	}
	if init.SDPMLineIndex != nil {
		c.LineIndex = int(*init.SDPMLineIndex)
	}
	return c
}

func peerState(s webrtc.PeerConnectionState) engine.PeerState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return engine.PeerStateConnecting
	case webrtc.PeerConnectionStateConnected:
		return engine.PeerStateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return engine.PeerStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return engine.PeerStateFailed
	case webrtc.PeerConnectionStateClosed:
		return engine.PeerStateClosed
	default:
		return engine.PeerStateNew
	}
}

func mediaSummary(d *sdp.SessionDescription) string {
	kinds := make([]string, 0, len(d.MediaDescriptions))
	for _, m := range d.MediaDescriptions {
		kinds = append(kinds, m.MediaName.Media)
	}
	return strings.Join(kinds, ", ")
}
