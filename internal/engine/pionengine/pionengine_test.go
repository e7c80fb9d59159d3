package pionengine

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/camlink/internal/config"
	"github.com/1ureka/camlink/internal/engine"
)

// writeIVF writes a minimal VP8 IVF file with n tiny frames.
func writeIVF(t *testing.T, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cam.ivf")

	header := make([]byte, 32)
	copy(header[0:4], "DKIF")
	binary.LittleEndian.PutUint16(header[4:], 0)  // version
	binary.LittleEndian.PutUint16(header[6:], 32) // header size
	copy(header[8:12], "VP80")
	binary.LittleEndian.PutUint16(header[12:], 320)
	binary.LittleEndian.PutUint16(header[14:], 480)
	binary.LittleEndian.PutUint32(header[16:], 30) // timebase denominator
	binary.LittleEndian.PutUint32(header[20:], 1)  // timebase numerator
	binary.LittleEndian.PutUint32(header[24:], uint32(n))

	data := header
	for i := range n {
		frame := []byte{0x10, 0x02, 0x00, byte(i)}
		fh := make([]byte, 12)
		binary.LittleEndian.PutUint32(fh[0:], uint32(len(frame)))
		binary.LittleEndian.PutUint64(fh[4:], uint64(i))
		data = append(data, fh...)
		data = append(data, frame...)
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

type noopObserver struct{}

func (noopObserver) OnICECandidate(engine.Candidate)          {}
func (noopObserver) OnConnectionStateChange(engine.PeerState) {}
func (noopObserver) OnStreamAdded(engine.RemoteTrack)         {}
func (noopObserver) OnStreamRemoved(engine.RemoteTrack)       {}
func (noopObserver) OnError(error)                            {}

// recordingObserver keeps the errors and removals a connection reports.
type recordingObserver struct {
	noopObserver

	mu      sync.Mutex
	errs    []error
	removed []string
}

func (o *recordingObserver) OnError(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errs = append(o.errs, err)
}

func (o *recordingObserver) OnStreamRemoved(t engine.RemoteTrack) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.removed = append(o.removed, t.ID())
}

func (o *recordingObserver) reported() []error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]error(nil), o.errs...)
}

type frameCounter struct {
	mu     sync.Mutex
	frames int
}

func (c *frameCounter) WriteFrame(engine.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames++
	return nil
}

func (c *frameCounter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames
}

func TestDevicesFollowFlagOrder(t *testing.T) {
	f, err := NewFactory(nil, []config.DeviceSpec{
		{Facing: "front", VideoFile: "a.ivf"},
		{Facing: "back", VideoFile: "b.ivf"},
		{VideoFile: "c.ivf"},
	})
	require.NoError(t, err)
	defer f.Dispose()

	devices, err := f.Devices()
	require.NoError(t, err)
	assert.Equal(t, []engine.Device{
		{ID: "camera0", Label: "a.ivf", Facing: engine.FacingFront},
		{ID: "camera1", Label: "b.ivf", Facing: engine.FacingBack},
		{ID: "camera2", Label: "c.ivf", Facing: engine.FacingUnknown},
	}, devices)
}

func TestDisposedFactory(t *testing.T) {
	f, err := NewFactory(nil, nil)
	require.NoError(t, err)
	f.Dispose()

	_, err = f.Devices()
	assert.ErrorIs(t, err, ErrDisposed)
	_, err = f.NewConnection(noopObserver{})
	assert.ErrorIs(t, err, ErrDisposed)
}

func TestCaptureDeliversFrames(t *testing.T) {
	f, err := NewFactory(nil, []config.DeviceSpec{{Facing: "back", VideoFile: writeIVF(t, 3)}})
	require.NoError(t, err)
	defer f.Dispose()

	devices, err := f.Devices()
	require.NoError(t, err)
	capturer, err := f.NewCapturer(devices[0])
	require.NoError(t, err)
	defer capturer.Dispose()

	src, err := f.NewVideoSource(capturer)
	require.NoError(t, err)
	defer src.Dispose()

	track, err := f.NewTrack(engine.KindVideo, "video", src)
	require.NoError(t, err)
	defer track.Dispose()

	sink := &frameCounter{}
	src.AddSink(sink)
	require.NoError(t, capturer.StartCapture(320, 480, 100))

	// Playback loops, so more frames than the file holds arrive.
	require.Eventually(t, func() bool { return sink.count() > 4 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, capturer.StopCapture())
	n := sink.count()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, sink.count())
}

func TestNewCapturerRejectsUnknownDevice(t *testing.T) {
	f, err := NewFactory(nil, nil)
	require.NoError(t, err)
	defer f.Dispose()

	_, err = f.NewCapturer(engine.Device{ID: "camera9"})
	assert.Error(t, err)
}

func TestTrackKindMismatch(t *testing.T) {
	f, err := NewFactory(nil, nil)
	require.NoError(t, err)
	defer f.Dispose()

	audio, err := f.NewAudioSource()
	require.NoError(t, err)
	defer audio.Dispose()

	_, err = f.NewTrack(engine.KindVideo, "video", audio)
	assert.Error(t, err)
}

func TestOfferAnswerBetweenConnections(t *testing.T) {
	ctx := context.Background()

	monitorF, err := NewFactory(nil, []config.DeviceSpec{{Facing: "back", VideoFile: writeIVF(t, 1)}})
	require.NoError(t, err)
	defer monitorF.Dispose()
	viewerF, err := NewFactory(nil, nil)
	require.NoError(t, err)
	defer viewerF.Dispose()

	viewer, err := viewerF.NewConnection(noopObserver{})
	require.NoError(t, err)
	defer viewer.Dispose()
	require.NoError(t, viewer.ReceiveOnly(engine.KindVideo, engine.KindAudio))

	offer, err := viewer.CreateOffer(ctx)
	require.NoError(t, err)
	assert.Equal(t, "offer", offer.Type)
	require.NoError(t, viewer.SetLocalDescription(ctx, offer))

	devices, err := monitorF.Devices()
	require.NoError(t, err)
	capturer, err := monitorF.NewCapturer(devices[0])
	require.NoError(t, err)
	defer capturer.Dispose()
	video, err := monitorF.NewVideoSource(capturer)
	require.NoError(t, err)
	defer video.Dispose()
	audio, err := monitorF.NewAudioSource()
	require.NoError(t, err)
	defer audio.Dispose()

	vt, err := monitorF.NewTrack(engine.KindVideo, "video", video)
	require.NoError(t, err)
	at, err := monitorF.NewTrack(engine.KindAudio, "audio", audio)
	require.NoError(t, err)

	monitor, err := monitorF.NewConnection(noopObserver{})
	require.NoError(t, err)
	defer monitor.Dispose()

	const label = "0b6f7a52-3d0c-4b8e-9a51-4cf1d8a2e7d3"
	stream, err := monitor.AddStream(label, at, vt)
	require.NoError(t, err)
	_, err = monitor.AddStream("other", vt)
	assert.Error(t, err, "a track belongs to one stream at a time")
	require.NoError(t, monitor.SetRemoteDescription(ctx, offer))

	answer, err := monitor.CreateAnswer(ctx)
	require.NoError(t, err)
	assert.Equal(t, "answer", answer.Type)
	assert.Contains(t, answer.SDP, "msid:"+label+" video")
	assert.Contains(t, answer.SDP, "msid:"+label+" audio")
	require.NoError(t, monitor.SetLocalDescription(ctx, answer))
	require.NoError(t, viewer.SetRemoteDescription(ctx, answer))

	require.NoError(t, monitor.RemoveStream(stream))
	vt.Dispose()
	at.Dispose()
}

func TestSetRemoteDescriptionRejectsGarbage(t *testing.T) {
	f, err := NewFactory(nil, nil)
	require.NoError(t, err)
	defer f.Dispose()

	conn, err := f.NewConnection(noopObserver{})
	require.NoError(t, err)
	defer conn.Dispose()

	ctx := context.Background()
	assert.Error(t, conn.SetRemoteDescription(ctx, engine.SessionDescription{Type: "offer", SDP: "not sdp"}))
	assert.Error(t, conn.SetRemoteDescription(ctx, engine.SessionDescription{Type: "bogus", SDP: "v=0"}))
}

func TestAddICECandidateRejectsLineIndexOutOfRange(t *testing.T) {
	f, err := NewFactory(nil, nil)
	require.NoError(t, err)
	defer f.Dispose()

	conn, err := f.NewConnection(noopObserver{})
	require.NoError(t, err)
	defer conn.Dispose()

	for _, idx := range []int{-1, 65536, 1 << 20} {
		err := conn.AddICECandidate(engine.Candidate{SDP: "candidate:1 1 udp 1 10.0.0.1 5000 typ host", LineIndex: idx})
		assert.ErrorContains(t, err, "out of range", idx)
	}
}

func TestReadFailuresReachObserver(t *testing.T) {
	f, err := NewFactory(nil, nil)
	require.NoError(t, err)
	defer f.Dispose()

	obs := &recordingObserver{}
	conn, err := f.NewConnection(obs)
	require.NoError(t, err)
	c := conn.(*connection)

	tr := &remoteTrack{conn: c, id: "video"}
	tr.end(errors.New("srtp: failed to decrypt"))
	tr.end(errors.New("reported once"))

	// Normal ends of a stream are not errors.
	c.readFailed("read RTCP", io.EOF)
	c.readFailed("read RTCP", fmt.Errorf("sender: %w", io.ErrClosedPipe))

	require.Len(t, obs.reported(), 1)
	assert.ErrorContains(t, obs.reported()[0], "read remote track video")
	assert.Equal(t, []string{"video"}, obs.removed)

	conn.Dispose()
	c.readFailed("read RTCP", errors.New("after close"))
	assert.Len(t, obs.reported(), 1)
}

func TestPeerStateMapping(t *testing.T) {
	tests := map[webrtc.PeerConnectionState]engine.PeerState{
		webrtc.PeerConnectionStateNew:          engine.PeerStateNew,
		webrtc.PeerConnectionStateConnecting:   engine.PeerStateConnecting,
		webrtc.PeerConnectionStateConnected:    engine.PeerStateConnected,
		webrtc.PeerConnectionStateDisconnected: engine.PeerStateDisconnected,
		webrtc.PeerConnectionStateFailed:       engine.PeerStateFailed,
		webrtc.PeerConnectionStateClosed:       engine.PeerStateClosed,
	}
	for in, want := range tests {
		assert.Equal(t, want, peerState(in), in.String())
	}
}

func TestCandidateFromInit(t *testing.T) {
	mid := "1"
	idx := uint16(1)
	got := candidateFromInit(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host", SDPMid: &mid, SDPMLineIndex: &idx})
	assert.Equal(t, engine.Candidate{SDP: "candidate:1 1 udp 1 10.0.0.1 5000 typ host", Mid: "1", LineIndex: 1}, got)

	assert.Equal(t, engine.Candidate{SDP: "x"}, candidateFromInit(webrtc.ICECandidateInit{Candidate: "x"}))
}

func TestRecorderWritesHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.ivf")
	rec, err := NewRecorder(path)
	require.NoError(t, err)
	require.NoError(t, rec.SetCodec(webrtc.MimeTypeVP8))
	require.NoError(t, rec.Close())
	require.NoError(t, rec.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(data), 32)
	assert.Equal(t, "DKIF", string(data[:4]))
	assert.Equal(t, "VP80", string(data[8:12]))
}

func TestRecorderWritesVP9Frames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.ivf")
	rec, err := NewRecorder(path)
	require.NoError(t, err)
	require.NoError(t, rec.SetCodec("video/vp9"))
	require.NoError(t, rec.SetCodec(webrtc.MimeTypeVP9))

	// Single-packet frames: B and E set, not inter-predicted.
	for i := range 3 {
		pkt := &rtp.Packet{
			Header:  rtp.Header{Marker: true, SequenceNumber: uint16(i), Timestamp: uint32(i * 3000)},
			Payload: []byte{0x0c, 0x82, 0x49, 0x83, byte(i)},
		}
		require.NoError(t, rec.WriteRTP(pkt))
	}
	require.NoError(t, rec.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Greater(t, len(data), 32)
	assert.Equal(t, "VP90", string(data[8:12]))
	assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(data[24:]))
	assert.Equal(t, 32+3*(12+4), len(data))
}

func TestRecorderRejectsCodecs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.ivf")
	rec, err := NewRecorder(path)
	require.NoError(t, err)
	defer rec.Close()

	assert.ErrorIs(t, rec.WriteRTP(&rtp.Packet{Payload: []byte{1}}), ErrCodecUnset)
	assert.Error(t, rec.SetCodec(webrtc.MimeTypeH264))
	assert.NoFileExists(t, path)

	require.NoError(t, rec.SetCodec(webrtc.MimeTypeAV1))
	assert.Error(t, rec.SetCodec(webrtc.MimeTypeVP8))
}
