package pionengine

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"

	"github.com/1ureka/camlink/internal/engine"
	"github.com/1ureka/camlink/internal/util"
)

// localTrack feeds its source's samples into the pion track created when it
// is attached to a stream. The pion track carries the stream id as its msid.
type localTrack struct {
	id      string
	kind    engine.TrackKind
	codec   webrtc.RTPCodecCapability
	release func(*localTrack)
	once    sync.Once

	mu     sync.Mutex
	sample *webrtc.TrackLocalStaticSample // nil: not attached
}

func (t *localTrack) ID() string             { return t.id }
func (t *localTrack) Kind() engine.TrackKind { return t.kind }

// Dispose detaches the track from its source; no more samples are written.
func (t *localTrack) Dispose() {
	t.once.Do(func() { t.release(t) })
}

// attach creates the pion track announced under streamID. A track belongs
// to one stream at a time.
func (t *localTrack) attach(streamID string) (*webrtc.TrackLocalStaticSample, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sample != nil {
		return nil, fmt.Errorf("track %s already attached to stream %s", t.id, t.sample.StreamID())
	}
	sample, err := webrtc.NewTrackLocalStaticSample(t.codec, t.id, streamID)
	if err != nil {
		return nil, err
	}
	t.sample = sample
	return sample, nil
}

func (t *localTrack) detach() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sample = nil
}

func (t *localTrack) write(sample media.Sample) {
	t.mu.Lock()
	out := t.sample
	t.mu.Unlock()
	if out == nil {
		return
	}
	if err := out.WriteSample(sample); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		util.Logf("track %s: write sample: %v", t.id, err)
	}
}

// trackSet is the fan-out shared by both source kinds.
type trackSet struct {
	mu       sync.Mutex
	tracks   map[*localTrack]struct{}
	disposed bool
}

func (s *trackSet) add(t *localTrack) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return ErrDisposed
	}
	if s.tracks == nil {
		s.tracks = make(map[*localTrack]struct{})
	}
	s.tracks[t] = struct{}{}
	return nil
}

func (s *trackSet) remove(t *localTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tracks, t)
}

func (s *trackSet) snapshot() []*localTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*localTrack, 0, len(s.tracks))
	for t := range s.tracks {
		out = append(out, t)
	}
	return out
}

func (s *trackSet) dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disposed = true
	s.tracks = nil
}

func (s *trackSet) write(sample media.Sample) {
	for _, t := range s.snapshot() {
		t.write(sample)
	}
}

// ---------------------------------------------------------------------------
// Video
// ---------------------------------------------------------------------------

type videoSource struct {
	mimeType string
	tracks   trackSet

	sinkMu sync.Mutex
	sinks  []engine.FrameSink
}

func newVideoSource(mimeType string) *videoSource {
	return &videoSource{mimeType: mimeType}
}

func (s *videoSource) Kind() engine.TrackKind { return engine.KindVideo }

func (s *videoSource) newTrack(id string) (*localTrack, error) {
	t := &localTrack{
		id:      id,
		kind:    engine.KindVideo,
		codec:   webrtc.RTPCodecCapability{MimeType: s.mimeType},
		release: s.tracks.remove,
	}
	if err := s.tracks.add(t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *videoSource) AddSink(sink engine.FrameSink) {
	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()
	s.sinks = append(s.sinks, sink)
}

func (s *videoSource) RemoveSink(sink engine.FrameSink) {
	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()
	for i, cur := range s.sinks {
		if cur == sink {
			s.sinks = append(s.sinks[:i], s.sinks[i+1:]...)
			return
		}
	}
}

// deliver is the capturer output: one frame to every track and sink.
func (s *videoSource) deliver(frame engine.Frame) {
	s.tracks.write(media.Sample{Data: frame.Data, Duration: frame.Duration})
	util.Stats.AddFrame(len(frame.Data))

	s.sinkMu.Lock()
	sinks := append([]engine.FrameSink(nil), s.sinks...)
	s.sinkMu.Unlock()
	for _, sink := range sinks {
		if err := sink.WriteFrame(frame); err != nil {
			util.Logf("preview sink: %v", err)
		}
	}
}

func (s *videoSource) Dispose() {
	s.tracks.dispose()
	s.sinkMu.Lock()
	s.sinks = nil
	s.sinkMu.Unlock()
}

// ---------------------------------------------------------------------------
// Audio
// ---------------------------------------------------------------------------

// audioSource replays an Ogg/Opus file paced by its granule positions.
type audioSource struct {
	path   string
	tracks trackSet

	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func newAudioSource(path string) *audioSource {
	s := &audioSource{
		path:    path,
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	if path == "" {
		close(s.stopped)
	} else {
		go s.loop()
	}
	return s
}

func (s *audioSource) Kind() engine.TrackKind { return engine.KindAudio }

func (s *audioSource) newTrack(id string) (*localTrack, error) {
	t := &localTrack{
		id:      id,
		kind:    engine.KindAudio,
		codec:   webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		release: s.tracks.remove,
	}
	if err := s.tracks.add(t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *audioSource) Dispose() {
	s.once.Do(func() {
		close(s.stop)
		<-s.stopped
		s.tracks.dispose()
	})
}

func (s *audioSource) loop() {
	defer close(s.stopped)

	for {
		if !s.playOnce() {
			return
		}
	}
}

// playOnce plays the file to the end. It returns false when the source was
// stopped or the file is unusable.
func (s *audioSource) playOnce() bool {
	f, err := os.Open(s.path)
	if err != nil {
		util.LogError("audio source: %v", err)
		return false
	}
	defer f.Close()

	ogg, _, err := oggreader.NewWith(f)
	if err != nil {
		util.LogError("audio source: %v", err)
		return false
	}

	var (
		lastGranule uint64
		played      time.Duration
	)
	for {
		page, header, err := ogg.ParseNextPage()
		if errors.Is(err, io.EOF) {
			if played == 0 {
				util.LogWarning("audio source %s has no playable pages", s.path)
				return false
			}
			return true
		}
		if err != nil {
			util.LogError("audio source: %v", err)
			return false
		}

		// Opus granule positions count 48 kHz samples.
		var samples uint64
		if header.GranulePosition > lastGranule {
			samples = header.GranulePosition - lastGranule
		}
		lastGranule = header.GranulePosition
		duration := time.Duration(float64(samples)/48000*1000) * time.Millisecond

		s.tracks.write(media.Sample{Data: page, Duration: duration})
		played += duration

		select {
		case <-s.stop:
			return false
		case <-time.After(duration):
		}
	}
}
