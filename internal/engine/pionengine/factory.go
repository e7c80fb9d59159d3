// Package pionengine implements the engine contract on top of pion/webrtc.
// Capture devices are file-backed: each device replays an IVF video file and
// optionally an Ogg/Opus audio file at the requested frame rate.
package pionengine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/camlink/internal/config"
	"github.com/1ureka/camlink/internal/engine"
	"github.com/1ureka/camlink/internal/util"
)

// ErrDisposed is returned by objects used after Dispose.
var ErrDisposed = errors.New("engine object disposed")

// Factory is the pion-backed engine.Factory.
type Factory struct {
	api     *webrtc.API
	config  webrtc.Configuration
	devices []config.DeviceSpec

	mu       sync.Mutex
	disposed bool
	// audioFile of the most recently created capturer; the microphone
	// belongs to the same physical unit as the camera.
	audioFile string
}

var _ engine.Factory = (*Factory)(nil)

// NewFactory creates a pion API with the default codecs and routes pion's
// logging through the application logger.
func NewFactory(iceServers []string, devices []config.DeviceSpec) (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	se := webrtc.SettingEngine{LoggerFactory: util.PionLoggerFactory{}}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se))

	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}

	return &Factory{api: api, config: cfg, devices: devices}, nil
}

// Devices enumerates the configured capture devices in flag order.
func (f *Factory) Devices() ([]engine.Device, error) {
	if err := f.check(); err != nil {
		return nil, err
	}

	out := make([]engine.Device, 0, len(f.devices))
	for i, spec := range f.devices {
		out = append(out, engine.Device{
			ID:     deviceID(i),
			Label:  spec.VideoFile,
			Facing: parseFacing(spec.Facing),
		})
	}
	return out, nil
}

// NewCapturer opens the device with the given ID.
func (f *Factory) NewCapturer(d engine.Device) (engine.Capturer, error) {
	if err := f.check(); err != nil {
		return nil, err
	}

	for i, spec := range f.devices {
		if deviceID(i) != d.ID {
			continue
		}
		c, err := newFileCapturer(d, spec.VideoFile)
		if err != nil {
			return nil, err
		}
		f.mu.Lock()
		f.audioFile = spec.AudioFile
		f.mu.Unlock()
		return c, nil
	}
	return nil, fmt.Errorf("unknown capture device %q", d.ID)
}

// NewVideoSource binds a video source to a capturer created by this factory.
func (f *Factory) NewVideoSource(c engine.Capturer) (engine.VideoSource, error) {
	if err := f.check(); err != nil {
		return nil, err
	}

	fc, ok := c.(*fileCapturer)
	if !ok {
		return nil, fmt.Errorf("capturer %T was not created by this engine", c)
	}
	src := newVideoSource(fc.mimeType)
	fc.setOutput(src.deliver)
	return src, nil
}

// NewAudioSource creates the microphone source of the current device. A
// device without an audio file yields a silent source.
func (f *Factory) NewAudioSource() (engine.AudioSource, error) {
	if err := f.check(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	path := f.audioFile
	f.mu.Unlock()
	return newAudioSource(path), nil
}

// NewTrack creates a local sample track fed by src.
func (f *Factory) NewTrack(kind engine.TrackKind, id string, src engine.Source) (engine.Track, error) {
	if err := f.check(); err != nil {
		return nil, err
	}

	switch s := src.(type) {
	case *videoSource:
		if kind != engine.KindVideo {
			return nil, fmt.Errorf("cannot create %s track from a video source", kind)
		}
		return s.newTrack(id)
	case *audioSource:
		if kind != engine.KindAudio {
			return nil, fmt.Errorf("cannot create %s track from an audio source", kind)
		}
		return s.newTrack(id)
	default:
		return nil, fmt.Errorf("source %T was not created by this engine", src)
	}
}

// NewConnection creates a PeerConnection whose callbacks go to obs.
func (f *Factory) NewConnection(obs engine.Observer) (engine.Connection, error) {
	if err := f.check(); err != nil {
		return nil, err
	}

	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("create PeerConnection: %w", err)
	}
	return newConnection(pc, obs), nil
}

// Dispose marks the factory unusable. Objects it created must already have
// been disposed by their owners.
func (f *Factory) Dispose() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disposed = true
}

func (f *Factory) check() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.disposed {
		return ErrDisposed
	}
	return nil
}

func deviceID(i int) string { return fmt.Sprintf("camera%d", i) }

func parseFacing(s string) engine.Facing {
	switch s {
	case "front":
		return engine.FacingFront
	case "back":
		return engine.FacingBack
	default:
		return engine.FacingUnknown
	}
}
