package pionengine

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"

	"github.com/1ureka/camlink/internal/engine"
	"github.com/1ureka/camlink/internal/util"
)

// fileCapturer replays an IVF file as if it were a camera. Playback loops at
// the end of the file so a long-running monitor never runs dry.
type fileCapturer struct {
	device   engine.Device
	path     string
	mimeType string

	mu       sync.Mutex
	output   func(engine.Frame)
	stop     chan struct{}
	stopped  chan struct{}
	disposed bool
}

// newFileCapturer reads the IVF header so the codec is known before any
// track is created.
func newFileCapturer(d engine.Device, path string) (*fileCapturer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open capture device %s: %w", d.ID, err)
	}
	defer f.Close()

	_, header, err := ivfreader.NewWith(f)
	if err != nil {
		return nil, fmt.Errorf("read IVF header of %s: %w", path, err)
	}

	var mime string
	switch header.FourCC {
	case "VP80":
		mime = webrtc.MimeTypeVP8
	case "VP90":
		mime = webrtc.MimeTypeVP9
	case "AV01":
		mime = webrtc.MimeTypeAV1
	default:
		return nil, fmt.Errorf("unsupported IVF codec %q in %s", header.FourCC, path)
	}

	return &fileCapturer{device: d, path: path, mimeType: mime}, nil
}

func (c *fileCapturer) Device() engine.Device { return c.device }

func (c *fileCapturer) setOutput(fn func(engine.Frame)) {
	c.mu.Lock()
	c.output = fn
	c.mu.Unlock()
}

// StartCapture starts frame delivery at fps. Starting a running capturer is a
// no-op. File playback cannot rescale, so width and height are informational.
func (c *fileCapturer) StartCapture(width, height, fps int) error {
	if fps <= 0 {
		return fmt.Errorf("invalid frame rate %d", fps)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return ErrDisposed
	}
	if c.stop != nil {
		return nil
	}

	c.stop = make(chan struct{})
	c.stopped = make(chan struct{})
	go c.loop(time.Second/time.Duration(fps), c.stop, c.stopped)

	util.LogDebug("capture %s started (%dx%d@%d)", c.device.ID, width, height, fps)
	return nil
}

// StopCapture stops frame delivery and waits for the playback goroutine.
func (c *fileCapturer) StopCapture() error {
	c.mu.Lock()
	stop, stopped := c.stop, c.stopped
	c.stop, c.stopped = nil, nil
	c.mu.Unlock()

	if stop == nil {
		return nil
	}
	close(stop)
	<-stopped
	util.LogDebug("capture %s stopped", c.device.ID)
	return nil
}

func (c *fileCapturer) Dispose() {
	_ = c.StopCapture()
	c.mu.Lock()
	c.disposed = true
	c.output = nil
	c.mu.Unlock()
}

// loop reads one frame per tick, rewinding at EOF.
func (c *fileCapturer) loop(interval time.Duration, stop <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		file   *os.File
		reader *ivfreader.IVFReader
	)
	defer func() {
		if file != nil {
			file.Close()
		}
	}()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if reader == nil {
			f, err := os.Open(c.path)
			if err != nil {
				util.LogError("capture %s: %v", c.device.ID, err)
				return
			}
			r, _, err := ivfreader.NewWith(f)
			if err != nil {
				f.Close()
				util.LogError("capture %s: %v", c.device.ID, err)
				return
			}
			file, reader = f, r
		}

		frame, _, err := reader.ParseNextFrame()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			file.Close()
			file, reader = nil, nil
			continue
		}
		if err != nil {
			util.LogError("capture %s: %v", c.device.ID, err)
			return
		}

		c.mu.Lock()
		out := c.output
		c.mu.Unlock()
		if out != nil {
			out(engine.Frame{Data: frame, Duration: interval})
		}
	}
}
