package pionengine

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"

	"github.com/1ureka/camlink/internal/engine"
)

// ErrCodecUnset is returned by WriteRTP before the track codec is known.
var ErrCodecUnset = errors.New("recording codec not set")

// Recorder writes a received VP8, VP9 or AV1 track into an IVF file. The
// file is created once the codec is known.
type Recorder struct {
	path string

	mu     sync.Mutex
	w      *ivfwriter.IVFWriter
	codec  string
	closed bool
}

var _ engine.CodecSink = (*Recorder)(nil)

// NewRecorder prepares a recording to path; nothing is written until SetCodec.
func NewRecorder(path string) (*Recorder, error) {
	if path == "" {
		return nil, errors.New("empty recording path")
	}
	return &Recorder{path: path}, nil
}

// SetCodec creates (or truncates) the file with the IVF header for mimeType.
// Calling it again with the same codec is a no-op.
func (r *Recorder) SetCodec(mimeType string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrDisposed
	}
	if r.w != nil {
		if strings.EqualFold(r.codec, mimeType) {
			return nil
		}
		return fmt.Errorf("recording already uses %s, cannot switch to %s", r.codec, mimeType)
	}

	codec, ok := ivfCodec(mimeType)
	if !ok {
		return fmt.Errorf("cannot record %s: IVF holds VP8, VP9 or AV1 only", mimeType)
	}

	file, err := os.Create(r.path)
	if err != nil {
		return fmt.Errorf("create recording %s: %w", r.path, err)
	}
	w, err := ivfwriter.NewWith(file, ivfwriter.WithCodec(codec))
	if err != nil {
		return errors.Join(fmt.Errorf("create recording %s: %w", r.path, err), file.Close())
	}
	r.w, r.codec = w, codec
	return nil
}

func (r *Recorder) WriteRTP(pkt *rtp.Packet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.closed:
		return ErrDisposed
	case r.w == nil:
		return ErrCodecUnset
	}
	return r.w.WriteRTP(pkt)
}

// Close finalizes the IVF header. Safe to call multiple times.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.w == nil {
		return nil
	}
	return r.w.Close()
}

// ivfCodec maps a negotiated MIME type onto the spelling ivfwriter expects.
func ivfCodec(mimeType string) (string, bool) {
	for _, c := range []string{webrtc.MimeTypeVP8, webrtc.MimeTypeVP9, webrtc.MimeTypeAV1} {
		if strings.EqualFold(c, mimeType) {
			return c, true
		}
	}
	return "", false
}
