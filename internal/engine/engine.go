// Package engine defines the media engine contract the call orchestrator
// drives: capture devices, sources, tracks and the native peer connection.
// Every object created through a Factory must be disposed by its owner.
package engine

import (
	"context"
	"time"

	"github.com/pion/rtp"
)

// Facing describes which way a camera points.
type Facing int

const (
	FacingUnknown Facing = iota
	FacingFront
	FacingBack
)

func (f Facing) String() string {
	switch f {
	case FacingFront:
		return "front"
	case FacingBack:
		return "back"
	default:
		return "unknown"
	}
}

// Device is one enumerated capture device.
type Device struct {
	ID     string
	Label  string
	Facing Facing
}

// TrackKind is the media kind of a track.
type TrackKind string

const (
	KindAudio TrackKind = "audio"
	KindVideo TrackKind = "video"
)

// SessionDescription is an SDP blob plus its type ("offer" / "answer").
type SessionDescription struct {
	Type string
	SDP  string
}

// Candidate is one ICE candidate, local or remote.
type Candidate struct {
	SDP       string
	Mid       string
	LineIndex int
}

// PeerState is the connection state reported by the engine.
type PeerState int

const (
	PeerStateNew PeerState = iota
	PeerStateConnecting
	PeerStateConnected
	PeerStateDisconnected
	PeerStateFailed
	PeerStateClosed
)

func (s PeerState) String() string {
	switch s {
	case PeerStateNew:
		return "new"
	case PeerStateConnecting:
		return "connecting"
	case PeerStateConnected:
		return "connected"
	case PeerStateDisconnected:
		return "disconnected"
	case PeerStateFailed:
		return "failed"
	case PeerStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Frame is one encoded media frame produced by a capturer.
type Frame struct {
	Data     []byte
	Duration time.Duration
}

// FrameSink receives local frames, e.g. a preview renderer.
type FrameSink interface {
	WriteFrame(Frame) error
}

// RTPSink receives packets of a remote track, e.g. a viewer renderer.
type RTPSink interface {
	WriteRTP(*rtp.Packet) error
}

// CodecSink is an RTPSink that must learn the track codec before the first
// packet arrives.
type CodecSink interface {
	RTPSink
	SetCodec(mimeType string) error
}

// ---------------------------------------------------------------------------
// Engine objects
// ---------------------------------------------------------------------------

// Factory creates every engine object. It is owned by exactly one orchestrator
// and disposed last.
type Factory interface {
	Devices() ([]Device, error)
	NewCapturer(d Device) (Capturer, error)
	NewVideoSource(c Capturer) (VideoSource, error)
	NewAudioSource() (AudioSource, error)
	NewTrack(kind TrackKind, id string, src Source) (Track, error)
	NewConnection(obs Observer) (Connection, error)
	Dispose()
}

// Capturer produces frames from a capture device.
type Capturer interface {
	Device() Device
	StartCapture(width, height, fps int) error
	StopCapture() error
	Dispose()
}

// Source is the common part of audio and video sources.
type Source interface {
	Kind() TrackKind
	Dispose()
}

// VideoSource distributes captured video to tracks and preview sinks.
type VideoSource interface {
	Source
	AddSink(FrameSink)
	RemoveSink(FrameSink)
}

// AudioSource distributes captured audio to tracks.
type AudioSource interface {
	Source
}

// Track is one local media track bound to a source.
type Track interface {
	ID() string
	Kind() TrackKind
	Dispose()
}

// Stream is a group of tracks attached to a connection.
type Stream interface {
	Label() string
}

// RemoteTrack is a track received from the peer.
type RemoteTrack interface {
	ID() string
	Kind() TrackKind
	// Codec is the negotiated MIME type, e.g. "video/VP8".
	Codec() string
	ReadRTP() (*rtp.Packet, error)
}

// Connection is the native peer connection.
type Connection interface {
	AddStream(label string, tracks ...Track) (Stream, error)
	RemoveStream(s Stream) error
	// ReceiveOnly prepares recvonly transceivers for an offerer that sends
	// nothing itself.
	ReceiveOnly(kinds ...TrackKind) error

	CreateOffer(ctx context.Context) (SessionDescription, error)
	CreateAnswer(ctx context.Context) (SessionDescription, error)
	SetLocalDescription(ctx context.Context, d SessionDescription) error
	SetRemoteDescription(ctx context.Context, d SessionDescription) error
	AddICECandidate(c Candidate) error

	Dispose()
}

// Observer receives engine callbacks. Implementations must not block.
type Observer interface {
	OnICECandidate(c Candidate)
	OnConnectionStateChange(s PeerState)
	OnStreamAdded(t RemoteTrack)
	OnStreamRemoved(t RemoteTrack)
	OnError(err error)
}
