// Package config holds the CLI configuration types.
package config

import (
	"fmt"
	"strings"
)

// Role represents the device's role in a call (monitor or viewer).
type Role string

const (
	RoleMonitor Role = "monitor"
	RoleViewer  Role = "viewer"
)

// Capture geometry used when the caller does not override it.
const (
	DefaultWidth  = 320
	DefaultHeight = 480
	DefaultFPS    = 30
)

// DefaultSTUNServers are used for ICE candidate gathering. No TURN: the tool
// targets direct P2P connectivity with zero infrastructure cost.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Capture describes how the selected camera is started.
type Capture struct {
	Width  int
	Height int
	FPS    int
}

// DefaultCapture returns the default capture geometry.
func DefaultCapture() Capture {
	return Capture{Width: DefaultWidth, Height: DefaultHeight, FPS: DefaultFPS}
}

// DeviceSpec describes one file-backed capture device given on the command
// line as "facing:video.ivf[:audio.ogg]".
type DeviceSpec struct {
	Facing    string // "front", "back" or ""
	VideoFile string
	AudioFile string
}

// ParseDeviceSpec parses a -device flag value.
func ParseDeviceSpec(raw string) (DeviceSpec, error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) < 2 || len(parts) > 3 || parts[1] == "" {
		return DeviceSpec{}, fmt.Errorf("invalid device %q: want facing:video.ivf[:audio.ogg]", raw)
	}

	spec := DeviceSpec{Facing: parts[0], VideoFile: parts[1]}
	switch spec.Facing {
	case "front", "back", "":
	default:
		return DeviceSpec{}, fmt.Errorf("invalid device %q: facing must be front or back", raw)
	}
	if len(parts) == 3 {
		spec.AudioFile = parts[2]
	}
	return spec, nil
}

// Config stores all parameters gathered from CLI flags or interactive prompts.
type Config struct {
	Role       Role
	Capture    Capture
	ICEServers []string
	Devices    []DeviceSpec // Monitor: capture devices in enumeration order
	ListenAddr string       // Monitor: signaling server listen address
	PIN        string       // Pairing code shared by both sides
	URL        string       // Viewer: signaling server URL
	OutputFile string       // Viewer: IVF file the remote video is recorded to
}
