package call

import "github.com/1ureka/camlink/internal/engine"

// SelectDevice prefers the first back-facing camera in enumeration order and
// falls back to the first device.
func SelectDevice(devices []engine.Device) (engine.Device, bool) {
	if len(devices) == 0 {
		return engine.Device{}, false
	}
	for _, d := range devices {
		if d.Facing == engine.FacingBack {
			return d, true
		}
	}
	return devices[0], true
}
