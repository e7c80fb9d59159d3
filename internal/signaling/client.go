package signaling

import (
	"context"
	"fmt"
	"net/url"

	"github.com/gorilla/websocket"
)

// Dial connects to a monitor's signaling server. rawURL is the server base,
// e.g. ws://192.168.1.20:8080 or wss://example.devtunnels.ms; the endpoint
// path and the pin query parameter are added when missing.
func Dial(ctx context.Context, rawURL, pin string) (Channel, error) {
	target, err := endpoint(rawURL, pin)
	if err != nil {
		return nil, err
	}

	dialer := websocket.DefaultDialer
	conn, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WS server: %w", err)
	}
	return newChannel(conn, nil), nil
}

func endpoint(rawURL, pin string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid signaling URL %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid signaling URL %q: unsupported scheme", rawURL)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = Path
	}
	if pin != "" {
		q := u.Query()
		q.Set("pin", pin)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
