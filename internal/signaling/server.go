package signaling

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/1ureka/camlink/internal/util"
)

// Path is the WebSocket endpoint served by Server.
const Path = "/ws"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ErrServerClosed is returned by Accept after Close.
var ErrServerClosed = errors.New("signaling server closed")

// Server is the monitor-side WebSocket server. It serves one viewer at a
// time; a second viewer is refused until the first channel closes.
type Server struct {
	pin      string
	listener net.Listener
	srv      *http.Server
	connCh   chan *websocket.Conn
	done     chan struct{}
	busy     atomic.Bool
	closed   atomic.Bool
}

// NewServer creates a signaling server that admits viewers presenting pin.
func NewServer(pin string) *Server {
	return &Server{
		pin:    pin,
		connCh: make(chan *websocket.Conn, 1),
		done:   make(chan struct{}),
	}
}

// Listen starts serving on addr (":0" picks a free port) and returns the
// bound address.
func (s *Server) Listen(addr string) (net.Addr, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start WS server: %w", err)
	}
	s.listener = listener
	s.srv = &http.Server{Handler: s.Handler()}

	go func() {
		if err := s.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogError("signaling server: %v", err)
		}
	}()

	return listener.Addr(), nil
}

// Handler returns the HTTP handler serving Path.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(Path, s.handleWS)
	return mux
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	pin := r.URL.Query().Get("pin")
	if subtle.ConstantTimeCompare([]byte(pin), []byte(s.pin)) != 1 {
		util.LogWarning("rejected viewer from %s: invalid PIN", r.RemoteAddr)
		http.Error(w, "Invalid PIN", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	if s.closed.Load() || !s.busy.CompareAndSwap(false, true) {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "already connected"))
		conn.Close()
		return
	}

	select {
	case s.connCh <- conn:
		util.LogInfo("viewer connected from %s", r.RemoteAddr)
	default:
		s.busy.Store(false)
		conn.Close()
	}
}

// Accept blocks until a viewer connects, the context is cancelled or the
// server is closed.
func (s *Server) Accept(ctx context.Context) (Channel, error) {
	select {
	case conn := <-s.connCh:
		return newChannel(conn, func() { s.busy.Store(false) }), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrServerClosed
	}
}

// Close shuts down the listener, preventing new connections. Open channels
// are not affected.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.done)
	if s.srv != nil {
		return s.srv.Close()
	}
	return nil
}

// GeneratePIN returns a random numeric PIN of the specified length.
func GeneratePIN(length int) string {
	digits := make([]byte, length)
	for i := range digits {
		n, _ := rand.Int(rand.Reader, big.NewInt(10))
		digits[i] = byte('0') + byte(n.Int64())
	}
	return string(digits)
}
