// Package signaling carries call negotiation messages between the monitor
// and the viewer over a WebSocket.
package signaling

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/camlink/internal/protocol"
	"github.com/1ureka/camlink/internal/util"
)

const (
	sendBufferSize  = 32 // outgoing frame queue capacity
	eventBufferSize = 32 // inbound events buffered before reads stall
	closeGrace      = time.Second
)

// ErrChannelClosed is returned by Send after the channel closed.
var ErrChannelClosed = errors.New("signaling channel closed")

// EventType discriminates Event.
type EventType int

const (
	EventOpen EventType = iota + 1
	EventClosed
	EventMessage
)

func (t EventType) String() string {
	switch t {
	case EventOpen:
		return "open"
	case EventClosed:
		return "closed"
	case EventMessage:
		return "message"
	default:
		return "unknown"
	}
}

// Event is one channel notification. Data is set for EventMessage, Err may be
// set for EventClosed.
type Event struct {
	Type EventType
	Data []byte
	Err  error
}

// Channel is a bidirectional, ordered signaling transport.
type Channel interface {
	// Send delivers one message. It returns once the frame was written.
	Send(ctx context.Context, msg protocol.Message) error
	// Events yields Open first, then messages in arrival order, then Closed.
	// The channel is closed after Closed.
	Events() <-chan Event
	Close() error
}

type outgoing struct {
	data   []byte
	result chan error
}

// wsChannel is a Channel over one WebSocket connection. All writes go through
// a single writer goroutine; reads happen on a single reader goroutine.
type wsChannel struct {
	conn   *websocket.Conn
	peer   string
	outbox chan outgoing
	events chan Event

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	onClose   func()
}

// newChannel starts the reader and writer loops. onClose, if set, runs once
// after the connection is gone.
func newChannel(conn *websocket.Conn, onClose func()) *wsChannel {
	ctx, cancel := context.WithCancel(context.Background())
	c := &wsChannel{
		conn:    conn,
		peer:    util.PeerIDFromConn(conn.NetConn()),
		outbox:  make(chan outgoing, sendBufferSize),
		events:  make(chan Event, eventBufferSize),
		ctx:     ctx,
		cancel:  cancel,
		onClose: onClose,
	}

	c.events <- Event{Type: EventOpen}
	util.LogDebug("signaling channel open (peer=%s)", c.peer)

	go c.readLoop()
	go c.writeLoop()
	return c
}

func (c *wsChannel) Events() <-chan Event {
	return c.events
}

func (c *wsChannel) Send(ctx context.Context, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	out := outgoing{data: data, result: make(chan error, 1)}
	select {
	case c.outbox <- out:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrChannelClosed
	}

	select {
	case err := <-out.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrChannelClosed
	}
}

// Close sends a normal close frame and tears the connection down. Safe to
// call multiple times.
func (c *wsChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGrace))
		err = c.conn.Close()
	})
	return err
}

// writeLoop is the single writer of the connection.
func (c *wsChannel) writeLoop() {
	for {
		select {
		case out := <-c.outbox:
			err := c.conn.WriteMessage(websocket.TextMessage, out.data)
			if err != nil {
				util.Logf("signaling write failed (peer=%s): %v", c.peer, err)
			}
			out.result <- err
		case <-c.ctx.Done():
			return
		}
	}
}

// readLoop forwards text frames until the connection fails, then reports
// Closed and releases the connection.
func (c *wsChannel) readLoop() {
	defer close(c.events)

	var readErr error
	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		if typ != websocket.TextMessage {
			continue
		}
		select {
		case c.events <- Event{Type: EventMessage, Data: data}:
		case <-c.ctx.Done():
		}
	}

	if websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) || c.ctx.Err() != nil {
		readErr = nil
	}
	util.LogDebug("signaling channel closed (peer=%s)", c.peer)

	c.Close()
	if c.onClose != nil {
		c.onClose()
	}

	select {
	case c.events <- Event{Type: EventClosed, Err: readErr}:
	default:
		util.Logf("event buffer full, dropping close notification (peer=%s)", c.peer)
	}
}
