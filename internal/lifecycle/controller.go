// Package lifecycle guards the viewer side against overlapping calls and makes
// sure an abandoned call always releases its resources.
package lifecycle

import (
	"context"
	"errors"
	"sync"

	"github.com/1ureka/camlink/internal/call"
	"github.com/1ureka/camlink/internal/engine"
	"github.com/1ureka/camlink/internal/signaling"
	"github.com/1ureka/camlink/internal/util"
)

// ErrCallInProgress is returned by StartCall while another call is active.
var ErrCallInProgress = errors.New("call already in progress")

// Call is one outgoing call. Start blocks until the call ends; Cleanup stops
// it from any goroutine and returns once its resources are released.
type Call interface {
	Start(ctx context.Context, sink engine.RTPSink, ch signaling.Channel, onState func(call.State)) error
	Cleanup()
}

// NewCallFunc creates a fresh call for each StartCall.
type NewCallFunc func() Call

// Controller runs at most one call at a time.
type Controller struct {
	newCall NewCallFunc

	mu         sync.Mutex
	inProgress bool
	active     *activeCall
}

// activeCall gates state delivery: nothing reaches onState once closed.
type activeCall struct {
	call    Call
	onState func(call.State)

	mu       sync.Mutex
	closed   bool
	terminal bool
}

func (a *activeCall) deliver(s call.State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	if s.Terminal() {
		a.terminal = true
	}
	a.onState(s)
}

// fail reports Failed unless a terminal state was already delivered.
func (a *activeCall) fail() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.terminal {
		return
	}
	a.terminal = true
	a.onState(call.StateFailed)
}

// close waits for an in-flight delivery and blocks later ones.
func (a *activeCall) close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
}

// NewController creates an idle controller.
func NewController(newCall NewCallFunc) *Controller {
	return &Controller{newCall: newCall}
}

// InProgress reports whether a call is active.
func (c *Controller) InProgress() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inProgress
}

// StartCall starts a call in the background and returns immediately.
// onState receives every state change until the call ends or Close is
// called; a call that ends with an error before reaching a terminal state is
// reported as Failed. onState must not call Close. When the call ends it is
// cleaned up and the controller accepts a new one.
func (c *Controller) StartCall(ctx context.Context, sink engine.RTPSink, ch signaling.Channel, onState func(call.State)) error {
	if onState == nil {
		onState = func(call.State) {}
	}

	c.mu.Lock()
	if c.inProgress {
		c.mu.Unlock()
		return ErrCallInProgress
	}
	a := &activeCall{call: c.newCall(), onState: onState}
	c.inProgress, c.active = true, a
	c.mu.Unlock()

	go func() {
		err := a.call.Start(ctx, sink, ch, a.deliver)
		if err != nil {
			util.LogError("call ended: %v", err)
			a.fail()
		}
		c.finish(a)
	}()

	return nil
}

// Close cleans up the active call synchronously, whatever its state, and
// clears the in-progress flag. No state is delivered after Close returns.
func (c *Controller) Close() {
	c.mu.Lock()
	a := c.active
	c.active = nil
	c.mu.Unlock()

	if a == nil {
		return
	}
	a.close()
	a.call.Cleanup()
	c.release()
}

// finish releases a unless Close already did.
func (c *Controller) finish(a *activeCall) {
	c.mu.Lock()
	if c.active != a {
		c.mu.Unlock()
		return
	}
	c.active = nil
	c.mu.Unlock()

	a.call.Cleanup()
	c.release()
}

func (c *Controller) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inProgress = false
}
