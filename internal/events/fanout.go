// Package events turns push-style engine callbacks into ordered streams with
// any number of independent subscribers.
package events

import "sync"

// Fanout delivers every published value to all current subscribers in
// publish order. Late subscribers see only values published after they
// attached. Publish never blocks and never drops: each subscriber owns an
// unbounded FIFO drained by its own goroutine.
type Fanout[T any] struct {
	mu     sync.Mutex
	subs   map[*Subscription[T]]struct{}
	closed bool
}

// NewFanout creates an empty fan-out.
func NewFanout[T any]() *Fanout[T] {
	return &Fanout[T]{subs: make(map[*Subscription[T]]struct{})}
}

// Subscribe attaches a new subscriber. Subscribing to a closed fan-out
// returns a subscription whose channel is already closed.
func (f *Fanout[T]) Subscribe() *Subscription[T] {
	s := &Subscription[T]{
		f:      f,
		notify: make(chan struct{}, 1),
		out:    make(chan T),
		done:   make(chan struct{}),
	}

	f.mu.Lock()
	if f.closed {
		s.closing = true
	} else {
		f.subs[s] = struct{}{}
	}
	f.mu.Unlock()

	go s.pump()
	return s
}

// Publish enqueues v for every current subscriber.
func (f *Fanout[T]) Publish(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	for s := range f.subs {
		s.push(v)
	}
}

// Close stops accepting values. Each subscriber still receives what was
// queued for it, then its channel is closed.
func (f *Fanout[T]) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for s := range f.subs {
		s.finish()
	}
	f.subs = nil
}

func (f *Fanout[T]) remove(s *Subscription[T]) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, s)
}

// ---------------------------------------------------------------------------
// Subscription
// ---------------------------------------------------------------------------

// Subscription is one subscriber's view of a Fanout.
type Subscription[T any] struct {
	f *Fanout[T]

	mu      sync.Mutex
	queue   []T
	closing bool

	notify     chan struct{}
	out        chan T
	done       chan struct{}
	cancelOnce sync.Once
}

// C returns the delivery channel. It is closed after Cancel or after the
// fan-out is closed and the queue drained.
func (s *Subscription[T]) C() <-chan T {
	return s.out
}

// Cancel detaches the subscriber and discards anything still queued.
// Safe to call multiple times.
func (s *Subscription[T]) Cancel() {
	s.cancelOnce.Do(func() {
		s.f.remove(s)
		close(s.done)
	})
}

func (s *Subscription[T]) push(v T) {
	s.mu.Lock()
	s.queue = append(s.queue, v)
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription[T]) finish() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription[T]) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// pump moves queued values to the delivery channel one at a time.
func (s *Subscription[T]) pump() {
	defer close(s.out)

	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return
			}
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		v := s.queue[0]
		var zero T
		s.queue[0] = zero // avoid memory leak
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- v:
		case <-s.done:
			return
		}
	}
}
