// Package urc provides a bounded broadcast log for unsolicited events.
//
// A single producer appends to the log and never blocks. Every subscriber
// owns an independent read cursor. A subscriber that falls more than the
// log capacity behind is told how many events it missed and resumes at the
// oldest event still retained.
package urc

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Next once the subscription has been closed.
var ErrClosed = errors.New("urc: subscription closed")

// Channel is the broadcast log.
type Channel[T any] struct {
	mu   sync.Mutex
	buf  []T
	head uint64 // sequence number of the next published event
	tail uint64 // lowest sequence number still holding a value
	subs map[*Subscription[T]]struct{}
	wake chan struct{}
}

// New returns a Channel retaining at most capacity events.
func New[T any](capacity int) *Channel[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Channel[T]{
		buf:  make([]T, capacity),
		subs: make(map[*Subscription[T]]struct{}),
		wake: make(chan struct{}),
	}
}

// Cap returns the capacity of the log.
func (c *Channel[T]) Cap() int {
	return len(c.buf)
}

// Publish appends v. It never blocks on subscribers.
func (c *Channel[T]) Publish(v T) {
	c.mu.Lock()
	c.buf[c.head%uint64(len(c.buf))] = v
	c.head++
	if c.head-c.tail > uint64(len(c.buf)) {
		c.tail = c.head - uint64(len(c.buf))
	}
	c.releaseLocked()
	wake := c.wake
	c.wake = make(chan struct{})
	c.mu.Unlock()

	close(wake)
}

// Subscribe registers a new cursor positioned after the most recently
// published event.
func (c *Channel[T]) Subscribe() *Subscription[T] {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := &Subscription[T]{ch: c, cursor: c.head}
	c.subs[s] = struct{}{}
	return s
}

// Subscribers returns the number of live subscriptions.
func (c *Channel[T]) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// releaseLocked zeroes every entry that no live cursor can still reach.
func (c *Channel[T]) releaseLocked() {
	low := c.head
	for s := range c.subs {
		if s.cursor < low {
			low = s.cursor
		}
	}
	var zero T
	for ; c.tail < low; c.tail++ {
		c.buf[c.tail%uint64(len(c.buf))] = zero
	}
}

// Subscription is one subscriber's read cursor.
type Subscription[T any] struct {
	ch     *Channel[T]
	cursor uint64
	closed bool
}

// TryNext returns the next event without blocking. ok is false when no
// event is pending. missed counts events that were overwritten before this
// subscriber could read them.
func (s *Subscription[T]) TryNext() (v T, missed uint64, ok bool) {
	c := s.ch
	c.mu.Lock()
	defer c.mu.Unlock()

	v, missed, ok = s.nextLocked()
	return v, missed, ok
}

func (s *Subscription[T]) nextLocked() (v T, missed uint64, ok bool) {
	c := s.ch
	if s.closed {
		return v, 0, false
	}
	oldest := uint64(0)
	if c.head > uint64(len(c.buf)) {
		oldest = c.head - uint64(len(c.buf))
	}
	if s.cursor < oldest {
		missed = oldest - s.cursor
		s.cursor = oldest
	}
	if s.cursor == c.head {
		return v, missed, false
	}
	v = c.buf[s.cursor%uint64(len(c.buf))]
	s.cursor++
	c.releaseLocked()
	return v, missed, true
}

// Next blocks until an event is available, the context is done or the
// subscription is closed.
func (s *Subscription[T]) Next(ctx context.Context) (v T, missed uint64, err error) {
	c := s.ch
	for {
		c.mu.Lock()
		if s.closed {
			c.mu.Unlock()
			return v, 0, ErrClosed
		}
		ev, n, ok := s.nextLocked()
		wake := c.wake
		c.mu.Unlock()
		if ok {
			return ev, n, nil
		}

		select {
		case <-wake:
		case <-ctx.Done():
			return v, 0, ctx.Err()
		}
	}
}

// Pending returns the number of events waiting for this subscriber,
// including ones it will be told it missed.
func (s *Subscription[T]) Pending() int {
	c := s.ch
	c.mu.Lock()
	defer c.mu.Unlock()
	return int(c.head - s.cursor)
}

// Close releases the cursor. Blocked calls to Next return ErrClosed.
func (s *Subscription[T]) Close() {
	c := s.ch
	c.mu.Lock()
	if s.closed {
		c.mu.Unlock()
		return
	}
	s.closed = true
	delete(c.subs, s)
	c.releaseLocked()
	wake := c.wake
	c.wake = make(chan struct{})
	c.mu.Unlock()

	close(wake)
}
