// Package poll holds the two schedulers shared by every waiting operation of
// the driver. A waiting operation is expressed once, as a condition checked
// after each unit of progress; the scheduler decides how progress is made.
//
// In task mode a background loop pumps the transport and fires a Signal
// after every state change, so waiters sleep on the signal (Notified). In
// cooperative mode there is no background loop and the waiter itself must
// drive the transport by calling a step function (Cooperative).
package poll

import (
	"context"
	"sync"
	"time"
)

// Poller waits until done reports true, making progress in between.
type Poller interface {
	Poll(ctx context.Context, done func() bool) error
}

// Signal is a broadcast wake-up. Every call to Broadcast releases all
// goroutines currently waiting on a channel obtained from C.
type Signal struct {
	mu sync.Mutex
	ch chan struct{}
}

// NewSignal returns a ready Signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// C returns a channel closed by the next Broadcast.
func (s *Signal) C() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

// Broadcast wakes every waiter.
func (s *Signal) Broadcast() {
	s.mu.Lock()
	ch := s.ch
	s.ch = make(chan struct{})
	s.mu.Unlock()
	close(ch)
}

// Notified waits on a Signal fired by whoever changes the observed state.
type Notified struct {
	Signal *Signal
}

// Poll implements Poller.
func (n Notified) Poll(ctx context.Context, done func() bool) error {
	for {
		// Take the channel before checking so a broadcast in between is
		// not lost.
		wake := n.Signal.C()
		if done() {
			return nil
		}
		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Cooperative drives progress itself by calling Step until done reports
// true. Step must not block indefinitely.
type Cooperative struct {
	Step func() error
	// Interval is slept after a step, when non-zero.
	Interval time.Duration
}

// Poll implements Poller. An error from Step ends the wait with that error.
func (c Cooperative) Poll(ctx context.Context, done func() bool) error {
	for {
		if done() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.Step(); err != nil {
			return err
		}
		if c.Interval > 0 {
			select {
			case <-time.After(c.Interval):
			case <-ctx.Done():
			}
		}
	}
}
