package modem

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"i4.energy/across/shortrange/poll"
)

const readBufferSize = 512

// runner owns the read side of the transport. pumpOnce is the cooperative
// unit of progress; run is the task mode loop.
type runner struct {
	transport Transport
	ingress   *ingress
	client    *Client
	bridge    *Bridge
	logger    *slog.Logger
	mode      *atomic.Int32

	mu  sync.Mutex // held for the duration of a cooperative pump
	buf []byte
}

// pumpOnce performs one transport read and one ingress pass.
func (r *runner) pumpOnce() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.mode.Load() != modeCooperative {
		return errModeChanged
	}
	if r.buf == nil {
		r.buf = make([]byte, readBufferSize)
	}
	n, err := r.transport.Read(r.buf)
	if n > 0 {
		r.dispatch(r.buf[:n])
	}
	if err != nil {
		terr := &TransportError{Op: "read", Err: err}
		r.client.fail(terr)
		return terr
	}
	return nil
}

func (r *runner) dispatch(p []byte) {
	if r.bridge != nil && r.bridge.active.Load() {
		r.bridge.deliver(p)
		return
	}
	r.ingress.Write(p)
}

type readResult struct {
	p   []byte
	err error
}

// run is the only reader of the transport while it executes. A read error
// is fatal: it is handed to every waiting command and returned.
func (r *runner) run(ctx context.Context) error {
	// A cooperative pump may still be reading; the mode has already
	// changed, so once it returns no other will start.
	r.mu.Lock()
	r.buf = nil
	r.mu.Unlock()

	results := make(chan readResult, 16)

	go func() {
		for {
			buf := make([]byte, readBufferSize)
			n, err := r.transport.Read(buf)
			if n > 0 || err != nil {
				select {
				case results <- readResult{p: buf[:n], err: err}:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				return
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case res := <-results:
			if len(res.p) > 0 {
				r.dispatch(res.p)
			}
			if res.err != nil {
				terr := &TransportError{Op: "read", Err: res.err}
				r.client.fail(terr)
				r.logger.Error("Transport failed", "error", res.err)
				return terr
			}
		}
	}
}

const (
	modeCooperative int32 = iota
	modeRunning
	modeStopped
)

var errModeChanged = errors.New("scheduling mode changed")

// scheduler is the Poller shared by every waiting operation. Until Loop
// starts, waiters pump the transport themselves; while Loop runs they sleep
// on the signal; after Loop returned nothing can make progress any more.
type scheduler struct {
	mode   atomic.Int32
	signal *poll.Signal
	step   func() error
}

func (s *scheduler) Poll(ctx context.Context, done func() bool) error {
	// done may consume what it observes (a response, buffered bytes), so it
	// is not called again once it reported true.
	var finished bool
	check := func() bool {
		if !finished {
			finished = done()
		}
		return finished
	}

	for {
		var err error
		switch s.mode.Load() {
		case modeRunning:
			err = poll.Notified{Signal: s.signal}.Poll(ctx, func() bool {
				return check() || s.mode.Load() != modeRunning
			})
		case modeCooperative:
			err = poll.Cooperative{Step: s.cooperativeStep}.Poll(ctx, check)
		default:
			if check() {
				return nil
			}
			return ErrLoopStopped
		}

		if finished {
			return nil
		}
		if err != nil && !errors.Is(err, errModeChanged) {
			return err
		}
	}
}

func (s *scheduler) cooperativeStep() error {
	if s.mode.Load() != modeCooperative {
		return errModeChanged
	}
	return s.step()
}
