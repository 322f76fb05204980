package modem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"i4.energy/across/shortrange/at"
	"i4.energy/across/shortrange/poll"
)

// Client is the command engine. It keeps at most one command outstanding
// on the link, arms the response slot right before writing and waits for
// the slot through a Poller, so the same code serves cooperative and task
// mode.
type Client struct {
	transport Transport
	codec     at.Codec
	slot      *slot
	poller    poll.Poller
	signal    *poll.Signal
	timeout   time.Duration
	logger    *slog.Logger

	// sem admits one command at a time.
	sem chan struct{}
	// resync is set after a command timed out. Guarded by sem.
	resync bool
	// writeMu serializes writes to the transport, including PPP relay
	// traffic.
	writeMu sync.Mutex

	errMu sync.Mutex
	err   error
}

func newClient(t Transport, codec at.Codec, s *slot, p poll.Poller, signal *poll.Signal, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		transport: t,
		codec:     codec,
		slot:      s,
		poller:    p,
		signal:    signal,
		timeout:   timeout,
		logger:    logger,
		sem:       make(chan struct{}, 1),
	}
}

// Err returns the error that stopped the client, if any.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// fail stops the client. Every waiting and future command returns err.
func (c *Client) fail(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
	c.signal.Broadcast()
}

// Send issues cmd and waits for its response. The deadline is the command's
// own timeout, or the configured default when it has none, bounded by ctx.
// A response that arrives after Send gave up is discarded by the ingress
// pipeline and never handed to a later command.
func (c *Client) Send(ctx context.Context, cmd at.Command) (at.Response, error) {
	wire, err := c.codec.Encode(cmd)
	if err != nil {
		return at.Response{}, fmt.Errorf("encode %s: %w", cmd, err)
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	resp, err := c.exchange(ctx, cmd.String(), wire, timeout)
	if err != nil {
		return at.Response{}, fmt.Errorf("%s: %w", cmd, err)
	}
	c.logger.Debug("Command completed", "command", cmd.String(), "final", resp.Final)
	return resp, nil
}

// resyncQuiet is how long the line must stay silent before the first
// command after a timeout is written.
const resyncQuiet = 50 * time.Millisecond

// exchange writes one frame and waits for the response to it.
func (c *Client) exchange(ctx context.Context, echo string, wire []byte, timeout time.Duration) (at.Response, error) {
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return at.Response{}, ctx.Err()
	}
	defer func() { <-c.sem }()

	if err := c.Err(); err != nil {
		return at.Response{}, err
	}
	if c.resync {
		if err := c.resynchronize(ctx); err != nil {
			return at.Response{}, fmt.Errorf("resynchronize: %w", err)
		}
	}

	resp, err := c.roundTrip(ctx, echo, wire, timeout)
	if errors.Is(err, ErrCommandTimeout) {
		c.resync = true
	}
	return resp, err
}

// resynchronize runs a bare AT after a command timed out. A late answer to
// the abandoned command completes this AT instead of the next command, and
// the AT's own answer arrives while nothing is armed.
func (c *Client) resynchronize(ctx context.Context) error {
	wire, err := c.codec.Encode(at.Attention())
	if err != nil {
		return err
	}
	if _, err := c.roundTrip(ctx, "AT", wire, c.timeout); err != nil {
		return err
	}
	if err := c.settle(ctx); err != nil {
		return err
	}
	c.resync = false
	c.logger.Debug("Command channel resynchronized")
	return nil
}

// settle waits until no frame arrived for resyncQuiet, at most the default
// command timeout.
func (c *Client) settle(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	for {
		last := c.slot.lastActivity()
		wait := resyncQuiet - time.Since(time.Unix(0, last))
		if wait <= 0 {
			return nil
		}
		wake := time.AfterFunc(wait, c.signal.Broadcast)
		err := c.poller.Poll(ctx, func() bool {
			return c.slot.lastActivity() != last || time.Since(time.Unix(0, last)) >= resyncQuiet
		})
		wake.Stop()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return ErrCommandTimeout
			}
			return err
		}
	}
}

// roundTrip arms the slot, writes wire and waits for the response.
func (c *Client) roundTrip(ctx context.Context, echo string, wire []byte, timeout time.Duration) (at.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c.writeMu.Lock()
	seq := c.slot.arm(echo)
	_, err := c.transport.Write(wire)
	c.writeMu.Unlock()
	if err != nil {
		c.slot.disarm(seq)
		terr := &TransportError{Op: "write", Err: err}
		c.fail(terr)
		return at.Response{}, terr
	}

	var (
		resp at.Response
		ok   bool
	)
	err = c.poller.Poll(ctx, func() bool {
		resp, ok = c.slot.take(seq)
		return ok || c.Err() != nil
	})
	if ok {
		return resp, nil
	}
	c.slot.disarm(seq)

	if cerr := c.Err(); cerr != nil {
		return at.Response{}, cerr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return at.Response{}, ErrCommandTimeout
	}
	return at.Response{}, err
}

// writeRaw writes bytes outside the command protocol, used by the PPP relay.
func (c *Client) writeRaw(p []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.transport.Write(p); err != nil {
		terr := &TransportError{Op: "write", Err: err}
		c.fail(terr)
		return terr
	}
	return nil
}
