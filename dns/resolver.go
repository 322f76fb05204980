// Package dns resolves host names through the module. The module has no
// dedicated resolver command; a single ping is issued and the address it
// reports is the answer.
package dns

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/net/idna"

	"i4.energy/across/shortrange/at"
	"i4.energy/across/shortrange/netstate"
	"i4.energy/across/shortrange/poll"
)

// DefaultTimeout bounds a lookup when the caller sets no deadline.
const DefaultTimeout = 8 * time.Second

var (
	// ErrTimeout is returned when no answer arrived in time.
	ErrTimeout = errors.New("dns: lookup timed out")

	// ErrUnaddressable is returned when the lookup could not be issued.
	ErrUnaddressable = errors.New("dns: unaddressable")

	// ErrIllegal is returned for malformed host names and for lookups the
	// module answered with an error.
	ErrIllegal = errors.New("dns: illegal host")
)

// LookupError carries the module's ping error code.
type LookupError struct {
	Host string
	Code int
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("dns: lookup %s failed with code %d", e.Host, e.Code)
}

func (e *LookupError) Is(target error) bool {
	return target == ErrIllegal
}

// Sender issues a single AT command and waits for its response.
type Sender interface {
	Send(ctx context.Context, cmd at.Command) (at.Response, error)
}

// Resolver performs one lookup at a time against the tracker's DNS state.
type Resolver struct {
	mu sync.Mutex

	sender  Sender
	state   *netstate.Tracker
	poller  poll.Poller
	timeout time.Duration
	logger  *slog.Logger
}

// Options configure a Resolver.
type Options struct {
	Sender  Sender
	State   *netstate.Tracker
	Poller  poll.Poller
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewResolver returns a Resolver. Poller decides how the wait makes
// progress: in cooperative mode it must pump the transport.
func NewResolver(opts Options) *Resolver {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Resolver{
		sender:  opts.Sender,
		state:   opts.State,
		poller:  opts.Poller,
		timeout: timeout,
		logger:  logger,
	}
}

// Lookup resolves host to an address. IP literals are returned as is.
func (r *Resolver) Lookup(ctx context.Context, host string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr, nil
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil || ascii == "" {
		return netip.Addr{}, fmt.Errorf("%w: %q", ErrIllegal, host)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	r.state.BeginLookup(ascii)
	resp, err := r.sender.Send(ctx, at.Ping(ascii, 1))
	if err == nil {
		err = resp.Err()
	}
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: %w", ErrUnaddressable, err)
	}

	var result netstate.DNS
	err = r.poller.Poll(ctx, func() bool {
		result = r.state.DNS()
		return result.Host != ascii || result.Done()
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return netip.Addr{}, fmt.Errorf("%w: %s", ErrTimeout, host)
		}
		return netip.Addr{}, err
	}

	switch {
	case result.Host != ascii:
		// Another lookup replaced ours.
		return netip.Addr{}, fmt.Errorf("%w: lookup of %s superseded", ErrUnaddressable, host)
	case result.State == netstate.Error:
		return netip.Addr{}, &LookupError{Host: host, Code: result.Code}
	}
	r.logger.Debug("Resolved", "host", host, "addr", result.Addr)
	return result.Addr, nil
}
