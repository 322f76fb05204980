package netstate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"slices"
	"strings"
	"sync"

	"i4.energy/across/shortrange/at"
	"i4.energy/across/shortrange/poll"
	"i4.energy/across/shortrange/urc"
)

// Sender issues a single AT command and waits for its response.
type Sender interface {
	Send(ctx context.Context, cmd at.Command) (at.Response, error)
}

// Options configure a Tracker.
type Options struct {
	Logger *slog.Logger
	// Signal, when set, is broadcast after every applied event.
	Signal *poll.Signal
	// Status, when set, is used by Run to read the interface addresses
	// after the network came up.
	Status Sender
}

// Tracker owns the connection and DNS state machines.
type Tracker struct {
	mu   sync.RWMutex
	conn Connection
	dns  DNS
	// startups counts +STARTUP events, that is module reboots.
	startups uint64
	// pending lists interfaces that came up during Drain and whose
	// addresses are still to be read.
	pending []int

	signal *poll.Signal
	status Sender
	logger *slog.Logger
}

// NewTracker returns a tracker in the Inactive / Unresolved state.
func NewTracker(opts Options) *Tracker {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Tracker{
		signal: opts.Signal,
		status: opts.Status,
		logger: logger,
	}
}

// Connection returns a snapshot of the connection state.
func (t *Tracker) Connection() Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c := t.conn
	if c.Network != nil {
		n := *c.Network
		c.Network = &n
	}
	return c
}

// IsConnected is shorthand for Connection().IsConnected().
func (t *Tracker) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conn.IsConnected()
}

// DNS returns a snapshot of the lookup state.
func (t *Tracker) DNS() DNS {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.dns
}

// BeginLookup marks host as Resolving. It must be called before the lookup
// command is sent so that a fast answer is not lost.
func (t *Tracker) BeginLookup(host string) {
	t.update(func() {
		t.dns = DNS{State: Resolving, Host: host}
	})
}

// Startups returns the number of reboots seen so far. A caller that
// restarts the module waits for it to grow.
func (t *Tracker) Startups() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.startups
}

// Joined records the name of the station network after a verified join.
func (t *Tracker) Joined(ssid string) {
	t.update(func() {
		if t.conn.Network != nil && t.conn.Network.Kind == Station {
			t.conn.Network.SSID = ssid
		}
	})
}

// Disconnected records an explicit disconnect request.
func (t *Tracker) Disconnected() {
	t.update(func() {
		t.conn = Connection{State: Inactive}
	})
}

func (t *Tracker) update(fn func()) {
	t.mu.Lock()
	fn()
	t.mu.Unlock()
	if t.signal != nil {
		t.signal.Broadcast()
	}
}

// Apply advances the state machines by one event. Events that do not
// concern connection or DNS state are ignored.
func (t *Tracker) Apply(ev at.Event) {
	switch e := ev.(type) {
	case at.StartUp:
		t.update(func() {
			t.conn = Connection{State: Inactive}
			t.dns = DNS{}
			t.startups++
		})
	case at.WifiLinkConnected:
		t.update(func() {
			t.conn.State = Connected
			t.conn.Network = &Network{
				Kind:         Station,
				ConnectionID: e.ConnectionID,
				BSSID:        e.BSSID,
				Channel:      e.Channel,
			}
		})
	case at.WifiLinkDisconnected:
		t.update(func() {
			switch e.Reason {
			case at.ReasonNetworkDisabled:
				t.conn.State = Inactive
			case at.ReasonSecurityProblems:
				t.conn.State = SecurityProblems
			default:
				t.conn.State = NotConnected
			}
			t.conn.Network = nil
		})
	case at.WifiAPUp:
		t.update(func() {
			t.conn.State = Connected
			t.conn.Network = &Network{Kind: AccessPoint, ConnectionID: e.ConnectionID}
		})
	case at.WifiAPDown:
		t.update(func() {
			t.conn.State = Inactive
			t.conn.Network = nil
		})
	case at.NetworkUp:
		t.update(func() {
			t.conn.NetworkUp = true
		})
	case at.NetworkDown:
		t.update(t.networkLost)
	case at.NetworkError:
		t.logger.Warn("Network error", "interface", e.Interface, "code", e.Code)
		t.update(t.networkLost)
	case at.PingResponse:
		t.update(func() {
			if t.dns.State != Resolving || !strings.EqualFold(t.dns.Host, e.Hostname) {
				return
			}
			t.dns.State = Resolved
			t.dns.Addr = e.Addr
		})
	case at.PingError:
		t.update(func() {
			if t.dns.State != Resolving {
				return
			}
			t.dns.State = Error
			t.dns.Code = e.Code
		})
	}
}

func (t *Tracker) networkLost() {
	t.conn.NetworkUp = false
	t.conn.IPv4 = netip.Addr{}
	t.conn.IPv6 = netip.Addr{}
}

// Drain applies every event pending on sub without blocking. It is the
// cooperative counterpart of Run.
func (t *Tracker) Drain(sub *urc.Subscription[at.Event]) {
	for {
		ev, missed, ok := sub.TryNext()
		if missed > 0 {
			t.logger.Warn("Missed unsolicited events", "count", missed)
		}
		if !ok {
			return
		}
		t.Apply(ev)

		if up, ok := ev.(at.NetworkUp); ok && t.status != nil {
			t.mu.Lock()
			if !slices.Contains(t.pending, up.Interface) {
				t.pending = append(t.pending, up.Interface)
			}
			t.mu.Unlock()
		}
	}
}

// RefreshPending reads the addresses of interfaces that came up while
// events were drained. Drain runs inside the cooperative step of a command
// that still waits for its response, so it must not send commands itself.
func (t *Tracker) RefreshPending(ctx context.Context) {
	t.mu.Lock()
	ifaces := t.pending
	t.pending = nil
	up := t.conn.NetworkUp
	t.mu.Unlock()

	if !up {
		return
	}
	for _, iface := range ifaces {
		t.refreshAddresses(ctx, iface)
	}
}

// Run applies events from sub until ctx is done.
func (t *Tracker) Run(ctx context.Context, sub *urc.Subscription[at.Event]) error {
	for {
		ev, missed, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, urc.ErrClosed) {
				return nil
			}
			return err
		}
		if missed > 0 {
			t.logger.Warn("Missed unsolicited events", "count", missed)
		}
		t.Apply(ev)

		if up, ok := ev.(at.NetworkUp); ok && t.status != nil {
			t.refreshAddresses(ctx, up.Interface)
		}
	}
}

// refreshAddresses reads the interface addresses. Failures are logged; the
// connection stays up without addresses.
func (t *Tracker) refreshAddresses(ctx context.Context, iface int) {
	v4, err := t.queryAddr(ctx, iface, at.StatusIPv4Address)
	if err != nil {
		t.logger.Warn("Failed to read IPv4 address", "interface", iface, "error", err)
	}
	v6, err := t.queryAddr(ctx, iface, at.StatusIPv6LinkLocal)
	if err != nil {
		t.logger.Debug("Failed to read IPv6 address", "interface", iface, "error", err)
	}

	t.update(func() {
		if !t.conn.NetworkUp {
			return
		}
		t.conn.IPv4 = v4
		t.conn.IPv6 = v6
	})
	t.logger.Info("Network up", "interface", iface, "ipv4", v4, "ipv6", v6)
}

func (t *Tracker) queryAddr(ctx context.Context, iface int, param at.NetworkStatusParameter) (netip.Addr, error) {
	resp, err := t.status.Send(ctx, at.NetworkStatus(iface, param))
	if err != nil {
		return netip.Addr{}, err
	}
	if err := resp.Err(); err != nil {
		return netip.Addr{}, err
	}
	params, ok := resp.Params("+UNSTAT:")
	if !ok || len(params) < 3 {
		return netip.Addr{}, &at.DecodeError{Line: resp.String(), Reason: "missing +UNSTAT value"}
	}
	addr, err := netip.ParseAddr(params[2])
	if err != nil {
		return netip.Addr{}, &at.DecodeError{Line: resp.String(), Reason: err.Error()}
	}
	return addr, nil
}
