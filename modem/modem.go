package modem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"i4.energy/across/shortrange/at"
	"i4.energy/across/shortrange/dns"
	"i4.energy/across/shortrange/netstate"
	"i4.energy/across/shortrange/poll"
	"i4.energy/across/shortrange/socket"
	"i4.energy/across/shortrange/urc"
)

// Modem represents a u-blox short-range radio module that communicates via
// AT commands. It bundles the command engine, the connection and DNS state,
// the socket multiplexer and the URC channel around a single transport.
//
// A Modem works in one of two ways. Before Loop is started every blocking
// call drives the transport itself (cooperative mode), which is also how New
// initializes the module. Once Loop runs it is the only reader of the
// transport and callers sleep until the state they wait for changes.
type Modem struct {
	// transport provides the physical connection to the module
	transport Transport
	// config contains the validated configuration
	config Config
	logger *slog.Logger

	signal  *poll.Signal
	sched   *scheduler
	urcs    *urc.Channel[at.Event]
	ingress *ingress
	client  *Client
	runner  *runner
	bridge  *Bridge

	tracker  *netstate.Tracker
	sockets  *socket.Set
	resolver *dns.Resolver

	// subscriptions of the internal consumers
	trackerSub *urc.Subscription[at.Event]
	socketSub  *urc.Subscription[at.Event]

	mu     sync.Mutex
	closed bool

	// loopCtx is cancelled by Close to stop a running Loop
	loopCtx    context.Context
	loopCancel context.CancelFunc
}

// New creates a new Modem instance with the given configuration.
// It establishes the transport connection, initializes the module
// and prepares the event loop context.
//
// Returns an error if the transport connection or module initialization
// fails.
func New(ctx context.Context, config Config) (*Modem, error) {
	if config.Dialer == nil {
		return nil, ErrNoDialer
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	config.setDefaults()

	transport, err := config.Dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, ErrNotInitialized
	}

	m := assemble(transport, config)

	// Prepare context for Loop (but don't start it yet)
	m.loopCtx, m.loopCancel = context.WithCancel(context.WithoutCancel(ctx))

	initCtx := ctx
	if config.InitTimeout > 0 {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, config.InitTimeout)
		defer cancel()
	}

	if err := m.init(initCtx); err != nil {
		m.loopCancel()
		transport.Close()
		return nil, fmt.Errorf("initialize module: %w", err)
	}

	m.logger.Info("Module initialized", "hostname", config.Hostname)
	return m, nil
}

func assemble(transport Transport, config Config) *Modem {
	logger := config.Logger
	m := &Modem{
		transport: transport,
		config:    config,
		logger:    logger,
		signal:    poll.NewSignal(),
		urcs:      urc.New[at.Event](config.URCCapacity),
	}
	m.sched = &scheduler{signal: m.signal, step: m.step}

	s := &slot{signal: m.signal}
	m.ingress = &ingress{
		codec:  config.Codec,
		slot:   s,
		urcs:   m.urcs,
		logger: logger.With("component", "ingress"),
	}
	m.client = newClient(transport, config.Codec, s, m.sched, m.signal, config.ATTimeout, logger.With("component", "client"))
	m.bridge = newBridge(logger.With("component", "ppp"))
	m.runner = &runner{
		transport: transport,
		ingress:   m.ingress,
		client:    m.client,
		bridge:    m.bridge,
		logger:    logger.With("component", "runner"),
		mode:      &m.sched.mode,
	}

	m.tracker = netstate.NewTracker(netstate.Options{
		Logger: logger.With("component", "netstate"),
		Signal: m.signal,
		Status: m.client,
	})
	m.sockets = socket.NewSet(socket.Options{
		Sender:     m.client,
		Poller:     m.sched,
		Signal:     m.signal,
		BufferSize: config.SocketBufferSize,
		Logger:     logger.With("component", "socket"),
	})
	m.resolver = dns.NewResolver(dns.Options{
		Sender:  m.client,
		State:   m.tracker,
		Poller:  m.sched,
		Timeout: config.DNSTimeout,
		Logger:  logger.With("component", "dns"),
	})
	m.trackerSub = m.urcs.Subscribe()
	m.socketSub = m.urcs.Subscribe()
	return m
}

// step is one unit of cooperative progress: a transport read, an ingress
// pass and the application of every event it produced.
func (m *Modem) step() error {
	if err := m.runner.pumpOnce(); err != nil {
		return err
	}
	m.tracker.Drain(m.trackerSub)
	m.sockets.Drain(m.socketSub)
	return nil
}

// Step makes cooperative progress once. It fails with ErrLoopRunning while
// Loop owns the transport.
func (m *Modem) Step() error {
	if err := m.usable(); err != nil {
		return err
	}
	switch m.sched.mode.Load() {
	case modeRunning:
		return ErrLoopRunning
	case modeStopped:
		return ErrLoopStopped
	}
	err := m.step()
	if errors.Is(err, errModeChanged) {
		return ErrLoopRunning
	}
	if err != nil {
		return err
	}
	m.tracker.RefreshPending(context.Background())
	return nil
}

// Loop is the concurrent runner. It must be called at most once after New.
// It reads the transport, applies events to the connection state and the
// sockets and relays PPP traffic, until ctx is cancelled, Close is called
// or the transport fails. A transport failure is returned to every waiting
// command as a *TransportError.
//
// Usage:
//
//	m, err := New(ctx, config)
//	if err != nil { return err }
//
//	// Start the loop (typically in a goroutine)
//	go m.Loop(ctx)
//
//	addr, err := m.Lookup(ctx, "example.com")
func (m *Modem) Loop(ctx context.Context) error {
	if err := m.usable(); err != nil {
		return err
	}
	if !m.sched.mode.CompareAndSwap(modeCooperative, modeRunning) {
		if m.sched.mode.Load() == modeStopped {
			return ErrLoopStopped
		}
		return ErrLoopRunning
	}
	m.signal.Broadcast()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(m.loopCtx, cancel)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.runner.run(gctx) })
	g.Go(func() error { return m.tracker.Run(gctx, m.trackerSub) })
	g.Go(func() error { return m.sockets.Run(gctx, m.socketSub) })
	g.Go(func() error { return m.bridge.relay(gctx, m.client) })

	m.logger.Info("Loop started")
	err := g.Wait()

	if err != nil {
		m.client.fail(fmt.Errorf("%w: %w", ErrLoopStopped, err))
	} else {
		m.client.fail(ErrLoopStopped)
	}
	m.sched.mode.Store(modeStopped)
	m.bridge.active.Store(false)
	m.signal.Broadcast()
	m.logger.Info("Loop stopped", "error", err)
	return err
}

func (m *Modem) usable() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrAlreadyClosed
	}
	if m.transport == nil {
		return ErrNotInitialized
	}
	return nil
}

// Close shuts down the module link and releases all resources.
// It stops the event loop, closes the transport connection, and marks
// the Modem as closed. After calling Close(), the Modem cannot be reused.
func (m *Modem) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrAlreadyClosed
	}
	m.closed = true
	m.mu.Unlock()

	// Stop the Loop if it's running
	if m.loopCancel != nil {
		m.loopCancel()
	}
	if m.client != nil {
		m.client.fail(ErrAlreadyClosed)
	}
	if m.bridge != nil {
		m.bridge.close()
	}
	m.trackerSub.Close()
	m.socketSub.Close()

	if m.transport != nil {
		return m.transport.Close()
	}
	return nil
}

// Send issues a raw command through the shared command engine.
func (m *Modem) Send(ctx context.Context, cmd at.Command) (at.Response, error) {
	if err := m.usable(); err != nil {
		return at.Response{}, err
	}
	if m.bridge.Active() {
		return at.Response{}, ErrDataMode
	}
	resp, err := m.client.Send(ctx, cmd)
	m.tracker.RefreshPending(ctx)
	return resp, err
}

// Client returns the shared command engine.
func (m *Modem) Client() *Client {
	return m.client
}

// Sockets returns the socket multiplexer.
func (m *Modem) Sockets() *socket.Set {
	return m.sockets
}

// Connection returns a snapshot of the link and network state.
func (m *Modem) Connection() netstate.Connection {
	return m.tracker.Connection()
}

// IsConnected reports whether the module can carry traffic.
func (m *Modem) IsConnected() bool {
	return m.tracker.IsConnected()
}

// DNS returns a snapshot of the lookup state.
func (m *Modem) DNS() netstate.DNS {
	return m.tracker.DNS()
}

// Subscribe returns a new cursor on the URC channel. Subscribers that fall
// behind are told how many events they missed; they never slow the module
// down.
func (m *Modem) Subscribe() *urc.Subscription[at.Event] {
	return m.urcs.Subscribe()
}

// Stats returns the ingress and data mode counters.
func (m *Modem) Stats() Stats {
	s := m.ingress.stats()
	s.DataDropped = m.bridge.Dropped()
	return s
}

// Lookup resolves host through the module. Failures match dns.ErrTimeout,
// dns.ErrUnaddressable or dns.ErrIllegal.
func (m *Modem) Lookup(ctx context.Context, host string) (netip.Addr, error) {
	if err := m.usable(); err != nil {
		return netip.Addr{}, err
	}
	if m.bridge.Active() {
		return netip.Addr{}, ErrDataMode
	}
	return m.resolver.Lookup(ctx, host)
}

// DisconnectWifi deactivates station configuration configID and marks the
// connection inactive.
func (m *Modem) DisconnectWifi(ctx context.Context, configID int) error {
	if err := m.expectOK(ctx, at.WifiDeactivate(configID)); err != nil {
		return fmt.Errorf("disconnect wifi: %w", err)
	}
	m.tracker.Disconnected()
	m.logger.Info("WiFi disconnected", "config_id", configID)
	return nil
}

// PPP returns the stack side of the PPP bridge.
func (m *Modem) PPP() io.ReadWriteCloser {
	return m.bridge.Conn()
}

// EnterDataMode switches the link to PPP. Only available while Loop runs.
func (m *Modem) EnterDataMode(ctx context.Context) error {
	if m.sched.mode.Load() != modeRunning {
		return ErrLoopNotRunning
	}
	if m.bridge.Active() {
		return nil
	}
	if err := m.expectOK(ctx, at.ChangeMode(at.ModePPP)); err != nil {
		return fmt.Errorf("enter data mode: %w", err)
	}
	m.bridge.active.Store(true)
	m.logger.Info("Entered PPP data mode")
	return nil
}

// LeaveDataMode sends the escape sequence, framed by the guard time, and
// returns the link to command mode.
func (m *Modem) LeaveDataMode(ctx context.Context) error {
	if !m.bridge.active.CompareAndSwap(true, false) {
		return nil
	}
	if err := sleep(ctx, m.config.GuardTime); err != nil {
		return err
	}
	resp, err := m.client.exchange(ctx, at.Escape, []byte(at.Escape), m.config.GuardTime+m.config.ATTimeout)
	if err == nil {
		err = resp.Err()
	}
	if err != nil {
		return fmt.Errorf("leave data mode: %w", err)
	}
	m.logger.Info("Left PPP data mode")
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// init performs the initial setup sequence for the module.
// This method is called during New() and must complete successfully
// before the Modem can be used.
func (m *Modem) init(ctx context.Context) error {
	// 1. Wake-up / sanity check
	if err := m.expectOK(ctx, at.Attention()); err != nil {
		return fmt.Errorf("module not responding: %w", err)
	}

	if err := m.expectOK(ctx, at.SetEcho(false)); err != nil {
		return fmt.Errorf("could not disable echo: %w", err)
	}

	// 3. Line rate; the module switches after its OK
	if m.config.BaudRate > 0 {
		if err := m.expectOK(ctx, at.SetRS232(m.config.BaudRate, m.config.FlowControl)); err != nil {
			return fmt.Errorf("set baud rate: %w", err)
		}
		if err := m.transport.SetBaudRate(m.config.BaudRate); err != nil {
			return &TransportError{Op: "set baud rate", Err: err}
		}
		if err := m.expectOK(ctx, at.Attention()); err != nil {
			return fmt.Errorf("module not responding at %d baud: %w", m.config.BaudRate, err)
		}
	}

	return m.configure(ctx)
}

// configure applies the settings that are lost when the module reboots
// without storing them.
func (m *Modem) configure(ctx context.Context) error {
	if m.config.Hostname != "" {
		if err := m.expectOK(ctx, at.SetHostname(m.config.Hostname)); err != nil {
			return fmt.Errorf("set hostname: %w", err)
		}
	}

	if m.config.TLSInBufferSize > 0 {
		if err := m.expectOK(ctx, at.SetPeerConfig(at.PeerConfigTLSInBuffer, m.config.TLSInBufferSize)); err != nil {
			return fmt.Errorf("set TLS input buffer: %w", err)
		}
	}
	if m.config.TLSOutBufferSize > 0 {
		if err := m.expectOK(ctx, at.SetPeerConfig(at.PeerConfigTLSOutBuffer, m.config.TLSOutBufferSize)); err != nil {
			return fmt.Errorf("set TLS output buffer: %w", err)
		}
	}
	return nil
}

// expectOK executes a command and validates that the module answered OK.
func (m *Modem) expectOK(ctx context.Context, cmd at.Command) error {
	resp, err := m.Send(ctx, cmd)
	if err != nil {
		return err
	}
	return resp.Err()
}
