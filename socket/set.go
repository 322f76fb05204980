// Package socket multiplexes host side socket handles onto the peer handles
// of the module.
//
// The mapping is written by the URC consumer (Apply, Drain, Run) and by the
// socket operations themselves. A mapping is only released once the module
// reports the peer as disconnected, so a peer handle is never reused while
// the module still considers it live.
package socket

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"slices"
	"strconv"
	"sync"

	"i4.energy/across/shortrange/at"
	"i4.energy/across/shortrange/poll"
	"i4.energy/across/shortrange/urc"
)

// DefaultBufferSize is the receive buffer capacity per socket.
const DefaultBufferSize = 4096

// Handle identifies a socket on the host.
type Handle int

// State of a socket.
type State int

const (
	Idle State = iota
	Connecting
	Established
	Closing
	// Closed means the remote side went away. Buffered data can still be
	// read.
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Established:
		return "established"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalText lets the state appear by name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Info is a snapshot of one socket.
type Info struct {
	Handle   Handle         `json:"handle"`
	State    State          `json:"state"`
	Peer     int            `json:"peer"`
	Incoming bool           `json:"incoming"`
	Local    netip.AddrPort `json:"local,omitzero"`
	Remote   netip.AddrPort `json:"remote,omitzero"`
	Buffered int            `json:"buffered"`
	Dropped  uint64         `json:"dropped"`
}

// Sender issues a single AT command and waits for its response.
type Sender interface {
	Send(ctx context.Context, cmd at.Command) (at.Response, error)
}

// Options configure a Set.
type Options struct {
	Sender Sender
	// Poller drives every blocking wait.
	Poller poll.Poller
	// Signal is broadcast after every state change. Poller should wake on
	// it in task mode.
	Signal     *poll.Signal
	BufferSize int
	Logger     *slog.Logger
}

type entry struct {
	state    State
	peer     int
	incoming bool
	local    netip.AddrPort
	remote   netip.AddrPort
	buf      []byte
	dropped  uint64
}

// Set is the socket multiplexer.
type Set struct {
	mu      sync.Mutex
	sockets map[Handle]*entry
	peers   map[int]Handle

	// connects counts host connects whose reply has not been seen yet.
	// Peer events arriving meanwhile are parked until the reply tells
	// whether they belong to the connect.
	connects int
	parked   []at.PeerConnected
	accept   []Handle

	sender  Sender
	poller  poll.Poller
	signal  *poll.Signal
	bufSize int
	logger  *slog.Logger
}

// NewSet returns an empty multiplexer.
func NewSet(opts Options) *Set {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	signal := opts.Signal
	if signal == nil {
		signal = poll.NewSignal()
	}
	poller := opts.Poller
	if poller == nil {
		poller = poll.Notified{Signal: signal}
	}
	size := opts.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Set{
		sockets: make(map[Handle]*entry),
		peers:   make(map[int]Handle),
		sender:  opts.Sender,
		poller:  poller,
		signal:  signal,
		bufSize: size,
		logger:  logger,
	}
}

func (s *Set) changed() {
	s.signal.Broadcast()
}

// allocLocked returns the lowest handle not currently held.
func (s *Set) allocLocked(e *entry) Handle {
	h := Handle(0)
	for {
		if _, ok := s.sockets[h]; !ok {
			s.sockets[h] = e
			return h
		}
		h++
	}
}

// Open reserves a new idle socket.
func (s *Set) Open() Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allocLocked(&entry{state: Idle, peer: -1})
}

// Info returns a snapshot of socket h.
func (s *Set) Info(h Handle) (Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sockets[h]
	if !ok {
		return Info{}, &Error{Op: "info", Handle: h, Err: ErrUnknownHandle}
	}
	return e.info(h), nil
}

// List returns snapshots of every socket ordered by handle.
func (s *Set) List() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make([]Info, 0, len(s.sockets))
	for h, e := range s.sockets {
		infos = append(infos, e.info(h))
	}
	slices.SortFunc(infos, func(a, b Info) int { return int(a.Handle - b.Handle) })
	return infos
}

func (e *entry) info(h Handle) Info {
	return Info{
		Handle:   h,
		State:    e.state,
		Peer:     e.peer,
		Incoming: e.incoming,
		Local:    e.local,
		Remote:   e.remote,
		Buffered: len(e.buf),
		Dropped:  e.dropped,
	}
}

// Connect connects idle socket h to url (see at.PeerURL) and waits until
// the module reports the peer as connected.
func (s *Set) Connect(ctx context.Context, h Handle, url string) error {
	s.mu.Lock()
	e, ok := s.sockets[h]
	switch {
	case !ok:
		s.mu.Unlock()
		return &Error{Op: "connect", Handle: h, Err: ErrUnknownHandle}
	case e.state != Idle:
		s.mu.Unlock()
		return &Error{Op: "connect", Handle: h, Err: ErrInUse}
	}
	e.state = Connecting
	s.connects++
	s.mu.Unlock()

	resp, err := s.sender.Send(ctx, at.ConnectPeer(url))
	if err == nil {
		err = resp.Err()
	}
	peer := -1
	if err == nil {
		peer, err = peerHandle(resp)
	}

	s.mu.Lock()
	s.connects--
	live := s.sockets[h] == e
	if err != nil {
		switch {
		case !live:
		case e.state == Connecting:
			e.state = Idle
		case e.state == Closing:
			// Closed while the connect was in flight; no peer to release.
			delete(s.sockets, h)
		}
		s.releaseParkedLocked()
		s.mu.Unlock()
		s.changed()
		return &Error{Op: "connect", Handle: h, Err: err}
	}
	if !live || (e.state != Connecting && e.state != Closing) {
		// The module restarted while the reply was in flight.
		s.releaseParkedLocked()
		s.mu.Unlock()
		return &Error{Op: "connect", Handle: h, Err: ErrClosed}
	}
	e.peer = peer
	s.peers[peer] = h
	if i := slices.IndexFunc(s.parked, func(ev at.PeerConnected) bool { return ev.Handle == peer }); i >= 0 {
		if e.state == Connecting {
			e.establish(s.parked[i])
		}
		s.parked = slices.Delete(s.parked, i, i+1)
	}
	closing := e.state == Closing
	s.releaseParkedLocked()
	s.mu.Unlock()
	s.changed()

	if closing {
		// Close was called before the peer was known; release it now.
		s.closePeer(h, e, peer)
		return &Error{Op: "connect", Handle: h, Err: ErrClosed}
	}

	s.logger.Debug("Waiting for peer", "socket", h, "peer", peer, "url", url)

	var (
		state  State
		remote netip.AddrPort
	)
	err = s.poller.Poll(ctx, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		state, remote = e.state, e.remote
		return state != Connecting
	})
	if err != nil {
		s.abort(h, e, peer)
		return &Error{Op: "connect", Handle: h, Err: err}
	}
	if state != Established {
		return &Error{Op: "connect", Handle: h, Err: ErrClosed}
	}
	s.logger.Info("Socket connected", "socket", h, "peer", peer, "remote", remote)
	return nil
}

// abort gives up on a connect that timed out. The peer is closed so that
// its handle is eventually released by the module.
func (s *Set) abort(h Handle, e *entry, peer int) {
	s.mu.Lock()
	if e.state != Connecting {
		s.mu.Unlock()
		return
	}
	e.state = Closing
	s.mu.Unlock()

	s.closePeer(h, e, peer)
}

// closePeer asks the module to close peer. The mapping of h stays until
// the module confirms, unless the module refused, in which case no
// confirmation will follow.
func (s *Set) closePeer(h Handle, e *entry, peer int) {
	resp, err := s.sender.Send(context.Background(), at.ClosePeer(peer))
	if err == nil {
		err = resp.Err()
	}
	if err == nil {
		return
	}
	s.logger.Warn("Failed to close abandoned peer", "socket", h, "peer", peer, "error", err)
	s.mu.Lock()
	if s.peers[peer] == h {
		delete(s.peers, peer)
	}
	if s.sockets[h] == e {
		delete(s.sockets, h)
	}
	s.mu.Unlock()
	s.changed()
}

func peerHandle(resp at.Response) (int, error) {
	params, ok := resp.Params("+UDCP:")
	if !ok || len(params) == 0 {
		return -1, ErrNoHandle
	}
	peer, err := strconv.Atoi(params[0])
	if err != nil {
		return -1, &at.DecodeError{Line: resp.String(), Reason: "peer handle: " + err.Error()}
	}
	return peer, nil
}

// releaseParkedLocked turns parked peer events into incoming connections
// once no connect can claim them any more.
func (s *Set) releaseParkedLocked() {
	if s.connects > 0 {
		return
	}
	for _, ev := range s.parked {
		s.incomingLocked(ev)
	}
	s.parked = s.parked[:0]
}

func (s *Set) incomingLocked(ev at.PeerConnected) {
	e := &entry{peer: ev.Handle, incoming: true}
	e.establish(ev)
	h := s.allocLocked(e)
	s.peers[ev.Handle] = h
	s.accept = append(s.accept, h)
	s.logger.Info("Incoming connection", "socket", h, "peer", ev.Handle, "remote", ev.RemoteAddr)
}

func (e *entry) establish(ev at.PeerConnected) {
	e.state = Established
	e.local = ev.LocalAddr
	e.remote = ev.RemoteAddr
}

// Accept waits for a connection initiated by a remote peer.
func (s *Set) Accept(ctx context.Context) (Handle, error) {
	var h Handle
	err := s.poller.Poll(ctx, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		if len(s.accept) == 0 {
			return false
		}
		h = s.accept[0]
		s.accept = s.accept[1:]
		return true
	})
	return h, err
}

// Read copies buffered data into p, waiting until some arrives. After the
// remote side closed, Read drains what is left and then returns io.EOF.
func (s *Set) Read(ctx context.Context, h Handle, p []byte) (int, error) {
	var (
		n    int
		rerr error
	)
	err := s.poller.Poll(ctx, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		e, ok := s.sockets[h]
		switch {
		case !ok:
			rerr = &Error{Op: "read", Handle: h, Err: ErrUnknownHandle}
		case e.state == Closing:
			rerr = &Error{Op: "read", Handle: h, Err: ErrClosed}
		case len(e.buf) > 0:
			n = copy(p, e.buf)
			e.buf = e.buf[:copy(e.buf, e.buf[n:])]
		case e.state == Closed:
			rerr = io.EOF
		default:
			return false
		}
		return true
	})
	if err != nil {
		return 0, &Error{Op: "read", Handle: h, Err: err}
	}
	return n, rerr
}

// Write sends p to the peer of h in chunks of at most at.MaxWritePayload.
func (s *Set) Write(ctx context.Context, h Handle, p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		s.mu.Lock()
		e, ok := s.sockets[h]
		var err error
		switch {
		case !ok:
			err = ErrUnknownHandle
		case e.state == Closing || e.state == Closed:
			err = ErrClosed
		case e.state != Established:
			err = ErrNotConnected
		}
		peer := -1
		if err == nil {
			peer = e.peer
		}
		s.mu.Unlock()
		if err != nil {
			return written, &Error{Op: "write", Handle: h, Err: err}
		}

		chunk := p[:min(len(p), at.MaxWritePayload)]
		resp, err := s.sender.Send(ctx, at.WriteData(peer, chunk))
		if err == nil {
			err = resp.Err()
		}
		if err != nil {
			return written, &Error{Op: "write", Handle: h, Err: err}
		}
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

// Close releases socket h. Sockets with a live peer are moved to Closing and
// the peer is closed; the handle stays reserved until the module confirms
// the disconnect.
func (s *Set) Close(ctx context.Context, h Handle) error {
	s.mu.Lock()
	e, ok := s.sockets[h]
	if !ok {
		s.mu.Unlock()
		return &Error{Op: "close", Handle: h, Err: ErrUnknownHandle}
	}
	switch {
	case e.state == Closing:
		s.mu.Unlock()
		return &Error{Op: "close", Handle: h, Err: ErrClosed}
	case e.state == Connecting && e.peer < 0:
		// Connect releases the peer once the module names it.
		e.state = Closing
		s.mu.Unlock()
		s.changed()
		return nil
	case e.peer < 0 || e.state == Closed:
		// No live peer: nothing to confirm.
		delete(s.sockets, h)
		s.mu.Unlock()
		s.changed()
		return nil
	}
	e.state = Closing
	peer := e.peer
	s.mu.Unlock()
	s.changed()

	resp, err := s.sender.Send(ctx, at.ClosePeer(peer))
	if err == nil {
		err = resp.Err()
	}
	if err != nil {
		return &Error{Op: "close", Handle: h, Err: err}
	}
	s.logger.Debug("Socket closing", "socket", h, "peer", peer)
	return nil
}

// Apply updates the mapping for one event. It never blocks.
func (s *Set) Apply(ev at.Event) {
	s.mu.Lock()
	changed := true
	switch e := ev.(type) {
	case at.PeerConnected:
		s.peerConnectedLocked(e)
	case at.PeerDisconnected:
		changed = s.peerDisconnectedLocked(e.Handle)
	case at.DataAvailable:
		changed = s.receiveLocked(e.Handle, e.Data)
	case at.StartUp:
		s.resetLocked()
	default:
		changed = false
	}
	s.mu.Unlock()
	if changed {
		s.changed()
	}
}

func (s *Set) peerConnectedLocked(ev at.PeerConnected) {
	if h, ok := s.peers[ev.Handle]; ok {
		e, ok := s.sockets[h]
		if !ok {
			delete(s.peers, ev.Handle)
			s.logger.Warn("Peer mapped to a released socket", "socket", h, "peer", ev.Handle)
			return
		}
		if e.state == Connecting {
			e.establish(ev)
			return
		}
		s.logger.Warn("Peer connected twice", "socket", h, "peer", ev.Handle)
		return
	}
	if s.connects > 0 {
		s.parked = append(s.parked, ev)
		return
	}
	s.incomingLocked(ev)
}

func (s *Set) peerDisconnectedLocked(peer int) bool {
	if i := slices.IndexFunc(s.parked, func(ev at.PeerConnected) bool { return ev.Handle == peer }); i >= 0 {
		s.parked = slices.Delete(s.parked, i, i+1)
		return false
	}
	h, ok := s.peers[peer]
	if !ok {
		s.logger.Debug("Disconnect for unknown peer", "peer", peer)
		return false
	}
	delete(s.peers, peer)
	e, ok := s.sockets[h]
	if !ok {
		return false
	}
	if e.state == Closing {
		delete(s.sockets, h)
		s.logger.Info("Socket closed", "socket", h, "peer", peer)
		return true
	}
	e.state = Closed
	e.peer = -1
	s.logger.Info("Socket closed by remote", "socket", h, "peer", peer)
	return true
}

// receiveLocked appends data to the buffer of peer. A full buffer drops its
// oldest bytes.
func (s *Set) receiveLocked(peer int, data []byte) bool {
	h, ok := s.peers[peer]
	if !ok {
		s.logger.Warn("Data for unknown peer dropped", "peer", peer, "bytes", len(data))
		return false
	}
	e, ok := s.sockets[h]
	if !ok || e.state == Closing {
		return false
	}
	if over := len(e.buf) + len(data) - s.bufSize; over > 0 {
		e.dropped += uint64(over)
		if len(data) >= s.bufSize {
			e.buf = append(e.buf[:0], data[len(data)-s.bufSize:]...)
		} else {
			e.buf = append(e.buf[:copy(e.buf, e.buf[over:])], data...)
		}
		s.logger.Warn("Receive buffer overflow", "socket", h, "dropped", over, "total_dropped", e.dropped)
		return true
	}
	e.buf = append(e.buf, data...)
	return true
}

// resetLocked tears everything down after the module restarted.
func (s *Set) resetLocked() {
	for h, e := range s.sockets {
		switch e.state {
		case Closing:
			delete(s.sockets, h)
		case Connecting, Established:
			e.state = Closed
			e.peer = -1
		}
	}
	clear(s.peers)
	s.parked = s.parked[:0]
	s.logger.Info("Module restarted, sockets reset")
}

// Drain applies every event pending on sub without blocking.
func (s *Set) Drain(sub *urc.Subscription[at.Event]) {
	for {
		ev, missed, ok := sub.TryNext()
		if missed > 0 {
			s.logger.Warn("Missed unsolicited events", "count", missed)
		}
		if !ok {
			return
		}
		s.Apply(ev)
	}
}

// Run applies events from sub until ctx is done.
func (s *Set) Run(ctx context.Context, sub *urc.Subscription[at.Event]) error {
	for {
		ev, missed, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, urc.ErrClosed) {
				return nil
			}
			return err
		}
		if missed > 0 {
			s.logger.Warn("Missed unsolicited events", "count", missed)
		}
		s.Apply(ev)
	}
}
