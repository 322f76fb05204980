package socket_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/netip"
	"sync"
	"testing"
	"time"

	"i4.energy/across/shortrange/at"
	"i4.energy/across/shortrange/socket"
)

// fakeSender records commands and answers them through reply.
type fakeSender struct {
	mu    sync.Mutex
	sent  []string
	reply func(cmd at.Command) (at.Response, error)
}

func (f *fakeSender) Send(_ context.Context, cmd at.Command) (at.Response, error) {
	f.mu.Lock()
	f.sent = append(f.sent, cmd.String())
	f.mu.Unlock()
	if f.reply == nil {
		return at.Response{Final: at.OK}, nil
	}
	return f.reply(cmd)
}

func (f *fakeSender) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func connected(peer int) at.PeerConnected {
	return at.PeerConnected{
		Handle:     peer,
		Type:       at.ConnectionIPv4,
		LocalAddr:  netip.MustParseAddrPort("10.0.0.2:5000"),
		RemoteAddr: netip.MustParseAddrPort("1.2.3.4:80"),
	}
}

func udcp(peer string) at.Response {
	return at.Response{Lines: []string{"+UDCP:" + peer}, Final: at.OK}
}

func newSet(t *testing.T, sender *fakeSender, bufSize int) *socket.Set {
	t.Helper()
	return socket.NewSet(socket.Options{Sender: sender, BufferSize: bufSize})
}

func TestConnect(t *testing.T) {
	t.Run("Peer connected after the reply completes the connect", func(t *testing.T) {
		sender := &fakeSender{}
		set := newSet(t, sender, 0)
		sender.reply = func(at.Command) (at.Response, error) {
			go func() {
				time.Sleep(10 * time.Millisecond)
				set.Apply(connected(1))
			}()
			return udcp("1"), nil
		}

		h := set.Open()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := set.Connect(ctx, h, at.PeerURL("tcp", "1.2.3.4", 80)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		info, err := set.Info(h)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if info.State != socket.Established || info.Peer != 1 {
			t.Errorf("expected established on peer 1, got %+v", info)
		}
		if info.Remote != netip.MustParseAddrPort("1.2.3.4:80") {
			t.Errorf("expected remote 1.2.3.4:80, got %v", info.Remote)
		}
	})

	t.Run("Peer connected before the reply is claimed by the connect", func(t *testing.T) {
		sender := &fakeSender{}
		set := newSet(t, sender, 0)
		sender.reply = func(at.Command) (at.Response, error) {
			set.Apply(connected(2))
			return udcp("2"), nil
		}

		h := set.Open()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := set.Connect(ctx, h, "tcp://1.2.3.4:80/"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if info, _ := set.Info(h); info.State != socket.Established || info.Peer != 2 {
			t.Errorf("expected established on peer 2, got %+v", info)
		}
		if n := len(set.List()); n != 1 {
			t.Errorf("expected the event not to create an incoming socket, got %d sockets", n)
		}
	})

	t.Run("Rejected connect returns the socket to idle", func(t *testing.T) {
		sender := &fakeSender{reply: func(at.Command) (at.Response, error) {
			return at.Response{Final: at.ERROR}, nil
		}}
		set := newSet(t, sender, 0)

		h := set.Open()
		err := set.Connect(context.Background(), h, "tcp://1.2.3.4:80/")
		if !errors.Is(err, at.ErrCommandFailed) {
			t.Fatalf("expected ErrCommandFailed, got: %v", err)
		}
		if info, _ := set.Info(h); info.State != socket.Idle {
			t.Errorf("expected idle, got %v", info.State)
		}
	})

	t.Run("Timed out connect closes the peer", func(t *testing.T) {
		sender := &fakeSender{reply: func(cmd at.Command) (at.Response, error) {
			if cmd.Name == "+UDCP" {
				return udcp("4"), nil
			}
			return at.Response{Final: at.OK}, nil
		}}
		set := newSet(t, sender, 0)

		h := set.Open()
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err := set.Connect(ctx, h, "tcp://1.2.3.4:80/")
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected deadline exceeded, got: %v", err)
		}

		cmds := sender.commands()
		if cmds[len(cmds)-1] != "AT+UDCPC=4" {
			t.Errorf("expected peer 4 to be closed, got %v", cmds)
		}
		if info, _ := set.Info(h); info.State != socket.Closing {
			t.Errorf("expected closing until the module confirms, got %v", info.State)
		}

		set.Apply(at.PeerDisconnected{Handle: 4})
		if _, err := set.Info(h); !errors.Is(err, socket.ErrUnknownHandle) {
			t.Errorf("expected handle to be released, got: %v", err)
		}
	})

	t.Run("Connecting a busy socket fails", func(t *testing.T) {
		set := newSet(t, &fakeSender{}, 0)
		set.Apply(connected(1))
		h, err := set.Accept(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := set.Connect(context.Background(), h, "tcp://1.2.3.4:80/"); !errors.Is(err, socket.ErrInUse) {
			t.Errorf("expected ErrInUse, got: %v", err)
		}
	})

	// closeDuringReply closes h while the +UDCP reply is held back and
	// returns the error of the connect.
	closeDuringReply := func(t *testing.T, sender *fakeSender, set *socket.Set, reply at.Response) error {
		t.Helper()
		sending := make(chan struct{})
		release := make(chan struct{})
		sender.reply = func(cmd at.Command) (at.Response, error) {
			if cmd.Name != "+UDCP" {
				return at.Response{Final: at.OK}, nil
			}
			close(sending)
			<-release
			return reply, nil
		}

		h := set.Open()
		done := make(chan error, 1)
		go func() {
			done <- set.Connect(context.Background(), h, "tcp://1.2.3.4:80/")
		}()

		<-sending
		if err := set.Close(context.Background(), h); err != nil {
			t.Fatalf("unexpected error from Close(): %v", err)
		}
		close(release)

		select {
		case err := <-done:
			return err
		case <-time.After(time.Second):
			t.Fatal("Connect did not return")
			return nil
		}
	}

	t.Run("Close while the reply is pending releases the peer", func(t *testing.T) {
		sender := &fakeSender{}
		set := newSet(t, sender, 0)

		err := closeDuringReply(t, sender, set, udcp("1"))
		if !errors.Is(err, socket.ErrClosed) {
			t.Fatalf("expected ErrClosed, got: %v", err)
		}
		if cmds := sender.commands(); cmds[len(cmds)-1] != "AT+UDCPC=1" {
			t.Errorf("expected the peer to be closed, got %q", cmds)
		}

		// Late events for the peer must be absorbed.
		set.Apply(connected(1))
		if n := len(set.List()); n != 1 {
			t.Errorf("expected only the closing socket, got %d sockets", n)
		}
		set.Apply(at.PeerDisconnected{Handle: 1})
		if n := len(set.List()); n != 0 {
			t.Errorf("expected every socket to be released, got %d", n)
		}
	})

	t.Run("Close while a rejected connect is pending releases the socket", func(t *testing.T) {
		sender := &fakeSender{}
		set := newSet(t, sender, 0)

		err := closeDuringReply(t, sender, set, at.Response{Final: at.ERROR})
		if !errors.Is(err, at.ErrCommandFailed) {
			t.Fatalf("expected ErrCommandFailed, got: %v", err)
		}
		if n := len(set.List()); n != 0 {
			t.Errorf("expected the socket to be released, got %d sockets", n)
		}
		for _, cmd := range sender.commands() {
			if cmd == "AT+UDCPC=-1" {
				t.Errorf("unexpected close of an unknown peer")
			}
		}
	})
}

func TestPeerEvents(t *testing.T) {
	t.Run("Disconnect for an unknown peer is a no-op", func(t *testing.T) {
		set := newSet(t, &fakeSender{}, 0)
		set.Apply(connected(1))

		set.Apply(at.PeerDisconnected{Handle: 9})
		set.Apply(at.PeerDisconnected{Handle: 1})
		set.Apply(at.PeerDisconnected{Handle: 1})

		infos := set.List()
		if len(infos) != 1 || infos[0].State != socket.Closed {
			t.Errorf("expected one remotely closed socket, got %+v", infos)
		}
	})

	t.Run("Incoming connection is accepted and readable", func(t *testing.T) {
		set := newSet(t, &fakeSender{}, 0)

		go func() {
			time.Sleep(10 * time.Millisecond)
			set.Apply(connected(3))
			set.Apply(at.DataAvailable{Handle: 3, Data: []byte("hello")})
		}()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		h, err := set.Accept(ctx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		buf := make([]byte, 16)
		n, err := set.Read(ctx, h, buf)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if string(buf[:n]) != "hello" {
			t.Errorf("expected hello, got %q", buf[:n])
		}
		if info, _ := set.Info(h); !info.Incoming {
			t.Error("expected socket to be marked incoming")
		}
	})

	t.Run("Remote close drains buffered data then reports EOF", func(t *testing.T) {
		set := newSet(t, &fakeSender{}, 0)
		set.Apply(connected(1))
		h, _ := set.Accept(context.Background())
		set.Apply(at.DataAvailable{Handle: 1, Data: []byte("bye")})
		set.Apply(at.PeerDisconnected{Handle: 1})

		buf := make([]byte, 16)
		n, err := set.Read(context.Background(), h, buf)
		if err != nil || string(buf[:n]) != "bye" {
			t.Fatalf("expected buffered data, got %q, %v", buf[:n], err)
		}
		if _, err := set.Read(context.Background(), h, buf); !errors.Is(err, io.EOF) {
			t.Errorf("expected EOF, got: %v", err)
		}
	})

	t.Run("Full receive buffer drops the oldest bytes", func(t *testing.T) {
		set := newSet(t, &fakeSender{}, 8)
		set.Apply(connected(1))
		h, _ := set.Accept(context.Background())

		set.Apply(at.DataAvailable{Handle: 1, Data: []byte("abcdef")})
		set.Apply(at.DataAvailable{Handle: 1, Data: []byte("ghijkl")})

		info, _ := set.Info(h)
		if info.Dropped != 4 || info.Buffered != 8 {
			t.Errorf("expected 4 dropped and 8 buffered, got %+v", info)
		}
		buf := make([]byte, 16)
		n, _ := set.Read(context.Background(), h, buf)
		if string(buf[:n]) != "efghijkl" {
			t.Errorf("expected efghijkl, got %q", buf[:n])
		}

		set.Apply(at.DataAvailable{Handle: 1, Data: []byte("0123456789")})
		n, _ = set.Read(context.Background(), h, buf)
		if string(buf[:n]) != "23456789" {
			t.Errorf("expected the newest 8 bytes, got %q", buf[:n])
		}
		if info, _ := set.Info(h); info.Dropped != 6 {
			t.Errorf("expected 6 dropped in total, got %d", info.Dropped)
		}
	})

	t.Run("Startup tears down every socket", func(t *testing.T) {
		set := newSet(t, &fakeSender{}, 0)
		set.Apply(connected(1))
		h, _ := set.Accept(context.Background())

		set.Apply(at.StartUp{})
		if info, _ := set.Info(h); info.State != socket.Closed || info.Peer != -1 {
			t.Errorf("expected closed socket without peer, got %+v", info)
		}
		// Peer 1 is free again on the module side.
		set.Apply(connected(1))
		if n := len(set.List()); n != 2 {
			t.Errorf("expected a fresh incoming socket for peer 1, got %d sockets", n)
		}
	})
}

func TestWriteAndClose(t *testing.T) {
	t.Run("Write splits payloads into chunks", func(t *testing.T) {
		sender := &fakeSender{}
		set := newSet(t, sender, 0)
		set.Apply(connected(5))
		h, _ := set.Accept(context.Background())

		payload := bytes.Repeat([]byte{'x'}, 2*at.MaxWritePayload+10)
		n, err := set.Write(context.Background(), h, payload)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if n != len(payload) {
			t.Errorf("expected %d bytes written, got %d", len(payload), n)
		}
		if got := len(sender.commands()); got != 3 {
			t.Errorf("expected 3 write commands, got %d", got)
		}
	})

	t.Run("Write to an idle socket fails", func(t *testing.T) {
		set := newSet(t, &fakeSender{}, 0)
		h := set.Open()
		if _, err := set.Write(context.Background(), h, []byte("x")); !errors.Is(err, socket.ErrNotConnected) {
			t.Errorf("expected ErrNotConnected, got: %v", err)
		}
	})

	t.Run("Close keeps the handle reserved until the module confirms", func(t *testing.T) {
		sender := &fakeSender{}
		set := newSet(t, sender, 0)
		set.Apply(connected(1))
		h, _ := set.Accept(context.Background())

		if err := set.Close(context.Background(), h); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cmds := sender.commands(); len(cmds) != 1 || cmds[0] != "AT+UDCPC=1" {
			t.Errorf("expected one close command, got %v", cmds)
		}
		if info, err := set.Info(h); err != nil || info.State != socket.Closing {
			t.Fatalf("expected closing socket, got %+v, %v", info, err)
		}
		if other := set.Open(); other == h {
			t.Errorf("expected handle %d to stay reserved", h)
		}
		if _, err := set.Read(context.Background(), h, make([]byte, 1)); !errors.Is(err, socket.ErrClosed) {
			t.Errorf("expected ErrClosed while closing, got: %v", err)
		}

		set.Apply(at.PeerDisconnected{Handle: 1})
		if _, err := set.Info(h); !errors.Is(err, socket.ErrUnknownHandle) {
			t.Errorf("expected handle to be released, got: %v", err)
		}
	})

	t.Run("Close of an unknown handle fails", func(t *testing.T) {
		set := newSet(t, &fakeSender{}, 0)
		err := set.Close(context.Background(), 7)
		var sockErr *socket.Error
		if !errors.As(err, &sockErr) || !errors.Is(err, socket.ErrUnknownHandle) {
			t.Errorf("expected socket error for unknown handle, got: %v", err)
		}
	})

	t.Run("Close of an idle socket releases it at once", func(t *testing.T) {
		sender := &fakeSender{}
		set := newSet(t, sender, 0)
		h := set.Open()
		if err := set.Close(context.Background(), h); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(sender.commands()) != 0 {
			t.Error("expected no command for a socket without peer")
		}
		if _, err := set.Info(h); !errors.Is(err, socket.ErrUnknownHandle) {
			t.Errorf("expected handle to be released, got: %v", err)
		}
	})
}
