package modem

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

// bridgeQueue bounds the module data waiting for the PPP stack, in reads.
const bridgeQueue = 64

// Bridge carries a PPP session between an external network stack and the
// module. While active, every byte read from the transport goes to the
// stack and everything the stack writes goes to the transport.
//
// Module data is queued for the stack without ever blocking the reader of
// the transport; when the stack falls behind by more than the queue holds,
// further data is dropped and counted.
type Bridge struct {
	// module to stack
	down    chan []byte
	readMu  sync.Mutex
	pending []byte
	done    chan struct{}
	once    sync.Once

	// stack to module
	upR *io.PipeReader
	upW *io.PipeWriter

	active  atomic.Bool
	dropped atomic.Uint64
	logger  *slog.Logger
}

func newBridge(logger *slog.Logger) *Bridge {
	b := &Bridge{
		down:   make(chan []byte, bridgeQueue),
		done:   make(chan struct{}),
		logger: logger,
	}
	b.upR, b.upW = io.Pipe()
	return b
}

// Conn returns the stack side of the bridge.
func (b *Bridge) Conn() io.ReadWriteCloser {
	return bridgeConn{b}
}

// Active reports whether the link is in data mode.
func (b *Bridge) Active() bool {
	return b.active.Load()
}

// Dropped returns the number of bytes discarded in either direction.
func (b *Bridge) Dropped() uint64 {
	return b.dropped.Load()
}

// deliver queues module bytes for the stack. It never blocks.
func (b *Bridge) deliver(p []byte) {
	select {
	case <-b.done:
		b.dropped.Add(uint64(len(p)))
		return
	default:
	}
	select {
	case b.down <- bytes.Clone(p):
	default:
		b.dropped.Add(uint64(len(p)))
		b.logger.Debug("PPP stack not reading, dropping data", "bytes", len(p))
	}
}

// relay copies stack bytes to the transport until ctx is done. Bytes
// written while the link is in command mode are dropped.
func (b *Bridge) relay(ctx context.Context, c *Client) error {
	stop := context.AfterFunc(ctx, func() {
		b.upW.CloseWithError(ErrLoopStopped)
	})
	defer stop()

	buf := make([]byte, readBufferSize)
	for {
		n, err := b.upR.Read(buf)
		if n > 0 {
			if !b.active.Load() {
				b.dropped.Add(uint64(n))
			} else if werr := c.writeRaw(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			switch {
			case errors.Is(err, ErrLoopStopped), errors.Is(err, io.EOF), errors.Is(err, io.ErrClosedPipe):
				return nil
			}
			return err
		}
	}
}

func (b *Bridge) shutdown() {
	b.once.Do(func() { close(b.done) })
}

func (b *Bridge) close() {
	b.active.Store(false)
	b.shutdown()
	b.upR.CloseWithError(ErrAlreadyClosed)
}

type bridgeConn struct {
	b *Bridge
}

// Read returns queued module data, waiting for some to arrive. It returns
// io.EOF once the bridge or the connection is closed.
func (c bridgeConn) Read(p []byte) (int, error) {
	b := c.b
	b.readMu.Lock()
	defer b.readMu.Unlock()

	if len(b.pending) == 0 {
		select {
		case chunk := <-b.down:
			b.pending = chunk
		case <-b.done:
			return 0, io.EOF
		}
	}
	n := copy(p, b.pending)
	b.pending = b.pending[n:]
	return n, nil
}

func (c bridgeConn) Write(p []byte) (int, error) {
	return c.b.upW.Write(p)
}

// Close ends the stack side. Module data arriving afterwards is dropped.
func (c bridgeConn) Close() error {
	c.b.shutdown()
	return c.b.upW.Close()
}
