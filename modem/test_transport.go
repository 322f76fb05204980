package modem

import (
	"io"
	"sync"
	"time"
)

// TestTransport is a test helper that simulates a module link using
// channels. Reads block until data is queued with SendData (like a real
// serial port would), or return empty after ReadTimeout when it is set.
// Writes are recorded and handed to OnWrite, which lets a test play the
// module side.
type TestTransport struct {
	// ReadTimeout, when non-zero, makes an idle Read return (0, nil).
	ReadTimeout time.Duration
	// OnWrite is called with a copy of every write.
	OnWrite func(p []byte)

	mu       sync.Mutex
	readChan chan []byte
	written  [][]byte
	baud     int
	closed   bool

	// pendMu guards the rest of a chunk that did not fit a Read. It is
	// separate from mu so that a SendData waiting on a full queue never
	// blocks the reader.
	pendMu  sync.Mutex
	pending []byte
}

// NewTestTransport creates a new test transport for testing.
func NewTestTransport() *TestTransport {
	return &TestTransport{
		readChan: make(chan []byte, 64),
	}
}

func (t *TestTransport) Write(p []byte) (n int, err error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	b := append([]byte(nil), p...)
	t.written = append(t.written, b)
	onWrite := t.OnWrite
	t.mu.Unlock()

	if onWrite != nil {
		onWrite(b)
	}
	return len(p), nil
}

func (t *TestTransport) Read(p []byte) (n int, err error) {
	t.pendMu.Lock()
	if len(t.pending) > 0 {
		n = copy(p, t.pending)
		t.pending = t.pending[n:]
		t.pendMu.Unlock()
		return n, nil
	}
	t.pendMu.Unlock()

	var (
		data []byte
		ok   bool
	)
	if t.ReadTimeout > 0 {
		select {
		case data, ok = <-t.readChan:
		case <-time.After(t.ReadTimeout):
			return 0, nil
		}
	} else {
		data, ok = <-t.readChan
	}
	if !ok {
		return 0, io.EOF
	}

	n = copy(p, data)
	if n < len(data) {
		t.pendMu.Lock()
		t.pending = append(t.pending, data[n:]...)
		t.pendMu.Unlock()
	}
	return n, nil
}

func (t *TestTransport) SetBaudRate(baud int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.baud = baud
	return nil
}

func (t *TestTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.readChan)
	return nil
}

// SendData queues data to be read by the transport.
// This simulates receiving data from the module.
func (t *TestTransport) SendData(data string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.readChan <- []byte(data)
	}
}

// Written returns every write so far.
func (t *TestTransport) Written() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.written))
	for i, b := range t.written {
		out[i] = string(b)
	}
	return out
}

// BaudRate returns the last rate passed to SetBaudRate.
func (t *TestTransport) BaudRate() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.baud
}
