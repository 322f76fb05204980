package modem

//go:generate go tool mockgen -source=transport.go -destination=transport_mock.go -package=modem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"go.bug.st/serial"
)

// Transport represents an established, bidirectional byte stream to a
// short-range module.
//
// A Transport is assumed to be already connected and ready for use. Read
// should return (0, nil) after a short idle period instead of blocking
// forever, so that cooperative stepping can check deadlines. Typical
// implementations are serial ports, AT tunnelled over UDP and in-memory
// fakes used for testing.
type Transport interface {
	io.ReadWriteCloser

	// SetBaudRate reprograms the host side of the link. It is called after
	// the module confirmed a baud rate change.
	SetBaudRate(baud int) error
}

// Dialer opens a Transport to a module.
//
// Dialer abstracts how the connection is created (for example, via a
// serial port, a UDP tunnel or a test double) and is intended to be used
// during construction only. Once a Transport is obtained, the Dialer is no
// longer needed.
type Dialer interface {
	// Dial is responsible for creating and returning a connected Transport.
	// It may perform blocking operations and should respect cancellation
	// and deadlines provided by the context. Dial returns an error if the
	// transport cannot be established.
	Dial(ctx context.Context) (Transport, error)
}

// DefaultReadTimeout is the idle period after which a Read returns empty.
const DefaultReadTimeout = 50 * time.Millisecond

// SerialDialer opens a module attached to a serial port using
// go.bug.st/serial.
type SerialDialer struct {
	PortName string
	// Mode overrides the default 115200 8N1 settings.
	Mode        *serial.Mode
	ReadTimeout time.Duration
}

// Dial implements Dialer.
func (d SerialDialer) Dial(ctx context.Context) (Transport, error) {
	if ctx == nil {
		return nil, errors.New("shortrange: context is nil")
	}
	if d.PortName == "" {
		return nil, errors.New("shortrange: serial port name is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mode := d.Mode
	if mode == nil {
		mode = &serial.Mode{
			BaudRate: 115200,
			Parity:   serial.NoParity,
			DataBits: 8,
			StopBits: serial.OneStopBit,
		}
	}
	port, err := serial.Open(d.PortName, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", d.PortName, err)
	}

	timeout := d.ReadTimeout
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}
	if err := port.SetReadTimeout(timeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", d.PortName, err)
	}
	return &serialTransport{Port: port, mode: *mode}, nil
}

type serialTransport struct {
	serial.Port
	mode serial.Mode
}

func (t *serialTransport) SetBaudRate(baud int) error {
	mode := t.mode
	mode.BaudRate = baud
	if err := t.Port.SetMode(&mode); err != nil {
		return err
	}
	t.mode = mode
	return nil
}

// DefaultUDPPort is the port used by modules that tunnel AT over UDP.
const DefaultUDPPort = "23"

// UDPDialer reaches a module whose AT interface is tunnelled over UDP.
type UDPDialer struct {
	// Address is host or host:port; the port defaults to DefaultUDPPort.
	Address     string
	ReadTimeout time.Duration
}

// Dial implements Dialer.
func (d UDPDialer) Dial(ctx context.Context) (Transport, error) {
	if d.Address == "" {
		return nil, errors.New("shortrange: udp address is required")
	}
	addr := d.Address
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, DefaultUDPPort)
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	timeout := d.ReadTimeout
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}
	return &udpTransport{Conn: conn, timeout: timeout}, nil
}

type udpTransport struct {
	net.Conn
	timeout time.Duration
}

func (t *udpTransport) Read(p []byte) (int, error) {
	if err := t.Conn.SetReadDeadline(time.Now().Add(t.timeout)); err != nil {
		return 0, err
	}
	n, err := t.Conn.Read(p)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return n, nil
	}
	return n, err
}

// SetBaudRate is a no-op: the tunnel has no line rate.
func (t *udpTransport) SetBaudRate(int) error {
	return nil
}
