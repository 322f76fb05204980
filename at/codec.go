package at

import (
	"encoding/hex"
	"net/netip"
	"strconv"
	"strings"
)

// Frame is one decoded line of module output.
type Frame struct {
	Type  ResponseType
	Line  string
	Event Event // set when Type is TypeURC
}

// Codec turns commands into bytes and lines into frames. The core never
// interprets wire bytes itself; swapping the codec swaps the dialect.
type Codec interface {
	Encode(cmd Command) ([]byte, error)
	Decode(line []byte) (Frame, error)
}

// TextCodec is the codec for the plain text AT dialect of u-blox
// short-range modules.
type TextCodec struct{}

var _ Codec = TextCodec{}

// Encode implements Codec.
func (TextCodec) Encode(cmd Command) ([]byte, error) {
	wire := cmd.String() + CR
	if len(wire) > MaxLineLength {
		return nil, ErrCommandTooLong
	}
	return []byte(wire), nil
}

// Decode implements Codec.
func (TextCodec) Decode(line []byte) (Frame, error) {
	for _, c := range line {
		if (c < 0x20 && c != '\t') || c >= 0x7f {
			return Frame{}, &DecodeError{Line: string(line), Reason: "non-printable byte"}
		}
	}

	s := string(line)
	f := Frame{Type: Classify(s), Line: s}
	if f.Type != TypeURC {
		return f, nil
	}

	ev, err := decodeURC(s)
	if err != nil {
		return Frame{}, err
	}
	f.Event = ev
	return f, nil
}

func decodeURC(line string) (Event, error) {
	if line == UrcStartUp {
		return StartUp{}, nil
	}

	prefix, rest, _ := strings.Cut(line, ":")
	p := params{line: line, fields: SplitParams(rest)}

	var ev Event
	switch prefix + ":" {
	case UrcPeerConnected:
		e := PeerConnected{
			Handle:   p.int(0),
			Type:     ConnectionType(p.int(1)),
			Protocol: Protocol(p.int(2)),
		}
		if e.Type == ConnectionIPv4 || e.Type == ConnectionIPv6 {
			e.LocalAddr = p.addrPort(3, 4)
			e.RemoteAddr = p.addrPort(5, 6)
		}
		ev = e
	case UrcPeerDisconnected:
		ev = PeerDisconnected{Handle: p.int(0)}
	case UrcWifiLinkUp:
		ev = WifiLinkConnected{ConnectionID: p.int(0), BSSID: p.str(1), Channel: p.int(2)}
	case UrcWifiLinkDown:
		ev = WifiLinkDisconnected{ConnectionID: p.int(0), Reason: DisconnectReason(p.int(1))}
	case UrcWifiAPUp:
		ev = WifiAPUp{ConnectionID: p.int(0)}
	case UrcWifiAPDown:
		ev = WifiAPDown{ConnectionID: p.int(0)}
	case UrcNetworkUp:
		ev = NetworkUp{Interface: p.int(0)}
	case UrcNetworkDown:
		ev = NetworkDown{Interface: p.int(0)}
	case UrcNetworkError:
		ev = NetworkError{Interface: p.int(0), Code: p.int(1)}
	case UrcPing:
		ev = PingResponse{
			Retry:    p.int(0),
			Size:     p.int(1),
			Hostname: p.str(2),
			Addr:     p.addr(3),
			TTL:      p.int(4),
			RTT:      p.int(5),
		}
	case UrcPingError:
		ev = PingError{Code: p.int(0)}
	case UrcData:
		ev = DataAvailable{Handle: p.int(0), Data: p.hex(1)}
	default:
		return nil, &DecodeError{Line: line, Reason: "unknown URC"}
	}

	if p.err != nil {
		return nil, p.err
	}
	return ev, nil
}

// params extracts typed fields and remembers the first failure.
type params struct {
	line   string
	fields []string
	err    error
}

func (p *params) fail(reason string) {
	if p.err == nil {
		p.err = &DecodeError{Line: p.line, Reason: reason}
	}
}

func (p *params) str(i int) string {
	if i >= len(p.fields) {
		p.fail("missing field " + strconv.Itoa(i))
		return ""
	}
	return p.fields[i]
}

func (p *params) int(i int) int {
	s := p.str(i)
	if p.err != nil {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		p.fail("field " + strconv.Itoa(i) + " is not a number")
	}
	return n
}

func (p *params) addr(i int) netip.Addr {
	s := p.str(i)
	if p.err != nil {
		return netip.Addr{}
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		p.fail("field " + strconv.Itoa(i) + " is not an address")
	}
	return a
}

func (p *params) addrPort(ai, pi int) netip.AddrPort {
	a := p.addr(ai)
	port := p.int(pi)
	if p.err != nil {
		return netip.AddrPort{}
	}
	if port < 0 || port > 0xffff {
		p.fail("port out of range")
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(a, uint16(port))
}

func (p *params) hex(i int) []byte {
	s := p.str(i)
	if p.err != nil {
		return nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		p.fail("field " + strconv.Itoa(i) + " is not hex")
	}
	return b
}
