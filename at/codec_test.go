package at_test

import (
	"errors"
	"net/netip"
	"reflect"
	"testing"
	"time"

	"i4.energy/across/shortrange/at"
)

func TestTextCodecEncode(t *testing.T) {
	tests := []struct {
		name     string
		cmd      at.Command
		expected string
	}{
		{name: "Attention", cmd: at.Attention(), expected: "AT\r"},
		{name: "Echo off", cmd: at.SetEcho(false), expected: "ATE0\r"},
		{name: "Connect peer", cmd: at.ConnectPeer("tcp://example.com:80/"), expected: "AT+UDCP=\"tcp://example.com:80/\"\r"},
		{name: "Close peer", cmd: at.ClosePeer(3), expected: "AT+UDCPC=3\r"},
		{name: "Ping", cmd: at.Ping("example.com", 1), expected: "AT+UPING=\"example.com\",1\r"},
		{name: "PPP mode", cmd: at.ChangeMode(at.ModePPP), expected: "ATO3\r"},
		{name: "Write data", cmd: at.WriteData(1, []byte("Hi")), expected: "AT+UDATW=1,4869\r"},
		{name: "TLS in buffer", cmd: at.SetPeerConfig(at.PeerConfigTLSInBuffer, 1024), expected: "AT+UDCFG=8,1024\r"},
		{name: "Station SSID", cmd: at.SetStationSSID(0, "office"), expected: "AT+UWSC=0,2,\"office\"\r"},
		{name: "Station WPA2", cmd: at.SetStationAuthentication(0, at.AuthWPA2PSK), expected: "AT+UWSC=0,5,2\r"},
		{name: "Station passphrase", cmd: at.SetStationPassphrase(0, "secret12"), expected: "AT+UWSC=0,8,\"secret12\"\r"},
		{name: "Station reset", cmd: at.StationConfigAction(0, at.StationReset), expected: "AT+UWSCA=0,0\r"},
		{name: "Station deactivate", cmd: at.WifiDeactivate(1), expected: "AT+UWSCA=1,4\r"},
		{name: "Station status", cmd: at.StationStatus(at.StationStatusSSID), expected: "AT+UWSSTAT=0\r"},
		{name: "Store configuration", cmd: at.StoreConfig(), expected: "AT&W\r"},
		{name: "Reboot", cmd: at.Reboot(), expected: "AT+CPWROFF\r"},
	}

	var codec at.TextCodec
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := codec.Encode(tt.cmd)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(b) != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, b)
			}
		})
	}

	t.Run("Rejects commands longer than a frame", func(t *testing.T) {
		_, err := codec.Encode(at.WriteData(1, make([]byte, at.MaxLineLength)))
		if !errors.Is(err, at.ErrCommandTooLong) {
			t.Errorf("expected ErrCommandTooLong, got: %v", err)
		}
	})
}

func TestTextCodecDecodeEvents(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		expected at.Event
	}{
		{name: "Startup", line: "+STARTUP", expected: at.StartUp{}},
		{
			name: "Peer connected over IPv4",
			line: "+UUDPC:1,2,0,10.0.0.2,5000,1.2.3.4,80",
			expected: at.PeerConnected{
				Handle:     1,
				Type:       at.ConnectionIPv4,
				Protocol:   at.ProtocolTCP,
				LocalAddr:  netip.MustParseAddrPort("10.0.0.2:5000"),
				RemoteAddr: netip.MustParseAddrPort("1.2.3.4:80"),
			},
		},
		{name: "Peer disconnected", line: "+UUDPD:1", expected: at.PeerDisconnected{Handle: 1}},
		{
			name:     "Wifi link connected",
			line:     "+UUWLE:0,32A1B2C3D4E5,6",
			expected: at.WifiLinkConnected{ConnectionID: 0, BSSID: "32A1B2C3D4E5", Channel: 6},
		},
		{
			name:     "Wifi link disconnected",
			line:     "+UUWLD:0,4",
			expected: at.WifiLinkDisconnected{ConnectionID: 0, Reason: at.ReasonSecurityProblems},
		},
		{name: "Access point up", line: "+UUWAPU:0", expected: at.WifiAPUp{ConnectionID: 0}},
		{name: "Network up", line: "+UUNU:0", expected: at.NetworkUp{Interface: 0}},
		{name: "Network down", line: "+UUND:0", expected: at.NetworkDown{Interface: 0}},
		{name: "Network error", line: "+UUNERR:0,3", expected: at.NetworkError{Interface: 0, Code: 3}},
		{
			name: "Ping response",
			line: "+UUPING:1,32,\"example.com\",1.2.3.4,64,12",
			expected: at.PingResponse{
				Retry: 1, Size: 32, Hostname: "example.com",
				Addr: netip.MustParseAddr("1.2.3.4"), TTL: 64, RTT: 12,
			},
		},
		{name: "Ping error", line: "+UUPINGER:8", expected: at.PingError{Code: 8}},
		{name: "Inline data", line: "+UUDATA:1,48656c6c6f", expected: at.DataAvailable{Handle: 1, Data: []byte("Hello")}},
	}

	var codec at.TextCodec
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := codec.Decode([]byte(tt.line))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if f.Type != at.TypeURC {
				t.Fatalf("expected URC frame, got %v", f.Type)
			}
			if !reflect.DeepEqual(f.Event, tt.expected) {
				t.Errorf("expected %#v, got %#v", tt.expected, f.Event)
			}
		})
	}
}

func TestTextCodecDecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{name: "Missing field", line: "+UUDPD:"},
		{name: "Not a number", line: "+UUNU:x"},
		{name: "Bad address", line: "+UUPING:1,32,\"example.com\",not-an-ip,64,12"},
		{name: "Bad hex payload", line: "+UUDATA:1,zz"},
		{name: "Binary garbage", line: "\x00\x01OK"},
	}

	var codec at.TextCodec
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := codec.Decode([]byte(tt.line))
			if !errors.Is(err, at.ErrMalformed) {
				t.Errorf("expected ErrMalformed, got: %v", err)
			}
		})
	}
}

func TestResponse(t *testing.T) {
	t.Run("Params extracts the prefixed line", func(t *testing.T) {
		resp := at.Response{Lines: []string{"+UNSTAT:0,101,\"10.0.0.2\""}, Final: at.OK}
		params, ok := resp.Params("+UNSTAT:")
		if !ok {
			t.Fatal("expected +UNSTAT line to be found")
		}
		expected := []string{"0", "101", "10.0.0.2"}
		if !reflect.DeepEqual(params, expected) {
			t.Errorf("expected %v, got %v", expected, params)
		}
	})

	t.Run("Err wraps CME errors", func(t *testing.T) {
		resp := at.Response{Final: "+CME ERROR: 10"}
		err := resp.Err()
		if !errors.Is(err, at.ErrCommandFailed) {
			t.Fatalf("expected ErrCommandFailed, got: %v", err)
		}
		var cmdErr *at.CommandError
		if !errors.As(err, &cmdErr) || cmdErr.Code() != "10" {
			t.Errorf("expected CME code 10, got: %v", err)
		}
	})

	t.Run("Quoted commas are kept", func(t *testing.T) {
		params := at.SplitParams(`1,"a,b", c`)
		expected := []string{"1", "a,b", "c"}
		if !reflect.DeepEqual(params, expected) {
			t.Errorf("expected %v, got %v", expected, params)
		}
	})
}

func TestCommandTimeouts(t *testing.T) {
	if at.ConnectPeer("tcp://x:1/").Timeout != 5*time.Second {
		t.Error("expected connect peer to carry a 5s timeout")
	}
	if at.Attention().Timeout <= 0 {
		t.Error("expected every command to carry a timeout")
	}
}
