package at

import (
	"fmt"
	"net/netip"
)

// Event is an unsolicited result code decoded from the module. The set of
// implementations is closed; consumers type switch over it.
type Event interface {
	urc()
	fmt.Stringer
}

// DisconnectReason is reported with a WiFi link-down event.
type DisconnectReason int

const (
	ReasonUnknown          DisconnectReason = 0
	ReasonRemoteClose      DisconnectReason = 1
	ReasonOutOfRange       DisconnectReason = 2
	ReasonRoaming          DisconnectReason = 3
	ReasonSecurityProblems DisconnectReason = 4
	ReasonNetworkDisabled  DisconnectReason = 5
)

// ConnectionType of a peer.
type ConnectionType int

const (
	ConnectionBluetooth ConnectionType = 1
	ConnectionIPv4      ConnectionType = 2
	ConnectionIPv6      ConnectionType = 3
)

// Protocol of a peer connection.
type Protocol int

const (
	ProtocolTCP Protocol = 0
	ProtocolUDP Protocol = 1
)

// StartUp is emitted when the module has (re)booted.
type StartUp struct{}

// PeerConnected is +UUDPC.
type PeerConnected struct {
	Handle     int
	Type       ConnectionType
	Protocol   Protocol
	LocalAddr  netip.AddrPort
	RemoteAddr netip.AddrPort
}

// PeerDisconnected is +UUDPD.
type PeerDisconnected struct {
	Handle int
}

// WifiLinkConnected is +UUWLE.
type WifiLinkConnected struct {
	ConnectionID int
	BSSID        string
	Channel      int
}

// WifiLinkDisconnected is +UUWLD.
type WifiLinkDisconnected struct {
	ConnectionID int
	Reason       DisconnectReason
}

// WifiAPUp is +UUWAPU.
type WifiAPUp struct {
	ConnectionID int
}

// WifiAPDown is +UUWAPD.
type WifiAPDown struct {
	ConnectionID int
}

// NetworkUp is +UUNU.
type NetworkUp struct {
	Interface int
}

// NetworkDown is +UUND.
type NetworkDown struct {
	Interface int
}

// NetworkError is +UUNERR.
type NetworkError struct {
	Interface int
	Code      int
}

// PingResponse is +UUPING, the successful outcome of a Ping command. It
// doubles as the DNS resolution result.
type PingResponse struct {
	Retry    int
	Size     int
	Hostname string
	Addr     netip.Addr
	TTL      int
	RTT      int
}

// PingError is +UUPINGER.
type PingError struct {
	Code int
}

// DataAvailable carries inline data received on a peer connection (+UUDATA).
type DataAvailable struct {
	Handle int
	Data   []byte
}

func (StartUp) urc()              {}
func (PeerConnected) urc()        {}
func (PeerDisconnected) urc()     {}
func (WifiLinkConnected) urc()    {}
func (WifiLinkDisconnected) urc() {}
func (WifiAPUp) urc()             {}
func (WifiAPDown) urc()           {}
func (NetworkUp) urc()            {}
func (NetworkDown) urc()          {}
func (NetworkError) urc()         {}
func (PingResponse) urc()         {}
func (PingError) urc()            {}
func (DataAvailable) urc()        {}

func (StartUp) String() string { return "startup" }

func (e PeerConnected) String() string {
	return fmt.Sprintf("peer %d connected %s -> %s", e.Handle, e.LocalAddr, e.RemoteAddr)
}

func (e PeerDisconnected) String() string {
	return fmt.Sprintf("peer %d disconnected", e.Handle)
}

func (e WifiLinkConnected) String() string {
	return fmt.Sprintf("wifi link %d up bssid=%s channel=%d", e.ConnectionID, e.BSSID, e.Channel)
}

func (e WifiLinkDisconnected) String() string {
	return fmt.Sprintf("wifi link %d down reason=%d", e.ConnectionID, e.Reason)
}

func (e WifiAPUp) String() string   { return fmt.Sprintf("access point %d up", e.ConnectionID) }
func (e WifiAPDown) String() string { return fmt.Sprintf("access point %d down", e.ConnectionID) }
func (e NetworkUp) String() string  { return fmt.Sprintf("network %d up", e.Interface) }
func (e NetworkDown) String() string {
	return fmt.Sprintf("network %d down", e.Interface)
}

func (e NetworkError) String() string {
	return fmt.Sprintf("network %d error %d", e.Interface, e.Code)
}

func (e PingResponse) String() string {
	return fmt.Sprintf("ping %s resolved to %s", e.Hostname, e.Addr)
}

func (e PingError) String() string { return fmt.Sprintf("ping error %d", e.Code) }

func (e DataAvailable) String() string {
	return fmt.Sprintf("peer %d data %d bytes", e.Handle, len(e.Data))
}
