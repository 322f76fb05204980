// Package netstate tracks the WiFi connection and DNS state of the module.
// Both machines are written only by the URC consumer and read through
// snapshots by anyone else.
package netstate

import (
	"net/netip"
)

// WiFiState of the station interface.
type WiFiState int

const (
	Inactive WiFiState = iota
	NotConnected
	SecurityProblems
	Connected
)

func (s WiFiState) String() string {
	switch s {
	case Inactive:
		return "inactive"
	case NotConnected:
		return "not-connected"
	case SecurityProblems:
		return "security-problems"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// MarshalText lets the state appear by name in JSON.
func (s WiFiState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// NetworkKind distinguishes the station link from the module's own access
// point.
type NetworkKind int

const (
	Station NetworkKind = iota
	AccessPoint
)

func (k NetworkKind) String() string {
	if k == AccessPoint {
		return "access-point"
	}
	return "station"
}

// MarshalText lets the kind appear by name in JSON.
func (k NetworkKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Network describes the WiFi network currently joined.
type Network struct {
	Kind         NetworkKind `json:"kind"`
	ConnectionID int         `json:"connection_id"`
	SSID         string      `json:"ssid,omitempty"`
	BSSID        string      `json:"bssid,omitempty"`
	Channel      int         `json:"channel,omitempty"`
}

// Connection is a snapshot of the link and network layer.
type Connection struct {
	State     WiFiState  `json:"state"`
	NetworkUp bool       `json:"network_up"`
	IPv4      netip.Addr `json:"ipv4,omitzero"`
	IPv6      netip.Addr `json:"ipv6,omitzero"`
	Network   *Network   `json:"network,omitempty"`
}

// IsConnected reports whether the module can carry traffic.
func (c Connection) IsConnected() bool {
	return c.NetworkUp && c.State == Connected
}

// DNSState of the single in-flight lookup.
type DNSState int

const (
	Unresolved DNSState = iota
	Resolving
	Resolved
	Error
)

func (s DNSState) String() string {
	switch s {
	case Unresolved:
		return "unresolved"
	case Resolving:
		return "resolving"
	case Resolved:
		return "resolved"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText lets the state appear by name in JSON.
func (s DNSState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// DNS is a snapshot of the lookup state. Addr is valid in Resolved, Code in
// Error.
type DNS struct {
	State DNSState   `json:"state"`
	Host  string     `json:"host,omitempty"`
	Addr  netip.Addr `json:"addr,omitzero"`
	Code  int        `json:"code,omitempty"`
}

// Done reports whether the lookup has left Resolving.
func (d DNS) Done() bool {
	return d.State == Resolved || d.State == Error
}
