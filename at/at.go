// Package at implements the textual AT protocol spoken by u-blox short-range
// radio modules: framing of the byte stream into lines, classification of
// each line and the reference codec that turns typed commands into bytes and
// lines into responses or unsolicited result codes.
package at

const (
	// Terminal Control
	CRLF = "\r\n"
	CR   = "\r"

	// Escape leaves data mode (Hayes escape sequence, sent with guard time).
	Escape = "+++"

	// Response Codes
	OK       = "OK"
	ERROR    = "ERROR"
	CmeError = "+CME ERROR:"

	// URCs (Unsolicited Result Codes)
	UrcStartUp          = "+STARTUP"
	UrcPeerConnected    = "+UUDPC:"
	UrcPeerDisconnected = "+UUDPD:"
	UrcWifiLinkUp       = "+UUWLE:"
	UrcWifiLinkDown     = "+UUWLD:"
	UrcWifiAPUp         = "+UUWAPU:"
	UrcWifiAPDown       = "+UUWAPD:"
	UrcNetworkUp        = "+UUNU:"
	UrcNetworkDown      = "+UUND:"
	UrcNetworkError     = "+UUNERR:"
	UrcPing             = "+UUPING:"
	UrcPingError        = "+UUPINGER:"
	UrcData             = "+UUDATA:"
)

// MaxLineLength bounds a single frame. Longer input is treated as
// malformed and skipped up to the next CRLF.
const MaxLineLength = 1024

type ResponseType int

const (
	TypeFinal ResponseType = iota // OK, ERROR, +CME ERROR
	TypeURC                       // Asynchronous notifications
	TypeData                      // Intermediate command output (+UDCP: 1)
)

func (t ResponseType) String() string {
	switch t {
	case TypeFinal:
		return "final"
	case TypeURC:
		return "urc"
	case TypeData:
		return "data"
	default:
		return "unknown"
	}
}
