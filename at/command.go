package at

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Command is a typed request for the module. Name is everything following
// the "AT" prefix up to the parameter separator (for example "+UDCP" or
// "E0"); Params are already formatted parameter values.
type Command struct {
	Name    string
	Params  []string
	Timeout time.Duration
}

// String returns the command as it appears on the wire, without the
// trailing carriage return.
func (c Command) String() string {
	if len(c.Params) == 0 {
		return "AT" + c.Name
	}
	return "AT" + c.Name + "=" + strings.Join(c.Params, ",")
}

// Mode selects what the serial link carries after ChangeMode.
type Mode int

const (
	ModeCommand      Mode = 0
	ModeData         Mode = 1
	ModeExtendedData Mode = 2
	ModePPP          Mode = 3
)

// NetworkStatusParameter selects the value reported by +UNSTAT.
type NetworkStatusParameter int

const (
	StatusHardwareAddress NetworkStatusParameter = 0
	StatusUp              NetworkStatusParameter = 1
	StatusInterfaceType   NetworkStatusParameter = 2
	StatusIPv4Address     NetworkStatusParameter = 101
	StatusSubnetMask      NetworkStatusParameter = 102
	StatusGateway         NetworkStatusParameter = 103
	StatusPrimaryDNS      NetworkStatusParameter = 104
	StatusSecondaryDNS    NetworkStatusParameter = 105
	StatusIPv6LinkLocal   NetworkStatusParameter = 201
)

// PeerConfigParameter selects the value written by +UDCFG.
type PeerConfigParameter int

const (
	PeerConfigTLSInBuffer  PeerConfigParameter = 8
	PeerConfigTLSOutBuffer PeerConfigParameter = 9
)

const (
	defaultTimeout = time.Second
	peerTimeout    = 5 * time.Second
	longTimeout    = 10 * time.Second
)

func quote(s string) string {
	return `"` + s + `"`
}

// Attention is the bare "AT" that checks the module is responsive.
func Attention() Command {
	return Command{Timeout: defaultTimeout}
}

// SetEcho toggles command echo (ATE0 / ATE1).
func SetEcho(on bool) Command {
	if on {
		return Command{Name: "E1", Timeout: defaultTimeout}
	}
	return Command{Name: "E0", Timeout: defaultTimeout}
}

// SetHostname sets the network host name of the module (+UNHN).
func SetHostname(name string) Command {
	return Command{Name: "+UNHN", Params: []string{quote(name)}, Timeout: defaultTimeout}
}

// NetworkStatus queries one status value of a network interface (+UNSTAT).
func NetworkStatus(iface int, param NetworkStatusParameter) Command {
	return Command{
		Name:    "+UNSTAT",
		Params:  []string{strconv.Itoa(iface), strconv.Itoa(int(param))},
		Timeout: 3 * time.Second,
	}
}

// ConnectPeer connects to a remote peer given as a u-blox URL such as
// "tcp://example.com:80/" (+UDCP). The response carries the peer handle.
func ConnectPeer(url string) Command {
	return Command{Name: "+UDCP", Params: []string{quote(url)}, Timeout: peerTimeout}
}

// ClosePeer closes a peer connection (+UDCPC).
func ClosePeer(peer int) Command {
	return Command{Name: "+UDCPC", Params: []string{strconv.Itoa(peer)}, Timeout: defaultTimeout}
}

// Ping asks the module to resolve and ping hostname (+UPING). The result is
// reported later through +UUPING or +UUPINGER.
func Ping(hostname string, retries int) Command {
	return Command{
		Name:    "+UPING",
		Params:  []string{quote(hostname), strconv.Itoa(retries)},
		Timeout: defaultTimeout,
	}
}

// ChangeMode switches the serial link between command and data modes (O<mode>).
func ChangeMode(mode Mode) Command {
	return Command{Name: "O" + strconv.Itoa(int(mode)), Timeout: defaultTimeout}
}

// SetPeerConfig writes a peer configuration parameter (+UDCFG).
func SetPeerConfig(param PeerConfigParameter, value int) Command {
	return Command{
		Name:    "+UDCFG",
		Params:  []string{strconv.Itoa(int(param)), strconv.Itoa(value)},
		Timeout: defaultTimeout,
	}
}

// SetRS232 changes the UART settings of the module (+UMRS). The new baud
// rate applies after the OK of this command.
func SetRS232(baud int, flowControl bool) Command {
	fc := "2"
	if flowControl {
		fc = "1"
	}
	// baud, flow control, 8 data bits, 1 stop bit, no parity, change after confirm
	return Command{
		Name:    "+UMRS",
		Params:  []string{strconv.Itoa(baud), fc, "8", "1", "1", "1"},
		Timeout: defaultTimeout,
	}
}

// StoreConfig persists the current configuration (AT&W).
func StoreConfig() Command {
	return Command{Name: "&W", Timeout: defaultTimeout}
}

// Reboot restarts the module (+CPWROFF). A +STARTUP URC follows.
func Reboot() Command {
	return Command{Name: "+CPWROFF", Timeout: longTimeout}
}

// WriteData sends payload on an established peer connection (+UDATW). The
// payload is hex encoded so that it cannot be confused with framing.
func WriteData(peer int, payload []byte) Command {
	return Command{
		Name:    "+UDATW",
		Params:  []string{strconv.Itoa(peer), hex.EncodeToString(payload)},
		Timeout: peerTimeout,
	}
}

// StationConfigTag selects the station configuration value written by
// +UWSC.
type StationConfigTag int

const (
	StationActiveOnStartup StationConfigTag = 0
	StationSSID            StationConfigTag = 2
	StationAuthentication  StationConfigTag = 5
	StationPassphrase      StationConfigTag = 8
)

// Authentication types of a station configuration.
const (
	AuthOpen    = 1
	AuthWPA2PSK = 2
)

// StationAction is applied to a station configuration by +UWSCA.
type StationAction int

const (
	StationReset      StationAction = 0
	StationStore      StationAction = 1
	StationLoad       StationAction = 2
	StationActivate   StationAction = 3
	StationDeactivate StationAction = 4
)

// StationStatusID selects the value reported by +UWSSTAT.
type StationStatusID int

const (
	StationStatusSSID    StationStatusID = 0
	StationStatusBSSID   StationStatusID = 1
	StationStatusChannel StationStatusID = 2
	StationStatusState   StationStatusID = 6
)

// SetStationSSID writes the network name of configuration configID (+UWSC).
func SetStationSSID(configID int, ssid string) Command {
	return setStation(configID, StationSSID, quote(ssid))
}

// SetStationAuthentication writes the authentication type, AuthOpen or
// AuthWPA2PSK (+UWSC).
func SetStationAuthentication(configID, auth int) Command {
	return setStation(configID, StationAuthentication, strconv.Itoa(auth))
}

// SetStationPassphrase writes the WPA passphrase or PSK (+UWSC).
func SetStationPassphrase(configID int, passphrase string) Command {
	return setStation(configID, StationPassphrase, quote(passphrase))
}

func setStation(configID int, tag StationConfigTag, value string) Command {
	return Command{
		Name:    "+UWSC",
		Params:  []string{strconv.Itoa(configID), strconv.Itoa(int(tag)), value},
		Timeout: defaultTimeout,
	}
}

// StationConfigAction applies action to the station configuration configID
// (+UWSCA).
func StationConfigAction(configID int, action StationAction) Command {
	return Command{
		Name:    "+UWSCA",
		Params:  []string{strconv.Itoa(configID), strconv.Itoa(int(action))},
		Timeout: longTimeout,
	}
}

// StationStatus queries one value of the station interface (+UWSSTAT).
func StationStatus(id StationStatusID) Command {
	return Command{Name: "+UWSSTAT", Params: []string{strconv.Itoa(int(id))}, Timeout: defaultTimeout}
}

// WifiDeactivate deactivates the station configuration configID (+UWSCA).
func WifiDeactivate(configID int) Command {
	return StationConfigAction(configID, StationDeactivate)
}

// MaxWritePayload is the largest payload a single WriteData command carries.
const MaxWritePayload = 256

// PeerURL builds the URL used by ConnectPeer.
func PeerURL(scheme, host string, port uint16) string {
	return fmt.Sprintf("%s://%s:%d/", scheme, host, port)
}
