package modem

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"i4.energy/across/shortrange/at"
	"i4.energy/across/shortrange/netstate"
)

// stationConfigID is the station configuration used for joining.
const stationConfigID = 0

const (
	maxSSIDLength       = 32
	minPassphraseLength = 8
	maxPassphraseLength = 63
	pskLength           = 64
)

// JoinOpen joins the open network ssid and waits until the module reports
// the link up, at most JoinTimeout.
func (m *Modem) JoinOpen(ctx context.Context, ssid string) error {
	if err := validateSSID(ssid); err != nil {
		return err
	}
	return m.join(ctx, ssid,
		at.SetStationAuthentication(stationConfigID, at.AuthOpen),
	)
}

// JoinWPA2 joins the WPA/WPA2 personal network ssid. passphrase is either
// 8 to 63 characters or a PSK of 64 hex digits.
func (m *Modem) JoinWPA2(ctx context.Context, ssid, passphrase string) error {
	if err := validateSSID(ssid); err != nil {
		return err
	}
	if err := validatePassphrase(passphrase); err != nil {
		return err
	}
	return m.join(ctx, ssid,
		at.SetStationAuthentication(stationConfigID, at.AuthWPA2PSK),
		at.SetStationPassphrase(stationConfigID, passphrase),
	)
}

func (m *Modem) join(ctx context.Context, ssid string, auth ...at.Command) error {
	setup := append([]at.Command{
		at.StationConfigAction(stationConfigID, at.StationReset),
		at.SetStationSSID(stationConfigID, ssid),
	}, auth...)
	for _, cmd := range setup {
		if err := m.expectOK(ctx, cmd); err != nil {
			return fmt.Errorf("join %s: %w", ssid, err)
		}
	}

	// A link left up by an earlier network must not end the wait.
	m.tracker.Disconnected()
	if err := m.expectOK(ctx, at.StationConfigAction(stationConfigID, at.StationActivate)); err != nil {
		return fmt.Errorf("join %s: %w", ssid, err)
	}

	var state netstate.WiFiState
	err := m.waitFor(ctx, m.config.JoinTimeout, ErrJoinTimeout, func() bool {
		state = m.tracker.Connection().State
		return state == netstate.Connected || state == netstate.SecurityProblems
	})
	if err != nil {
		return fmt.Errorf("join %s: %w", ssid, err)
	}
	if state == netstate.SecurityProblems {
		return fmt.Errorf("join %s: %w", ssid, ErrAuthentication)
	}

	resp, err := m.Send(ctx, at.StationStatus(at.StationStatusSSID))
	if err == nil {
		err = resp.Err()
	}
	if err != nil {
		return fmt.Errorf("join %s: %w", ssid, err)
	}
	params, ok := resp.Params("+UWSSTAT:")
	if !ok || len(params) < 2 || params[1] != ssid {
		return fmt.Errorf("join %s: %w", ssid, ErrWrongNetwork)
	}

	m.tracker.Joined(ssid)
	m.logger.Info("Joined WiFi network", "ssid", ssid)
	return nil
}

// Restart reboots the module, storing the current configuration first when
// store is set. It waits for the module to announce its startup and then
// configures it again the way New did.
func (m *Modem) Restart(ctx context.Context, store bool) error {
	m.logger.Warn("Restarting module", "store", store)
	if store {
		if err := m.expectOK(ctx, at.StoreConfig()); err != nil {
			return fmt.Errorf("store configuration: %w", err)
		}
	}

	startups := m.tracker.Startups()
	if err := m.expectOK(ctx, at.Reboot()); err != nil {
		return fmt.Errorf("restart: %w", err)
	}
	err := m.waitFor(ctx, m.config.RestartTimeout, ErrRestartTimeout, func() bool {
		return m.tracker.Startups() > startups
	})
	if err != nil {
		return fmt.Errorf("restart: %w", err)
	}

	// Echo is back on after a reboot.
	if err := m.expectOK(ctx, at.Attention()); err != nil {
		return fmt.Errorf("module not responding after restart: %w", err)
	}
	if err := m.expectOK(ctx, at.SetEcho(false)); err != nil {
		return fmt.Errorf("could not disable echo: %w", err)
	}
	if err := m.configure(ctx); err != nil {
		return fmt.Errorf("restart: %w", err)
	}
	m.logger.Info("Module restarted")
	return nil
}

// waitFor polls cond through the scheduler for at most timeout. Running out
// of time yields onTimeout; cancellation of ctx is returned as is.
func (m *Modem) waitFor(ctx context.Context, timeout time.Duration, onTimeout error, cond func() bool) error {
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := m.sched.Poll(wctx, cond)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return onTimeout
	}
	return err
}

func validateSSID(ssid string) error {
	if ssid == "" || len(ssid) > maxSSIDLength {
		return &ConfigError{Field: "SSID", Reason: fmt.Sprintf("must be 1 to %d bytes", maxSSIDLength)}
	}
	return nil
}

func validatePassphrase(p string) error {
	if len(p) == pskLength {
		if _, err := hex.DecodeString(p); err == nil {
			return nil
		}
	}
	if len(p) < minPassphraseLength || len(p) > maxPassphraseLength {
		return &ConfigError{
			Field:  "passphrase",
			Reason: fmt.Sprintf("must be %d to %d characters or %d hex digits", minPassphraseLength, maxPassphraseLength, pskLength),
		}
	}
	return nil
}
