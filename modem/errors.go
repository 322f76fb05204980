package modem

import (
	"errors"
	"fmt"
)

var (
	// ErrNoDialer is returned when a Modem is constructed without a Dialer.
	//
	// This indicates a configuration error. A Dialer is required in order to
	// establish a connection to the module.
	ErrNoDialer = errors.New("no dialer configured")

	// ErrNotInitialized is returned when an operation is attempted on a Modem
	// that has not been successfully initialized.
	//
	// This can occur if the Dialer returned no Transport or if the Modem was
	// not created via New.
	ErrNotInitialized = errors.New("modem not initialized")

	// ErrAlreadyClosed is returned when Close is called on a Modem that has
	// already been closed, and by every operation attempted afterwards.
	ErrAlreadyClosed = errors.New("modem already closed")

	// ErrLoopRunning is returned when Loop is started twice, or when a
	// cooperative Step is attempted while Loop owns the transport.
	ErrLoopRunning = errors.New("loop already running")

	// ErrLoopStopped is returned to waiters once Loop has returned.
	ErrLoopStopped = errors.New("loop stopped")

	// ErrLoopNotRunning is returned by operations that need the concurrent
	// runner, such as entering PPP data mode.
	ErrLoopNotRunning = errors.New("loop not running")

	// ErrCommandTimeout is returned when the module did not answer a command
	// within its deadline.
	ErrCommandTimeout = errors.New("command timed out")

	// ErrDataMode is returned when a command is issued while the link
	// carries PPP traffic.
	ErrDataMode = errors.New("link is in data mode")

	// ErrInvalidConfig is matched by every configuration validation error.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrJoinTimeout is returned when the station link did not come up
	// within JoinTimeout.
	ErrJoinTimeout = errors.New("timed out joining network")

	// ErrAuthentication is returned when the access point rejected the
	// credentials.
	ErrAuthentication = errors.New("network authentication failed")

	// ErrWrongNetwork is returned when the module came up on a network
	// other than the one requested.
	ErrWrongNetwork = errors.New("joined a different network")

	// ErrRestartTimeout is returned when the module did not announce its
	// startup within RestartTimeout after a reboot.
	ErrRestartTimeout = errors.New("timed out waiting for module startup")
)

// TransportError wraps an I/O failure on the physical link. It is fatal to
// the runner and is returned to every waiting caller.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
