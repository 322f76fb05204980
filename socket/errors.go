package socket

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownHandle is returned for a handle that was never opened or has
	// already been released.
	ErrUnknownHandle = errors.New("unknown socket handle")

	// ErrClosed is returned for operations on a socket that is being closed.
	ErrClosed = errors.New("socket closed")

	// ErrNotConnected is returned when writing to a socket that has no
	// established peer.
	ErrNotConnected = errors.New("socket not connected")

	// ErrInUse is returned when connecting a socket that is not idle.
	ErrInUse = errors.New("socket already in use")

	// ErrNoHandle is returned by Connect when the module reply carries no peer
	// handle.
	ErrNoHandle = errors.New("no peer handle in reply")
)

// Error records the failed operation and socket.
type Error struct {
	Op     string
	Handle Handle
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("socket %d %s: %v", e.Handle, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
