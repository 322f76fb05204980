package at

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCommandFailed is matched by every *CommandError.
	ErrCommandFailed = errors.New("command failed")

	// ErrMalformed is matched by every *DecodeError.
	ErrMalformed = errors.New("malformed frame")

	// ErrCommandTooLong is returned when encoding a command whose wire form
	// would not fit a single frame.
	ErrCommandTooLong = errors.New("command too long")
)

// CommandError is returned when the module answers a command with ERROR or
// +CME ERROR.
type CommandError struct {
	Final string
}

func (e *CommandError) Error() string {
	return "module replied " + e.Final
}

func (e *CommandError) Is(target error) bool {
	return target == ErrCommandFailed
}

// Code returns the numeric or verbose +CME ERROR code, if any.
func (e *CommandError) Code() string {
	code, _ := strings.CutPrefix(e.Final, CmeError)
	if code == e.Final {
		return ""
	}
	return strings.TrimSpace(code)
}

// DecodeError describes a frame the codec could not decode.
type DecodeError struct {
	Line   string
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %q: %s", e.Line, e.Reason)
}

func (e *DecodeError) Is(target error) bool {
	return target == ErrMalformed
}
