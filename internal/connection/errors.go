package connection

import "errors"

var (
	// ErrIllegalTransition is returned when a transition is missing from the
	// transition table.
	ErrIllegalTransition = errors.New("illegal state transition")

	// ErrCommandUnavailable is returned by commands the current state does
	// not accept, such as starting a client while already hosting.
	ErrCommandUnavailable = errors.New("command not available in current state")

	// ErrStartFailed is returned when a start command cannot even begin.
	ErrStartFailed = errors.New("failed to start transport")

	errCommandPanicked = errors.New("command handler panicked")
)
