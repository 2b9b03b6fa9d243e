package agentpty

import "errors"

// Stable error kinds surfaced at the API boundary.
var (
	// ErrBusy is returned for exec calls while a block is running.
	ErrBusy = errors.New("busy")

	// ErrModeInteractive is returned for exec_block while interactive.
	ErrModeInteractive = errors.New("mode_interactive")

	// ErrValidation indicates a bad request shape; no state was mutated.
	ErrValidation = errors.New("validation_error")

	// ErrSessionGone indicates the PTY backend died; callers may Reset.
	ErrSessionGone = errors.New("shell_gone")

	// ErrUnknownBlock indicates a block id that does not resolve.
	ErrUnknownBlock = errors.New("unknown block id")

	// ErrTimeout indicates a bounded wait that expired.
	ErrTimeout = errors.New("timeout")
)
