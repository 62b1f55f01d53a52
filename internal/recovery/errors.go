package recovery

import "errors"

var (
	// ErrUserAbort is returned by a strategy when an operator asks to abort
	// the whole flow.
	ErrUserAbort = errors.New("flow aborted by user")

	// ErrDeadlineExceeded is reported when MaxRecoveryTime runs out.
	ErrDeadlineExceeded = errors.New("recovery deadline exceeded")
)

const (
	msgExhausted     = "all recovery strategies exhausted"
	msgNoAlternative = "no suitable alternative flow found"
)
