package apply

import "fmt"

// validNext encodes the session state machine:
// pending -> running <-> paused -> {completed | cancelled | failed}.
// Cancellation and failure are reachable from every non-terminal state so an
// orphaned or never-started session can still be finalized.
var validNext = map[SessionStatus]map[SessionStatus]bool{
	StatusPending: {
		StatusRunning:   true,
		StatusCancelled: true,
		StatusFailed:    true,
	},
	StatusRunning: {
		StatusPaused:    true,
		StatusCompleted: true,
		StatusCancelled: true,
		StatusFailed:    true,
	},
	StatusPaused: {
		StatusRunning:   true,
		StatusCancelled: true,
		StatusFailed:    true,
	},
	StatusCompleted: {},
	StatusCancelled: {},
	StatusFailed:    {},
}

// ValidateTransition returns ErrInvalidTransition (wrapped with detail) when
// the move from -> to is not part of the state machine. It is pure so the
// transition logic is testable without a store.
func ValidateTransition(from, to SessionStatus) error {
	next, ok := validNext[from]
	if !ok {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, from)
	}
	if !next[to] {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
