package apply

import (
	"errors"
	"fmt"
)

// Control-plane error taxonomy. Handlers match these with errors.Is and map
// them to transport status codes; the worker absorbs everything recoverable
// into log entries instead.
var (
	// ErrUnauthorized means the requester does not own the session.
	ErrUnauthorized = errors.New("requester does not own session")
	// ErrNotFound means the session id is unknown to the store.
	ErrNotFound = errors.New("session not found")
	// ErrInvalidTransition rejects a control action not valid for the
	// session's current state.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrConflict covers duplicate active sessions and delete-while-active.
	ErrConflict = errors.New("conflict")
	// ErrNotRunning means no live worker exists for the session id.
	ErrNotRunning = errors.New("session not running")
	// ErrNoMoreJobs is returned by a JobSource when the candidate pool is
	// exhausted. It is a normal stopping condition, not a failure.
	ErrNoMoreJobs = errors.New("no more jobs")
	// ErrFatal marks an unrecoverable precondition (e.g. lost credentials
	// to the target site); the worker fails the session immediately.
	ErrFatal = errors.New("fatal")
)

// ErrAlreadyRunning is returned by the registry when a handle already exists
// for the session id. It is a kind of conflict.
var ErrAlreadyRunning = fmt.Errorf("%w: session already running", ErrConflict)
