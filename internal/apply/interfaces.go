package apply

import (
	"context"
	"time"
)

// SessionStore persists session metadata and append-only log entries. The
// engine treats it as an external collaborator providing atomic single-row
// updates; status writes go through UpdateStatus, never read-modify-write.
type SessionStore interface {
	CreateSession(ctx context.Context, sess Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	// UpdateStatus atomically writes the new status together with the
	// provided optional fields. The store stamps started_at on the first
	// transition to running and completed_at on any terminal transition.
	UpdateStatus(ctx context.Context, id string, status SessionStatus, fields StatusFields) error
	AppendLog(ctx context.Context, entry LogEntry) error
	ListLog(ctx context.Context, sessionID string) ([]LogEntry, error)
	// ListByStatus returns sessions in any of the given states; used by
	// orphan reconciliation at startup.
	ListByStatus(ctx context.Context, statuses ...SessionStatus) ([]Session, error)
	// DeleteSession removes a session and its log. It returns ErrConflict
	// while the session is still active.
	DeleteSession(ctx context.Context, id string) error
}

// BrowserSession is the opaque "apply to one job" capability. Implementations
// drive a headless browser against the target board; the worker only sees the
// result classification. A returned error wrapping ErrFatal fails the session
// immediately; any other error is treated as recoverable.
type BrowserSession interface {
	ApplyTo(ctx context.Context, job Job, profile Profile) (ApplyResult, error)
}

// MatchScorer scores how well a job matches the user's profile, in [0, 1].
type MatchScorer interface {
	Score(ctx context.Context, job Job, profile Profile) (float64, error)
}

// JobSource yields candidate jobs for the configured criteria. Next returns
// ErrNoMoreJobs once the pool is exhausted.
type JobSource interface {
	Next(ctx context.Context, criteria SearchCriteria) (Job, error)
}

// ReceiptStore persists application confirmation artifacts and returns a URI.
type ReceiptStore interface {
	Put(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces session IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
