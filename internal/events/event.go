// Package events defines the lifecycle events emitted by session workers and
// the hub that fans them out to sinks. Events are advisory telemetry; the
// append-only session log in the store remains the authoritative audit trail.
package events

import (
	"errors"
	"fmt"
	"time"
)

// Kind denotes the milestone represented by an Event.
type Kind string

// Supported event kinds.
const (
	KindSessionStarted   Kind = "SESSION_STARTED"
	KindSessionPaused    Kind = "SESSION_PAUSED"
	KindSessionResumed   Kind = "SESSION_RESUMED"
	KindSessionCompleted Kind = "SESSION_COMPLETED"
	KindSessionCancelled Kind = "SESSION_CANCELLED"
	KindSessionFailed    Kind = "SESSION_FAILED"
	KindJobApplied       Kind = "JOB_APPLIED"
	KindJobSkipped       Kind = "JOB_SKIPPED"
	KindJobFailed        Kind = "JOB_FAILED"
)

// Event captures a single session or application milestone.
type Event struct {
	// SessionID identifies the session run.
	SessionID string `json:"session_id"`
	// UserID is the session owner.
	UserID string `json:"user_id"`
	// Kind denotes which milestone occurred.
	Kind Kind `json:"kind"`
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time `json:"ts"`
	// JobID scopes application events to a posting.
	JobID string `json:"job_id,omitempty"`
	// Dur captures submission latency for application events.
	Dur time.Duration `json:"dur,omitempty"`
	// Note lets emitters attach low-volume context (e.g. skip reason).
	Note string `json:"note,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.SessionID == "" {
		return errors.New("session id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindSessionStarted, KindSessionPaused, KindSessionResumed,
		KindSessionCompleted, KindSessionCancelled, KindSessionFailed:
	case KindJobApplied, KindJobSkipped, KindJobFailed:
		if e.JobID == "" {
			return errors.New("application event requires job id")
		}
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// SessionKind maps a terminal-ish status string to its event kind, or false
// when no event corresponds.
func SessionKind(status string) (Kind, bool) {
	switch status {
	case "running":
		return KindSessionStarted, true
	case "paused":
		return KindSessionPaused, true
	case "completed":
		return KindSessionCompleted, true
	case "cancelled":
		return KindSessionCancelled, true
	case "failed":
		return KindSessionFailed, true
	default:
		return "", false
	}
}
