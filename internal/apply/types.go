package apply

import (
	"sort"
	"strings"
	"time"
)

// SessionStatus represents the lifecycle state of an auto-apply session.
type SessionStatus string

// Session status values persisted in the session store.
const (
	StatusPending   SessionStatus = "pending"
	StatusRunning   SessionStatus = "running"
	StatusPaused    SessionStatus = "paused"
	StatusCompleted SessionStatus = "completed"
	StatusCancelled SessionStatus = "cancelled"
	StatusFailed    SessionStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailed:
		return true
	default:
		return false
	}
}

// Active reports whether the session still owns (or is owed) a live worker.
func (s SessionStatus) Active() bool {
	switch s {
	case StatusPending, StatusRunning, StatusPaused:
		return true
	default:
		return false
	}
}

// SearchCriteria captures what the user is hunting for.
type SearchCriteria struct {
	Keywords   []string `json:"keywords"`
	Location   string   `json:"location,omitempty"`
	RemoteOnly bool     `json:"remote_only,omitempty"`
}

// Key returns a canonical identity for the criteria, used by the
// single-active-session-per-criteria policy.
func (c SearchCriteria) Key() string {
	kw := make([]string, len(c.Keywords))
	for i, k := range c.Keywords {
		kw[i] = strings.ToLower(strings.TrimSpace(k))
	}
	sort.Strings(kw)
	parts := []string{strings.Join(kw, ","), strings.ToLower(c.Location)}
	if c.RemoteOnly {
		parts = append(parts, "remote")
	}
	return strings.Join(parts, "|")
}

// Profile is the applicant data submitted with each application.
type Profile struct {
	FullName  string   `json:"full_name"`
	Email     string   `json:"email"`
	Phone     string   `json:"phone,omitempty"`
	ResumeURI string   `json:"resume_uri,omitempty"`
	Skills    []string `json:"skills,omitempty"`
}

// SessionConfig is the immutable configuration snapshot taken when a
// session is created.
type SessionConfig struct {
	UserID                 string         `json:"user_id"`
	Criteria               SearchCriteria `json:"criteria"`
	Profile                Profile        `json:"profile"`
	MaxApplications        int            `json:"max_applications"`
	ScoreThreshold         float64        `json:"score_threshold"`
	PerJobDelay            time.Duration  `json:"per_job_delay"`
	MaxFailures            int            `json:"max_failures"`
	MaxConsecutiveTimeouts int            `json:"max_consecutive_timeouts"`
	ExternalCallTimeout    time.Duration  `json:"external_call_timeout"`
}

// SessionCounters tracks per-session progress stats.
type SessionCounters struct {
	JobsConsidered int `json:"jobs_considered"`
	JobsApplied    int `json:"jobs_applied"`
	JobsFailed     int `json:"jobs_failed"`
}

// Session is the persisted record of one auto-apply run. The engine holds a
// cached copy; the store owns the authoritative one.
type Session struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	Status      SessionStatus   `json:"status"`
	Counters    SessionCounters `json:"counters"`
	ErrorText   string          `json:"error_text,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Config      SessionConfig   `json:"config"`
}

// Job is one candidate posting pulled from a job source.
type Job struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Company     string `json:"company,omitempty"`
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
}

// Outcome classifies one attempted action recorded in the session log.
type Outcome string

// Log entry outcomes.
const (
	OutcomeApplied   Outcome = "applied"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// LogEntry is an append-only record of one attempted action. Entries are
// never mutated after creation and are strictly ordered per session by the
// single writer that emits them.
type LogEntry struct {
	SessionID  string    `json:"session_id"`
	JobID      string    `json:"job_id,omitempty"`
	JobTitle   string    `json:"job_title,omitempty"`
	JobURL     string    `json:"job_url,omitempty"`
	Outcome    Outcome   `json:"outcome"`
	Reason     string    `json:"reason,omitempty"`
	ReceiptURI string    `json:"receipt_uri,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ApplyResult is returned by a BrowserSession for one submission attempt.
type ApplyResult struct {
	Outcome     Outcome
	Reason      string
	Recoverable bool
	// Receipt optionally carries the confirmation artifact (rendered DOM,
	// screenshot bytes) captured after a successful submission.
	Receipt     []byte
	ContentType string
}

// StatusFields carries the optional columns written alongside a status
// transition. Nil fields are left untouched by the store.
type StatusFields struct {
	Counters  *SessionCounters
	ErrorText *string
}
