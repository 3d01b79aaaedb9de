// Package memory provides an in-memory SessionStore for development and
// testing.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mpetrov/autoapply/internal/apply"
)

// Store implements apply.SessionStore with guarded maps.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]apply.Session
	logs     map[string][]apply.LogEntry
}

// New constructs a Store.
func New() *Store {
	return &Store{
		sessions: make(map[string]apply.Session),
		logs:     make(map[string][]apply.LogEntry),
	}
}

// CreateSession stores a new session record.
func (s *Store) CreateSession(_ context.Context, sess apply.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[sess.ID]; exists {
		return fmt.Errorf("%w: session %s already exists", apply.ErrConflict, sess.ID)
	}
	s.sessions[sess.ID] = sess
	return nil
}

// GetSession fetches a session by ID.
func (s *Store) GetSession(_ context.Context, id string) (apply.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return apply.Session{}, apply.ErrNotFound
	}
	return sess, nil
}

// UpdateStatus atomically writes status plus the provided optional fields.
// The store stamps started_at on the first transition to running and
// completed_at on any terminal transition.
func (s *Store) UpdateStatus(_ context.Context, id string, status apply.SessionStatus, fields apply.StatusFields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return apply.ErrNotFound
	}
	sess.Status = status
	if fields.Counters != nil {
		sess.Counters = *fields.Counters
	}
	if fields.ErrorText != nil {
		sess.ErrorText = *fields.ErrorText
	}
	now := time.Now().UTC()
	if status == apply.StatusRunning && sess.StartedAt == nil {
		sess.StartedAt = timePtr(now)
	}
	if status.Terminal() && sess.CompletedAt == nil {
		sess.CompletedAt = timePtr(now)
	}
	s.sessions[id] = sess
	return nil
}

// AppendLog appends one entry to the session's log.
func (s *Store) AppendLog(_ context.Context, entry apply.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[entry.SessionID]; !ok {
		return apply.ErrNotFound
	}
	s.logs[entry.SessionID] = append(s.logs[entry.SessionID], entry)
	return nil
}

// ListLog returns all log entries for a session in emission order.
func (s *Store) ListLog(_ context.Context, sessionID string) ([]apply.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.logs[sessionID]
	out := make([]apply.LogEntry, len(entries))
	copy(out, entries)
	return out, nil
}

// ListByStatus returns sessions in any of the given states.
func (s *Store) ListByStatus(_ context.Context, statuses ...apply.SessionStatus) ([]apply.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []apply.Session
	for _, sess := range s.sessions {
		for _, status := range statuses {
			if sess.Status == status {
				out = append(out, sess)
				break
			}
		}
	}
	return out, nil
}

// DeleteSession removes a session and its log entries. Active sessions are
// protected; the caller must cancel first.
func (s *Store) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return apply.ErrNotFound
	}
	if sess.Status.Active() {
		return fmt.Errorf("%w: session %s is %s", apply.ErrConflict, id, sess.Status)
	}
	delete(s.sessions, id)
	delete(s.logs, id)
	return nil
}

func timePtr(t time.Time) *time.Time {
	ts := t
	return &ts
}
