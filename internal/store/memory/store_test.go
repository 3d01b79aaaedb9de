package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mpetrov/autoapply/internal/apply"
)

func newSession(id string, status apply.SessionStatus) apply.Session {
	return apply.Session{
		ID:        id,
		UserID:    "user-1",
		Status:    status,
		CreatedAt: time.Now().UTC(),
	}
}

func TestStore_CreateAndGet(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	require.NoError(t, s.CreateSession(ctx, newSession("s1", apply.StatusPending)))

	got, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, apply.StatusPending, got.Status)

	err = s.CreateSession(ctx, newSession("s1", apply.StatusPending))
	require.ErrorIs(t, err, apply.ErrConflict)

	_, err = s.GetSession(ctx, "missing")
	require.ErrorIs(t, err, apply.ErrNotFound)
}

func TestStore_UpdateStatusStampsTimes(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateSession(ctx, newSession("s1", apply.StatusPending)))

	require.NoError(t, s.UpdateStatus(ctx, "s1", apply.StatusRunning, apply.StatusFields{}))
	got, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got.StartedAt)
	require.Nil(t, got.CompletedAt)

	counters := apply.SessionCounters{JobsConsidered: 3, JobsApplied: 2, JobsFailed: 1}
	errText := "done"
	require.NoError(t, s.UpdateStatus(ctx, "s1", apply.StatusCompleted, apply.StatusFields{
		Counters:  &counters,
		ErrorText: &errText,
	}))
	got, err = s.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, apply.StatusCompleted, got.Status)
	require.Equal(t, counters, got.Counters)
	require.Equal(t, "done", got.ErrorText)
	require.NotNil(t, got.CompletedAt)

	require.ErrorIs(t, s.UpdateStatus(ctx, "missing", apply.StatusRunning, apply.StatusFields{}), apply.ErrNotFound)
}

func TestStore_AppendAndListLog(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateSession(ctx, newSession("s1", apply.StatusRunning)))

	for i, outcome := range []apply.Outcome{apply.OutcomeApplied, apply.OutcomeSkipped, apply.OutcomeFailed} {
		require.NoError(t, s.AppendLog(ctx, apply.LogEntry{
			SessionID: "s1",
			JobID:     string(rune('a' + i)),
			Outcome:   outcome,
			Timestamp: time.Now().UTC(),
		}))
	}

	entries, err := s.ListLog(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, apply.OutcomeApplied, entries[0].Outcome)
	require.Equal(t, apply.OutcomeSkipped, entries[1].Outcome)
	require.Equal(t, apply.OutcomeFailed, entries[2].Outcome)

	require.ErrorIs(t, s.AppendLog(ctx, apply.LogEntry{SessionID: "missing"}), apply.ErrNotFound)
}

func TestStore_ListByStatus(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateSession(ctx, newSession("s1", apply.StatusRunning)))
	require.NoError(t, s.CreateSession(ctx, newSession("s2", apply.StatusPending)))
	require.NoError(t, s.CreateSession(ctx, newSession("s3", apply.StatusCompleted)))

	active, err := s.ListByStatus(ctx, apply.StatusPending, apply.StatusRunning, apply.StatusPaused)
	require.NoError(t, err)
	require.Len(t, active, 2)
}

func TestStore_DeleteGuardsActiveSessions(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	for _, status := range []apply.SessionStatus{apply.StatusPending, apply.StatusRunning, apply.StatusPaused} {
		require.NoError(t, s.CreateSession(ctx, newSession("active", status)))
		require.ErrorIs(t, s.DeleteSession(ctx, "active"), apply.ErrConflict)

		require.NoError(t, s.UpdateStatus(ctx, "active", apply.StatusCancelled, apply.StatusFields{}))
		require.NoError(t, s.DeleteSession(ctx, "active"))
	}

	require.ErrorIs(t, s.DeleteSession(ctx, "missing"), apply.ErrNotFound)
}

func TestStore_DeleteCascadesLog(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateSession(ctx, newSession("s1", apply.StatusCancelled)))
	require.NoError(t, s.AppendLog(ctx, apply.LogEntry{SessionID: "s1", Outcome: apply.OutcomeCancelled}))

	require.NoError(t, s.DeleteSession(ctx, "s1"))
	entries, err := s.ListLog(ctx, "s1")
	require.NoError(t, err)
	require.Empty(t, entries)
}
