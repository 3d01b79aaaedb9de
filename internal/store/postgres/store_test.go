package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/mpetrov/autoapply/internal/apply"
)

func newMockStore(t *testing.T) (pgxmock.PgxPoolIface, *Store) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewWithPool(mock)
	require.NoError(t, err)
	return mock, store
}

func TestCreateSessionInsertsRow(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)

	now := time.Unix(1700000000, 0).UTC()
	sess := apply.Session{
		ID:        "sess-1",
		UserID:    "user-1",
		Status:    apply.StatusPending,
		CreatedAt: now,
		Config: apply.SessionConfig{
			UserID:         "user-1",
			Criteria:       apply.SearchCriteria{Keywords: []string{"go"}},
			ScoreThreshold: 0.5,
		},
	}
	configJSON, err := json.Marshal(sess.Config)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO sessions").
		WithArgs("sess-1", "user-1", "pending", 0, 0, 0, "", now, configJSON).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateSession(context.Background(), sess))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateSessionRequiresID(t *testing.T) {
	t.Parallel()

	_, store := newMockStore(t)
	err := store.CreateSession(context.Background(), apply.Session{})
	require.Error(t, err)
}

func TestUpdateStatusWritesCountersAndError(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)

	counters := apply.SessionCounters{JobsConsidered: 5, JobsApplied: 2, JobsFailed: 3}
	errText := "failure ceiling reached (3)"

	mock.ExpectExec("UPDATE sessions SET").
		WithArgs("sess-1", "failed",
			&counters.JobsConsidered, &counters.JobsApplied, &counters.JobsFailed, &errText).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := store.UpdateStatus(context.Background(), "sess-1", apply.StatusFailed, apply.StatusFields{
		Counters:  &counters,
		ErrorText: &errText,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatusMissingSession(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)

	var nilInt *int
	var nilStr *string
	mock.ExpectExec("UPDATE sessions SET").
		WithArgs("ghost", "running", nilInt, nilInt, nilInt, nilStr).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.UpdateStatus(context.Background(), "ghost", apply.StatusRunning, apply.StatusFields{})
	require.ErrorIs(t, err, apply.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSessionScansRow(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)

	now := time.Unix(1700000000, 0).UTC()
	started := now.Add(time.Second)
	configJSON := []byte(`{"user_id":"user-1","criteria":{"keywords":["go"]},"profile":{"full_name":"","email":""},"max_applications":10,"score_threshold":0.5,"per_job_delay":0,"max_failures":0,"max_consecutive_timeouts":0,"external_call_timeout":0}`)

	rows := pgxmock.NewRows([]string{
		"id", "user_id", "status",
		"jobs_considered", "jobs_applied", "jobs_failed",
		"error_text", "created_at", "started_at", "completed_at", "config",
	}).AddRow("sess-1", "user-1", "running", 4, 2, 0, "", now, &started, (*time.Time)(nil), configJSON)

	mock.ExpectQuery("SELECT(.+)FROM sessions WHERE id").
		WithArgs("sess-1").
		WillReturnRows(rows)

	sess, err := store.GetSession(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Equal(t, apply.StatusRunning, sess.Status)
	require.Equal(t, 2, sess.Counters.JobsApplied)
	require.Equal(t, 10, sess.Config.MaxApplications)
	require.NotNil(t, sess.StartedAt)
	require.Nil(t, sess.CompletedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSessionNotFound(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)

	mock.ExpectQuery("SELECT(.+)FROM sessions WHERE id").
		WithArgs("ghost").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "user_id", "status",
			"jobs_considered", "jobs_applied", "jobs_failed",
			"error_text", "created_at", "started_at", "completed_at", "config",
		}))

	_, err := store.GetSession(context.Background(), "ghost")
	require.ErrorIs(t, err, apply.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendAndListLog(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)

	now := time.Unix(1700000000, 0).UTC()
	entry := apply.LogEntry{
		SessionID:  "sess-1",
		JobID:      "job-1",
		JobTitle:   "Backend Engineer",
		JobURL:     "https://jobs.example.com/job-1",
		Outcome:    apply.OutcomeApplied,
		ReceiptURI: "mem://sess-1/job-1.html",
		Timestamp:  now,
	}

	mock.ExpectExec("INSERT INTO session_log").
		WithArgs("sess-1", "job-1", "Backend Engineer", "https://jobs.example.com/job-1",
			"applied", "", "mem://sess-1/job-1.html", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.AppendLog(context.Background(), entry))

	mock.ExpectQuery("SELECT(.+)FROM session_log").
		WithArgs("sess-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"session_id", "job_id", "job_title", "job_url", "outcome", "reason", "receipt_uri", "ts",
		}).AddRow("sess-1", "job-1", "Backend Engineer", "https://jobs.example.com/job-1",
			"applied", "", "mem://sess-1/job-1.html", now))

	entries, err := store.ListLog(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, apply.OutcomeApplied, entries[0].Outcome)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListByStatus(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)

	now := time.Unix(1700000000, 0).UTC()
	rows := pgxmock.NewRows([]string{
		"id", "user_id", "status",
		"jobs_considered", "jobs_applied", "jobs_failed",
		"error_text", "created_at", "started_at", "completed_at", "config",
	}).
		AddRow("sess-1", "user-1", "running", 0, 0, 0, "", now, (*time.Time)(nil), (*time.Time)(nil), []byte(`{}`)).
		AddRow("sess-2", "user-2", "paused", 3, 1, 0, "", now, (*time.Time)(nil), (*time.Time)(nil), []byte(`{}`))

	mock.ExpectQuery("SELECT(.+)FROM sessions WHERE status = ANY").
		WithArgs([]string{"running", "paused"}).
		WillReturnRows(rows)

	sessions, err := store.ListByStatus(context.Background(), apply.StatusRunning, apply.StatusPaused)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	require.Equal(t, apply.StatusPaused, sessions[1].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteSessionGuardsActive(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)

	// Guarded delete matches nothing; the fallback status probe says running.
	mock.ExpectExec("DELETE FROM sessions").
		WithArgs("sess-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectQuery("SELECT status FROM sessions").
		WithArgs("sess-1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("running"))

	err := store.DeleteSession(context.Background(), "sess-1")
	require.ErrorIs(t, err, apply.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteSessionTerminal(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)

	mock.ExpectExec("DELETE FROM sessions").
		WithArgs("sess-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	require.NoError(t, store.DeleteSession(context.Background(), "sess-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteSessionMissing(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)

	mock.ExpectExec("DELETE FROM sessions").
		WithArgs("ghost").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectQuery("SELECT status FROM sessions").
		WithArgs("ghost").
		WillReturnRows(pgxmock.NewRows([]string{"status"}))

	err := store.DeleteSession(context.Background(), "ghost")
	require.ErrorIs(t, err, apply.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
