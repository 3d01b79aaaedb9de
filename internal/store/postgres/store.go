// Package postgres provides the Postgres-backed session store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mpetrov/autoapply/internal/apply"
)

// Config controls the Postgres connection pool used for session rows.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store persists sessions and their append-only logs in Postgres.
//
// Expected schema:
//
//	CREATE TABLE sessions (
//		id              TEXT PRIMARY KEY,
//		user_id         TEXT NOT NULL,
//		status          TEXT NOT NULL,
//		jobs_considered INT NOT NULL DEFAULT 0,
//		jobs_applied    INT NOT NULL DEFAULT 0,
//		jobs_failed     INT NOT NULL DEFAULT 0,
//		error_text      TEXT NOT NULL DEFAULT '',
//		created_at      TIMESTAMPTZ NOT NULL,
//		started_at      TIMESTAMPTZ,
//		completed_at    TIMESTAMPTZ,
//		config          JSONB NOT NULL
//	);
//
//	CREATE TABLE session_log (
//		id          BIGSERIAL PRIMARY KEY,
//		session_id  TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
//		job_id      TEXT NOT NULL DEFAULT '',
//		job_title   TEXT NOT NULL DEFAULT '',
//		job_url     TEXT NOT NULL DEFAULT '',
//		outcome     TEXT NOT NULL,
//		reason      TEXT NOT NULL DEFAULT '',
//		receipt_uri TEXT NOT NULL DEFAULT '',
//		ts          TIMESTAMPTZ NOT NULL
//	);
type Store struct {
	pool querier
}

// New connects a pool and returns a Store backed by it.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool constructs a Store from an existing pool (primarily for testing).
func NewWithPool(pool querier) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// CreateSession inserts a new session row. The config snapshot is stored as
// JSONB.
func (s *Store) CreateSession(ctx context.Context, sess apply.Session) error {
	if sess.ID == "" {
		return fmt.Errorf("session id is required")
	}
	configJSON, err := json.Marshal(sess.Config)
	if err != nil {
		return fmt.Errorf("marshal session config: %w", err)
	}
	query := `
INSERT INTO sessions (
	id, user_id, status,
	jobs_considered, jobs_applied, jobs_failed,
	error_text, created_at, config
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err = s.pool.Exec(ctx, query,
		sess.ID,
		sess.UserID,
		string(sess.Status),
		sess.Counters.JobsConsidered,
		sess.Counters.JobsApplied,
		sess.Counters.JobsFailed,
		sess.ErrorText,
		sess.CreatedAt,
		configJSON,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: session %s already exists", apply.ErrConflict, sess.ID)
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

const sessionColumns = `
	id, user_id, status,
	jobs_considered, jobs_applied, jobs_failed,
	error_text, created_at, started_at, completed_at, config`

// GetSession returns one session by id.
func (s *Store) GetSession(ctx context.Context, id string) (apply.Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT`+sessionColumns+` FROM sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return apply.Session{}, apply.ErrNotFound
	}
	if err != nil {
		return apply.Session{}, fmt.Errorf("select session: %w", err)
	}
	return sess, nil
}

// UpdateStatus writes the new status and any provided optional fields in one
// statement. started_at is stamped on the first transition to running and
// completed_at on any terminal transition; both are set at most once.
func (s *Store) UpdateStatus(ctx context.Context, id string, status apply.SessionStatus, fields apply.StatusFields) error {
	var considered, applied, failed *int
	if c := fields.Counters; c != nil {
		considered, applied, failed = &c.JobsConsidered, &c.JobsApplied, &c.JobsFailed
	}
	query := `
UPDATE sessions SET
	status = $2,
	jobs_considered = COALESCE($3, jobs_considered),
	jobs_applied = COALESCE($4, jobs_applied),
	jobs_failed = COALESCE($5, jobs_failed),
	error_text = COALESCE($6, error_text),
	started_at = CASE
		WHEN $2 = 'running' AND started_at IS NULL THEN NOW()
		ELSE started_at
	END,
	completed_at = CASE
		WHEN $2 IN ('completed','cancelled','failed') AND completed_at IS NULL THEN NOW()
		ELSE completed_at
	END
WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, string(status), considered, applied, failed, fields.ErrorText)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apply.ErrNotFound
	}
	return nil
}

// AppendLog inserts one log entry. Entries are never updated or reordered.
func (s *Store) AppendLog(ctx context.Context, entry apply.LogEntry) error {
	query := `
INSERT INTO session_log (
	session_id, job_id, job_title, job_url, outcome, reason, receipt_uri, ts
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err := s.pool.Exec(ctx, query,
		entry.SessionID,
		entry.JobID,
		entry.JobTitle,
		entry.JobURL,
		string(entry.Outcome),
		entry.Reason,
		entry.ReceiptURI,
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert log entry: %w", err)
	}
	return nil
}

// ListLog returns the session's log in append order.
func (s *Store) ListLog(ctx context.Context, sessionID string) ([]apply.LogEntry, error) {
	query := `
SELECT session_id, job_id, job_title, job_url, outcome, reason, receipt_uri, ts
FROM session_log
WHERE session_id = $1
ORDER BY id`
	rows, err := s.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("select session log: %w", err)
	}
	defer rows.Close()

	var entries []apply.LogEntry
	for rows.Next() {
		var e apply.LogEntry
		var outcome string
		err := rows.Scan(&e.SessionID, &e.JobID, &e.JobTitle, &e.JobURL, &outcome, &e.Reason, &e.ReceiptURI, &e.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		e.Outcome = apply.Outcome(outcome)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session log: %w", err)
	}
	return entries, nil
}

// ListByStatus returns all sessions in any of the given states.
func (s *Store) ListByStatus(ctx context.Context, statuses ...apply.SessionStatus) ([]apply.Session, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	want := make([]string, len(statuses))
	for i, st := range statuses {
		want[i] = string(st)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT`+sessionColumns+` FROM sessions WHERE status = ANY($1) ORDER BY created_at`, want)
	if err != nil {
		return nil, fmt.Errorf("select sessions by status: %w", err)
	}
	defer rows.Close()

	var sessions []apply.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// DeleteSession removes a terminal session and, via the foreign key cascade,
// its log. Active sessions are refused so state is never deleted out from
// under a live worker.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM sessions WHERE id = $1 AND status NOT IN ('pending','running','paused')`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	// Nothing deleted: distinguish a live session from a missing one.
	var status string
	err = s.pool.QueryRow(ctx, `SELECT status FROM sessions WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return apply.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check session status: %w", err)
	}
	return fmt.Errorf("%w: session %s is %s", apply.ErrConflict, id, status)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (apply.Session, error) {
	var sess apply.Session
	var status string
	var configJSON []byte
	err := row.Scan(
		&sess.ID,
		&sess.UserID,
		&status,
		&sess.Counters.JobsConsidered,
		&sess.Counters.JobsApplied,
		&sess.Counters.JobsFailed,
		&sess.ErrorText,
		&sess.CreatedAt,
		&sess.StartedAt,
		&sess.CompletedAt,
		&configJSON,
	)
	if err != nil {
		return apply.Session{}, err
	}
	sess.Status = apply.SessionStatus(status)
	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &sess.Config); err != nil {
			return apply.Session{}, fmt.Errorf("unmarshal session config: %w", err)
		}
	}
	return sess, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
