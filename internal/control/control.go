// Package control exposes the session control plane: start, pause, resume,
// cancel, delete, plus startup orphan reconciliation. It translates caller
// requests into registry and worker actions and persisted-status transitions.
package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mpetrov/autoapply/internal/apply"
	"github.com/mpetrov/autoapply/internal/events"
	"github.com/mpetrov/autoapply/internal/ratelimit"
	"github.com/mpetrov/autoapply/internal/registry"
	"github.com/mpetrov/autoapply/internal/worker"
)

// Config controls plane-level policy.
type Config struct {
	// SingleActivePerCriteria rejects a start when the same user already has
	// an active session for the same criteria key.
	SingleActivePerCriteria bool
	// Worker is passed through to every launched worker.
	Worker worker.Config
}

// Deps bundles the collaborators shared by all sessions.
type Deps struct {
	Registry *registry.Registry
	Store    apply.SessionStore
	Source   apply.JobSource
	Scorer   apply.MatchScorer
	Browser  apply.BrowserSession
	Limiter  *ratelimit.Limiter
	Receipts apply.ReceiptStore
	Emitter  events.Emitter
	Clock    apply.Clock
	IDGen    apply.IDGenerator
	Logger   *zap.Logger
}

// Plane is the transport-agnostic control surface. Control operations run in
// the caller's context; workers run on the base context supplied at
// construction so they outlive the request that started them.
type Plane struct {
	deps    Deps
	cfg     Config
	baseCtx context.Context
	logger  *zap.Logger
}

// New constructs a Plane. baseCtx scopes the lifetime of every worker it
// launches; cancelling it shuts all sessions down.
func New(baseCtx context.Context, deps Deps, cfg Config) *Plane {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Plane{
		deps:    deps,
		cfg:     cfg,
		baseCtx: baseCtx,
		logger:  logger,
	}
}

// Start persists a new pending session, registers a control handle, and
// launches the worker. Returns the new session id.
func (p *Plane) Start(ctx context.Context, cfg apply.SessionConfig) (string, error) {
	if cfg.UserID == "" {
		return "", fmt.Errorf("%w: user id is required", apply.ErrInvalidTransition)
	}
	if p.cfg.SingleActivePerCriteria {
		if err := p.checkNoActiveDuplicate(ctx, cfg); err != nil {
			return "", err
		}
	}

	id, err := p.deps.IDGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	sess := apply.Session{
		ID:        id,
		UserID:    cfg.UserID,
		Status:    apply.StatusPending,
		CreatedAt: p.now(),
		Config:    cfg,
	}
	if err := p.deps.Store.CreateSession(ctx, sess); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}

	handle, err := p.deps.Registry.Register(id)
	if err != nil {
		return "", err
	}

	w := worker.New(sess, handle, worker.Deps{
		Registry: p.deps.Registry,
		Store:    p.deps.Store,
		Source:   p.deps.Source,
		Scorer:   p.deps.Scorer,
		Browser:  p.deps.Browser,
		Limiter:  p.deps.Limiter,
		Receipts: p.deps.Receipts,
		Emitter:  p.deps.Emitter,
		Clock:    p.deps.Clock,
		Logger:   p.logger,
	}, p.cfg.Worker)
	go w.Run(p.baseCtx)

	p.logger.Info("session launched",
		zap.String("session_id", id),
		zap.String("user_id", cfg.UserID),
	)
	return id, nil
}

// Pause requests that the session stop applying at its next checkpoint. The
// worker persists the paused status when it observes the flag.
func (p *Plane) Pause(ctx context.Context, sessionID, requester string) error {
	sess, handle, err := p.authorizedHandle(ctx, sessionID, requester)
	if err != nil {
		return err
	}
	// A pause may arrive before the worker has persisted its first
	// transition, so a pending session is pausable too; the flag is
	// observed at the first checkpoint.
	if sess.Status.Terminal() || handle.Paused() {
		return fmt.Errorf("%w: %s -> %s", apply.ErrInvalidTransition, sess.Status, apply.StatusPaused)
	}
	handle.SetPaused(true)
	return nil
}

// Resume clears the pause flag; the worker persists running at its next poll.
func (p *Plane) Resume(ctx context.Context, sessionID, requester string) error {
	sess, handle, err := p.authorizedHandle(ctx, sessionID, requester)
	if err != nil {
		return err
	}
	if sess.Status != apply.StatusPaused && !handle.Paused() {
		return fmt.Errorf("%w: %s -> %s", apply.ErrInvalidTransition, sess.Status, apply.StatusRunning)
	}
	handle.SetPaused(false)
	return nil
}

// Cancel sets the one-shot cancellation signal and returns immediately;
// callers needing confirmation poll the persisted status. Cancelling a
// session that is already cancelling or already terminal succeeds.
func (p *Plane) Cancel(ctx context.Context, sessionID, requester string) error {
	sess, err := p.authorizedSession(ctx, sessionID, requester)
	if err != nil {
		return err
	}
	handle, ok := p.deps.Registry.Lookup(sessionID)
	if ok {
		handle.Cancel()
		return nil
	}
	if sess.Status.Terminal() {
		return nil
	}
	return fmt.Errorf("%w: session %s has no live worker", apply.ErrNotRunning, sessionID)
}

// Delete removes the persisted record. Active sessions (pending, running, or
// paused) must be cancelled first; the guard lives here as well as in the
// store so state is never deleted out from under a live worker.
func (p *Plane) Delete(ctx context.Context, sessionID, requester string) error {
	sess, err := p.authorizedSession(ctx, sessionID, requester)
	if err != nil {
		return err
	}
	if sess.Status.Active() {
		return fmt.Errorf("%w: cancel session before deleting (status %s)", apply.ErrConflict, sess.Status)
	}
	if err := p.deps.Store.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Get returns the persisted session for its owner. Failed sessions are
// returned like any other; the status and log are the audit trail, not an
// error.
func (p *Plane) Get(ctx context.Context, sessionID, requester string) (apply.Session, error) {
	return p.authorizedSession(ctx, sessionID, requester)
}

// Log returns the session's append-only log for its owner.
func (p *Plane) Log(ctx context.Context, sessionID, requester string) ([]apply.LogEntry, error) {
	if _, err := p.authorizedSession(ctx, sessionID, requester); err != nil {
		return nil, err
	}
	entries, err := p.deps.Store.ListLog(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list session log: %w", err)
	}
	return entries, nil
}

// ReconcileOrphans marks sessions persisted as active with no live registry
// entry as failed. Called once at process start, before any session can be
// launched; a crashed run is never silently resumed.
func (p *Plane) ReconcileOrphans(ctx context.Context) (int, error) {
	stale, err := p.deps.Store.ListByStatus(ctx,
		apply.StatusPending, apply.StatusRunning, apply.StatusPaused)
	if err != nil {
		return 0, fmt.Errorf("list active sessions: %w", err)
	}
	var reconciled int
	for _, sess := range stale {
		if _, live := p.deps.Registry.Lookup(sess.ID); live {
			continue
		}
		errText := "orphaned: interrupted by process restart"
		err := p.deps.Store.UpdateStatus(ctx, sess.ID, apply.StatusFailed, apply.StatusFields{
			ErrorText: &errText,
		})
		if err != nil {
			return reconciled, fmt.Errorf("reconcile session %s: %w", sess.ID, err)
		}
		p.logger.Warn("orphaned session marked failed",
			zap.String("session_id", sess.ID),
			zap.String("previous_status", string(sess.Status)),
		)
		reconciled++
	}
	return reconciled, nil
}

func (p *Plane) checkNoActiveDuplicate(ctx context.Context, cfg apply.SessionConfig) error {
	active, err := p.deps.Store.ListByStatus(ctx,
		apply.StatusPending, apply.StatusRunning, apply.StatusPaused)
	if err != nil {
		return fmt.Errorf("list active sessions: %w", err)
	}
	key := cfg.Criteria.Key()
	for _, sess := range active {
		if sess.UserID != cfg.UserID || sess.Config.Criteria.Key() != key {
			continue
		}
		if _, live := p.deps.Registry.Lookup(sess.ID); live {
			return fmt.Errorf("%w: active session %s exists for these criteria", apply.ErrConflict, sess.ID)
		}
	}
	return nil
}

func (p *Plane) authorizedSession(ctx context.Context, sessionID, requester string) (apply.Session, error) {
	sess, err := p.deps.Store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, apply.ErrNotFound) {
			return apply.Session{}, apply.ErrNotFound
		}
		return apply.Session{}, fmt.Errorf("get session: %w", err)
	}
	if requester != "" && sess.UserID != requester {
		return apply.Session{}, apply.ErrUnauthorized
	}
	return sess, nil
}

func (p *Plane) authorizedHandle(ctx context.Context, sessionID, requester string) (apply.Session, *registry.Handle, error) {
	sess, err := p.authorizedSession(ctx, sessionID, requester)
	if err != nil {
		return apply.Session{}, nil, err
	}
	handle, ok := p.deps.Registry.Lookup(sessionID)
	if !ok {
		return apply.Session{}, nil, fmt.Errorf("%w: session %s has no live worker", apply.ErrNotRunning, sessionID)
	}
	return sess, handle, nil
}

func (p *Plane) now() time.Time {
	if p.deps.Clock != nil {
		return p.deps.Clock.Now()
	}
	return time.Now().UTC()
}
