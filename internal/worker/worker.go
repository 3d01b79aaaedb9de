// Package worker implements the per-session auto-apply execution loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mpetrov/autoapply/internal/apply"
	"github.com/mpetrov/autoapply/internal/events"
	"github.com/mpetrov/autoapply/internal/logging"
	"github.com/mpetrov/autoapply/internal/ratelimit"
	"github.com/mpetrov/autoapply/internal/registry"
)

// Config controls Worker behavior not captured in the session snapshot.
type Config struct {
	// PausePollInterval is how often a paused worker re-checks its flag.
	PausePollInterval time.Duration
	// BackoffCap bounds how long the worker sleeps on one rate-limit denial
	// before re-checking control signals.
	BackoffCap time.Duration
	// ReceiptPrefix prefixes receipt paths in the receipt store.
	ReceiptPrefix string
}

const (
	defaultPausePoll       = 250 * time.Millisecond
	defaultBackoffCap      = 5 * time.Second
	defaultExternalTimeout = 30 * time.Second
	finalWriteTimeout      = 5 * time.Second
)

// Worker drives one session: fetch candidate jobs, score, gate, apply, log,
// repeat, observing control signals at checkpoints between steps. Exactly one
// Worker exists per session, enforced by the registry.
type Worker struct {
	sess     apply.Session
	handle   *registry.Handle
	reg      *registry.Registry
	store    apply.SessionStore
	source   apply.JobSource
	scorer   apply.MatchScorer
	browser  apply.BrowserSession
	limiter  *ratelimit.Limiter
	receipts apply.ReceiptStore
	emitter  events.Emitter
	clock    apply.Clock
	cfg      Config
	logger   *zap.Logger

	consecutiveTimeouts int
}

// Deps bundles the collaborators a Worker needs.
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
	Logger   *zap.Logger
}

// New constructs a Worker for the given session and its control handle.
func New(sess apply.Session, handle *registry.Handle, deps Deps, cfg Config) *Worker {
	if cfg.PausePollInterval <= 0 {
		cfg.PausePollInterval = defaultPausePoll
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = defaultBackoffCap
	}
	return &Worker{
		sess:     sess,
		handle:   handle,
		reg:      deps.Registry,
		store:    deps.Store,
		source:   deps.Source,
		scorer:   deps.Scorer,
		browser:  deps.Browser,
		limiter:  deps.Limiter,
		receipts: deps.Receipts,
		emitter:  deps.Emitter,
		clock:    deps.Clock,
		cfg:      cfg,
		logger:   logging.Session(deps.Logger, sess.ID, sess.UserID),
	}
}

// Run executes the session to a terminal state and unregisters the handle.
// It blocks and is meant to be launched on its own goroutine.
func (w *Worker) Run(ctx context.Context) {
	defer w.reg.Unregister(w.sess.ID)

	if err := w.transition(ctx, apply.StatusRunning, nil); err != nil {
		// Never entered the loop; the record stays pending and orphan
		// reconciliation picks it up.
		w.logger.Error("session start transition failed", zap.Error(err))
		return
	}
	w.emit(events.KindSessionStarted, "", 0, "")
	w.logger.Info("session started")

	for {
		if w.observeControls(ctx) {
			return
		}
		if w.quotaReached() {
			w.finalize(apply.StatusCompleted, "application quota reached")
			return
		}

		job, err := w.source.Next(ctx, w.sess.Config.Criteria)
		if errors.Is(err, apply.ErrNoMoreJobs) {
			w.finalize(apply.StatusCompleted, "candidate pool exhausted")
			return
		}
		if err != nil {
			if w.recordFailure(ctx, apply.Job{}, fmt.Sprintf("fetch candidate: %v", err), isTimeout(err)) {
				return
			}
			continue
		}

		w.sess.Counters.JobsConsidered++
		if w.processJob(ctx, job) {
			return
		}
		if w.sess.Config.PerJobDelay > 0 {
			if w.waitObservingControls(ctx, w.sess.Config.PerJobDelay) {
				return
			}
		}
	}
}

// observeControls is the checkpoint: cancellation first, then pause. It
// returns true when the worker finalized and must stop.
func (w *Worker) observeControls(ctx context.Context) bool {
	if ctx.Err() != nil {
		w.interrupted()
		return true
	}
	if w.handle.Cancelled() {
		w.cancelled(ctx)
		return true
	}
	if w.handle.Paused() {
		return w.pauseLoop(ctx)
	}
	return false
}

// pauseLoop persists paused once, then blocks without consuming quota until
// resumed or cancelled. Returns true when the worker must stop.
func (w *Worker) pauseLoop(ctx context.Context) bool {
	if err := w.transition(ctx, apply.StatusPaused, w.counterFields()); err != nil {
		w.logger.Error("pause transition failed", zap.Error(err))
	}
	w.emit(events.KindSessionPaused, "", 0, "")
	w.logger.Info("session paused")

	ticker := time.NewTicker(w.cfg.PausePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.interrupted()
			return true
		case <-w.handle.Done():
			w.cancelled(ctx)
			return true
		case <-ticker.C:
			if w.handle.Paused() {
				continue
			}
			if err := w.transition(ctx, apply.StatusRunning, w.counterFields()); err != nil {
				w.logger.Error("resume transition failed", zap.Error(err))
			}
			w.emit(events.KindSessionResumed, "", 0, "")
			w.logger.Info("session resumed")
			return false
		}
	}
}

func (w *Worker) processJob(ctx context.Context, job apply.Job) bool {
	jobLog := w.logger.With(zap.String("job_id", job.ID), zap.String("job_url", job.URL))

	if w.gate(ctx, ratelimit.ActionScore) {
		return true
	}
	score, err := w.score(ctx, job)
	if err != nil {
		jobLog.Warn("scorer call failed", zap.Error(err))
		return w.recordFailure(ctx, job, fmt.Sprintf("score: %v", err), isTimeout(err))
	}
	if score < w.sess.Config.ScoreThreshold {
		reason := fmt.Sprintf("score %.2f below threshold %.2f", score, w.sess.Config.ScoreThreshold)
		w.appendLog(ctx, job, apply.OutcomeSkipped, reason, "")
		w.emit(events.KindJobSkipped, job.ID, 0, reason)
		jobLog.Debug("job skipped", zap.Float64("score", score))
		return false
	}

	if w.gate(ctx, ratelimit.ActionApply) {
		return true
	}
	start := w.now()
	result, err := w.applyTo(ctx, job)
	dur := w.now().Sub(start)
	switch {
	case err != nil && errors.Is(err, apply.ErrFatal):
		w.sess.Counters.JobsFailed++
		w.appendLog(ctx, job, apply.OutcomeFailed, err.Error(), "")
		w.emit(events.KindJobFailed, job.ID, dur, err.Error())
		w.finalize(apply.StatusFailed, fmt.Sprintf("unrecoverable: %v", err))
		return true
	case err != nil:
		jobLog.Warn("application attempt failed", zap.Error(err))
		w.emit(events.KindJobFailed, job.ID, dur, err.Error())
		return w.recordFailure(ctx, job, fmt.Sprintf("apply: %v", err), isTimeout(err))
	}

	switch result.Outcome {
	case apply.OutcomeApplied:
		w.consecutiveTimeouts = 0
		uri := w.storeReceipt(ctx, job, result)
		w.sess.Counters.JobsApplied++
		w.appendLog(ctx, job, apply.OutcomeApplied, result.Reason, uri)
		w.persistCounters(ctx)
		w.emit(events.KindJobApplied, job.ID, dur, "")
		jobLog.Info("application submitted", zap.Duration("dur", dur))
		return false
	case apply.OutcomeSkipped:
		w.appendLog(ctx, job, apply.OutcomeSkipped, result.Reason, "")
		w.emit(events.KindJobSkipped, job.ID, 0, result.Reason)
		return false
	default:
		if !result.Recoverable {
			w.sess.Counters.JobsFailed++
			w.appendLog(ctx, job, apply.OutcomeFailed, result.Reason, "")
			w.emit(events.KindJobFailed, job.ID, dur, result.Reason)
			w.finalize(apply.StatusFailed, fmt.Sprintf("unrecoverable: %s", result.Reason))
			return true
		}
		w.emit(events.KindJobFailed, job.ID, dur, result.Reason)
		return w.recordFailure(ctx, job, result.Reason, false)
	}
}

// gate blocks until the limiter admits (user, action). Denial backs off with
// a bounded wait and re-checks controls; it never terminates the session on
// its own. Returns true when a control signal finalized the session.
func (w *Worker) gate(ctx context.Context, action ratelimit.Action) bool {
	if w.limiter == nil {
		return false
	}
	for {
		decision := w.limiter.Check(w.sess.UserID, action)
		if decision.Allowed {
			return false
		}
		wait := decision.RetryAfter
		if wait > w.cfg.BackoffCap {
			wait = w.cfg.BackoffCap
		}
		if wait <= 0 {
			wait = 50 * time.Millisecond
		}
		w.logger.Debug("rate limited, backing off",
			zap.String("action", string(action)),
			zap.Duration("wait", wait),
		)
		if w.waitObservingControls(ctx, wait) {
			return true
		}
	}
}

// waitObservingControls sleeps for d but wakes early for cancellation or
// shutdown, and services a pause once the sleep finishes. Returns true when
// the worker finalized and must stop.
func (w *Worker) waitObservingControls(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		w.interrupted()
		return true
	case <-w.handle.Done():
		w.cancelled(ctx)
		return true
	case <-timer.C:
	}
	if w.handle.Paused() {
		return w.pauseLoop(ctx)
	}
	return false
}

func (w *Worker) score(ctx context.Context, job apply.Job) (float64, error) {
	callCtx, cancel := context.WithTimeout(ctx, w.externalTimeout())
	defer cancel()
	score, err := w.scorer.Score(callCtx, job, w.sess.Config.Profile)
	if err != nil {
		return 0, fmt.Errorf("score job: %w", err)
	}
	return score, nil
}

func (w *Worker) applyTo(ctx context.Context, job apply.Job) (apply.ApplyResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, w.externalTimeout())
	defer cancel()
	result, err := w.browser.ApplyTo(callCtx, job, w.sess.Config.Profile)
	if err != nil {
		return apply.ApplyResult{}, fmt.Errorf("browser apply: %w", err)
	}
	return result, nil
}

func (w *Worker) storeReceipt(ctx context.Context, job apply.Job, result apply.ApplyResult) string {
	if w.receipts == nil || len(result.Receipt) == 0 {
		return ""
	}
	contentType := result.ContentType
	if contentType == "" {
		contentType = "text/html; charset=utf-8"
	}
	path := fmt.Sprintf("%s/%s.html", w.sess.ID, job.ID)
	if w.cfg.ReceiptPrefix != "" {
		path = fmt.Sprintf("%s/%s", w.cfg.ReceiptPrefix, path)
	}
	uri, err := w.receipts.Put(ctx, path, contentType, result.Receipt)
	if err != nil {
		w.logger.Warn("store receipt failed", zap.String("job_id", job.ID), zap.Error(err))
		return ""
	}
	return uri
}

// recordFailure absorbs one recoverable failure: log entry, counters, ceiling
// checks. Returns true when a ceiling converted the session to failed.
func (w *Worker) recordFailure(ctx context.Context, job apply.Job, reason string, timeout bool) bool {
	w.sess.Counters.JobsFailed++
	if timeout {
		w.consecutiveTimeouts++
	} else {
		w.consecutiveTimeouts = 0
	}
	w.appendLog(ctx, job, apply.OutcomeFailed, reason, "")
	w.persistCounters(ctx)

	if max := w.sess.Config.MaxFailures; max > 0 && w.sess.Counters.JobsFailed >= max {
		w.finalize(apply.StatusFailed, fmt.Sprintf("failure ceiling reached (%d)", max))
		return true
	}
	if max := w.sess.Config.MaxConsecutiveTimeouts; max > 0 && w.consecutiveTimeouts >= max {
		w.finalize(apply.StatusFailed, fmt.Sprintf("consecutive timeout ceiling reached (%d)", max))
		return true
	}
	return false
}

func (w *Worker) cancelled(ctx context.Context) {
	logCtx, cancel := w.finalCtx(ctx)
	defer cancel()
	w.appendLog(logCtx, apply.Job{}, apply.OutcomeCancelled, "cancelled by user", "")
	w.finalize(apply.StatusCancelled, "cancelled by user")
}

func (w *Worker) interrupted() {
	w.finalize(apply.StatusFailed, "interrupted by shutdown")
}

// finalize persists the terminal transition synchronously, using a fresh
// short-lived context so the write survives process shutdown.
func (w *Worker) finalize(status apply.SessionStatus, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), finalWriteTimeout)
	defer cancel()

	fields := w.counterFields()
	if status == apply.StatusFailed {
		fields.ErrorText = &reason
	}
	if err := w.transition(ctx, status, fields); err != nil {
		w.logger.Error("terminal transition failed",
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
	if kind, ok := events.SessionKind(string(status)); ok {
		w.emit(kind, "", 0, reason)
	}
	w.logger.Info("session finished",
		zap.String("status", string(status)),
		zap.String("reason", reason),
		zap.Int("jobs_considered", w.sess.Counters.JobsConsidered),
		zap.Int("jobs_applied", w.sess.Counters.JobsApplied),
		zap.Int("jobs_failed", w.sess.Counters.JobsFailed),
	)
}

// transition validates the move against the state machine, persists it, and
// updates the cached copy. Persisting is synchronous with the decision.
func (w *Worker) transition(ctx context.Context, to apply.SessionStatus, fields *apply.StatusFields) error {
	if err := apply.ValidateTransition(w.sess.Status, to); err != nil {
		return err
	}
	f := apply.StatusFields{}
	if fields != nil {
		f = *fields
	}
	if err := w.store.UpdateStatus(ctx, w.sess.ID, to, f); err != nil {
		return fmt.Errorf("persist status %s: %w", to, err)
	}
	w.sess.Status = to
	return nil
}

func (w *Worker) persistCounters(ctx context.Context) {
	fields := w.counterFields()
	if err := w.store.UpdateStatus(ctx, w.sess.ID, w.sess.Status, *fields); err != nil {
		w.logger.Error("persist counters failed", zap.Error(err))
	}
}

func (w *Worker) appendLog(ctx context.Context, job apply.Job, outcome apply.Outcome, reason, receiptURI string) {
	entry := apply.LogEntry{
		SessionID:  w.sess.ID,
		JobID:      job.ID,
		JobTitle:   job.Title,
		JobURL:     job.URL,
		Outcome:    outcome,
		Reason:     reason,
		ReceiptURI: receiptURI,
		Timestamp:  w.now(),
	}
	if err := w.store.AppendLog(ctx, entry); err != nil {
		w.logger.Error("append log entry failed",
			zap.String("outcome", string(outcome)),
			zap.Error(err),
		)
	}
}

func (w *Worker) emit(kind events.Kind, jobID string, dur time.Duration, note string) {
	if w.emitter == nil {
		return
	}
	w.emitter.Emit(events.Event{
		SessionID: w.sess.ID,
		UserID:    w.sess.UserID,
		Kind:      kind,
		TS:        w.now(),
		JobID:     jobID,
		Dur:       dur,
		Note:      note,
	})
}

func (w *Worker) counterFields() *apply.StatusFields {
	counters := w.sess.Counters
	return &apply.StatusFields{Counters: &counters}
}

func (w *Worker) quotaReached() bool {
	max := w.sess.Config.MaxApplications
	return max > 0 && w.sess.Counters.JobsApplied >= max
}

func (w *Worker) externalTimeout() time.Duration {
	if t := w.sess.Config.ExternalCallTimeout; t > 0 {
		return t
	}
	return defaultExternalTimeout
}

func (w *Worker) now() time.Time {
	if w.clock != nil {
		return w.clock.Now()
	}
	return time.Now().UTC()
}

// finalCtx returns ctx while it is still usable, otherwise a fresh deadline
// context so the terminal log write is not lost during shutdown.
func (w *Worker) finalCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() == nil {
		return ctx, func() {}
	}
	return context.WithTimeout(context.Background(), finalWriteTimeout)
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
