package control

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mpetrov/autoapply/internal/apply"
	"github.com/mpetrov/autoapply/internal/registry"
	memstore "github.com/mpetrov/autoapply/internal/store/memory"
	"github.com/mpetrov/autoapply/internal/worker"
)

type seqIDGen struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDGen) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("sess-%d", g.n), nil
}

// stepSource parks the worker inside Next until the test feeds it a job or
// closes the pool. That makes checkpoint timing deterministic: the worker
// only moves when the test lets it.
type stepSource struct {
	jobs chan apply.Job
}

func newStepSource() *stepSource {
	return &stepSource{jobs: make(chan apply.Job, 8)}
}

func (s *stepSource) Next(ctx context.Context, _ apply.SearchCriteria) (apply.Job, error) {
	select {
	case job, ok := <-s.jobs:
		if !ok {
			return apply.Job{}, apply.ErrNoMoreJobs
		}
		return job, nil
	case <-ctx.Done():
		return apply.Job{}, ctx.Err()
	}
}

func (s *stepSource) feed(id string) {
	s.jobs <- apply.Job{ID: id, Title: id, URL: "https://jobs.example.com/" + id}
}

func (s *stepSource) exhaust() { close(s.jobs) }

type constScorer float64

func (s constScorer) Score(context.Context, apply.Job, apply.Profile) (float64, error) {
	return float64(s), nil
}

type noopBrowser struct{}

func (noopBrowser) ApplyTo(context.Context, apply.Job, apply.Profile) (apply.ApplyResult, error) {
	return apply.ApplyResult{Outcome: apply.OutcomeApplied}, nil
}

type planeRig struct {
	plane  *Plane
	store  *memstore.Store
	reg    *registry.Registry
	source *stepSource
}

func newPlaneRig(t *testing.T, cfg Config) *planeRig {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store := memstore.New()
	reg := registry.New()
	source := newStepSource()
	cfg.Worker = worker.Config{PausePollInterval: 10 * time.Millisecond}
	plane := New(ctx, Deps{
		Registry: reg,
		Store:    store,
		Source:   source,
		Scorer:   constScorer(0.9),
		Browser:  noopBrowser{},
		IDGen:    &seqIDGen{},
		Logger:   zap.NewNop(),
	}, cfg)
	return &planeRig{plane: plane, store: store, reg: reg, source: source}
}

func sessionConfig(user string) apply.SessionConfig {
	return apply.SessionConfig{
		UserID:         user,
		Criteria:       apply.SearchCriteria{Keywords: []string{"go", "backend"}},
		ScoreThreshold: 0.5,
	}
}

func (r *planeRig) waitStatus(t *testing.T, id string, want apply.SessionStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		sess, err := r.store.GetSession(context.Background(), id)
		return err == nil && sess.Status == want
	}, 3*time.Second, 10*time.Millisecond, "expected status %s", want)
}

func TestPlane_StartLaunchesWorker(t *testing.T) {
	t.Parallel()

	rig := newPlaneRig(t, Config{})
	id, err := rig.plane.Start(context.Background(), sessionConfig("user-1"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	rig.waitStatus(t, id, apply.StatusRunning)
	_, live := rig.reg.Lookup(id)
	require.True(t, live)

	rig.source.exhaust()
	rig.waitStatus(t, id, apply.StatusCompleted)
	require.Eventually(t, func() bool { return rig.reg.Len() == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestPlane_StartRejectsMissingUser(t *testing.T) {
	t.Parallel()

	rig := newPlaneRig(t, Config{})
	_, err := rig.plane.Start(context.Background(), apply.SessionConfig{})
	require.Error(t, err)
}

func TestPlane_SingleActivePerCriteria(t *testing.T) {
	t.Parallel()

	rig := newPlaneRig(t, Config{SingleActivePerCriteria: true})
	ctx := context.Background()

	id, err := rig.plane.Start(ctx, sessionConfig("user-1"))
	require.NoError(t, err)
	rig.waitStatus(t, id, apply.StatusRunning)

	_, err = rig.plane.Start(ctx, sessionConfig("user-1"))
	require.ErrorIs(t, err, apply.ErrConflict)

	// Different user, same criteria: allowed.
	_, err = rig.plane.Start(ctx, sessionConfig("user-2"))
	require.NoError(t, err)

	// Different criteria, same user: allowed.
	cfg := sessionConfig("user-1")
	cfg.Criteria.Keywords = []string{"sre"}
	_, err = rig.plane.Start(ctx, cfg)
	require.NoError(t, err)
}

func TestPlane_PauseResumeCancelOwnership(t *testing.T) {
	t.Parallel()

	rig := newPlaneRig(t, Config{})
	ctx := context.Background()
	id, err := rig.plane.Start(ctx, sessionConfig("user-1"))
	require.NoError(t, err)
	rig.waitStatus(t, id, apply.StatusRunning)

	require.ErrorIs(t, rig.plane.Pause(ctx, id, "intruder"), apply.ErrUnauthorized)
	require.ErrorIs(t, rig.plane.Cancel(ctx, id, "intruder"), apply.ErrUnauthorized)
	require.ErrorIs(t, rig.plane.Pause(ctx, "missing", "user-1"), apply.ErrNotFound)

	require.NoError(t, rig.plane.Pause(ctx, id, "user-1"))
	// Double pause is rejected even before the worker observes the flag.
	require.ErrorIs(t, rig.plane.Pause(ctx, id, "user-1"), apply.ErrInvalidTransition)

	require.NoError(t, rig.plane.Resume(ctx, id, "user-1"))
	// Resume on a session that is not paused is rejected.
	require.ErrorIs(t, rig.plane.Resume(ctx, id, "user-1"), apply.ErrInvalidTransition)

	require.NoError(t, rig.plane.Cancel(ctx, id, "user-1"))
	// The worker is parked in Next; one job lets it reach the checkpoint.
	rig.source.feed("job-1")
	rig.waitStatus(t, id, apply.StatusCancelled)
}

func TestPlane_PauseIsObservedAtCheckpoint(t *testing.T) {
	t.Parallel()

	rig := newPlaneRig(t, Config{})
	ctx := context.Background()
	id, err := rig.plane.Start(ctx, sessionConfig("user-1"))
	require.NoError(t, err)
	rig.waitStatus(t, id, apply.StatusRunning)

	require.NoError(t, rig.plane.Pause(ctx, id, "user-1"))
	rig.source.feed("job-1")
	rig.waitStatus(t, id, apply.StatusPaused)

	// Pausing an already-paused session is rejected once persisted too.
	require.ErrorIs(t, rig.plane.Pause(ctx, id, "user-1"), apply.ErrInvalidTransition)

	require.NoError(t, rig.plane.Resume(ctx, id, "user-1"))
	rig.waitStatus(t, id, apply.StatusRunning)

	rig.source.exhaust()
	rig.waitStatus(t, id, apply.StatusCompleted)

	sess, err := rig.plane.Get(ctx, id, "user-1")
	require.NoError(t, err)
	require.Equal(t, 1, sess.Counters.JobsApplied)
}

func TestPlane_CancelIsIdempotent(t *testing.T) {
	t.Parallel()

	rig := newPlaneRig(t, Config{})
	ctx := context.Background()
	id, err := rig.plane.Start(ctx, sessionConfig("user-1"))
	require.NoError(t, err)
	rig.waitStatus(t, id, apply.StatusRunning)

	require.NoError(t, rig.plane.Cancel(ctx, id, "user-1"))
	require.NoError(t, rig.plane.Cancel(ctx, id, "user-1"))

	rig.source.feed("job-1")
	rig.waitStatus(t, id, apply.StatusCancelled)

	// Terminal session, handle gone: still succeeds.
	require.Eventually(t, func() bool { return rig.reg.Len() == 0 }, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, rig.plane.Cancel(ctx, id, "user-1"))

	entries, err := rig.plane.Log(ctx, id, "user-1")
	require.NoError(t, err)
	var cancelledEntries int
	for _, e := range entries {
		if e.Outcome == apply.OutcomeCancelled {
			cancelledEntries++
		}
	}
	require.Equal(t, 1, cancelledEntries, "exactly one cancelled log entry")
}

func TestPlane_ControlsFailWithoutLiveWorker(t *testing.T) {
	t.Parallel()

	rig := newPlaneRig(t, Config{})
	ctx := context.Background()

	// Persisted but orphaned: active status, no registry entry.
	require.NoError(t, rig.store.CreateSession(ctx, apply.Session{
		ID:     "orphan",
		UserID: "user-1",
		Status: apply.StatusRunning,
	}))

	require.ErrorIs(t, rig.plane.Pause(ctx, "orphan", "user-1"), apply.ErrNotRunning)
	require.ErrorIs(t, rig.plane.Resume(ctx, "orphan", "user-1"), apply.ErrNotRunning)
	require.ErrorIs(t, rig.plane.Cancel(ctx, "orphan", "user-1"), apply.ErrNotRunning)
}

func TestPlane_DeleteRequiresTerminalStatus(t *testing.T) {
	t.Parallel()

	rig := newPlaneRig(t, Config{})
	ctx := context.Background()
	id, err := rig.plane.Start(ctx, sessionConfig("user-1"))
	require.NoError(t, err)
	rig.waitStatus(t, id, apply.StatusRunning)

	require.ErrorIs(t, rig.plane.Delete(ctx, id, "user-1"), apply.ErrConflict)

	// Paused still counts as active.
	require.NoError(t, rig.plane.Pause(ctx, id, "user-1"))
	rig.source.feed("job-1")
	rig.waitStatus(t, id, apply.StatusPaused)
	require.ErrorIs(t, rig.plane.Delete(ctx, id, "user-1"), apply.ErrConflict)

	require.NoError(t, rig.plane.Cancel(ctx, id, "user-1"))
	rig.waitStatus(t, id, apply.StatusCancelled)
	require.NoError(t, rig.plane.Delete(ctx, id, "user-1"))

	_, err = rig.plane.Get(ctx, id, "user-1")
	require.ErrorIs(t, err, apply.ErrNotFound)
}

func TestPlane_ReconcileOrphans(t *testing.T) {
	t.Parallel()

	rig := newPlaneRig(t, Config{})
	ctx := context.Background()

	for id, status := range map[string]apply.SessionStatus{
		"orphan-running": apply.StatusRunning,
		"orphan-pending": apply.StatusPending,
		"orphan-paused":  apply.StatusPaused,
		"done":           apply.StatusCompleted,
	} {
		require.NoError(t, rig.store.CreateSession(ctx, apply.Session{
			ID:     id,
			UserID: "user-1",
			Status: status,
		}))
	}

	// A live session must survive reconciliation untouched.
	liveID, err := rig.plane.Start(ctx, sessionConfig("user-1"))
	require.NoError(t, err)
	rig.waitStatus(t, liveID, apply.StatusRunning)

	n, err := rig.plane.ReconcileOrphans(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	for _, id := range []string{"orphan-running", "orphan-pending", "orphan-paused"} {
		sess, err := rig.store.GetSession(ctx, id)
		require.NoError(t, err)
		require.Equal(t, apply.StatusFailed, sess.Status)
		require.Contains(t, sess.ErrorText, "orphaned")
	}

	sess, err := rig.store.GetSession(ctx, "done")
	require.NoError(t, err)
	require.Equal(t, apply.StatusCompleted, sess.Status)

	live, err := rig.store.GetSession(ctx, liveID)
	require.NoError(t, err)
	require.Equal(t, apply.StatusRunning, live.Status)
}
