// Package registry holds the process-wide map of live session control
// handles. It is the only shared mutable state between the control plane and
// running workers.
package registry

import (
	"sync"
	"sync/atomic"

	"github.com/mpetrov/autoapply/internal/apply"
)

// Handle is the in-memory control surface for one running worker. It is never
// persisted; a session with no registry entry is, by definition, not running.
type Handle struct {
	sessionID  string
	cancelCh   chan struct{}
	cancelOnce sync.Once
	paused     atomic.Bool
}

// SessionID returns the session this handle controls.
func (h *Handle) SessionID() string {
	return h.sessionID
}

// Cancel sets the one-shot cancellation signal. It is idempotent and returns
// immediately; the worker observes the signal at its next checkpoint.
func (h *Handle) Cancel() {
	h.cancelOnce.Do(func() {
		close(h.cancelCh)
	})
}

// Cancelled reports whether the cancellation signal has been set.
func (h *Handle) Cancelled() bool {
	select {
	case <-h.cancelCh:
		return true
	default:
		return false
	}
}

// Done exposes the cancellation signal as a channel for select loops.
func (h *Handle) Done() <-chan struct{} {
	return h.cancelCh
}

// SetPaused toggles the pause flag observed by the worker at checkpoints.
func (h *Handle) SetPaused(paused bool) {
	h.paused.Store(paused)
}

// Paused reports the pause flag.
func (h *Handle) Paused() bool {
	return h.paused.Load()
}

// Registry maps session ids to live control handles. All operations are safe
// under concurrent calls from request handlers and from workers.
type Registry struct {
	mu      sync.Mutex
	handles map[string]*Handle
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{handles: make(map[string]*Handle)}
}

// Register atomically inserts a new handle iff none exists for id, enforcing
// the single-worker-per-session invariant even under concurrent starts.
func (r *Registry) Register(id string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handles[id]; exists {
		return nil, apply.ErrAlreadyRunning
	}
	h := &Handle{
		sessionID: id,
		cancelCh:  make(chan struct{}),
	}
	r.handles[id] = h
	return h, nil
}

// Lookup returns the live handle for id, if any. It never blocks.
func (r *Registry) Lookup(id string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[id]
	return h, ok
}

// Unregister removes the handle for id. The owning worker calls this exactly
// once on its own termination; control callers never do.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, id)
}

// Len returns the number of live handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}
