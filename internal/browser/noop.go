package browser

import (
	"context"
	"fmt"

	"github.com/mpetrov/autoapply/internal/apply"
)

// Noop implements apply.BrowserSession but always returns an error to
// indicate that browser automation is not available in the current build.
type Noop struct{}

// NewNoop creates a new Noop session.
func NewNoop() *Noop {
	return &Noop{}
}

// ApplyTo returns an error since this is a stub implementation. The error
// wraps ErrFatal so a misconfigured deployment fails fast instead of burning
// through the candidate pool.
func (Noop) ApplyTo(_ context.Context, _ apply.Job, _ apply.Profile) (apply.ApplyResult, error) {
	return apply.ApplyResult{}, fmt.Errorf("%w: browser automation not configured", apply.ErrFatal)
}
