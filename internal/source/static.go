package source

import (
	"context"
	"strings"
	"sync"

	"github.com/mpetrov/autoapply/internal/apply"
)

// Static serves jobs from a fixed in-memory list, filtered by criteria. It
// backs development runs and tests where no real board is reachable.
type Static struct {
	mu      sync.Mutex
	jobs    []apply.Job
	cursors map[string]int
}

// NewStatic builds a Static source over the given jobs.
func NewStatic(jobs []apply.Job) *Static {
	return &Static{
		jobs:    append([]apply.Job(nil), jobs...),
		cursors: make(map[string]int),
	}
}

// Next returns the next job matching the criteria. Each criteria key keeps
// its own cursor, so sessions with distinct criteria see independent pools.
func (s *Static) Next(_ context.Context, criteria apply.SearchCriteria) (apply.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := criteria.Key()
	for i := s.cursors[key]; i < len(s.jobs); i++ {
		if !matches(s.jobs[i], criteria) {
			continue
		}
		s.cursors[key] = i + 1
		return s.jobs[i], nil
	}
	s.cursors[key] = len(s.jobs)
	return apply.Job{}, apply.ErrNoMoreJobs
}

// matches applies keyword filtering against title and description. Location
// and remote-only cannot be inferred from the static fixture shape, so only
// keywords narrow the pool; an empty keyword list matches everything.
func matches(job apply.Job, criteria apply.SearchCriteria) bool {
	if len(criteria.Keywords) == 0 {
		return true
	}
	haystack := strings.ToLower(job.Title + " " + job.Description)
	for _, kw := range criteria.Keywords {
		if strings.Contains(haystack, strings.ToLower(strings.TrimSpace(kw))) {
			return true
		}
	}
	return false
}
