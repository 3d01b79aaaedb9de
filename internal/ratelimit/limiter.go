// Package ratelimit implements per-user token bucket admission control for
// expensive actions (browser submissions, scorer calls).
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Action classifies the operation being admitted. Each (user, action) pair
// gets its own bucket.
type Action string

// Action classes consulted by the worker.
const (
	ActionApply Action = "apply"
	ActionScore Action = "score"
)

// BucketConfig sets refill rate and burst for one action class.
type BucketConfig struct {
	RPS   float64
	Burst int
}

// Config holds rate limiter configuration.
type Config struct {
	Default   BucketConfig
	PerAction map[Action]BucketConfig
}

// Decision is the outcome of a Check call. Denial is a normal, expected
// outcome the worker backs off on, never an error surfaced to the user.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

type bucketKey struct {
	userID string
	action Action
}

// Limiter manages per-(user, action) token buckets. Buckets are ephemeral and
// process-local; resetting on restart fails open, which is acceptable.
type Limiter struct {
	mu      sync.Mutex
	buckets map[bucketKey]*rate.Limiter
	cfg     Config
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	if cfg.Default.RPS <= 0 {
		cfg.Default.RPS = float64(rate.Inf)
	}
	if cfg.Default.Burst <= 0 {
		cfg.Default.Burst = 1
	}
	return &Limiter{
		buckets: make(map[bucketKey]*rate.Limiter),
		cfg:     cfg,
	}
}

// Check consumes a token for (userID, action) if one is available. When the
// bucket is empty it returns a denial carrying the delay until the next token,
// without consuming anything.
func (l *Limiter) Check(userID string, action Action) Decision {
	lim := l.bucket(userID, action)

	res := lim.Reserve()
	if !res.OK() {
		// Burst of zero can never satisfy a reservation; treat as a
		// fixed denial window.
		return Decision{Allowed: false, RetryAfter: time.Second}
	}
	delay := res.Delay()
	if delay == 0 {
		return Decision{Allowed: true}
	}
	res.Cancel()
	return Decision{Allowed: false, RetryAfter: delay}
}

func (l *Limiter) bucket(userID string, action Action) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := bucketKey{userID: userID, action: action}
	lim, ok := l.buckets[key]
	if !ok {
		bc := l.cfg.Default
		if override, found := l.cfg.PerAction[action]; found {
			bc = override
		}
		r := rate.Limit(bc.RPS)
		if bc.RPS <= 0 {
			r = rate.Inf
		}
		burst := bc.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(r, burst)
		l.buckets[key] = lim
	}
	return lim
}
