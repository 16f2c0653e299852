// Package ratelimit enforces per-identity request ceilings for session
// creation and chunk uploads.
package ratelimit

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/btransfer/btransfer/internal/clock"
)

// ErrRateLimited is returned when an identity exceeds its ceiling.
var ErrRateLimited = errors.New("ratelimit: too many requests")

// Category selects which ceiling applies to a request.
type Category string

// Rate-limited request categories.
const (
	CategorySession Category = "session"
	CategoryChunk   Category = "chunk"
)

// Config holds the per-window ceilings for each category.
type Config struct {
	SessionsPerWindow int
	ChunksPerWindow   int
	Window            time.Duration
}

type identityLimiters struct {
	session  *rate.Limiter
	chunk    *rate.Limiter
	lastSeen time.Time
}

// Limiter tracks one token bucket pair per identity. Buckets hold a full
// window's ceiling, so a burst up to the ceiling is admitted and refills
// spread evenly across the window. Idle identities are evicted.
type Limiter struct {
	mu      sync.Mutex
	byIdent map[string]*identityLimiters
	cfg     Config
	clock   clock.Clock
	idleTTL time.Duration
}

// New constructs a limiter. A zero window defaults to one minute.
func New(cfg Config, clk clock.Clock) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	return &Limiter{
		byIdent: make(map[string]*identityLimiters),
		cfg:     cfg,
		clock:   clk,
		idleTTL: 10 * cfg.Window,
	}
}

// Allow reports whether identity may perform one request in category.
// Denial returns ErrRateLimited.
func (l *Limiter) Allow(identity string, category Category) error {
	l.mu.Lock()
	ent, ok := l.byIdent[identity]
	if !ok {
		ent = &identityLimiters{
			session: newBucket(l.cfg.SessionsPerWindow, l.cfg.Window),
			chunk:   newBucket(l.cfg.ChunksPerWindow, l.cfg.Window),
		}
		l.byIdent[identity] = ent
	}
	ent.lastSeen = l.clock.Now()
	var lim *rate.Limiter
	switch category {
	case CategorySession:
		lim = ent.session
	default:
		lim = ent.chunk
	}
	l.mu.Unlock()

	// rate.Limiter consults the wall clock directly, which matches the
	// window semantics; the injected clock only drives idle eviction.
	if !lim.Allow() {
		return ErrRateLimited
	}
	return nil
}

// Evict drops identities idle longer than the eviction TTL and returns
// how many were removed.
func (l *Limiter) Evict() int {
	cutoff := l.clock.Now().Add(-l.idleTTL)
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int
	for identity, ent := range l.byIdent {
		if ent.lastSeen.Before(cutoff) {
			delete(l.byIdent, identity)
			n++
		}
	}
	return n
}

// Tracked returns the number of identities currently tracked.
func (l *Limiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byIdent)
}

func newBucket(perWindow int, window time.Duration) *rate.Limiter {
	if perWindow <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	refill := rate.Limit(float64(perWindow) / window.Seconds())
	return rate.NewLimiter(refill, perWindow)
}
