// Package sweep reclaims expired upload sessions and stored files in the
// background.
package sweep

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/btransfer/btransfer/internal/catalog"
	"github.com/btransfer/btransfer/internal/clock"
	"github.com/btransfer/btransfer/internal/ratelimit"
	"github.com/btransfer/btransfer/internal/upload"
)

// Config controls sweep cadence and the session TTL.
type Config struct {
	Interval   time.Duration
	SessionTTL time.Duration
}

// Sweeper periodically expires idle upload sessions, purges their chunks,
// deletes TTL-expired catalog entries and evicts idle rate-limit state.
type Sweeper struct {
	registry *upload.Registry
	chunks   *upload.ChunkStore
	catalog  *catalog.Catalog
	limiter  *ratelimit.Limiter
	clock    clock.Clock
	cfg      Config
	done     chan struct{}
}

// New constructs a sweeper. limiter may be nil.
func New(registry *upload.Registry, chunks *upload.ChunkStore, cat *catalog.Catalog, limiter *ratelimit.Limiter, clk clock.Clock, cfg Config) *Sweeper {
	return &Sweeper{
		registry: registry,
		chunks:   chunks,
		catalog:  cat,
		limiter:  limiter,
		clock:    clk,
		cfg:      cfg,
		done:     make(chan struct{}),
	}
}

// Run sweeps at the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	defer close(s.done)
	log.Info().
		Dur("interval", s.cfg.Interval).
		Dur("session_ttl", s.cfg.SessionTTL).
		Msg("Sweeper started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Sweeper stopped")
			return
		case <-s.clock.After(s.cfg.Interval):
			s.Sweep(ctx)
		}
	}
}

// Wait blocks until Run has returned.
func (s *Sweeper) Wait() {
	<-s.done
}

// Sweep performs one reclamation pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	m := upload.GetMetrics()

	expired := s.registry.ExpireStale(s.cfg.SessionTTL)
	for _, id := range expired {
		if err := s.chunks.Purge(id); err != nil {
			log.Warn().Str("session", id).Err(err).Msg("Failed to purge expired session chunks")
		}
		m.SessionsExpired.Inc()
	}

	var deleted int
	for _, e := range s.catalog.Expired() {
		if err := s.catalog.Reclaim(ctx, e.Name); err != nil {
			log.Warn().Str("name", e.Name).Err(err).Msg("Failed to delete expired file")
			continue
		}
		deleted++
	}

	var evicted int
	if s.limiter != nil {
		evicted = s.limiter.Evict()
	}

	if len(expired) > 0 || deleted > 0 || evicted > 0 {
		log.Info().
			Int("sessions_expired", len(expired)).
			Int("files_deleted", deleted).
			Int("limiters_evicted", evicted).
			Msg("Sweep completed")
	}
}
