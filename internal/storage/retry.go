package storage

import (
	"context"
	"io"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/btransfer/btransfer/internal/clock"
)

// RetryConfig controls retry behaviour for a wrapped ObjectStore.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// WithRetry returns an ObjectStore that retries transient errors with
// exponential backoff. Put bodies are rewound between attempts when the
// reader supports seeking; otherwise the first failure is final.
func WithRetry(inner ObjectStore, clk clock.Clock, cfg RetryConfig) ObjectStore {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &retryStore{inner: inner, clock: clk, cfg: cfg}
}

type retryStore struct {
	inner ObjectStore
	clock clock.Clock
	cfg   RetryConfig
}

func (s *retryStore) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	seeker, seekable := r.(io.Seeker)
	return s.withRetry(ctx, "put", key, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return err
			}
		}
		return s.inner.Put(ctx, key, r, size)
	}, seekable)
}

func (s *retryStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	var rc io.ReadCloser
	err := s.withRetry(ctx, "get", key, func(ctx context.Context, attempt int) error {
		var err error
		rc, err = s.inner.Get(ctx, key)
		return err
	}, true)
	return rc, err
}

func (s *retryStore) Delete(ctx context.Context, key string) error {
	return s.withRetry(ctx, "delete", key, func(ctx context.Context, attempt int) error {
		return s.inner.Delete(ctx, key)
	}, true)
}

func (s *retryStore) withRetry(ctx context.Context, op, key string, fn func(context.Context, int) error, retryable bool) error {
	attempts := s.cfg.MaxAttempts
	if !retryable {
		attempts = 1
	}
	delay := s.cfg.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsTransient(err) || attempt == attempts {
			return err
		}
		log.Warn().
			Str("operation", op).
			Str("key", key).
			Int("attempt", attempt).
			Int("max_attempts", attempts).
			Err(err).
			Msg("Transient storage error, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(delay):
		}
		next := time.Duration(float64(delay) * s.cfg.Multiplier)
		if next > s.cfg.MaxDelay {
			next = s.cfg.MaxDelay
		}
		delay = next
	}
	return lastErr
}
