package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btransfer/btransfer/internal/clock"
)

func newTestLimiter(sessions, chunks int) *Limiter {
	return New(Config{
		SessionsPerWindow: sessions,
		ChunksPerWindow:   chunks,
		Window:            time.Minute,
	}, clock.Real{})
}

func TestAllowUpToCeiling(t *testing.T) {
	l := newTestLimiter(3, 10)

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Allow("10.0.0.1", CategorySession), "request %d", i)
	}
	assert.ErrorIs(t, l.Allow("10.0.0.1", CategorySession), ErrRateLimited)
}

func TestCategoriesAreIndependent(t *testing.T) {
	l := newTestLimiter(1, 5)

	require.NoError(t, l.Allow("10.0.0.1", CategorySession))
	assert.ErrorIs(t, l.Allow("10.0.0.1", CategorySession), ErrRateLimited)

	// Chunk budget is untouched by session denials.
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Allow("10.0.0.1", CategoryChunk), "chunk %d", i)
	}
	assert.ErrorIs(t, l.Allow("10.0.0.1", CategoryChunk), ErrRateLimited)
}

func TestIdentitiesAreIndependent(t *testing.T) {
	l := newTestLimiter(1, 1)

	require.NoError(t, l.Allow("10.0.0.1", CategorySession))
	assert.ErrorIs(t, l.Allow("10.0.0.1", CategorySession), ErrRateLimited)

	// A different caller still has a full budget.
	assert.NoError(t, l.Allow("10.0.0.2", CategorySession))
}

func TestBudgetRefillsOverTime(t *testing.T) {
	// A tiny window so the bucket visibly refills during the test.
	l := New(Config{
		SessionsPerWindow: 2,
		ChunksPerWindow:   2,
		Window:            100 * time.Millisecond,
	}, clock.Real{})

	require.NoError(t, l.Allow("id", CategorySession))
	require.NoError(t, l.Allow("id", CategorySession))
	require.ErrorIs(t, l.Allow("id", CategorySession), ErrRateLimited)

	time.Sleep(150 * time.Millisecond)
	assert.NoError(t, l.Allow("id", CategorySession))
}

func TestZeroCeilingMeansUnlimited(t *testing.T) {
	l := newTestLimiter(0, 0)
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Allow("id", CategorySession))
		require.NoError(t, l.Allow("id", CategoryChunk))
	}
}

func TestEvictIdleIdentities(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	l := New(Config{SessionsPerWindow: 5, ChunksPerWindow: 5, Window: time.Minute}, clk)

	require.NoError(t, l.Allow("old", CategorySession))
	clk.Advance(time.Hour)
	require.NoError(t, l.Allow("fresh", CategorySession))

	assert.Equal(t, 2, l.Tracked())
	assert.Equal(t, 1, l.Evict())
	assert.Equal(t, 1, l.Tracked())

	// Evicted identities start over with a full budget.
	assert.NoError(t, l.Allow("old", CategorySession))
}
