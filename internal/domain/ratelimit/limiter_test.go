package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iaiaz/mifa-credits/internal/apperr"
	"github.com/iaiaz/mifa-credits/internal/config"
)

func fiveMinuteTable() *Table {
	var cfg config.Config
	cfg.RateLimit.Tiers = map[string]config.TierConfig{
		"standard": {Limit: 5, WindowSeconds: 60},
		"premium":  {Limit: 2, WindowSeconds: 60},
	}
	cfg.RateLimit.Models = map[string]string{"gpt-4o": "premium"}
	cfg.RateLimit.Default = "standard"
	return NewTable(cfg)
}

func TestLimiterWindow(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	start := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	now := start
	store.now = func() time.Time { return now }

	l := NewLimiter(store, fiveMinuteTable())

	// limit=5, window=60s: five requests pass.
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Allow(ctx, "u1", "some-unknown-model"), "request %d", i+1)
	}

	// The sixth is rejected with reset_at = window_start + 60s.
	err := l.Allow(ctx, "u1", "some-unknown-model")
	var rl *apperr.RateLimitedError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, "standard", rl.Tier)
	assert.Equal(t, 5, rl.Limit)
	assert.Equal(t, start.Add(time.Minute), rl.ResetAt)

	// After the window passes, a request succeeds and the count restarts at 1.
	now = start.Add(61 * time.Second)
	require.NoError(t, l.Allow(ctx, "u1", "some-unknown-model"))

	statuses, err := l.Statuses(ctx, "u1")
	require.NoError(t, err)
	for _, st := range statuses {
		if st.Tier == "standard" {
			assert.Equal(t, 1, st.Count)
		}
	}
}

func TestLimiterTierIsolation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	l := NewLimiter(store, fiveMinuteTable())

	// gpt-4o maps to premium (limit 2); its cap does not touch standard.
	require.NoError(t, l.Allow(ctx, "u1", "gpt-4o"))
	require.NoError(t, l.Allow(ctx, "u1", "gpt-4o"))
	err := l.Allow(ctx, "u1", "gpt-4o")
	var rl *apperr.RateLimitedError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, "premium", rl.Tier)

	require.NoError(t, l.Allow(ctx, "u1", "cheap-model"))

	// Other users are unaffected.
	require.NoError(t, l.Allow(ctx, "u2", "gpt-4o"))
}

// Statuses is a read-only probe: calling it must not consume requests.
func TestStatusesDoesNotMutate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	l := NewLimiter(store, fiveMinuteTable())

	require.NoError(t, l.Allow(ctx, "u1", "gpt-4o"))

	for i := 0; i < 10; i++ {
		_, err := l.Statuses(ctx, "u1")
		require.NoError(t, err)
	}

	statuses, err := l.Statuses(ctx, "u1")
	require.NoError(t, err)
	byTier := map[string]Status{}
	for _, st := range statuses {
		byTier[st.Tier] = st
	}
	assert.Equal(t, 1, byTier["premium"].Count)
	assert.Equal(t, 0, byTier["standard"].Count)
	assert.Equal(t, 2, byTier["premium"].Limit)
}

func TestTableFallbacks(t *testing.T) {
	table := fiveMinuteTable()
	assert.Equal(t, "standard", table.TierFor("never-seen").Name)
	assert.Equal(t, "premium", table.TierFor("gpt-4o").Name)

	var empty config.Config
	def := NewTable(empty)
	assert.Equal(t, "standard", def.TierFor("anything").Name)
	assert.Len(t, def.All(), 3)
}
