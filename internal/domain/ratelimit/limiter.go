package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/iaiaz/mifa-credits/internal/apperr"
	"github.com/iaiaz/mifa-credits/internal/metrics"
)

// Store holds one fixed window per (user, tier). Incr must be atomic: two
// concurrent requests at count = limit-1 must not both pass the cap.
type Store interface {
	// Incr lazily resets an elapsed window, then increments unless the count
	// is already at limit. Returns the count after the call and the end of
	// the current window.
	Incr(ctx context.Context, key string, limit int, window time.Duration) (count int, resetAt time.Time, allowed bool, err error)
	// Probe reads the current window without mutating it.
	Probe(ctx context.Context, key string, window time.Duration) (count int, resetAt time.Time, err error)
}

// Status is a read-only snapshot of one tier's window for a user.
type Status struct {
	Tier    string    `json:"tier"`
	Count   int       `json:"count"`
	Limit   int       `json:"limit"`
	ResetAt time.Time `json:"reset_at"`
}

type Limiter struct {
	store   Store
	table   *Table
	metrics *metrics.Metrics
}

func NewLimiter(store Store, table *Table) *Limiter {
	return &Limiter{store: store, table: table, metrics: metrics.Get()}
}

func key(userID, tier string) string {
	return fmt.Sprintf("ratelimit:%s:%s", userID, tier)
}

// Allow consumes one request from the user's window for the model's tier.
// Returns *apperr.RateLimitedError with the window reset time when the cap is
// reached.
func (l *Limiter) Allow(ctx context.Context, userID, model string) error {
	tier := l.table.TierFor(model)
	_, resetAt, allowed, err := l.store.Incr(ctx, key(userID, tier.Name), tier.Limit, tier.Window)
	if err != nil {
		return apperr.Upstream("ratelimit.incr", err)
	}
	if !allowed {
		l.metrics.RateLimitedTotal.WithLabelValues(tier.Name).Inc()
		return &apperr.RateLimitedError{Tier: tier.Name, Limit: tier.Limit, ResetAt: resetAt}
	}
	return nil
}

// Statuses reports every tier's current window for the user without consuming
// anything.
func (l *Limiter) Statuses(ctx context.Context, userID string) ([]Status, error) {
	tiers := l.table.All()
	out := make([]Status, 0, len(tiers))
	for _, tier := range tiers {
		count, resetAt, err := l.store.Probe(ctx, key(userID, tier.Name), tier.Window)
		if err != nil {
			return nil, apperr.Upstream("ratelimit.probe", err)
		}
		out = append(out, Status{Tier: tier.Name, Count: count, Limit: tier.Limit, ResetAt: resetAt})
	}
	return out, nil
}
