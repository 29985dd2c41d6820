package family

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repo struct{ pool *pgxpool.Pool }

func NewRepo(pool *pgxpool.Pool) *Repo { return &Repo{pool: pool} }

// Get returns the supervision record for a user, nil when the user is not a
// supervised account.
func (r *Repo) Get(ctx context.Context, userID string) (*Record, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT user_id, org_id, mode, quiet_start_min, quiet_end_min, daily_limit, trial_expires_at, created_at, updated_at
		FROM supervision_records WHERE user_id = $1
	`, userID)

	var rec Record
	if err := row.Scan(&rec.UserID, &rec.OrgID, &rec.Mode, &rec.QuietStartMin, &rec.QuietEndMin,
		&rec.DailyLimit, &rec.TrialExpiresAt, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// SetGuardrails updates the parental-control knobs. The supervision mode is
// deliberately not touched here; see SetMode.
func (r *Repo) SetGuardrails(ctx context.Context, userID string, quietStartMin, quietEndMin int, dailyLimit float64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE supervision_records
		SET quiet_start_min = $2, quiet_end_min = $3, daily_limit = $4, updated_at = now()
		WHERE user_id = $1
	`, userID, quietStartMin, quietEndMin, dailyLimit)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// SetMode is the explicit admin action that changes a supervision mode after
// enrollment. There is no implicit recomputation from the current age.
func (r *Repo) SetMode(ctx context.Context, userID string, mode Mode) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE supervision_records
		SET mode = $2, updated_at = now()
		WHERE user_id = $1
	`, userID, mode)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// SpentToday sums the user's usage debits since the local start of day.
// Class- and org-routed usage is owned by the org, so the acting user is
// matched through the usage metadata as well as the owner column.
func (r *Repo) SpentToday(ctx context.Context, userID string, dayStart time.Time) (float64, error) {
	var spent float64
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(-amount), 0)
		FROM credit_transactions
		WHERE type = 'usage' AND created_at >= $2
		  AND (owner_id = $1 OR metadata->'usage'->>'user_id' = $1)
	`, userID, dayStart).Scan(&spent)
	return spent, err
}

// HasActiveSubscription reports whether the user has a paid subscription that
// outlives the trial.
func (r *Repo) HasActiveSubscription(ctx context.Context, userID string) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM subscriptions
			WHERE user_id = $1 AND status = 'active' AND current_period_end > now()
		)
	`, userID).Scan(&ok)
	return ok, err
}
