package classes

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/iaiaz/mifa-credits/internal/domain/ledger"
)

var (
	ErrNotJoinable     = errors.New("classes: session is closed or outside its time window")
	ErrNotReopenable   = errors.New("classes: only an active, closed session can be reopened")
	ErrInsufficientOrg = errors.New("classes: org pool cannot cover the class allocation")
)

type Repo struct{ pool *pgxpool.Pool }

func NewRepo(pool *pgxpool.Pool) *Repo { return &Repo{pool: pool} }

// joinCode is a short human-typable code for joining from the classroom
// projector; the uuid join token goes into links.
func joinCode() string {
	const digits = "0123456789"
	b := make([]byte, 6)
	_, _ = rand.Read(b)
	for i := range b {
		b[i] = digits[int(b[i])%len(digits)]
	}
	return string(b)
}

func (r *Repo) Create(ctx context.Context, orgID, name string, startsAt, endsAt time.Time) (*Session, error) {
	s := Session{
		ID:        uuid.New().String(),
		OrgID:     orgID,
		Name:      name,
		Status:    StatusActive,
		StartsAt:  startsAt,
		EndsAt:    endsAt,
		JoinToken: uuid.New().String(),
		JoinCode:  joinCode(),
	}
	row := r.pool.QueryRow(ctx, `
		INSERT INTO class_sessions (id, org_id, name, status, starts_at, ends_at, join_token, join_code)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`, s.ID, s.OrgID, s.Name, s.Status, s.StartsAt, s.EndsAt, s.JoinToken, s.JoinCode)
	if err := row.Scan(&s.CreatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *Repo) Get(ctx context.Context, id string) (*Session, error) {
	return r.scanOne(r.pool.QueryRow(ctx, `
		SELECT id, org_id, name, status, closed_at, starts_at, ends_at, join_token, join_code, created_at
		FROM class_sessions WHERE id = $1
	`, id))
}

func (r *Repo) GetByJoin(ctx context.Context, tokenOrCode string) (*Session, error) {
	return r.scanOne(r.pool.QueryRow(ctx, `
		SELECT id, org_id, name, status, closed_at, starts_at, ends_at, join_token, join_code, created_at
		FROM class_sessions WHERE join_token = $1 OR join_code = $1
	`, tokenOrCode))
}

func (r *Repo) scanOne(row pgx.Row) (*Session, error) {
	var s Session
	if err := row.Scan(&s.ID, &s.OrgID, &s.Name, &s.Status, &s.ClosedAt,
		&s.StartsAt, &s.EndsAt, &s.JoinToken, &s.JoinCode, &s.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// Join enrolls a student with an allocation drawn from the org pool. The pool
// guard is the same conditional update used for member allocations.
func (r *Repo) Join(ctx context.Context, tokenOrCode, userID string, allocation float64) (*Session, error) {
	s, err := r.GetByJoin(ctx, tokenOrCode)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, pgx.ErrNoRows
	}
	if !s.Joinable(time.Now()) {
		return nil, ErrNotJoinable
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if allocation > 0 {
		// Same funding-row lock as member allocations: the pool is the org's
		// ledger balance minus outstanding allocations.
		var bal float64
		err := tx.QueryRow(ctx, `
			SELECT balance FROM account_balances WHERE owner_id = $1 FOR UPDATE
		`, s.OrgID).Scan(&bal)
		if err != nil && err != pgx.ErrNoRows {
			return nil, err
		}
		tag, err := tx.Exec(ctx, `
			UPDATE organizations
			SET credit_allocated = credit_allocated + $2, updated_at = now()
			WHERE id = $1 AND $3 - credit_allocated >= $2
		`, s.OrgID, allocation, bal)
		if err != nil {
			return nil, err
		}
		if tag.RowsAffected() == 0 {
			return nil, ErrInsufficientOrg
		}
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO class_members (class_id, user_id, credit_allocated, credit_used)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT (class_id, user_id) DO NOTHING
	`, s.ID, userID, allocation); err != nil {
		return nil, err
	}
	return s, tx.Commit(ctx)
}

// AddDraw increments a student's drawn-down usage within the class. Usage may
// exceed the allocation; the close refund floors each remainder at zero.
func (r *Repo) AddDraw(ctx context.Context, classID, userID string, amount float64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE class_members
		SET credit_used = credit_used + $3
		WHERE class_id = $1 AND user_id = $2
	`, classID, userID, amount)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// Close ends a session and refunds the unused pool credit to the owning
// organization. Idempotent: a second close finds closed_at already set,
// refunds nothing and reports AlreadyClosed.
func (r *Repo) Close(ctx context.Context, classID string) (*RefundResult, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var orgID string
	row := tx.QueryRow(ctx, `
		UPDATE class_sessions
		SET closed_at = now()
		WHERE id = $1 AND status = 'active' AND closed_at IS NULL
		RETURNING org_id
	`, classID)
	if err := row.Scan(&orgID); err != nil {
		if err != pgx.ErrNoRows {
			return nil, err
		}
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM class_sessions WHERE id = $1)`, classID).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, pgx.ErrNoRows
		}
		return &RefundResult{ClassID: classID, AlreadyClosed: true}, nil
	}

	rows, err := tx.Query(ctx, `
		SELECT class_id, user_id, credit_allocated, credit_used
		FROM class_members WHERE class_id = $1
		FOR UPDATE
	`, classID)
	if err != nil {
		return nil, err
	}
	var draws []Draw
	for rows.Next() {
		var d Draw
		if err := rows.Scan(&d.ClassID, &d.UserID, &d.CreditAllocated, &d.CreditUsed); err != nil {
			rows.Close()
			return nil, err
		}
		draws = append(draws, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	total := refundTotal(draws)
	res := &RefundResult{ClassID: classID, Amount: total, Members: len(draws)}

	// Zero the remainders so a reopened session starts from spent state.
	if _, err := tx.Exec(ctx, `
		UPDATE class_members SET credit_allocated = credit_used WHERE class_id = $1
	`, classID); err != nil {
		return nil, err
	}

	if total > 0 {
		if _, err := tx.Exec(ctx, `
			UPDATE organizations
			SET credit_allocated = credit_allocated - $2, updated_at = now()
			WHERE id = $1
		`, orgID, total); err != nil {
			return nil, err
		}
		if err := ledger.InsertTransactionTx(ctx, tx, &ledger.Transaction{
			OwnerID:     orgID,
			Amount:      total,
			Type:        ledger.TypeRefund,
			Description: fmt.Sprintf("unused class credit returned on close of %s", classID),
			Metadata:    ledger.Metadata{Refund: &ledger.RefundMeta{ClassID: classID, Members: len(draws)}},
		}); err != nil {
			return nil, err
		}
	}
	return res, tx.Commit(ctx)
}

// Reopen clears closed_at; allowed only while the session is still active
// (not archived).
func (r *Repo) Reopen(ctx context.Context, classID string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE class_sessions
		SET closed_at = NULL
		WHERE id = $1 AND status = 'active' AND closed_at IS NOT NULL
	`, classID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM class_sessions WHERE id = $1)`, classID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return pgx.ErrNoRows
		}
		return ErrNotReopenable
	}
	return nil
}

// ListEnded returns active sessions whose end time passed at least grace ago.
// The maintenance sweep closes and archives them.
func (r *Repo) ListEnded(ctx context.Context, grace time.Duration, limit int) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id FROM class_sessions
		WHERE status = 'active' AND ends_at < now() - $1::interval
		ORDER BY ends_at
		LIMIT $2
	`, fmt.Sprintf("%d seconds", int(grace.Seconds())), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Archive marks a session as history. Archived sessions cannot be reopened.
func (r *Repo) Archive(ctx context.Context, classID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE class_sessions SET status = 'archived' WHERE id = $1 AND closed_at IS NOT NULL
	`, classID)
	return err
}
