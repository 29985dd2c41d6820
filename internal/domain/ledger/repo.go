package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrDuplicatePayment = errors.New("ledger: payment already credited")

type Repo struct{ pool *pgxpool.Pool }

func NewRepo(pool *pgxpool.Pool) *Repo { return &Repo{pool: pool} }

func (r *Repo) GetBalance(ctx context.Context, ownerID string) (*Balance, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT owner_id, balance, updated_at
		FROM account_balances WHERE owner_id = $1
	`, ownerID)

	var b Balance
	if err := row.Scan(&b.OwnerID, &b.Balance, &b.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &b, nil
}

// Apply mutates the owner's balance by delta, clamped at zero, and writes the
// transaction row in the same database transaction. The balance row is created
// on first touch. Returns the previous and the clamped new balance.
//
// The clamp applies per call: a debit below zero is floored, a later credit
// starts from the floor. See the note on Service.Adjust.
func (r *Repo) Apply(ctx context.Context, ownerID string, delta float64, t *Transaction) (prev, cur float64, err error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err = tx.Exec(ctx, `
		INSERT INTO account_balances (owner_id, balance)
		VALUES ($1, 0)
		ON CONFLICT (owner_id) DO NOTHING
	`, ownerID); err != nil {
		return 0, 0, err
	}

	row := tx.QueryRow(ctx, `
		UPDATE account_balances a
		SET balance = GREATEST(0, a.balance + $2), updated_at = now()
		FROM (SELECT owner_id, balance FROM account_balances WHERE owner_id = $1 FOR UPDATE) old
		WHERE a.owner_id = old.owner_id
		RETURNING old.balance, a.balance
	`, ownerID, delta)
	if err = row.Scan(&prev, &cur); err != nil {
		return 0, 0, err
	}

	// The audit row captures both balances; they are only known here.
	if m := t.Metadata.Adjustment; m != nil {
		m.PreviousBalance, m.NewBalance = prev, cur
	}
	if m := t.Metadata.Usage; m != nil {
		m.PreviousBalance, m.NewBalance = prev, cur
	}

	if err = InsertTransactionTx(ctx, tx, t); err != nil {
		return 0, 0, err
	}
	return prev, cur, tx.Commit(ctx)
}

// CreditIdempotent credits a purchase once per payment id. A repeated payment
// id returns ErrDuplicatePayment without touching the balance.
func (r *Repo) CreditIdempotent(ctx context.Context, ownerID string, amount float64, paymentID string, t *Transaction) (cur float64, err error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		INSERT INTO payment_credits (payment_id, owner_id, amount)
		VALUES ($1, $2, $3)
		ON CONFLICT (payment_id) DO NOTHING
	`, paymentID, ownerID, amount)
	if err != nil {
		return 0, err
	}
	if tag.RowsAffected() == 0 {
		return 0, ErrDuplicatePayment
	}

	if _, err = tx.Exec(ctx, `
		INSERT INTO account_balances (owner_id, balance)
		VALUES ($1, 0)
		ON CONFLICT (owner_id) DO NOTHING
	`, ownerID); err != nil {
		return 0, err
	}
	row := tx.QueryRow(ctx, `
		UPDATE account_balances
		SET balance = balance + $2, updated_at = now()
		WHERE owner_id = $1
		RETURNING balance
	`, ownerID, amount)
	if err = row.Scan(&cur); err != nil {
		return 0, err
	}

	if err = InsertTransactionTx(ctx, tx, t); err != nil {
		return 0, err
	}
	return cur, tx.Commit(ctx)
}

// InsertTransactionTx writes one audit row inside the caller's transaction.
// Other repos (orgs, classes) use it so every pool mutation shares the same
// audit path.
func InsertTransactionTx(ctx context.Context, tx pgx.Tx, t *Transaction) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return err
	}
	row := tx.QueryRow(ctx, `
		INSERT INTO credit_transactions (id, owner_id, amount, type, description, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, t.ID, t.OwnerID, t.Amount, t.Type, t.Description, meta)
	return row.Scan(&t.CreatedAt)
}

func (r *Repo) ListTransactions(ctx context.Context, ownerID string, page, pageSize int) ([]Transaction, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 50
	}

	var total int64
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM credit_transactions WHERE owner_id = $1`, ownerID,
	).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, owner_id, amount, type, description, metadata, created_at
		FROM credit_transactions
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, ownerID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var t Transaction
		var meta []byte
		if err := rows.Scan(&t.ID, &t.OwnerID, &t.Amount, &t.Type, &t.Description, &meta, &t.CreatedAt); err != nil {
			return nil, 0, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &t.Metadata); err != nil {
				return nil, 0, err
			}
		}
		out = append(out, t)
	}
	return out, total, rows.Err()
}

// MonthlyProviderSpend aggregates usage transactions per model for the month
// containing ref.
func (r *Repo) MonthlyProviderSpend(ctx context.Context, ref time.Time) ([]ProviderSpend, error) {
	start := time.Date(ref.Year(), ref.Month(), 1, 0, 0, 0, 0, ref.Location())
	end := start.AddDate(0, 1, 0)

	rows, err := r.pool.Query(ctx, `
		SELECT COALESCE(metadata->'usage'->>'model', '') AS model, COUNT(*), COALESCE(SUM(-amount), 0)
		FROM credit_transactions
		WHERE type = 'usage' AND created_at >= $1 AND created_at < $2
		GROUP BY 1
		ORDER BY 3 DESC
	`, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ProviderSpend
	for rows.Next() {
		var s ProviderSpend
		if err := rows.Scan(&s.Model, &s.Calls, &s.Spend); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
