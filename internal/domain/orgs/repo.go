package orgs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/iaiaz/mifa-credits/internal/domain/family"
	"github.com/iaiaz/mifa-credits/internal/domain/ledger"
)

var (
	ErrInsufficientPool   = errors.New("orgs: insufficient unallocated pool credit")
	ErrInsufficientMember = errors.New("orgs: member has less unused credit than requested")
	ErrInviteInvalid      = errors.New("orgs: invite is expired, used or unknown")
	ErrAlreadyMember      = errors.New("orgs: user is already a member")
)

type Repo struct{ pool *pgxpool.Pool }

func NewRepo(pool *pgxpool.Pool) *Repo { return &Repo{pool: pool} }

func (r *Repo) Get(ctx context.Context, id string) (*Organization, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT o.id, o.name, o.kind, COALESCE(b.balance, 0), o.credit_allocated, o.created_at, o.updated_at
		FROM organizations o
		LEFT JOIN account_balances b ON b.owner_id = o.id
		WHERE o.id = $1
	`, id)

	var o Organization
	if err := row.Scan(&o.ID, &o.Name, &o.Kind, &o.CreditBalance, &o.CreditAllocated, &o.CreatedAt, &o.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &o, nil
}

func (r *Repo) Create(ctx context.Context, name string, kind Kind, ownerID string) (*Organization, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	o := Organization{ID: uuid.New().String(), Name: name, Kind: kind}
	row := tx.QueryRow(ctx, `
		INSERT INTO organizations (id, name, kind)
		VALUES ($1, $2, $3)
		RETURNING created_at, updated_at
	`, o.ID, o.Name, o.Kind)
	if err := row.Scan(&o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO organization_members (org_id, user_id, role)
		VALUES ($1, $2, $3)
	`, o.ID, ownerID, RoleOwner); err != nil {
		return nil, err
	}
	return &o, tx.Commit(ctx)
}

func (r *Repo) GetMember(ctx context.Context, orgID, userID string) (*Member, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT org_id, user_id, role, credit_allocated, credit_used, created_at
		FROM organization_members WHERE org_id = $1 AND user_id = $2
	`, orgID, userID)

	var m Member
	if err := row.Scan(&m.OrgID, &m.UserID, &m.Role, &m.CreditAllocated, &m.CreditUsed, &m.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

// IsAdmin reports whether userID can manage orgID (owner or admin role).
func (r *Repo) IsAdmin(ctx context.Context, orgID, userID string) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM organization_members
			WHERE org_id = $1 AND user_id = $2 AND role IN ('owner', 'admin')
		)
	`, orgID, userID).Scan(&ok)
	return ok, err
}

// lockedBalance reads the org's ledger balance FOR UPDATE so concurrent
// allocations and deductions serialize on the funding row. A never-funded
// org has no row and a zero balance.
func lockedBalance(ctx context.Context, tx pgx.Tx, orgID string) (float64, error) {
	var bal float64
	err := tx.QueryRow(ctx, `
		SELECT balance FROM account_balances WHERE owner_id = $1 FOR UPDATE
	`, orgID).Scan(&bal)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	return bal, err
}

// AllocateToMember moves amount from the org's unallocated pool onto a
// member's allocation. The pool is the org's ledger balance minus what is
// already allocated; the move fails (does not clamp) when amount exceeds it.
func (r *Repo) AllocateToMember(ctx context.Context, orgID, userID string, amount float64, actorID string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	bal, err := lockedBalance(ctx, tx, orgID)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `
		UPDATE organizations
		SET credit_allocated = credit_allocated + $2, updated_at = now()
		WHERE id = $1 AND $3 - credit_allocated >= $2
	`, orgID, amount, bal)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Either the org is unknown or the pool cannot cover it.
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM organizations WHERE id = $1)`, orgID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return pgx.ErrNoRows
		}
		return ErrInsufficientPool
	}

	tag, err = tx.Exec(ctx, `
		UPDATE organization_members
		SET credit_allocated = credit_allocated + $3
		WHERE org_id = $1 AND user_id = $2
	`, orgID, userID, amount)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}

	if err := ledger.InsertTransactionTx(ctx, tx, &ledger.Transaction{
		OwnerID:     orgID,
		Amount:      amount,
		Type:        ledger.TypeAllocation,
		Description: fmt.Sprintf("allocated to member %s", userID),
		Metadata:    ledger.Metadata{Allocation: &ledger.AllocationMeta{OrgID: orgID, MemberID: userID, ActorID: actorID}},
	}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ReclaimFromMember returns unused allocation to the org pool. Fails when the
// member has spent past the requested amount.
func (r *Repo) ReclaimFromMember(ctx context.Context, orgID, userID string, amount float64, actorID string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE organization_members
		SET credit_allocated = credit_allocated - $3
		WHERE org_id = $1 AND user_id = $2 AND credit_allocated - credit_used >= $3
	`, orgID, userID, amount)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `
			SELECT EXISTS(SELECT 1 FROM organization_members WHERE org_id = $1 AND user_id = $2)
		`, orgID, userID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return pgx.ErrNoRows
		}
		return ErrInsufficientMember
	}

	if _, err := tx.Exec(ctx, `
		UPDATE organizations
		SET credit_allocated = credit_allocated - $2, updated_at = now()
		WHERE id = $1
	`, orgID, amount); err != nil {
		return err
	}

	if err := ledger.InsertTransactionTx(ctx, tx, &ledger.Transaction{
		OwnerID:     orgID,
		Amount:      -amount,
		Type:        ledger.TypeAllocation,
		Description: fmt.Sprintf("reclaimed from member %s", userID),
		Metadata:    ledger.Metadata{Allocation: &ledger.AllocationMeta{OrgID: orgID, MemberID: userID, ActorID: actorID}},
	}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// AddMemberUsage increments a member's drawn-down usage as a relative delta.
func (r *Repo) AddMemberUsage(ctx context.Context, orgID, userID string, amount float64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE organization_members
		SET credit_used = credit_used + $3
		WHERE org_id = $1 AND user_id = $2
	`, orgID, userID, amount)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *Repo) CreateInvite(ctx context.Context, orgID string, role Role, ttl time.Duration) (*Invite, error) {
	inv := Invite{Token: uuid.New().String(), OrgID: orgID, Role: role, ExpiresAt: time.Now().Add(ttl)}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO organization_invites (token, org_id, role, expires_at)
		VALUES ($1, $2, $3, $4)
	`, inv.Token, inv.OrgID, inv.Role, inv.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// AcceptInvite consumes a single-use invite and enrolls the user. For family
// organizations a supervision record is created in the same database
// transaction, with the mode derived once from the age at acceptance.
func (r *Repo) AcceptInvite(ctx context.Context, token, userID string, age int, trial time.Duration) (*Member, error) {
	// Resolve the org kind first so age validation happens before any mutation.
	var orgID string
	var kind Kind
	err := r.pool.QueryRow(ctx, `
		SELECT i.org_id, o.kind
		FROM organization_invites i
		JOIN organizations o ON o.id = i.org_id
		WHERE i.token = $1 AND i.used_at IS NULL AND i.expires_at > now()
	`, token).Scan(&orgID, &kind)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrInviteInvalid
		}
		return nil, err
	}

	var mode family.Mode
	if kind == KindFamily {
		mode, err = family.ModeForAge(age)
		if err != nil {
			return nil, err
		}
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var role Role
	row := tx.QueryRow(ctx, `
		UPDATE organization_invites
		SET used_at = now()
		WHERE token = $1 AND used_at IS NULL AND expires_at > now()
		RETURNING role
	`, token)
	if err := row.Scan(&role); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrInviteInvalid
		}
		return nil, err
	}

	m := Member{OrgID: orgID, UserID: userID, Role: role}
	row = tx.QueryRow(ctx, `
		INSERT INTO organization_members (org_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (org_id, user_id) DO NOTHING
		RETURNING created_at
	`, m.OrgID, m.UserID, m.Role)
	if err := row.Scan(&m.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAlreadyMember
		}
		return nil, err
	}

	if kind == KindFamily && mode != family.ModeAdult {
		if _, err := tx.Exec(ctx, `
			INSERT INTO supervision_records (user_id, org_id, mode, trial_expires_at)
			VALUES ($1, $2, $3, $4)
		`, userID, orgID, mode, time.Now().Add(trial)); err != nil {
			return nil, err
		}
	}
	return &m, tx.Commit(ctx)
}
