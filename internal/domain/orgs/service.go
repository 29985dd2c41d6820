package orgs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/iaiaz/mifa-credits/internal/apperr"
)

// store is what Service needs from the persistence layer. *Repo implements it.
type store interface {
	Get(ctx context.Context, id string) (*Organization, error)
	Create(ctx context.Context, name string, kind Kind, ownerID string) (*Organization, error)
	GetMember(ctx context.Context, orgID, userID string) (*Member, error)
	IsAdmin(ctx context.Context, orgID, userID string) (bool, error)
	AllocateToMember(ctx context.Context, orgID, userID string, amount float64, actorID string) error
	ReclaimFromMember(ctx context.Context, orgID, userID string, amount float64, actorID string) error
	AddMemberUsage(ctx context.Context, orgID, userID string, amount float64) error
	CreateInvite(ctx context.Context, orgID string, role Role, ttl time.Duration) (*Invite, error)
	AcceptInvite(ctx context.Context, token, userID string, age int, trial time.Duration) (*Member, error)
}

// notifier receives fire-and-forget credit-transfer events. Failures are
// logged by the implementation and never propagate into results.
type notifier interface {
	CreditTransfer(ctx context.Context, orgID, userID string, amount float64)
}

type Service struct {
	store  store
	notify notifier
	log    *slog.Logger
}

func NewService(store store, notify notifier, log *slog.Logger) *Service {
	return &Service{store: store, notify: notify, log: log}
}

func (s *Service) Get(ctx context.Context, id string) (*Organization, error) {
	org, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, apperr.Upstream("orgs.get", err)
	}
	if org == nil {
		return nil, apperr.ErrNotFound
	}
	return org, nil
}

func (s *Service) Create(ctx context.Context, name string, kind Kind, ownerID string) (*Organization, error) {
	if name == "" {
		return nil, apperr.Validation("name", "must not be empty")
	}
	switch kind {
	case KindPersonal, KindBusiness, KindSchool, KindFamily:
	default:
		return nil, apperr.Validation("kind", "must be personal, business, school or family")
	}
	org, err := s.store.Create(ctx, name, kind, ownerID)
	if err != nil {
		return nil, apperr.Upstream("orgs.create", err)
	}
	return org, nil
}

func (s *Service) IsAdmin(ctx context.Context, orgID, userID string) (bool, error) {
	ok, err := s.store.IsAdmin(ctx, orgID, userID)
	if err != nil {
		return false, apperr.Upstream("orgs.is_admin", err)
	}
	return ok, nil
}

// Allocate moves credit from the org pool onto a member and notifies the
// admin channel.
func (s *Service) Allocate(ctx context.Context, orgID, userID string, amount float64, actorID string) error {
	if amount <= 0 {
		return apperr.Validation("amount", "must be positive")
	}
	err := s.store.AllocateToMember(ctx, orgID, userID, amount, actorID)
	switch {
	case err == nil:
		s.notifyTransfer(orgID, userID, amount)
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return apperr.ErrNotFound
	case errors.Is(err, ErrInsufficientPool):
		return err
	default:
		return apperr.Upstream("orgs.allocate", err)
	}
}

func (s *Service) Reclaim(ctx context.Context, orgID, userID string, amount float64, actorID string) error {
	if amount <= 0 {
		return apperr.Validation("amount", "must be positive")
	}
	err := s.store.ReclaimFromMember(ctx, orgID, userID, amount, actorID)
	switch {
	case err == nil:
		s.notifyTransfer(orgID, userID, -amount)
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return apperr.ErrNotFound
	case errors.Is(err, ErrInsufficientMember):
		return err
	default:
		return apperr.Upstream("orgs.reclaim", err)
	}
}

func (s *Service) AddMemberUsage(ctx context.Context, orgID, userID string, amount float64) error {
	err := s.store.AddMemberUsage(ctx, orgID, userID, amount)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return apperr.ErrNotFound
	default:
		return apperr.Upstream("orgs.member_usage", err)
	}
}

func (s *Service) CreateInvite(ctx context.Context, orgID string, role Role, ttl time.Duration) (*Invite, error) {
	switch role {
	case RoleAdmin, RoleTeacher, RoleMember:
	default:
		return nil, apperr.Validation("role", "must be admin, teacher or member")
	}
	inv, err := s.store.CreateInvite(ctx, orgID, role, ttl)
	if err != nil {
		return nil, apperr.Upstream("orgs.invite", err)
	}
	return inv, nil
}

func (s *Service) AcceptInvite(ctx context.Context, token, userID string, age int, trial time.Duration) (*Member, error) {
	m, err := s.store.AcceptInvite(ctx, token, userID, age, trial)
	switch {
	case err == nil:
		return m, nil
	case errors.Is(err, ErrInviteInvalid), errors.Is(err, ErrAlreadyMember), errors.Is(err, apperr.ErrValidation):
		return nil, err
	default:
		return nil, apperr.Upstream("orgs.accept_invite", err)
	}
}

func (s *Service) notifyTransfer(orgID, userID string, amount float64) {
	if s.notify == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.notify.CreditTransfer(ctx, orgID, userID, amount)
	}()
}
