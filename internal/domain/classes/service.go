package classes

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/iaiaz/mifa-credits/internal/apperr"
	"github.com/iaiaz/mifa-credits/internal/metrics"
)

type Service struct {
	repo    *Repo
	log     *slog.Logger
	metrics *metrics.Metrics
}

func NewService(repo *Repo, log *slog.Logger) *Service {
	return &Service{repo: repo, log: log, metrics: metrics.Get()}
}

func (s *Service) Create(ctx context.Context, orgID, name string, startsAt, endsAt time.Time) (*Session, error) {
	if name == "" {
		return nil, apperr.Validation("name", "must not be empty")
	}
	if !endsAt.After(startsAt) {
		return nil, apperr.Validation("ends_at", "must be after starts_at")
	}
	sess, err := s.repo.Create(ctx, orgID, name, startsAt, endsAt)
	if err != nil {
		return nil, apperr.Upstream("classes.create", err)
	}
	return sess, nil
}

func (s *Service) Join(ctx context.Context, tokenOrCode, userID string, allocation float64) (*Session, error) {
	if allocation < 0 {
		return nil, apperr.Validation("allocation", "must not be negative")
	}
	sess, err := s.repo.Join(ctx, tokenOrCode, userID, allocation)
	switch {
	case err == nil:
		return sess, nil
	case errors.Is(err, pgx.ErrNoRows):
		return nil, apperr.ErrNotFound
	case errors.Is(err, ErrNotJoinable), errors.Is(err, ErrInsufficientOrg):
		return nil, err
	default:
		return nil, apperr.Upstream("classes.join", err)
	}
}

// Close refunds the unused class pool to the org. Closing an already closed
// session is a no-op, never a double refund.
func (s *Service) Close(ctx context.Context, classID string) (*RefundResult, error) {
	res, err := s.repo.Close(ctx, classID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.ErrNotFound
		}
		return nil, apperr.Upstream("classes.close", err)
	}
	if res.Amount > 0 {
		s.metrics.RefundAmount.Add(res.Amount)
		s.log.Info("class pool refunded", "class_id", classID, "amount", res.Amount, "members", res.Members)
	}
	return res, nil
}

func (s *Service) Reopen(ctx context.Context, classID string) error {
	err := s.repo.Reopen(ctx, classID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return apperr.ErrNotFound
	case errors.Is(err, ErrNotReopenable):
		return err
	default:
		return apperr.Upstream("classes.reopen", err)
	}
}

// AddDraw records a member's usage against the class pool.
func (s *Service) AddDraw(ctx context.Context, classID, userID string, amount float64) error {
	if err := s.repo.AddDraw(ctx, classID, userID, amount); err != nil {
		return apperr.Upstream("classes.draw", err)
	}
	return nil
}

func (s *Service) Get(ctx context.Context, classID string) (*Session, error) {
	sess, err := s.repo.Get(ctx, classID)
	if err != nil {
		return nil, apperr.Upstream("classes.get", err)
	}
	if sess == nil {
		return nil, apperr.ErrNotFound
	}
	return sess, nil
}

// SweepEnded closes and archives sessions whose time window has long passed.
// Run by the scheduled maintenance job.
func (s *Service) SweepEnded(ctx context.Context) (int, error) {
	ids, err := s.repo.ListEnded(ctx, time.Hour, 100)
	if err != nil {
		return 0, apperr.Upstream("classes.sweep", err)
	}
	swept := 0
	for _, id := range ids {
		res, err := s.repo.Close(ctx, id)
		if err != nil {
			s.log.Error("sweep: close failed", "class_id", id, "err", err)
			continue
		}
		if res.Amount > 0 {
			s.metrics.RefundAmount.Add(res.Amount)
		}
		if err := s.repo.Archive(ctx, id); err != nil {
			s.log.Error("sweep: archive failed", "class_id", id, "err", err)
			continue
		}
		swept++
	}
	return swept, nil
}
