// Package usage orchestrates one billable AI call: rate limit, family
// precondition gate, then post-call cost settlement against the ledger.
package usage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/iaiaz/mifa-credits/internal/apperr"
	"github.com/iaiaz/mifa-credits/internal/domain/classes"
	"github.com/iaiaz/mifa-credits/internal/domain/family"
	"github.com/iaiaz/mifa-credits/internal/domain/ledger"
	"github.com/iaiaz/mifa-credits/internal/metrics"
)

type limiter interface {
	Allow(ctx context.Context, userID, model string) error
}

type guardStore interface {
	Get(ctx context.Context, userID string) (*family.Record, error)
	SpentToday(ctx context.Context, userID string, dayStart time.Time) (float64, error)
	HasActiveSubscription(ctx context.Context, userID string) (bool, error)
}

type deducter interface {
	DeductForUsage(ctx context.Context, ownerID string, cost float64, meta ledger.UsageMeta) (*ledger.Transaction, error)
}

type priceBook interface {
	Cost(model string, promptTokens, completionTokens int64) float64
}

type classStore interface {
	Get(ctx context.Context, id string) (*classes.Session, error)
	AddDraw(ctx context.Context, classID, userID string, amount float64) error
}

type orgStore interface {
	AddMemberUsage(ctx context.Context, orgID, userID string, amount float64) error
}

type Service struct {
	limiter limiter
	guards  guardStore
	ledger  deducter
	prices  priceBook
	classes classStore
	orgs    orgStore
	loc     *time.Location
	log     *slog.Logger
	metrics *metrics.Metrics
}

func NewService(l limiter, guards guardStore, led deducter, prices priceBook,
	cls classStore, orgs orgStore, loc *time.Location, log *slog.Logger) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		limiter: l, guards: guards, ledger: led, prices: prices,
		classes: cls, orgs: orgs, loc: loc, log: log, metrics: metrics.Get(),
	}
}

// Authorize runs the pre-call checks in fixed order: rate limiter first, then
// the family precondition gate. It mutates nothing but the rate-limit window.
func (s *Service) Authorize(ctx context.Context, userID, model string) error {
	start := time.Now()
	defer func() { s.metrics.AuthorizeDuration.Observe(time.Since(start).Seconds()) }()

	if err := s.limiter.Allow(ctx, userID, model); err != nil {
		var rl *apperr.RateLimitedError
		if errors.As(err, &rl) {
			s.metrics.AuthorizeTotal.WithLabelValues("rate_limited").Inc()
		} else {
			s.metrics.AuthorizeTotal.WithLabelValues("error").Inc()
		}
		return err
	}

	rec, err := s.guards.Get(ctx, userID)
	if err != nil {
		s.metrics.AuthorizeTotal.WithLabelValues("error").Inc()
		return apperr.Upstream("usage.supervision", err)
	}
	if rec != nil && rec.Mode != family.ModeAdult {
		now := time.Now().In(s.loc)
		dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)

		spent, err := s.guards.SpentToday(ctx, userID, dayStart)
		if err != nil {
			s.metrics.AuthorizeTotal.WithLabelValues("error").Inc()
			return apperr.Upstream("usage.spent_today", err)
		}
		hasSub, err := s.guards.HasActiveSubscription(ctx, userID)
		if err != nil {
			s.metrics.AuthorizeTotal.WithLabelValues("error").Inc()
			return apperr.Upstream("usage.subscription", err)
		}
		if err := family.Evaluate(rec, spent, hasSub, now); err != nil {
			var pe *apperr.PreconditionError
			if errors.As(err, &pe) {
				s.metrics.GateRejectTotal.WithLabelValues(string(pe.Reason)).Inc()
				s.metrics.AuthorizeTotal.WithLabelValues("precondition").Inc()
			}
			return err
		}
	}

	s.metrics.AuthorizeTotal.WithLabelValues("allowed").Inc()
	return nil
}

// SettleRequest describes a completed (possibly partially streamed) provider
// call to account for.
type SettleRequest struct {
	UserID           string
	Model            string
	PromptTokens     int64
	CompletionTokens int64
	// ClassID routes the cost through the class's org pool.
	ClassID string
	// OrgID routes the cost through an org membership outside a class.
	OrgID string
}

// Settle computes the cost and deducts it. It runs after the provider call,
// so it must not be abandoned when the client disconnects: the deduction uses
// a context detached from request cancellation, covering partial streams with
// whatever tokens were actually consumed. The provider call is never rolled
// back on deduction failure; the failure is logged and surfaced.
func (s *Service) Settle(ctx context.Context, req SettleRequest) (*ledger.Transaction, error) {
	cost := s.prices.Cost(req.Model, req.PromptTokens, req.CompletionTokens)
	meta := ledger.UsageMeta{
		UserID:           req.UserID,
		Model:            req.Model,
		PromptTokens:     req.PromptTokens,
		CompletionTokens: req.CompletionTokens,
		ClassID:          req.ClassID,
	}

	// Usage already happened; finish accounting even if the caller is gone.
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()

	owner := req.UserID
	switch {
	case req.ClassID != "":
		sess, err := s.classes.Get(dctx, req.ClassID)
		if err != nil {
			return nil, err
		}
		if sess == nil {
			return nil, apperr.ErrNotFound
		}
		owner = sess.OrgID
		if err := s.classes.AddDraw(dctx, req.ClassID, req.UserID, cost); err != nil {
			s.log.Error("usage draw not recorded after provider call",
				"class_id", req.ClassID, "user_id", req.UserID, "cost", cost, "err", err)
			return nil, apperr.Upstream("usage.draw", err)
		}
	case req.OrgID != "":
		owner = req.OrgID
		if err := s.orgs.AddMemberUsage(dctx, req.OrgID, req.UserID, cost); err != nil {
			s.log.Error("member usage not recorded after provider call",
				"org_id", req.OrgID, "user_id", req.UserID, "cost", cost, "err", err)
			return nil, apperr.Upstream("usage.member", err)
		}
	}

	txn, err := s.ledger.DeductForUsage(dctx, owner, cost, meta)
	if err != nil {
		s.log.Error("usage deduction failed after provider call",
			"owner_id", owner, "user_id", req.UserID, "model", req.Model, "cost", cost, "err", err)
		return nil, err
	}
	return txn, nil
}
