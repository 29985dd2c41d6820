package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/iaiaz/mifa-credits/internal/apperr"
	"github.com/iaiaz/mifa-credits/internal/metrics"
)

// store is what Service needs from the persistence layer. *Repo implements it.
type store interface {
	GetBalance(ctx context.Context, ownerID string) (*Balance, error)
	Apply(ctx context.Context, ownerID string, delta float64, t *Transaction) (prev, cur float64, err error)
	CreditIdempotent(ctx context.Context, ownerID string, amount float64, paymentID string, t *Transaction) (float64, error)
	ListTransactions(ctx context.Context, ownerID string, page, pageSize int) ([]Transaction, int64, error)
	MonthlyProviderSpend(ctx context.Context, ref time.Time) ([]ProviderSpend, error)
}

// notifier receives fire-and-forget balance events. Failures are logged and
// never propagate into ledger results.
type notifier interface {
	LowBalance(ctx context.Context, ownerID string, balance float64)
}

type Service struct {
	store        store
	notify       notifier
	log          *slog.Logger
	metrics      *metrics.Metrics
	lowThreshold float64
}

func NewService(store store, notify notifier, log *slog.Logger, lowThreshold float64) *Service {
	return &Service{
		store:        store,
		notify:       notify,
		log:          log,
		metrics:      metrics.Get(),
		lowThreshold: lowThreshold,
	}
}

func validAmount(amount float64) bool {
	return !math.IsNaN(amount) && !math.IsInf(amount, 0)
}

// Adjust applies a signed admin adjustment and writes one audit transaction.
//
// The zero floor is applied per call, not over a combined delta: starting at 5,
// Adjust(-10) then Adjust(+3) ends at 3, not 0. Callers batching adjustments
// must sum them into a single call if they want combined-delta semantics.
func (s *Service) Adjust(ctx context.Context, ownerID string, amount float64, reason, actorID string) (prev, cur float64, err error) {
	if !validAmount(amount) || amount == 0 {
		return 0, 0, apperr.Validation("amount", "must be a non-zero finite number")
	}
	if reason == "" {
		return 0, 0, apperr.Validation("reason", "must not be empty")
	}
	if ownerID == "" {
		return 0, 0, apperr.Validation("owner_id", "must not be empty")
	}

	typ := TypeAdminCredit
	if amount < 0 {
		typ = TypeAdminDebit
	}
	t := &Transaction{
		OwnerID:     ownerID,
		Amount:      amount,
		Type:        typ,
		Description: reason,
		Metadata:    Metadata{Adjustment: &AdjustmentMeta{ActorID: actorID, Reason: reason}},
	}

	prev, cur, err = s.store.Apply(ctx, ownerID, amount, t)
	if err != nil {
		return 0, 0, apperr.Upstream("ledger.adjust", err)
	}
	s.metrics.AdjustTotal.WithLabelValues(string(typ)).Inc()
	return prev, cur, nil
}

// DeductForUsage records a negative usage transaction after a provider call
// completed. It never rejects on insufficient balance: cost is only known
// after the response, so this is spend-then-reconcile, clamped at zero.
func (s *Service) DeductForUsage(ctx context.Context, ownerID string, cost float64, meta UsageMeta) (*Transaction, error) {
	if !validAmount(cost) || cost < 0 {
		return nil, apperr.Validation("cost", "must be a non-negative finite number")
	}

	start := time.Now()
	t := &Transaction{
		OwnerID:     ownerID,
		Amount:      -cost,
		Type:        TypeUsage,
		Description: fmt.Sprintf("AI usage: %s", meta.Model),
		Metadata:    Metadata{Usage: &meta},
	}
	_, cur, err := s.store.Apply(ctx, ownerID, -cost, t)
	s.metrics.DeductDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		s.metrics.DeductTotal.WithLabelValues("error").Inc()
		return nil, apperr.Upstream("ledger.deduct", err)
	}
	s.metrics.DeductTotal.WithLabelValues("ok").Inc()
	s.metrics.DeductAmount.Add(cost)

	if s.lowThreshold > 0 && cur < s.lowThreshold {
		s.notifyLowBalance(ownerID, cur)
	}
	return t, nil
}

// CreditPurchase credits a completed payment exactly once per payment id.
func (s *Service) CreditPurchase(ctx context.Context, ownerID string, amount float64, paymentID, method string) error {
	if !validAmount(amount) || amount <= 0 {
		return apperr.Validation("amount", "must be a positive finite number")
	}
	if paymentID == "" {
		return apperr.Validation("payment_id", "must not be empty")
	}

	t := &Transaction{
		OwnerID:     ownerID,
		Amount:      amount,
		Type:        TypePurchase,
		Description: fmt.Sprintf("credit purchase via %s", method),
		Metadata:    Metadata{Purchase: &PurchaseMeta{PaymentID: paymentID, Method: method}},
	}
	if _, err := s.store.CreditIdempotent(ctx, ownerID, amount, paymentID, t); err != nil {
		if errors.Is(err, ErrDuplicatePayment) {
			s.metrics.CreditTotal.WithLabelValues("duplicate").Inc()
			s.log.Info("duplicate payment credit skipped", "payment_id", paymentID, "owner_id", ownerID)
			return nil
		}
		s.metrics.CreditTotal.WithLabelValues("error").Inc()
		return apperr.Upstream("ledger.credit", err)
	}
	s.metrics.CreditTotal.WithLabelValues("applied").Inc()
	s.metrics.CreditAmount.Add(amount)
	return nil
}

// Balance returns the owner's balance, zero-valued when the row does not
// exist yet.
func (s *Service) Balance(ctx context.Context, ownerID string) (*Balance, error) {
	b, err := s.store.GetBalance(ctx, ownerID)
	if err != nil {
		return nil, apperr.Upstream("ledger.balance", err)
	}
	if b == nil {
		b = &Balance{OwnerID: ownerID}
	}
	return b, nil
}

func (s *Service) Transactions(ctx context.Context, ownerID string, page, pageSize int) ([]Transaction, int64, error) {
	txns, total, err := s.store.ListTransactions(ctx, ownerID, page, pageSize)
	if err != nil {
		return nil, 0, apperr.Upstream("ledger.transactions", err)
	}
	return txns, total, nil
}

func (s *Service) MonthlyProviderSpend(ctx context.Context, ref time.Time) ([]ProviderSpend, error) {
	spend, err := s.store.MonthlyProviderSpend(ctx, ref)
	if err != nil {
		return nil, apperr.Upstream("ledger.provider_spend", err)
	}
	return spend, nil
}

func (s *Service) notifyLowBalance(ownerID string, balance float64) {
	if s.notify == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.notify.LowBalance(ctx, ownerID, balance)
	}()
}
