package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iaiaz/mifa-credits/internal/apperr"
	"github.com/iaiaz/mifa-credits/internal/domain/ledger"
	"github.com/iaiaz/mifa-credits/internal/domain/orgs"
	"github.com/iaiaz/mifa-credits/internal/domain/ratelimit"
	"github.com/iaiaz/mifa-credits/internal/identity"
)

func TestWriteErrMapping(t *testing.T) {
	resetAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantBody   string
	}{
		{"validation", apperr.Validation("amount", "must be positive"), http.StatusBadRequest, `"field":"amount"`},
		{"rate_limited", &apperr.RateLimitedError{Tier: "standard", Limit: 30, ResetAt: resetAt}, http.StatusTooManyRequests, `"tier":"standard"`},
		{"precondition", &apperr.PreconditionError{Reason: apperr.ReasonQuietHours, Detail: "chat is suspended until 07:00"}, http.StatusForbidden, `"reason":"quiet_hours"`},
		{"not_found", apperr.ErrNotFound, http.StatusNotFound, `"error":"not_found"`},
		{"forbidden", apperr.ErrForbidden, http.StatusForbidden, `"error":"forbidden"`},
		{"insufficient_pool", orgs.ErrInsufficientPool, http.StatusConflict, `"error":"insufficient_credits"`},
		{"upstream", apperr.Upstream("db", errors.New("connection reset")), http.StatusBadGateway, `"error":"upstream_failed"`},
		{"opaque", errors.New("boom"), http.StatusInternalServerError, `"error":"internal"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeErr(rec, tc.err)
			assert.Equal(t, tc.wantStatus, rec.Code)
			assert.Contains(t, rec.Body.String(), tc.wantBody)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		})
	}
}

type stubIdentity struct {
	users map[string]*identity.User
}

func (s *stubIdentity) CurrentUser(ctx context.Context, token string) (*identity.User, error) {
	return s.users[token], nil
}

func newAuthTestHandlers() *Handlers {
	lim := ratelimit.NewLimiter(ratelimit.NewMemoryStore(), ratelimit.DefaultTable())
	id := &stubIdentity{users: map[string]*identity.User{
		"tok-user":  {ID: "u1", Age: 30, Tier: "standard"},
		"tok-admin": {ID: "admin1", Age: 40},
	}}
	return NewHandlers(nil, nil, nil, nil, lim, nil, nil, id, []string{"admin1"}, slog.Default())
}

func TestRequireAuth(t *testing.T) {
	h := newAuthTestHandlers()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/limits", h.requireAuth(h.getLimits))

	req := httptest.NewRequest(http.MethodGet, "/v1/limits", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "missing token")

	req = httptest.NewRequest(http.MethodGet, "/v1/limits", nil)
	req.Header.Set("Authorization", "Bearer tok-nobody")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "unknown token")

	req = httptest.NewRequest(http.MethodGet, "/v1/limits", nil)
	req.Header.Set("Authorization", "Bearer tok-user")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"limits"`)
}

func TestRequireAdmin(t *testing.T) {
	h := newAuthTestHandlers()
	called := false
	handler := h.requireAdmin(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/admin/credits/adjust", nil)
	req.Header.Set("Authorization", "Bearer tok-user")
	rec := httptest.NewRecorder()
	handler(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.False(t, called)

	req = httptest.NewRequest(http.MethodPost, "/v1/admin/credits/adjust", nil)
	req.Header.Set("Authorization", "Bearer tok-admin")
	rec = httptest.NewRecorder()
	handler(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, called)
}

// clampingLedgerStore serves pages the way the pg repository does: requests
// over 200 rows fall back to 50. The export must therefore walk pages instead
// of asking for the whole history at once.
type clampingLedgerStore struct {
	txns      []ledger.Transaction
	pageSizes []int
}

func (s *clampingLedgerStore) ListTransactions(ctx context.Context, ownerID string, page, pageSize int) ([]ledger.Transaction, int64, error) {
	s.pageSizes = append(s.pageSizes, pageSize)
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 50
	}
	from := (page - 1) * pageSize
	if from >= len(s.txns) {
		return nil, int64(len(s.txns)), nil
	}
	to := from + pageSize
	if to > len(s.txns) {
		to = len(s.txns)
	}
	return s.txns[from:to], int64(len(s.txns)), nil
}

func (s *clampingLedgerStore) GetBalance(ctx context.Context, ownerID string) (*ledger.Balance, error) {
	return nil, nil
}

func (s *clampingLedgerStore) Apply(ctx context.Context, ownerID string, delta float64, t *ledger.Transaction) (float64, float64, error) {
	return 0, 0, nil
}

func (s *clampingLedgerStore) CreditIdempotent(ctx context.Context, ownerID string, amount float64, paymentID string, t *ledger.Transaction) (float64, error) {
	return 0, nil
}

func (s *clampingLedgerStore) MonthlyProviderSpend(ctx context.Context, ref time.Time) ([]ledger.ProviderSpend, error) {
	return nil, nil
}

func TestCollectTransactionsPagesPastRepoCap(t *testing.T) {
	store := &clampingLedgerStore{}
	for i := 0; i < 450; i++ {
		store.txns = append(store.txns, ledger.Transaction{
			ID: "t" + string(rune('a'+i%26)), OwnerID: "u1",
			Amount: -0.01, Type: ledger.TypeUsage,
		})
	}
	h := &Handlers{ledger: ledger.NewService(store, nil, slog.Default(), 0)}

	all, err := h.collectTransactions(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, all, 450, "export must not stop at the repository page cap")

	require.NotEmpty(t, store.pageSizes)
	for _, ps := range store.pageSizes {
		assert.LessOrEqual(t, ps, 200, "requested page size must stay under the repository cap")
	}
}

func TestCollectTransactionsStopsAtMaxRows(t *testing.T) {
	store := &clampingLedgerStore{}
	for i := 0; i < exportMaxRows+300; i++ {
		store.txns = append(store.txns, ledger.Transaction{ID: "t", OwnerID: "u1", Type: ledger.TypeUsage})
	}
	h := &Handlers{ledger: ledger.NewService(store, nil, slog.Default(), 0)}

	all, err := h.collectTransactions(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, all, exportMaxRows)
}

func TestBuildExport(t *testing.T) {
	now := time.Date(2026, 2, 10, 9, 30, 0, 0, time.UTC)
	txns := []ledger.Transaction{
		{
			ID: "t2", OwnerID: "u1", Amount: -0.42, Type: ledger.TypeUsage,
			Description: "usage gpt-4o",
			Metadata:    ledger.Metadata{Usage: &ledger.UsageMeta{Model: "gpt-4o"}},
			CreatedAt:   now,
		},
		{
			ID: "t1", OwnerID: "u1", Amount: 10, Type: ledger.TypePurchase,
			Description: "credit pack",
			Metadata:    ledger.Metadata{Purchase: &ledger.PurchaseMeta{PaymentID: "cs_123", Method: "stripe"}},
			CreatedAt:   now.Add(-time.Hour),
		},
	}

	f, err := buildExport("u1", txns)
	require.NoError(t, err)

	title, err := f.GetCellValue("Transactions", "A1")
	require.NoError(t, err)
	assert.Equal(t, "Transactions for u1", title)

	model, err := f.GetCellValue("Transactions", "E4")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", model)

	payment, err := f.GetCellValue("Transactions", "F5")
	require.NoError(t, err)
	assert.Equal(t, "cs_123", payment)
}
