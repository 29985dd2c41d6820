// Package api exposes the accounting core over HTTP. Routes are registered on
// a plain ServeMux; authentication is delegated to the identity service via
// bearer tokens.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/iaiaz/mifa-credits/internal/apperr"
	"github.com/iaiaz/mifa-credits/internal/domain/classes"
	"github.com/iaiaz/mifa-credits/internal/domain/family"
	"github.com/iaiaz/mifa-credits/internal/domain/ledger"
	"github.com/iaiaz/mifa-credits/internal/domain/orgs"
	"github.com/iaiaz/mifa-credits/internal/domain/ratelimit"
	"github.com/iaiaz/mifa-credits/internal/domain/usage"
	"github.com/iaiaz/mifa-credits/internal/infra/payments"
)

// inviteTrial is the unsubscribed-guardian trial period started when a minor
// joins a family org.
const inviteTrial = 14 * 24 * time.Hour

type Handlers struct {
	ledger   *ledger.Service
	orgs     *orgs.Service
	classes  *classes.Service
	family   *family.Repo
	limiter  *ratelimit.Limiter
	usage    *usage.Service
	payments *payments.Client
	identity authClient
	admins   map[string]bool
	log      *slog.Logger
}

func NewHandlers(
	led *ledger.Service,
	org *orgs.Service,
	cls *classes.Service,
	fam *family.Repo,
	lim *ratelimit.Limiter,
	use *usage.Service,
	pay *payments.Client,
	id authClient,
	adminIDs []string,
	log *slog.Logger,
) *Handlers {
	admins := make(map[string]bool, len(adminIDs))
	for _, a := range adminIDs {
		admins[a] = true
	}
	return &Handlers{
		ledger: led, orgs: org, classes: cls, family: fam, limiter: lim,
		usage: use, payments: pay, identity: id, admins: admins, log: log,
	}
}

func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/balance", h.requireAuth(h.getBalance))
	mux.HandleFunc("GET /v1/transactions", h.requireAuth(h.listTransactions))
	mux.HandleFunc("GET /v1/limits", h.requireAuth(h.getLimits))

	mux.HandleFunc("POST /v1/usage/authorize", h.requireAuth(h.authorizeUsage))
	mux.HandleFunc("POST /v1/usage/settle", h.requireAuth(h.settleUsage))

	mux.HandleFunc("POST /v1/orgs", h.requireAuth(h.createOrg))
	mux.HandleFunc("GET /v1/orgs/{id}", h.requireOrgAdmin(h.getOrg))
	mux.HandleFunc("POST /v1/orgs/{id}/allocations", h.requireOrgAdmin(h.allocate))
	mux.HandleFunc("POST /v1/orgs/{id}/reclaims", h.requireOrgAdmin(h.reclaim))
	mux.HandleFunc("POST /v1/orgs/{id}/invites", h.requireOrgAdmin(h.createInvite))
	mux.HandleFunc("POST /v1/invites/accept", h.requireAuth(h.acceptInvite))

	mux.HandleFunc("POST /v1/classes", h.requireAuth(h.createClass))
	mux.HandleFunc("POST /v1/classes/join", h.requireAuth(h.joinClass))
	mux.HandleFunc("POST /v1/classes/{id}/close", h.requireAuth(h.closeClass))
	mux.HandleFunc("POST /v1/classes/{id}/reopen", h.requireAuth(h.reopenClass))

	mux.HandleFunc("PATCH /v1/family/{user_id}/guardrails", h.requireAuth(h.setGuardrails))

	mux.HandleFunc("POST /v1/checkout", h.requireAuth(h.createCheckout))
	mux.HandleFunc("POST /webhooks/stripe", h.stripeWebhook)

	mux.HandleFunc("POST /v1/admin/credits/adjust", h.requireAdmin(h.adjustCredits))
	mux.HandleFunc("PATCH /v1/admin/family/{user_id}/mode", h.requireAdmin(h.setSupervisionMode))
	mux.HandleFunc("GET /v1/admin/transactions/export", h.requireAdmin(h.exportTransactions))
	mux.HandleFunc("GET /v1/admin/provider-spend", h.requireAdmin(h.providerSpend))
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Validation("body", "malformed JSON")
	}
	return nil
}

func (h *Handlers) getBalance(w http.ResponseWriter, r *http.Request) {
	b, err := h.ledger.Balance(r.Context(), userFrom(r.Context()).ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"owner_id": b.OwnerID,
		"balance":  b.Balance,
	})
}

func (h *Handlers) listTransactions(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	size, _ := strconv.Atoi(r.URL.Query().Get("page_size"))

	txns, total, err := h.ledger.Transactions(r.Context(), userFrom(r.Context()).ID, page, size)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transactions": txns,
		"total":        total,
	})
}

func (h *Handlers) getLimits(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.limiter.Statuses(r.Context(), userFrom(r.Context()).ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"limits": statuses})
}

func (h *Handlers) authorizeUsage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model string `json:"model"`
	}
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if err := h.usage.Authorize(r.Context(), userFrom(r.Context()).ID, req.Model); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"allowed": true})
}

func (h *Handlers) settleUsage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model            string `json:"model"`
		PromptTokens     int64  `json:"prompt_tokens"`
		CompletionTokens int64  `json:"completion_tokens"`
		ClassID          string `json:"class_id"`
		OrgID            string `json:"org_id"`
	}
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	txn, err := h.usage.Settle(r.Context(), usage.SettleRequest{
		UserID:           userFrom(r.Context()).ID,
		Model:            req.Model,
		PromptTokens:     req.PromptTokens,
		CompletionTokens: req.CompletionTokens,
		ClassID:          req.ClassID,
		OrgID:            req.OrgID,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

func (h *Handlers) createOrg(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
		Kind string `json:"kind"`
	}
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	org, err := h.orgs.Create(r.Context(), req.Name, orgs.Kind(req.Kind), userFrom(r.Context()).ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, org)
}

func (h *Handlers) getOrg(w http.ResponseWriter, r *http.Request) {
	org, err := h.orgs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, org)
}

func (h *Handlers) allocate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string  `json:"user_id"`
		Amount float64 `json:"amount"`
	}
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	err := h.orgs.Allocate(r.Context(), r.PathValue("id"), req.UserID, req.Amount, userFrom(r.Context()).ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) reclaim(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string  `json:"user_id"`
		Amount float64 `json:"amount"`
	}
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	err := h.orgs.Reclaim(r.Context(), r.PathValue("id"), req.UserID, req.Amount, userFrom(r.Context()).ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) createInvite(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Role     string `json:"role"`
		TTLHours int    `json:"ttl_hours"`
	}
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.TTLHours <= 0 {
		req.TTLHours = 72
	}
	inv, err := h.orgs.CreateInvite(r.Context(), r.PathValue("id"), orgs.Role(req.Role), time.Duration(req.TTLHours)*time.Hour)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inv)
}

func (h *Handlers) acceptInvite(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	u := userFrom(r.Context())
	m, err := h.orgs.AcceptInvite(r.Context(), req.Token, u.ID, u.Age, inviteTrial)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handlers) createClass(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrgID    string    `json:"org_id"`
		Name     string    `json:"name"`
		StartsAt time.Time `json:"starts_at"`
		EndsAt   time.Time `json:"ends_at"`
	}
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	ok, err := h.orgs.IsAdmin(r.Context(), req.OrgID, userFrom(r.Context()).ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if !ok {
		writeErr(w, apperr.ErrForbidden)
		return
	}
	sess, err := h.classes.Create(r.Context(), req.OrgID, req.Name, req.StartsAt, req.EndsAt)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (h *Handlers) joinClass(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code       string  `json:"code"`
		Allocation float64 `json:"allocation"`
	}
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	sess, err := h.classes.Join(r.Context(), req.Code, userFrom(r.Context()).ID, req.Allocation)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handlers) closeClass(w http.ResponseWriter, r *http.Request) {
	if err := h.mustManageClass(r); err != nil {
		writeErr(w, err)
		return
	}
	res, err := h.classes.Close(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) reopenClass(w http.ResponseWriter, r *http.Request) {
	if err := h.mustManageClass(r); err != nil {
		writeErr(w, err)
		return
	}
	if err := h.classes.Reopen(r.Context(), r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// mustManageClass requires admin membership in the org owning the class.
func (h *Handlers) mustManageClass(r *http.Request) error {
	sess, err := h.classes.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		return err
	}
	ok, err := h.orgs.IsAdmin(r.Context(), sess.OrgID, userFrom(r.Context()).ID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.ErrForbidden
	}
	return nil
}

func (h *Handlers) setGuardrails(w http.ResponseWriter, r *http.Request) {
	var req struct {
		QuietStartMin int     `json:"quiet_start_min"`
		QuietEndMin   int     `json:"quiet_end_min"`
		DailyLimit    float64 `json:"daily_limit"`
	}
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	targetID := r.PathValue("user_id")

	rec, err := h.family.Get(r.Context(), targetID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if rec == nil {
		writeErr(w, apperr.ErrNotFound)
		return
	}
	// Only a guardian (admin of the supervising org) changes guardrails.
	ok, err := h.orgs.IsAdmin(r.Context(), rec.OrgID, userFrom(r.Context()).ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if !ok {
		writeErr(w, apperr.ErrForbidden)
		return
	}
	if err := h.family.SetGuardrails(r.Context(), targetID, req.QuietStartMin, req.QuietEndMin, req.DailyLimit); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// setSupervisionMode is the explicit admin override; the mode is otherwise
// fixed at invite acceptance.
func (h *Handlers) setSupervisionMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"`
	}
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	mode := family.Mode(req.Mode)
	switch mode {
	case family.ModeGuided, family.ModeTrusted, family.ModeAdult:
	default:
		writeErr(w, apperr.Validation("mode", "must be guided, trusted or adult"))
		return
	}
	if err := h.family.SetMode(r.Context(), r.PathValue("user_id"), mode); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) createCheckout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AmountEUR  float64 `json:"amount_eur"`
		SuccessURL string  `json:"success_url"`
		CancelURL  string  `json:"cancel_url"`
	}
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.AmountEUR <= 0 {
		writeErr(w, apperr.Validation("amount_eur", "must be positive"))
		return
	}
	sess, err := h.payments.CreateCheckout(r.Context(), payments.CheckoutParams{
		UserID:     userFrom(r.Context()).ID,
		AmountEUR:  req.AmountEUR,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"session_id": sess.ID,
		"url":        sess.URL,
	})
}

func (h *Handlers) stripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := readBody(r, 1<<16)
	if err != nil {
		writeErr(w, apperr.Validation("body", "unreadable payload"))
		return
	}
	if err := h.payments.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature")); err != nil {
		h.log.Error("stripe webhook rejected", "err", err)
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "webhook_rejected"})
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handlers) adjustCredits(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OwnerID string  `json:"owner_id"`
		Amount  float64 `json:"amount"`
		Reason  string  `json:"reason"`
	}
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	prev, cur, err := h.ledger.Adjust(r.Context(), req.OwnerID, req.Amount, req.Reason, userFrom(r.Context()).ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"owner_id":         req.OwnerID,
		"previous_balance": prev,
		"balance":          cur,
	})
}

func (h *Handlers) exportTransactions(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("owner_id")
	if ownerID == "" {
		writeErr(w, apperr.Validation("owner_id", "required"))
		return
	}
	txns, err := h.collectTransactions(r.Context(), ownerID)
	if err != nil {
		writeErr(w, err)
		return
	}
	f, err := buildExport(ownerID, txns)
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="transactions_`+ownerID+`.xlsx"`)
	if err := f.Write(w); err != nil {
		h.log.Error("export write failed", "owner_id", ownerID, "err", err)
	}
}

// collectTransactions pages through the full history up to exportMaxRows.
func (h *Handlers) collectTransactions(ctx context.Context, ownerID string) ([]ledger.Transaction, error) {
	var all []ledger.Transaction
	for page := 1; len(all) < exportMaxRows; page++ {
		txns, total, err := h.ledger.Transactions(ctx, ownerID, page, exportPageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, txns...)
		if len(txns) == 0 || int64(len(all)) >= total {
			break
		}
	}
	if len(all) > exportMaxRows {
		all = all[:exportMaxRows]
	}
	return all, nil
}

func (h *Handlers) providerSpend(w http.ResponseWriter, r *http.Request) {
	ref := time.Now()
	if m := r.URL.Query().Get("month"); m != "" {
		parsed, err := time.Parse("2006-01", m)
		if err != nil {
			writeErr(w, apperr.Validation("month", "expected YYYY-MM"))
			return
		}
		ref = parsed
	}
	spend, err := h.ledger.MonthlyProviderSpend(r.Context(), ref)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"month": ref.Format("2006-01"),
		"spend": spend,
	})
}
