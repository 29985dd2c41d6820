package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/iaiaz/mifa-credits/internal/apperr"
	"github.com/iaiaz/mifa-credits/internal/domain/classes"
	"github.com/iaiaz/mifa-credits/internal/domain/ledger"
	"github.com/iaiaz/mifa-credits/internal/domain/orgs"
)

// errorBody is the single error envelope for every non-2xx response.
type errorBody struct {
	Error    string     `json:"error"`
	Field    string     `json:"field,omitempty"`
	Reason   string     `json:"reason,omitempty"`
	Detail   string     `json:"detail,omitempty"`
	Tier     string     `json:"tier,omitempty"`
	Limit    int        `json:"limit,omitempty"`
	ResetAt  *time.Time `json:"reset_at,omitempty"`
	ResumeAt *time.Time `json:"resume_at,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr maps the error taxonomy onto HTTP statuses. Business conflicts
// (exhausted pools, closed classes, spent invites) come back as 409 so
// clients can distinguish them from malformed input.
func writeErr(w http.ResponseWriter, err error) {
	var ve *apperr.ValidationError
	if errors.As(err, &ve) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation_failed", Field: ve.Field, Detail: ve.Msg})
		return
	}

	var rl *apperr.RateLimitedError
	if errors.As(err, &rl) {
		reset := rl.ResetAt
		writeJSON(w, http.StatusTooManyRequests, errorBody{
			Error: "rate_limited", Tier: rl.Tier, Limit: rl.Limit, ResetAt: &reset,
		})
		return
	}

	var pe *apperr.PreconditionError
	if errors.As(err, &pe) {
		writeJSON(w, http.StatusForbidden, errorBody{
			Error: "precondition_failed", Reason: string(pe.Reason), Detail: pe.Detail, ResumeAt: pe.ResumeAt,
		})
		return
	}

	switch {
	case errors.Is(err, apperr.ErrValidation):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation_failed"})
	case errors.Is(err, apperr.ErrNotFound), errors.Is(err, pgx.ErrNoRows):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found"})
	case errors.Is(err, apperr.ErrForbidden):
		writeJSON(w, http.StatusForbidden, errorBody{Error: "forbidden"})
	case errors.Is(err, orgs.ErrInsufficientPool),
		errors.Is(err, orgs.ErrInsufficientMember),
		errors.Is(err, classes.ErrInsufficientOrg):
		writeJSON(w, http.StatusConflict, errorBody{Error: "insufficient_credits", Detail: err.Error()})
	case errors.Is(err, orgs.ErrInviteInvalid):
		writeJSON(w, http.StatusConflict, errorBody{Error: "invite_invalid"})
	case errors.Is(err, orgs.ErrAlreadyMember):
		writeJSON(w, http.StatusConflict, errorBody{Error: "already_member"})
	case errors.Is(err, classes.ErrNotJoinable):
		writeJSON(w, http.StatusConflict, errorBody{Error: "class_not_joinable"})
	case errors.Is(err, classes.ErrNotReopenable):
		writeJSON(w, http.StatusConflict, errorBody{Error: "class_not_reopenable"})
	case errors.Is(err, ledger.ErrDuplicatePayment):
		writeJSON(w, http.StatusConflict, errorBody{Error: "duplicate_payment"})
	default:
		var ue *apperr.UpstreamError
		if errors.As(err, &ue) {
			writeJSON(w, http.StatusBadGateway, errorBody{Error: "upstream_failed"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal"})
	}
}
