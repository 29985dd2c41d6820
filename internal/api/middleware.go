package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/iaiaz/mifa-credits/internal/identity"
)

type ctxKey int

const userKey ctxKey = iota

type authClient interface {
	CurrentUser(ctx context.Context, token string) (*identity.User, error)
}

// userFrom returns the authenticated user stored by requireAuth.
func userFrom(ctx context.Context) *identity.User {
	u, _ := ctx.Value(userKey).(*identity.User)
	return u
}

// requireAuth resolves the bearer token against the identity service and
// rejects the request if no user comes back.
func (h *Handlers) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
			return
		}
		u, err := h.identity.CurrentUser(r.Context(), token)
		if err != nil {
			writeErr(w, err)
			return
		}
		if u == nil {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userKey, u)))
	}
}

// requireAdmin additionally checks the platform admin allowlist.
func (h *Handlers) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return h.requireAuth(func(w http.ResponseWriter, r *http.Request) {
		if !h.admins[userFrom(r.Context()).ID] {
			writeJSON(w, http.StatusForbidden, errorBody{Error: "forbidden"})
			return
		}
		next(w, r)
	})
}

// requireOrgAdmin checks owner/admin membership in the org named by the
// request path.
func (h *Handlers) requireOrgAdmin(next http.HandlerFunc) http.HandlerFunc {
	return h.requireAuth(func(w http.ResponseWriter, r *http.Request) {
		orgID := r.PathValue("id")
		ok, err := h.orgs.IsAdmin(r.Context(), orgID, userFrom(r.Context()).ID)
		if err != nil {
			writeErr(w, err)
			return
		}
		if !ok {
			writeJSON(w, http.StatusForbidden, errorBody{Error: "forbidden"})
			return
		}
		next(w, r)
	})
}
