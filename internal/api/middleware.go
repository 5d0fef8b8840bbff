package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"

	"github.com/kuitang/compass/internal/billing"
	"github.com/kuitang/compass/internal/errs"
	"github.com/kuitang/compass/internal/obs"
	"github.com/kuitang/compass/internal/ratelimit"
	"github.com/kuitang/compass/internal/storage"
)

type orgContextKey struct{}

func orgFrom(ctx context.Context) *storage.Organization {
	org, _ := ctx.Value(orgContextKey{}).(*storage.Organization)
	return org
}

// admin checks the bearer token. With no token configured every request is
// allowed, which is only meant for local development.
func (h *Handler) admin(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.adminToken != "" {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(h.adminToken)) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="compass"`)
				writeError(w, http.StatusUnauthorized, "missing or invalid admin token")
				return
			}
		}
		next(w, r)
	})
}

// org resolves {org}, stores the organization in the request context, and
// applies the per-organization rate limit.
func (h *Handler) org(next http.HandlerFunc) http.Handler {
	var inner http.Handler = next
	if h.limiter != nil {
		inner = ratelimit.Middleware(h.limiter, orgRateKey, h.rateLimited)(next)
	}
	return h.admin(func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.PathValue("org"), 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "invalid organization id")
			return
		}
		org, err := h.store.GetOrganization(r.Context(), id)
		if err != nil {
			h.writeErr(w, r, err)
			return
		}
		ctx := context.WithValue(obs.WithOrganization(r.Context(), org.ID), orgContextKey{}, org)
		inner.ServeHTTP(w, r.WithContext(ctx))
	})
}

// orgRateKey grants the paid tier to organizations with an active subscription.
func orgRateKey(r *http.Request) (int64, bool, bool) {
	org := orgFrom(r.Context())
	if org == nil {
		return 0, false, false
	}
	return org.ID, org.StripeSubscriptionStatus == billing.StatusActive, true
}

func (h *Handler) rateLimited(w http.ResponseWriter, r *http.Request) {
	h.writeErr(w, r, errs.New(errs.ResourceExhausted, "rate limit exceeded"))
}
