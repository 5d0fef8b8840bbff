// Package api serves the compass admin HTTP API: organizations, warehouse
// connections, bot mappings, quota, and the Stripe webhook.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/kuitang/compass/internal/billing"
	"github.com/kuitang/compass/internal/crypto"
	"github.com/kuitang/compass/internal/db"
	"github.com/kuitang/compass/internal/errs"
	"github.com/kuitang/compass/internal/logutil"
	"github.com/kuitang/compass/internal/obs"
	"github.com/kuitang/compass/internal/ratelimit"
	"github.com/kuitang/compass/internal/storage"
	"github.com/kuitang/compass/internal/urlutil"
)

const (
	maxBodyBytes    = 1 << 20
	maxWebhookBytes = 64 << 10
)

// Handler wraps the store and billing service and provides HTTP handlers.
type Handler struct {
	store      *storage.Store
	billing    billing.BillingService
	limiter    *ratelimit.Limiter
	adminToken string
	baseURL    string
	logger     *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithAdminToken requires "Authorization: Bearer <token>" on admin routes.
func WithAdminToken(token string) Option {
	return func(h *Handler) { h.adminToken = token }
}

// WithRateLimiter throttles organization routes per organization.
func WithRateLimiter(l *ratelimit.Limiter) Option {
	return func(h *Handler) { h.limiter = l }
}

// WithBaseURL sets the public base used for checkout return URLs.
func WithBaseURL(base string) Option {
	return func(h *Handler) { h.baseURL = base }
}

// NewHandler creates a new API handler. billingSvc may be nil, in which case
// billing routes answer 503.
func NewHandler(store *storage.Store, billingSvc billing.BillingService, opts ...Option) *Handler {
	h := &Handler{store: store, billing: billingSvc, logger: obs.Pkg("api")}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes registers all routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Health)
	mux.HandleFunc("POST /billing/webhook", h.BillingWebhook)

	mux.Handle("GET /organizations", h.admin(h.ListOrganizations))
	mux.Handle("POST /organizations", h.admin(h.CreateOrganization))
	mux.Handle("GET /organizations/{org}", h.org(h.GetOrganization))
	mux.Handle("DELETE /organizations/{org}", h.org(h.DeleteOrganization))
	mux.Handle("GET /organizations/{org}/connections", h.org(h.ListConnections))
	mux.Handle("PUT /organizations/{org}/connections/{name}", h.org(h.PutConnection))
	mux.Handle("DELETE /organizations/{org}/connections/{name}", h.org(h.DeleteConnection))
	mux.Handle("GET /organizations/{org}/bots/{bot}/connections", h.org(h.GetBotConnections))
	mux.Handle("PUT /organizations/{org}/bots/{bot}/connections", h.org(h.ReconcileBotConnections))
	mux.Handle("GET /organizations/{org}/quota", h.org(h.GetQuota))
	mux.Handle("POST /organizations/{org}/answers", h.org(h.RecordAnswer))
	mux.Handle("POST /organizations/{org}/billing/checkout", h.org(h.CreateCheckout))
}

// Health handles GET /healthz - pings the database.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DB().SQL().PingContext(r.Context()); err != nil {
		obs.From(r.Context()).Warn("health check failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// BillingWebhook handles POST /billing/webhook - verifies and applies a Stripe event.
func (h *Handler) BillingWebhook(w http.ResponseWriter, r *http.Request) {
	if h.billing == nil {
		writeError(w, http.StatusServiceUnavailable, "billing is not configured")
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}
	if err := h.billing.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature")); err != nil {
		h.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// ListOrganizations handles GET /organizations.
func (h *Handler) ListOrganizations(w http.ResponseWriter, r *http.Request) {
	orgs, err := h.store.ListOrganizations(r.Context())
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	if orgs == nil {
		orgs = []*storage.Organization{}
	}
	writeJSON(w, http.StatusOK, orgs)
}

// CreateOrganizationRequest is the body of POST /organizations.
type CreateOrganizationRequest struct {
	Name     string `json:"name"`
	Industry string `json:"industry,omitempty"`
}

// CreateOrganization handles POST /organizations.
func (h *Handler) CreateOrganization(w http.ResponseWriter, r *http.Request) {
	var req CreateOrganizationRequest
	if !decode(w, r, &req) {
		return
	}
	org, err := h.store.CreateOrganization(r.Context(), req.Name, req.Industry)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, org)
}

// GetOrganization handles GET /organizations/{org}.
func (h *Handler) GetOrganization(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, orgFrom(r.Context()))
}

// DeleteOrganization handles DELETE /organizations/{org}. Everything the
// organization owns is removed with it.
func (h *Handler) DeleteOrganization(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteOrganization(r.Context(), orgFrom(r.Context()).ID); err != nil {
		h.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ConnectionView is a connection as the API returns it. The URL is redacted;
// plaintext URLs never leave the process.
type ConnectionView struct {
	*storage.ConnectionDetails
	RedactedURL string `json:"url_redacted"`
}

// ListConnections handles GET /organizations/{org}/connections.
func (h *Handler) ListConnections(w http.ResponseWriter, r *http.Request) {
	details, err := h.store.GetOrganizationConnectionsWithDetails(r.Context(), orgFrom(r.Context()).ID)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	out := make([]ConnectionView, 0, len(details))
	for _, d := range details {
		out = append(out, ConnectionView{ConnectionDetails: d, RedactedURL: logutil.RedactConnectionURL(d.URL)})
	}
	writeJSON(w, http.StatusOK, out)
}

// PutConnectionRequest is the body of PUT /organizations/{org}/connections/{name}.
type PutConnectionRequest struct {
	URL                   string `json:"url"`
	AdditionalSQLDialect  string `json:"additional_sql_dialect,omitempty"`
	InitSQL               string `json:"init_sql,omitempty"`
	DataDocumentationRepo string `json:"data_documentation_contextstore_github_repo,omitempty"`
}

// PutConnection handles PUT /organizations/{org}/connections/{name} - creates
// or replaces the named connection.
func (h *Handler) PutConnection(w http.ResponseWriter, r *http.Request) {
	var req PutConnectionRequest
	if !decode(w, r, &req) {
		return
	}
	conn, err := h.store.UpsertConnection(r.Context(), orgFrom(r.Context()).ID, storage.ConnectionParams{
		Name:                  r.PathValue("name"),
		URL:                   req.URL,
		AdditionalSQLDialect:  req.AdditionalSQLDialect,
		InitSQL:               req.InitSQL,
		DataDocumentationRepo: req.DataDocumentationRepo,
	})
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	details, err := h.store.GetOrganizationConnectionsWithDetails(r.Context(), conn.OrganizationID)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	for _, d := range details {
		if d.Name == conn.Name {
			writeJSON(w, http.StatusOK, ConnectionView{ConnectionDetails: d, RedactedURL: logutil.RedactConnectionURL(d.URL)})
			return
		}
	}
	h.writeErr(w, r, errs.Newf(errs.NotFound, "connection %q not found", conn.Name))
}

// DeleteConnection handles DELETE /organizations/{org}/connections/{name}.
func (h *Handler) DeleteConnection(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteConnection(r.Context(), orgFrom(r.Context()).ID, r.PathValue("name")); err != nil {
		h.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// BotConnectionsResponse lists the connections a bot may query.
type BotConnectionsResponse struct {
	BotID       string   `json:"bot_id"`
	Connections []string `json:"connections"`
	// Missing names are mapped but no longer exist as connections.
	Missing []string `json:"missing,omitempty"`
}

// GetBotConnections handles GET /organizations/{org}/bots/{bot}/connections.
func (h *Handler) GetBotConnections(w http.ResponseWriter, r *http.Request) {
	botID := r.PathValue("bot")
	conns, missing, err := h.store.GetBotConnectionsWithDetails(r.Context(), orgFrom(r.Context()).ID, botID)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	names := make([]string, 0, len(conns))
	for _, c := range conns {
		names = append(names, c.Name)
	}
	writeJSON(w, http.StatusOK, BotConnectionsResponse{BotID: botID, Connections: names, Missing: missing})
}

// ReconcileRequest is the body of PUT /organizations/{org}/bots/{bot}/connections.
type ReconcileRequest struct {
	Connections []string `json:"connections"`
}

// ReconcileBotConnections handles PUT /organizations/{org}/bots/{bot}/connections
// - replaces the bot's full connection set.
func (h *Handler) ReconcileBotConnections(w http.ResponseWriter, r *http.Request) {
	var req ReconcileRequest
	if !decode(w, r, &req) {
		return
	}
	orgID, botID := orgFrom(r.Context()).ID, r.PathValue("bot")
	if err := h.store.ReconcileBotConnections(r.Context(), orgID, botID, req.Connections); err != nil {
		h.writeErr(w, r, err)
		return
	}
	names, err := h.store.GetBotConnections(r.Context(), orgID, botID)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BotConnectionsResponse{BotID: botID, Connections: names})
}

// GetQuota handles GET /organizations/{org}/quota.
func (h *Handler) GetQuota(w http.ResponseWriter, r *http.Request) {
	q, err := h.store.GetQuota(r.Context(), orgFrom(r.Context()).ID)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// RecordAnswerRequest is the body of POST /organizations/{org}/answers.
type RecordAnswerRequest struct {
	Bonus bool `json:"bonus"`
}

// RecordAnswer handles POST /organizations/{org}/answers - counts one answer
// against the current month.
func (h *Handler) RecordAnswer(w http.ResponseWriter, r *http.Request) {
	var req RecordAnswerRequest
	if !decode(w, r, &req) {
		return
	}
	usage, err := h.store.RecordAnswer(r.Context(), orgFrom(r.Context()).ID, req.Bonus)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

// CheckoutRequest is the body of POST /organizations/{org}/billing/checkout.
type CheckoutRequest struct {
	Email string `json:"email,omitempty"`
}

// CheckoutResponse carries the hosted checkout URL.
type CheckoutResponse struct {
	URL string `json:"url"`
}

// CreateCheckout handles POST /organizations/{org}/billing/checkout.
func (h *Handler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	if h.billing == nil {
		writeError(w, http.StatusServiceUnavailable, "billing is not configured")
		return
	}
	var req CheckoutRequest
	if !decode(w, r, &req) {
		return
	}
	base := urlutil.PublicBase(r, h.baseURL)
	url, err := h.billing.CreateCheckoutSession(r.Context(), orgFrom(r.Context()).ID, req.Email, base)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CheckoutResponse{URL: url})
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// decode reads a JSON body. An empty body decodes to the zero value.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return false
	}
	return true
}

// writeErr maps an error to a status code. Unique violations become 409 and
// KEK outages 503. Uncoded errors are logged and reported as a generic 500.
func (h *Handler) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	if db.IsUniqueViolation(err) {
		writeError(w, http.StatusConflict, "already exists")
		return
	}
	if errors.Is(err, crypto.ErrKEKUnavailable) {
		obs.From(r.Context()).Warn("key encryption backend unavailable", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusServiceUnavailable, "key service unavailable")
		return
	}
	code := errs.CodeOf(err)
	status := errs.HTTPStatus(code)
	if status >= http.StatusInternalServerError {
		obs.From(r.Context()).Error("request failed", "path", r.URL.Path, "code", code, "error", err)
	}
	writeError(w, status, errs.MessageOf(err))
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response with the given status code
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}
