// Package httpapi is the HTTP surface: the session verification pipeline,
// the rate-limit gates, and handlers for the auth and membership operations.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"tenantcore.org/internal/audit"
	"tenantcore.org/internal/config"
	"tenantcore.org/internal/docstore"
	"tenantcore.org/internal/fault"
	"tenantcore.org/internal/identity"
	"tenantcore.org/internal/membership"
	"tenantcore.org/internal/obs"
	"tenantcore.org/internal/ratelimit"
)

// API wires the HTTP router to the domain services.
type API struct {
	router  chi.Router
	docs    docstore.Store
	idp     identity.Provider
	members *membership.Service
	limiter *ratelimit.Limiter
	version string
}

// New builds the router with the full middleware stack.
func New(docs docstore.Store, idp identity.Provider, members *membership.Service, limiter *ratelimit.Limiter, cfg *config.Config, version string) *API {
	a := &API{
		docs:    docs,
		idp:     idp,
		members: members,
		limiter: limiter,
		version: version,
	}

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Logging)
	r.Use(SecurityHeaders)
	r.Use(CORS)
	r.Use(MaxBodyBytes(cfg.Server.MaxBodyBytes))
	r.Use(EdgeRateLimit(cfg.RateLimit.EdgePerSecond, cfg.RateLimit.EdgeBurst))

	r.Get("/healthz", a.handleHealthz)
	r.Get("/readyz", a.handleReadyz)
	r.Get("/v1/info", a.handleInfo)
	r.Method(http.MethodGet, "/metrics", obs.Handler())

	r.Group(func(r chi.Router) {
		r.Use(a.redirectAuthenticated)
		r.Post("/v1/auth/signup", a.handleSignup)
		r.Post("/v1/auth/token", a.handleLogin)
	})

	r.Group(func(r chi.Router) {
		r.Use(a.withSession)

		// Reachable while account setup is still incomplete.
		r.Get("/v1/session", a.handleSession)
		r.Post("/v1/auth/refresh", a.handleRefresh)
		r.Post("/v1/invitations/accept", a.handleAcceptInvitation)

		r.Group(func(r chi.Router) {
			r.Use(a.requireTenant)

			r.Get("/v1/tenant", a.handleGetTenant)
			r.Post("/v1/tenant/transfer-ownership", a.handleTransferOwnership)

			r.Get("/v1/users", a.handleListUsers)
			r.Put("/v1/users/{uid}/role", a.handleUpdateRole)
			r.Put("/v1/users/{uid}/permissions", a.handleUpdatePermissions)
			r.Delete("/v1/users/{uid}", a.handleDeleteUser)

			r.Get("/v1/invitations", a.handleListInvitations)
			r.Post("/v1/invitations", a.handleCreateInvitation)
			r.Delete("/v1/invitations/{id}", a.handleRevokeInvitation)
		})
	})

	a.router = r
	return a
}

// Handler returns the instrumented root handler.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.router)
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "tenantcore-api",
		"version": a.version,
	})
}

func (a *API) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := a.docs.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "tenantcore-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// httpStatus is the single mapping from fault codes to HTTP statuses.
func httpStatus(code fault.Code) int {
	switch code {
	case fault.Unauthenticated:
		return http.StatusUnauthorized
	case fault.PermissionDenied, fault.SetupIncomplete:
		return http.StatusForbidden
	case fault.InvalidArgument:
		return http.StatusBadRequest
	case fault.AlreadyExists:
		return http.StatusConflict
	case fault.NotFound:
		return http.StatusNotFound
	case fault.ResourceExhausted:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := fault.CodeOf(err)
	msg := err.Error()
	if code == fault.Internal || code == fault.SecurityViolation {
		// Internal detail stays in the logs.
		msg = "internal error"
	}
	payload := map[string]any{
		"error": msg,
		"code":  string(code),
	}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, httpStatus(code), payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fault.New(fault.InvalidArgument, "request body is required")
		}
		return fault.Wrap(fault.InvalidArgument, err, "invalid request body")
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fault.New(fault.InvalidArgument, "unexpected data after JSON body")
	}
	return nil
}

func retryAfterSeconds(d time.Duration) int {
	s := int(d.Round(time.Second) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

func queryFlag(r *http.Request, name string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(name))
	return err == nil && v
}
