package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"tenantcore.org/internal/fault"
	"tenantcore.org/internal/membership"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

type sessionKey struct{}

// Session is the minimal trusted context forwarded to handlers. It is built
// exclusively from a verified token; handlers never re-derive it from client
// input.
type Session struct {
	UID      string
	TenantID string
	Role     membership.Role
	Email    string
}

// Complete reports whether the claims include tenant and role. Incomplete
// sessions occur in the window between identity creation and provisioning.
func (s Session) Complete() bool {
	return s.TenantID != "" && s.Role.Valid()
}

func (s Session) actor() membership.Actor {
	return membership.Actor{UID: s.UID, TenantID: s.TenantID, Role: s.Role, Email: s.Email}
}

func sessionFromContext(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(Session)
	return s, ok
}

// withSession verifies the bearer token and installs the Session. It also
// runs the per-user counter so every authenticated call is rate limited.
func (a *API) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, fault.Wrap(fault.Unauthenticated, err, "missing credentials"))
			return
		}
		claims, err := a.idp.VerifyToken(r.Context(), token)
		if err != nil {
			writeError(w, r, err)
			return
		}

		s := Session{UID: claims.UID, TenantID: claims.Claims.TenantID, Email: claims.Email}
		if claims.Claims.Role != "" {
			if role, err := membership.ParseRole(claims.Claims.Role); err == nil {
				s.Role = role
			}
		}

		dec, err := a.limiter.AllowUser(r.Context(), s.UID)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(dec.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(dec.Remaining))
		if err != nil {
			if fault.IsCode(err, fault.ResourceExhausted) {
				w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(dec.RetryAfter)))
			}
			writeError(w, r, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, s)))
	})
}

// requireTenant gates routes that need complete claims, and runs the
// per-tenant counter. Incomplete sessions get the dedicated setup outcome so
// clients can distinguish "finish provisioning" from a real denial.
func (a *API) requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, ok := sessionFromContext(r.Context())
		if !ok {
			writeError(w, r, fault.New(fault.Unauthenticated, "no session"))
			return
		}
		if !s.Complete() {
			writeError(w, r, fault.New(fault.SetupIncomplete,
				"account setup is not complete; refresh your token or accept an invitation"))
			return
		}

		dec, err := a.limiter.AllowTenant(r.Context(), s.TenantID)
		if err != nil {
			if fault.IsCode(err, fault.ResourceExhausted) {
				w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(dec.RetryAfter)))
			}
			writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// redirectAuthenticated sends a signed-in caller away from the public auth
// endpoints instead of serving them.
func (a *API) redirectAuthenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token, err := extractBearerToken(r.Header.Get(authHeader)); err == nil {
			if _, err := a.idp.VerifyToken(r.Context(), token); err == nil {
				http.Redirect(w, r, "/v1/session", http.StatusTemporaryRedirect)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", fault.New(fault.Unauthenticated, "missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", fault.New(fault.Unauthenticated, "invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", fault.New(fault.Unauthenticated, "missing bearer token")
	}
	return token, nil
}
