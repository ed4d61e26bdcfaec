package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"tenantcore.org/internal/fault"
	"tenantcore.org/internal/membership"
)

type signupRequest struct {
	Email           string `json:"email"`
	Password        string `json:"password"`
	InvitationToken string `json:"invitation_token,omitempty"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (a *API) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	id, err := a.idp.CreateIdentity(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var user *membership.User
	if req.InvitationToken != "" {
		user, err = a.members.AcceptInvitation(r.Context(), id.UID, id.Email, req.InvitationToken)
	} else {
		user, err = a.members.OnAccountCreate(r.Context(), id.UID, id.Email)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	token, expiresAt, err := a.idp.IssueToken(r.Context(), id.UID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"token":      token,
		"expires_at": expiresAt,
		"user":       userView(user),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))

	dec, err := a.limiter.CheckLogin(r.Context(), email)
	if err != nil {
		if fault.IsCode(err, fault.ResourceExhausted) {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(dec.RetryAfter)))
		}
		writeError(w, r, err)
		return
	}

	id, err := a.idp.VerifyCredentials(r.Context(), email, req.Password)
	if err != nil {
		if fault.IsCode(err, fault.Unauthenticated) {
			if rerr := a.limiter.RecordLoginFailure(r.Context(), email); rerr != nil {
				writeError(w, r, rerr)
				return
			}
		}
		writeError(w, r, err)
		return
	}

	if err := a.limiter.ClearLogin(r.Context(), email); err != nil {
		writeError(w, r, err)
		return
	}
	token, expiresAt, err := a.idp.IssueToken(r.Context(), id.UID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: token, ExpiresAt: expiresAt})
}

// handleRefresh mints a token carrying the current claims. This is the only
// way a client picks up a role or tenant change.
func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s, ok := sessionFromContext(r.Context())
	if !ok {
		writeError(w, r, fault.New(fault.Unauthenticated, "no session"))
		return
	}
	token, expiresAt, err := a.idp.IssueToken(r.Context(), s.UID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: token, ExpiresAt: expiresAt})
}

func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
	s, ok := sessionFromContext(r.Context())
	if !ok {
		writeError(w, r, fault.New(fault.Unauthenticated, "no session"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"uid":            s.UID,
		"email":          s.Email,
		"tenant_id":      s.TenantID,
		"role":           string(s.Role),
		"setup_complete": s.Complete(),
	})
}
