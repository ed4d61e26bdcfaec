package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"tenantcore.org/internal/fault"
	"tenantcore.org/internal/membership"
)

type inviteRequest struct {
	Email               string              `json:"email"`
	Role                string              `json:"role"`
	ResourcePermissions map[string][]string `json:"resource_permissions"`
}

type acceptInvitationRequest struct {
	Token string `json:"token"`
}

type updateRoleRequest struct {
	Role string `json:"role"`
}

type updatePermissionsRequest struct {
	ResourcePermissions map[string][]string `json:"resource_permissions"`
}

type transferOwnershipRequest struct {
	TargetUID string `json:"target_uid"`
}

func userView(u *membership.User) map[string]any {
	v := map[string]any{
		"uid":       u.UID,
		"tenant_id": u.TenantID,
		"email":     u.Email,
		"role":      string(u.Role),
		"status":    u.Status,
	}
	if len(u.ResourcePermissions) > 0 {
		v["resource_permissions"] = u.ResourcePermissions
	}
	return v
}

func invitationView(inv *membership.Invitation) map[string]any {
	return map[string]any{
		"id":         inv.ID,
		"tenant_id":  inv.TenantID,
		"email":      inv.Email,
		"role":       string(inv.Role),
		"invited_by": inv.InvitedBy,
		"invited_at": inv.InvitedAt.UTC().Format(time.RFC3339),
		"expires_at": inv.ExpiresAt.UTC().Format(time.RFC3339),
	}
}

func tenantView(t *membership.Tenant) map[string]any {
	return map[string]any{
		"id":        t.ID,
		"name":      t.Name,
		"owner_id":  t.OwnerID,
		"status":    t.Status,
		"max_users": t.MaxUsers,
		"plan":      t.Plan,
	}
}

func (a *API) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	s, _ := sessionFromContext(r.Context())
	tenant, err := a.members.GetTenant(r.Context(), s.actor())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tenantView(tenant))
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	s, _ := sessionFromContext(r.Context())
	users, err := a.members.ListUsers(r.Context(), s.actor())
	if err != nil {
		writeError(w, r, err)
		return
	}
	views := make([]map[string]any, 0, len(users))
	for _, u := range users {
		views = append(views, userView(u))
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": views})
}

func (a *API) handleCreateInvitation(w http.ResponseWriter, r *http.Request) {
	s, _ := sessionFromContext(r.Context())
	var req inviteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	role, err := membership.ParseRole(req.Role)
	if err != nil {
		writeError(w, r, err)
		return
	}
	inv, token, err := a.members.InviteUser(r.Context(), s.actor(), req.Email, role, req.ResourcePermissions)
	if err != nil {
		writeError(w, r, err)
		return
	}
	view := invitationView(inv)
	view["token"] = token
	writeJSON(w, http.StatusCreated, view)
}

func (a *API) handleListInvitations(w http.ResponseWriter, r *http.Request) {
	s, _ := sessionFromContext(r.Context())
	invs, err := a.members.ListInvitations(r.Context(), s.actor())
	if err != nil {
		writeError(w, r, err)
		return
	}
	views := make([]map[string]any, 0, len(invs))
	for _, inv := range invs {
		views = append(views, invitationView(inv))
	}
	writeJSON(w, http.StatusOK, map[string]any{"invitations": views})
}

func (a *API) handleRevokeInvitation(w http.ResponseWriter, r *http.Request) {
	s, _ := sessionFromContext(r.Context())
	id := chi.URLParam(r, "id")
	if err := a.members.RevokeInvitation(r.Context(), s.actor(), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked": id})
}

// handleAcceptInvitation joins the caller to the inviting tenant. The
// response tells the client to refresh its token, which still carries the
// pre-join claims.
func (a *API) handleAcceptInvitation(w http.ResponseWriter, r *http.Request) {
	s, ok := sessionFromContext(r.Context())
	if !ok {
		writeError(w, r, fault.New(fault.Unauthenticated, "no session"))
		return
	}
	if s.Complete() {
		writeError(w, r, fault.New(fault.AlreadyExists, "you already belong to a tenant"))
		return
	}
	var req acceptInvitationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	user, err := a.members.AcceptInvitation(r.Context(), s.UID, s.Email, req.Token)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":          userView(user),
		"token_refresh": true,
	})
}

func (a *API) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	s, _ := sessionFromContext(r.Context())
	uid := chi.URLParam(r, "uid")
	var req updateRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	role, err := membership.ParseRole(req.Role)
	if err != nil {
		writeError(w, r, err)
		return
	}
	user, err := a.members.UpdateUserRole(r.Context(), s.actor(), uid, role)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, userView(user))
}

func (a *API) handleUpdatePermissions(w http.ResponseWriter, r *http.Request) {
	s, _ := sessionFromContext(r.Context())
	uid := chi.URLParam(r, "uid")
	var req updatePermissionsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	user, err := a.members.UpdateGuestPermissions(r.Context(), s.actor(), uid, req.ResourcePermissions)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, userView(user))
}

func (a *API) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	s, _ := sessionFromContext(r.Context())
	uid := chi.URLParam(r, "uid")
	hard := queryFlag(r, "hard")
	if err := a.members.DeleteUserFromTenant(r.Context(), s.actor(), uid, hard); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": uid, "hard": hard})
}

func (a *API) handleTransferOwnership(w http.ResponseWriter, r *http.Request) {
	s, _ := sessionFromContext(r.Context())
	var req transferOwnershipRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.members.TransferOwnership(r.Context(), s.actor(), req.TargetUID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id": s.TenantID,
		"owner_id":  req.TargetUID,
	})
}
