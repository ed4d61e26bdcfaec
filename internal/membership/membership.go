// Package membership is the role state machine: user provisioning,
// invitations, role changes, ownership transfer, and removal. Every
// transition writes the identity claims, the mirrored profile document, and
// an audit entry in sequence; there is no cross-system transaction, the audit
// log is the reconciliation record.
package membership

import (
	"time"

	"tenantcore.org/internal/docstore"
	"tenantcore.org/internal/fault"
)

const (
	CollectionTenants     = "tenants"
	CollectionUsers       = "users"
	CollectionInvitations = "invitations"
)

// Actor is the verified caller of a management operation, taken from the
// session pipeline and never from request payloads.
type Actor struct {
	UID      string
	TenantID string
	Role     Role
	Email    string
}

// Tenant is one organization.
type Tenant struct {
	ID        string
	Name      string
	OwnerID   string
	Status    string
	MaxUsers  int
	Plan      string
	Features  []string
	CreatedAt time.Time
}

// User is the membership profile of a user inside a tenant. The document id
// is the identity uid.
type User struct {
	UID                 string
	TenantID            string
	Email               string
	Role                Role
	Status              string
	ResourcePermissions map[string][]string
	RecoverableUntil    *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Invitation is a time-boxed single-use offer to join a tenant. The token is
// stored as prefix plus bcrypt hash; the plaintext exists only in the create
// response.
type Invitation struct {
	ID                  string
	TenantID            string
	Email               string
	Role                Role
	InvitedBy           string
	InvitedAt           time.Time
	ExpiresAt           time.Time
	AcceptedAt          *time.Time
	ResourcePermissions map[string][]string
}

// Pending reports whether the invitation can still be consumed at t.
func (i *Invitation) Pending(t time.Time) bool {
	return i.AcceptedAt == nil && t.Before(i.ExpiresAt)
}

const (
	userStatusActive  = "active"
	userStatusDeleted = "deleted"

	invitationStatusPending  = "pending"
	invitationStatusAccepted = "accepted"

	tenantStatusActive = "active"
)

func decodeTenant(doc *docstore.Document) *Tenant {
	t := &Tenant{
		ID:        doc.ID,
		Status:    tenantStatusActive,
		CreatedAt: doc.CreatedAt,
	}
	t.Name, _ = doc.Data["name"].(string)
	if s, ok := doc.Data["status"].(string); ok && s != "" {
		t.Status = s
	}
	t.OwnerID, _ = doc.Data["owner_id"].(string)
	t.Plan, _ = doc.Data["plan"].(string)
	t.MaxUsers = intValue(doc.Data["max_users"])
	t.Features = stringSlice(doc.Data["features"])
	return t
}

func decodeUser(doc *docstore.Document) *User {
	u := &User{
		UID:       doc.ID,
		TenantID:  doc.TenantID,
		Status:    userStatusActive,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}
	u.Email, _ = doc.Data["email"].(string)
	if s, ok := doc.Data["role"].(string); ok {
		if r, err := ParseRole(s); err == nil {
			u.Role = r
		}
	}
	if s, ok := doc.Data["status"].(string); ok && s != "" {
		u.Status = s
	}
	u.ResourcePermissions = permissionsMap(doc.Data["resource_permissions"])
	if s, ok := doc.Data["recoverable_until"].(string); ok {
		if t := docstore.ParseTime(s); !t.IsZero() {
			u.RecoverableUntil = &t
		}
	}
	return u
}

func decodeInvitation(doc *docstore.Document) *Invitation {
	inv := &Invitation{
		ID:        doc.ID,
		TenantID:  doc.TenantID,
		InvitedBy: doc.CreatedBy,
		InvitedAt: doc.CreatedAt,
	}
	inv.Email, _ = doc.Data["email"].(string)
	if s, ok := doc.Data["role"].(string); ok {
		if r, err := ParseRole(s); err == nil {
			inv.Role = r
		}
	}
	if s, ok := doc.Data["expires_at"].(string); ok {
		inv.ExpiresAt = docstore.ParseTime(s)
	}
	if s, ok := doc.Data["accepted_at"].(string); ok {
		if t := docstore.ParseTime(s); !t.IsZero() {
			inv.AcceptedAt = &t
		}
	}
	inv.ResourcePermissions = permissionsMap(doc.Data["resource_permissions"])
	return inv
}

func intValue(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	default:
		return 0
	}
}

func stringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func permissionsMap(v any) map[string][]string {
	raw, ok := v.(map[string]any)
	if !ok {
		if typed, ok := v.(map[string][]string); ok {
			out := make(map[string][]string, len(typed))
			for k, ids := range typed {
				cp := make([]string, len(ids))
				copy(cp, ids)
				out[k] = cp
			}
			return out
		}
		return nil
	}
	out := make(map[string][]string, len(raw))
	for k, e := range raw {
		out[k] = stringSlice(e)
	}
	return out
}

func permissionsData(perms map[string][]string) map[string]any {
	if len(perms) == 0 {
		return nil
	}
	out := make(map[string]any, len(perms))
	for k, ids := range perms {
		vals := make([]any, len(ids))
		for i, id := range ids {
			vals[i] = id
		}
		out[k] = vals
	}
	return out
}

func requireManager(actor Actor) error {
	if !actor.Role.CanManage() {
		return fault.New(fault.PermissionDenied, "role %s may not manage membership", actor.Role)
	}
	return nil
}
