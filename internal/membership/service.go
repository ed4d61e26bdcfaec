package membership

import (
	"context"
	"strings"
	"time"

	"tenantcore.org/internal/audit"
	"tenantcore.org/internal/docstore"
	"tenantcore.org/internal/fault"
	"tenantcore.org/internal/identity"
	"tenantcore.org/internal/ids"
	"tenantcore.org/internal/obs"
	"tenantcore.org/internal/tenantstore"
)

const (
	defaultMaxUsers  = 25
	defaultInviteTTL = 7 * 24 * time.Hour
	recoveryWindow   = 30 * 24 * time.Hour
)

// Service drives every membership transition. Reads and writes inside a
// caller's tenant go through the restricted store posture; provisioning and
// purge use the privileged one.
type Service struct {
	docs      docstore.Store
	sys       *tenantstore.System
	idp       identity.Provider
	rec       *audit.Recorder
	now       func() time.Time
	maxUsers  int
	inviteTTL time.Duration
}

// Option customizes a Service.
type Option func(*Service)

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithDefaultMaxUsers sets the seat cap applied to newly created tenants.
func WithDefaultMaxUsers(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxUsers = n
		}
	}
}

// WithInviteTTL sets the invitation expiry offset.
func WithInviteTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.inviteTTL = ttl
		}
	}
}

// NewService constructs the state machine over its collaborators.
func NewService(docs docstore.Store, idp identity.Provider, rec *audit.Recorder, opts ...Option) (*Service, error) {
	if docs == nil || idp == nil || rec == nil {
		return nil, fault.New(fault.Internal, "membership: docs, identity provider, and audit recorder are required")
	}
	s := &Service{
		docs:      docs,
		sys:       tenantstore.NewSystem(docs),
		idp:       idp,
		rec:       rec,
		now:       time.Now,
		maxUsers:  defaultMaxUsers,
		inviteTTL: defaultInviteTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Service) scoped(actor Actor) (*tenantstore.Scoped, error) {
	return tenantstore.NewScoped(s.docs, s.rec, actor.TenantID, actor.UID)
}

// OnAccountCreate provisions a membership for a freshly created identity. A
// pending invitation matching the email is consumed; otherwise a new tenant
// is created with the user as its first admin. Owner is never assigned here.
func (s *Service) OnAccountCreate(ctx context.Context, uid, email string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if uid == "" || email == "" {
		return nil, fault.New(fault.InvalidArgument, "uid and email are required")
	}

	inv, err := s.pendingInvitationByEmail(ctx, email)
	if err != nil && !fault.IsCode(err, fault.NotFound) {
		return nil, err
	}
	if inv != nil {
		return s.consumeInvitation(ctx, inv, uid, email)
	}
	return s.provisionTenant(ctx, uid, email)
}

func (s *Service) provisionTenant(ctx context.Context, uid, email string) (*User, error) {
	tenantID := ids.New()
	if !ids.IsWellFormed(tenantID) {
		return nil, fault.New(fault.Internal, "generated tenant id failed shape validation")
	}

	if _, err := s.sys.Create(ctx, &docstore.Document{
		Collection: CollectionTenants,
		ID:         tenantID,
		TenantID:   tenantID,
		CreatedBy:  uid,
		Data: map[string]any{
			"name":      tenantNameFromEmail(email),
			"owner_id":  "",
			"status":    tenantStatusActive,
			"max_users": s.maxUsers,
			"plan":      "free",
		},
	}); err != nil {
		return nil, err
	}

	// Write verification: read the tenant back and compare ids before any
	// user record references it.
	back, err := s.sys.Get(ctx, CollectionTenants, tenantID)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "verify tenant write %s", tenantID)
	}
	if back.ID != tenantID {
		return nil, fault.New(fault.Internal, "tenant write verification mismatch: wrote %s, read %s", tenantID, back.ID)
	}

	if err := s.auditSys(ctx, tenantID, uid, "tenant.created", CollectionTenants, tenantID, nil,
		map[string]any{"name": back.Data["name"]}); err != nil {
		return nil, err
	}

	return s.createMembership(ctx, tenantID, uid, email, RoleAdmin, nil)
}

func (s *Service) consumeInvitation(ctx context.Context, inv *Invitation, uid, email string) (*User, error) {
	// Mark accepted before creating the membership so two simultaneous
	// signups with the same email race on this flag rather than both
	// proceeding past it.
	if _, err := s.sys.Update(ctx, CollectionInvitations, inv.ID, map[string]any{
		"status":      invitationStatusAccepted,
		"accepted_at": docstore.FormatTime(s.now()),
	}); err != nil {
		return nil, err
	}

	if err := s.auditSys(ctx, inv.TenantID, uid, "invitation.accepted", CollectionInvitations, inv.ID,
		map[string]any{"status": invitationStatusPending},
		map[string]any{"status": invitationStatusAccepted, "email": email}); err != nil {
		return nil, err
	}

	return s.createMembership(ctx, inv.TenantID, uid, email, inv.Role, inv.ResourcePermissions)
}

func (s *Service) createMembership(ctx context.Context, tenantID, uid, email string, role Role, perms map[string][]string) (*User, error) {
	data := map[string]any{
		"email":  email,
		"role":   string(role),
		"status": userStatusActive,
	}
	if p := permissionsData(perms); p != nil {
		data["resource_permissions"] = p
	}

	doc, err := s.sys.Create(ctx, &docstore.Document{
		Collection: CollectionUsers,
		ID:         uid,
		TenantID:   tenantID,
		CreatedBy:  uid,
		Data:       data,
	})
	if err != nil {
		return nil, err
	}

	if err := s.idp.SetClaims(ctx, uid, identity.Claims{
		TenantID:            tenantID,
		Role:                string(role),
		ResourcePermissions: perms,
	}); err != nil {
		return nil, fault.Wrap(fault.Internal, err, "write claims for user %s", uid)
	}

	if err := s.auditSys(ctx, tenantID, uid, "user.created", CollectionUsers, uid, nil,
		map[string]any{"email": email, "role": string(role)}); err != nil {
		return nil, err
	}
	return decodeUser(doc), nil
}

// InviteUser issues a single-use invitation and returns it together with the
// plaintext token, which is never stored.
func (s *Service) InviteUser(ctx context.Context, actor Actor, email string, role Role, perms map[string][]string) (*Invitation, string, error) {
	if err := requireManager(actor); err != nil {
		return nil, "", err
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, "", fault.New(fault.InvalidArgument, "a valid email is required")
	}
	if !role.Valid() || role == RoleOwner {
		return nil, "", fault.New(fault.InvalidArgument, "role %s cannot be granted by invitation", role)
	}
	if role == RoleGuest && len(perms) == 0 {
		return nil, "", fault.New(fault.InvalidArgument, "guest invitations require resource permissions")
	}

	scoped, err := s.scoped(actor)
	if err != nil {
		return nil, "", err
	}

	tenant, err := s.tenantOf(ctx, scoped)
	if err != nil {
		return nil, "", err
	}
	if role == RoleAdmin && tenant.OwnerID != actor.UID {
		return nil, "", fault.New(fault.PermissionDenied, "only the tenant owner may invite an admin")
	}

	members, err := scoped.Query(ctx, CollectionUsers, docstore.Query{
		Filters: []docstore.Filter{docstore.Eq("status", userStatusActive)},
	})
	if err != nil {
		return nil, "", err
	}
	for _, m := range members {
		if em, _ := m.Data["email"].(string); em == email {
			return nil, "", fault.New(fault.AlreadyExists, "%s is already a member of this tenant", email)
		}
	}
	if tenant.MaxUsers > 0 && len(members) >= tenant.MaxUsers {
		return nil, "", fault.New(fault.ResourceExhausted, "tenant seat limit of %d reached", tenant.MaxUsers)
	}

	pending, err := scoped.Query(ctx, CollectionInvitations, docstore.Query{
		Filters: []docstore.Filter{
			docstore.Eq("email", email),
			docstore.Eq("status", invitationStatusPending),
		},
	})
	if err != nil {
		return nil, "", err
	}
	now := s.now()
	for _, p := range pending {
		if decodeInvitation(p).Pending(now) {
			return nil, "", fault.New(fault.AlreadyExists, "a pending invitation for %s already exists", email)
		}
	}

	plaintext, prefix, hash, err := newInvitationToken()
	if err != nil {
		return nil, "", err
	}
	data := map[string]any{
		"email":        email,
		"role":         string(role),
		"status":       invitationStatusPending,
		"token_prefix": prefix,
		"token_hash":   hash,
		"expires_at":   docstore.FormatTime(now.Add(s.inviteTTL)),
	}
	if p := permissionsData(perms); p != nil {
		data["resource_permissions"] = p
	}
	doc, err := scoped.Create(ctx, &docstore.Document{
		Collection: CollectionInvitations,
		Data:       data,
	})
	if err != nil {
		return nil, "", err
	}

	if err := s.auditActor(ctx, actor, "invitation.created", CollectionInvitations, doc.ID, nil,
		map[string]any{"email": email, "role": string(role)}); err != nil {
		return nil, "", err
	}
	return decodeInvitation(doc), plaintext, nil
}

// AcceptInvitation consumes an invitation by token for an authenticated
// identity that has no tenant yet. The token email must match the caller's.
func (s *Service) AcceptInvitation(ctx context.Context, uid, email, token string) (*User, error) {
	prefix, secret, err := splitInvitationToken(token)
	if err != nil {
		return nil, err
	}
	email = strings.ToLower(strings.TrimSpace(email))

	docs, err := s.sys.Query(ctx, CollectionInvitations, docstore.Query{
		Filters: []docstore.Filter{
			docstore.Eq("token_prefix", prefix),
			docstore.Eq("status", invitationStatusPending),
		},
	})
	if err != nil {
		return nil, err
	}
	now := s.now()
	for _, doc := range docs {
		hash, _ := doc.Data["token_hash"].(string)
		if !matchesTokenHash(hash, secret) {
			continue
		}
		inv := decodeInvitation(doc)
		if !inv.Pending(now) {
			return nil, fault.New(fault.InvalidArgument, "invitation has expired")
		}
		if inv.Email != email {
			return nil, fault.New(fault.PermissionDenied, "invitation was issued to a different email")
		}
		return s.consumeInvitation(ctx, inv, uid, email)
	}
	return nil, fault.New(fault.NotFound, "no matching invitation")
}

// RevokeInvitation withdraws a pending invitation.
func (s *Service) RevokeInvitation(ctx context.Context, actor Actor, invitationID string) error {
	if err := requireManager(actor); err != nil {
		return err
	}
	scoped, err := s.scoped(actor)
	if err != nil {
		return err
	}
	doc, err := scoped.Get(ctx, CollectionInvitations, invitationID)
	if err != nil {
		return err
	}
	if doc.DeletedAt != nil {
		return fault.New(fault.NotFound, "invitation %s not found", invitationID)
	}
	inv := decodeInvitation(doc)
	if inv.AcceptedAt != nil {
		return fault.New(fault.InvalidArgument, "invitation was already accepted")
	}
	if err := scoped.Delete(ctx, CollectionInvitations, invitationID); err != nil {
		return err
	}
	return s.auditActor(ctx, actor, "invitation.revoked", CollectionInvitations, invitationID,
		map[string]any{"email": inv.Email, "role": string(inv.Role)}, nil)
}

// UpdateUserRole changes a member's role. Ownership never moves through this
// transition.
func (s *Service) UpdateUserRole(ctx context.Context, actor Actor, targetUID string, newRole Role) (*User, error) {
	if err := requireManager(actor); err != nil {
		return nil, err
	}
	if targetUID == actor.UID {
		return nil, fault.New(fault.PermissionDenied, "you cannot change your own role")
	}
	if !newRole.Valid() {
		return nil, fault.New(fault.InvalidArgument, "unknown role %q", newRole)
	}
	if newRole == RoleOwner {
		return nil, fault.New(fault.InvalidArgument, "ownership moves only via transfer")
	}

	scoped, err := s.scoped(actor)
	if err != nil {
		return nil, err
	}
	doc, err := scoped.Get(ctx, CollectionUsers, targetUID)
	if err != nil {
		return nil, err
	}
	target := decodeUser(doc)
	if target.Role == RoleOwner {
		return nil, fault.New(fault.PermissionDenied, "the owner's role cannot be changed here")
	}
	if newRole == RoleAdmin || target.Role == RoleAdmin {
		tenant, err := s.tenantOf(ctx, scoped)
		if err != nil {
			return nil, err
		}
		if tenant.OwnerID != actor.UID {
			return nil, fault.New(fault.PermissionDenied, "only the tenant owner may promote or demote admins")
		}
	}

	updated, err := s.applyRole(ctx, actor.TenantID, target, newRole, target.ResourcePermissions)
	if err != nil {
		return nil, err
	}
	if err := s.auditActor(ctx, actor, "user.role_changed", CollectionUsers, targetUID,
		map[string]any{"role": string(target.Role)},
		map[string]any{"role": string(newRole)}); err != nil {
		return nil, err
	}
	return updated, nil
}

// TransferOwnership swaps the owner role to an existing admin. The steps are
// sequential; every one is logged so a partial failure can be reconstructed.
func (s *Service) TransferOwnership(ctx context.Context, actor Actor, targetUID string) error {
	if actor.Role != RoleOwner {
		return fault.New(fault.PermissionDenied, "only the current owner may transfer ownership")
	}
	if targetUID == actor.UID {
		return fault.New(fault.PermissionDenied, "ownership cannot be transferred to yourself")
	}

	scoped, err := s.scoped(actor)
	if err != nil {
		return err
	}
	tenant, err := s.tenantOf(ctx, scoped)
	if err != nil {
		return err
	}
	if tenant.OwnerID != actor.UID {
		return fault.New(fault.PermissionDenied, "only the current owner may transfer ownership")
	}

	doc, err := scoped.Get(ctx, CollectionUsers, targetUID)
	if err != nil {
		return err
	}
	target := decodeUser(doc)
	if target.Status != userStatusActive {
		return fault.New(fault.NotFound, "target user is not an active member")
	}
	if target.Role != RoleAdmin {
		return fault.New(fault.PermissionDenied, "ownership can only be transferred to an admin")
	}

	callerDoc, err := scoped.Get(ctx, CollectionUsers, actor.UID)
	if err != nil {
		return err
	}
	caller := decodeUser(callerDoc)

	s.logTransferStep(tenant.ID, actor.UID, targetUID, "begin")
	if _, err := s.applyRole(ctx, tenant.ID, target, RoleOwner, target.ResourcePermissions); err != nil {
		s.logTransferStep(tenant.ID, actor.UID, targetUID, "promote_target_failed")
		return err
	}
	s.logTransferStep(tenant.ID, actor.UID, targetUID, "target_promoted")
	if _, err := s.applyRole(ctx, tenant.ID, caller, RoleAdmin, caller.ResourcePermissions); err != nil {
		s.logTransferStep(tenant.ID, actor.UID, targetUID, "demote_caller_failed")
		return err
	}
	s.logTransferStep(tenant.ID, actor.UID, targetUID, "caller_demoted")
	if _, err := s.sys.Update(ctx, CollectionTenants, tenant.ID, map[string]any{"owner_id": targetUID}); err != nil {
		s.logTransferStep(tenant.ID, actor.UID, targetUID, "tenant_update_failed")
		return err
	}
	s.logTransferStep(tenant.ID, actor.UID, targetUID, "done")

	return s.auditActor(ctx, actor, "tenant.ownership_transferred", CollectionTenants, tenant.ID,
		map[string]any{"owner_id": actor.UID},
		map[string]any{"owner_id": targetUID})
}

// UpdateGuestPermissions replaces a guest's resource permission map.
func (s *Service) UpdateGuestPermissions(ctx context.Context, actor Actor, targetUID string, perms map[string][]string) (*User, error) {
	if err := requireManager(actor); err != nil {
		return nil, err
	}
	if len(perms) == 0 {
		return nil, fault.New(fault.InvalidArgument, "resource permissions are required")
	}
	scoped, err := s.scoped(actor)
	if err != nil {
		return nil, err
	}
	doc, err := scoped.Get(ctx, CollectionUsers, targetUID)
	if err != nil {
		return nil, err
	}
	target := decodeUser(doc)
	if target.Role != RoleGuest {
		return nil, fault.New(fault.InvalidArgument, "user %s is not a guest", targetUID)
	}

	updated, err := s.applyRole(ctx, actor.TenantID, target, RoleGuest, perms)
	if err != nil {
		return nil, err
	}
	if err := s.auditActor(ctx, actor, "user.permissions_changed", CollectionUsers, targetUID,
		map[string]any{"resource_permissions": permissionsData(target.ResourcePermissions)},
		map[string]any{"resource_permissions": permissionsData(perms)}); err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteUserFromTenant removes a member. Soft removal keeps the record with
// a nominal 30-day recovery window; hard removal is reserved for the owner
// and retention sweeps, and also deletes the identity.
func (s *Service) DeleteUserFromTenant(ctx context.Context, actor Actor, targetUID string, hard bool) error {
	if err := requireManager(actor); err != nil {
		return err
	}
	if targetUID == actor.UID {
		return fault.New(fault.PermissionDenied, "you cannot delete yourself")
	}
	if hard && actor.Role != RoleOwner {
		return fault.New(fault.PermissionDenied, "only the owner may hard-delete a member")
	}

	scoped, err := s.scoped(actor)
	if err != nil {
		return err
	}
	doc, err := scoped.Get(ctx, CollectionUsers, targetUID)
	if err != nil {
		return err
	}
	target := decodeUser(doc)
	if target.Role == RoleOwner {
		return fault.New(fault.PermissionDenied, "the owner cannot be removed")
	}

	// Claims go first so the user loses access even if a later step fails.
	if err := s.idp.SetClaims(ctx, targetUID, identity.Claims{}); err != nil {
		return fault.Wrap(fault.Internal, err, "clear claims for user %s", targetUID)
	}
	if err := s.idp.RevokeTokens(ctx, targetUID); err != nil {
		return fault.Wrap(fault.Internal, err, "revoke tokens for user %s", targetUID)
	}

	if hard {
		if err := s.sys.HardDelete(ctx, CollectionUsers, targetUID); err != nil {
			return err
		}
		if err := s.idp.DeleteIdentity(ctx, targetUID); err != nil && !fault.IsCode(err, fault.NotFound) {
			return err
		}
		return s.auditActor(ctx, actor, "user.hard_deleted", CollectionUsers, targetUID,
			map[string]any{"email": target.Email, "role": string(target.Role)}, nil)
	}

	if _, err := scoped.Update(ctx, CollectionUsers, targetUID, map[string]any{
		"status":            userStatusDeleted,
		"recoverable_until": docstore.FormatTime(s.now().Add(recoveryWindow)),
	}); err != nil {
		return err
	}
	if err := scoped.Delete(ctx, CollectionUsers, targetUID); err != nil {
		return err
	}
	return s.auditActor(ctx, actor, "user.deleted", CollectionUsers, targetUID,
		map[string]any{"status": userStatusActive},
		map[string]any{"status": userStatusDeleted})
}

// PurgeExpired hard-deletes soft-removed memberships whose recovery window
// has passed, identities included. Bounded per call; run from the sweeper.
func (s *Service) PurgeExpired(ctx context.Context) (int, error) {
	docs, err := s.sys.Query(ctx, CollectionUsers, docstore.Query{
		Filters: []docstore.Filter{
			docstore.Eq("status", userStatusDeleted),
			docstore.Lt("recoverable_until", docstore.FormatTime(s.now())),
		},
		Limit:          docstore.MaxBatchSize,
		IncludeDeleted: true,
	})
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, doc := range docs {
		if err := s.idp.DeleteIdentity(ctx, doc.ID); err != nil && !fault.IsCode(err, fault.NotFound) {
			return purged, err
		}
		if err := s.sys.HardDelete(ctx, CollectionUsers, doc.ID); err != nil {
			return purged, err
		}
		purged++
		if err := s.auditSys(ctx, doc.TenantID, "system", "user.purged", CollectionUsers, doc.ID, nil, nil); err != nil {
			return purged, err
		}
	}
	return purged, nil
}

// GetTenant returns the caller's tenant.
func (s *Service) GetTenant(ctx context.Context, actor Actor) (*Tenant, error) {
	scoped, err := s.scoped(actor)
	if err != nil {
		return nil, err
	}
	return s.tenantOf(ctx, scoped)
}

// ListUsers returns the active members of the caller's tenant.
func (s *Service) ListUsers(ctx context.Context, actor Actor) ([]*User, error) {
	scoped, err := s.scoped(actor)
	if err != nil {
		return nil, err
	}
	docs, err := scoped.Query(ctx, CollectionUsers, docstore.Query{
		Filters: []docstore.Filter{docstore.Eq("status", userStatusActive)},
	})
	if err != nil {
		return nil, err
	}
	users := make([]*User, 0, len(docs))
	for _, d := range docs {
		users = append(users, decodeUser(d))
	}
	return users, nil
}

// ListInvitations returns the pending invitations of the caller's tenant.
func (s *Service) ListInvitations(ctx context.Context, actor Actor) ([]*Invitation, error) {
	if err := requireManager(actor); err != nil {
		return nil, err
	}
	scoped, err := s.scoped(actor)
	if err != nil {
		return nil, err
	}
	docs, err := scoped.Query(ctx, CollectionInvitations, docstore.Query{
		Filters: []docstore.Filter{docstore.Eq("status", invitationStatusPending)},
	})
	if err != nil {
		return nil, err
	}
	now := s.now()
	invs := make([]*Invitation, 0, len(docs))
	for _, d := range docs {
		if inv := decodeInvitation(d); inv.Pending(now) {
			invs = append(invs, inv)
		}
	}
	return invs, nil
}

// GetUser returns one membership in the caller's tenant.
func (s *Service) GetUser(ctx context.Context, actor Actor, uid string) (*User, error) {
	scoped, err := s.scoped(actor)
	if err != nil {
		return nil, err
	}
	doc, err := scoped.Get(ctx, CollectionUsers, uid)
	if err != nil {
		return nil, err
	}
	return decodeUser(doc), nil
}

func (s *Service) tenantOf(ctx context.Context, scoped *tenantstore.Scoped) (*Tenant, error) {
	doc, err := scoped.Get(ctx, CollectionTenants, scoped.TenantID())
	if err != nil {
		return nil, err
	}
	return decodeTenant(doc), nil
}

// applyRole writes the claims first and then the profile, so the profile is
// never more privileged than the claims.
func (s *Service) applyRole(ctx context.Context, tenantID string, target *User, role Role, perms map[string][]string) (*User, error) {
	if err := s.idp.SetClaims(ctx, target.UID, identity.Claims{
		TenantID:            tenantID,
		Role:                string(role),
		ResourcePermissions: perms,
	}); err != nil {
		return nil, fault.Wrap(fault.Internal, err, "write claims for user %s", target.UID)
	}
	// Outstanding tokens still carry the old role until refreshed; revoke
	// them so the next verification fails closed.
	if err := s.idp.RevokeTokens(ctx, target.UID); err != nil {
		return nil, fault.Wrap(fault.Internal, err, "revoke tokens for user %s", target.UID)
	}

	fields := map[string]any{
		"role":                 string(role),
		"resource_permissions": nil,
	}
	if p := permissionsData(perms); p != nil {
		fields["resource_permissions"] = p
	}
	doc, err := s.sys.Update(ctx, CollectionUsers, target.UID, fields)
	if err != nil {
		return nil, err
	}
	return decodeUser(doc), nil
}

func (s *Service) pendingInvitationByEmail(ctx context.Context, email string) (*Invitation, error) {
	docs, err := s.sys.Query(ctx, CollectionInvitations, docstore.Query{
		Filters: []docstore.Filter{
			docstore.Eq("email", email),
			docstore.Eq("status", invitationStatusPending),
		},
	})
	if err != nil {
		return nil, err
	}
	now := s.now()
	for _, d := range docs {
		if inv := decodeInvitation(d); inv.Pending(now) {
			return inv, nil
		}
	}
	return nil, fault.New(fault.NotFound, "no pending invitation for %s", email)
}

func (s *Service) auditActor(ctx context.Context, actor Actor, action, collection, id string, before, after map[string]any) error {
	return s.rec.Record(ctx, audit.Entry{
		TenantID:   actor.TenantID,
		ActorID:    actor.UID,
		Action:     action,
		Collection: collection,
		DocumentID: id,
		Before:     before,
		After:      after,
	})
}

func (s *Service) auditSys(ctx context.Context, tenantID, actorID, action, collection, id string, before, after map[string]any) error {
	return s.rec.Record(ctx, audit.Entry{
		TenantID:   tenantID,
		ActorID:    actorID,
		Action:     action,
		Collection: collection,
		DocumentID: id,
		Before:     before,
		After:      after,
	})
}

func (s *Service) logTransferStep(tenantID, from, to, step string) {
	obs.LogEvent(map[string]any{
		"ts":     s.now().UTC().Format(time.RFC3339Nano),
		"type":   "ownership_transfer",
		"tenant": tenantID,
		"from":   from,
		"to":     to,
		"step":   step,
	})
}

func tenantNameFromEmail(email string) string {
	if i := strings.IndexByte(email, '@'); i >= 0 && i+1 < len(email) {
		return email[i+1:]
	}
	return email
}
