// Package tenantstore layers tenant isolation on top of the document store.
// Scoped is the restricted posture handed to request handlers: every
// operation is pinned to the tenant of the verified session. System is the
// privileged posture used by provisioning and sweeps.
package tenantstore

import (
	"context"

	"tenantcore.org/internal/audit"
	"tenantcore.org/internal/docstore"
	"tenantcore.org/internal/fault"
	"tenantcore.org/internal/obs"
)

// protectedFields are envelope fields a scoped update may never touch.
var protectedFields = []string{"id", "tenant_id", "created_by", "created_at"}

// Scoped is a tenant-restricted view of the document store. Construct one
// per request from verified session claims, never from client input.
type Scoped struct {
	docs     docstore.Store
	rec      *audit.Recorder
	tenantID string
	actorID  string
}

// NewScoped binds a store view to one tenant and acting user.
func NewScoped(docs docstore.Store, rec *audit.Recorder, tenantID, actorID string) (*Scoped, error) {
	if docs == nil {
		return nil, fault.New(fault.Internal, "tenantstore: document store is required")
	}
	if rec == nil {
		return nil, fault.New(fault.Internal, "tenantstore: audit recorder is required")
	}
	if tenantID == "" || actorID == "" {
		return nil, fault.New(fault.Unauthenticated, "tenantstore: tenant and actor are required")
	}
	return &Scoped{docs: docs, rec: rec, tenantID: tenantID, actorID: actorID}, nil
}

// TenantID reports the tenant this view is pinned to.
func (s *Scoped) TenantID() string { return s.tenantID }

// ActorID reports the acting user.
func (s *Scoped) ActorID() string { return s.actorID }

// Create writes a document into the caller's tenant. A document that names a
// different tenant is rejected before it reaches storage.
func (s *Scoped) Create(ctx context.Context, doc *docstore.Document) (*docstore.Document, error) {
	if doc == nil {
		return nil, fault.New(fault.InvalidArgument, "document is required")
	}
	if doc.TenantID != "" && doc.TenantID != s.tenantID {
		return nil, fault.New(fault.PermissionDenied, "document tenant does not match session tenant")
	}
	stamped := doc.Clone()
	stamped.TenantID = s.tenantID
	stamped.CreatedBy = s.actorID
	return s.docs.Create(ctx, stamped)
}

// Get fetches a document and asserts it belongs to the caller's tenant. A
// cross-tenant read attempt is audited and denied.
func (s *Scoped) Get(ctx context.Context, collection, id string) (*docstore.Document, error) {
	doc, err := s.docs.Get(ctx, collection, id)
	if err != nil {
		return nil, err
	}
	if doc.TenantID != s.tenantID {
		s.recordDenied(ctx, "security.access_denied", collection, id, doc.TenantID)
		return nil, fault.New(fault.PermissionDenied, "document belongs to another tenant")
	}
	return doc, nil
}

// Query runs a tenant-pinned query. The tenant equality filter is prepended
// unconditionally, and every returned row is re-checked: a foreign row
// reaching this point means the storage layer misbehaved, which is treated
// as a security violation rather than filtered out silently.
func (s *Scoped) Query(ctx context.Context, collection string, q docstore.Query) ([]*docstore.Document, error) {
	pinned := q
	pinned.Filters = append([]docstore.Filter{docstore.Eq("tenant_id", s.tenantID)}, q.Filters...)

	docs, err := s.docs.Query(ctx, collection, pinned)
	if err != nil {
		return nil, err
	}
	for _, d := range docs {
		if d.TenantID != s.tenantID {
			obs.CountSecurityViolation()
			s.recordDenied(ctx, "security.cross_tenant_result", collection, d.ID, d.TenantID)
			return nil, fault.New(fault.SecurityViolation, "query returned a document from another tenant")
		}
	}
	return docs, nil
}

// Update merges fields into a document after re-verifying ownership.
// Protected envelope fields are stripped from the payload.
func (s *Scoped) Update(ctx context.Context, collection, id string, fields map[string]any) (*docstore.Document, error) {
	if _, err := s.Get(ctx, collection, id); err != nil {
		return nil, err
	}
	cleaned := make(map[string]any, len(fields))
	for k, v := range fields {
		cleaned[k] = v
	}
	for _, f := range protectedFields {
		delete(cleaned, f)
	}
	if len(cleaned) == 0 {
		return nil, fault.New(fault.InvalidArgument, "no updatable fields in payload")
	}
	return s.docs.Update(ctx, collection, id, cleaned)
}

// Delete soft-deletes a document after re-verifying ownership. Permanent
// removal is a System operation.
func (s *Scoped) Delete(ctx context.Context, collection, id string) error {
	if _, err := s.Get(ctx, collection, id); err != nil {
		return err
	}
	return s.docs.SoftDelete(ctx, collection, id)
}

// recordDenied writes the security audit entry synchronously. A failed audit
// write is not allowed to suppress the denial, so the error is only logged
// by the recorder itself.
func (s *Scoped) recordDenied(ctx context.Context, action, collection, id, foreignTenant string) {
	_ = s.rec.Record(ctx, audit.Entry{
		TenantID:   s.tenantID,
		ActorID:    s.actorID,
		Action:     action,
		Collection: collection,
		DocumentID: id,
		After:      map[string]any{"foreign_tenant": foreignTenant},
	})
}

// System is the privileged posture: no tenant pinning. Used by account
// provisioning, hard deletes, and retention sweeps.
type System struct {
	docs docstore.Store
}

// NewSystem constructs the privileged view.
func NewSystem(docs docstore.Store) *System {
	return &System{docs: docs}
}

// Store exposes the underlying document store for components that take the
// docstore.Store interface directly.
func (p *System) Store() docstore.Store { return p.docs }

// Create writes a document with whatever tenant the caller set.
func (p *System) Create(ctx context.Context, doc *docstore.Document) (*docstore.Document, error) {
	return p.docs.Create(ctx, doc)
}

// Get fetches a document across tenants.
func (p *System) Get(ctx context.Context, collection, id string) (*docstore.Document, error) {
	return p.docs.Get(ctx, collection, id)
}

// Query runs an unrestricted query.
func (p *System) Query(ctx context.Context, collection string, q docstore.Query) ([]*docstore.Document, error) {
	return p.docs.Query(ctx, collection, q)
}

// Update merges fields without an ownership check.
func (p *System) Update(ctx context.Context, collection, id string, fields map[string]any) (*docstore.Document, error) {
	return p.docs.Update(ctx, collection, id, fields)
}

// SoftDelete stamps deleted_at.
func (p *System) SoftDelete(ctx context.Context, collection, id string) error {
	return p.docs.SoftDelete(ctx, collection, id)
}

// HardDelete removes a record permanently.
func (p *System) HardDelete(ctx context.Context, collection, id string) error {
	return p.docs.Delete(ctx, collection, id)
}

// DeleteWhere removes at most limit matching records. Sweeps call this in a
// loop until it reports zero.
func (p *System) DeleteWhere(ctx context.Context, collection string, filters []docstore.Filter, limit int) (int, error) {
	return p.docs.DeleteWhere(ctx, collection, filters, limit)
}
