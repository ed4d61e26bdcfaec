package memory

import (
	"context"
	"testing"
	"time"

	"tenantcore.org/internal/docstore"
	"tenantcore.org/internal/fault"
)

func TestCreateAssignsIDAndTimestamps(t *testing.T) {
	s := New()
	ctx := context.Background()

	doc, err := s.Create(ctx, &docstore.Document{
		Collection: "users",
		TenantID:   "t1",
		Data:       map[string]any{"email": "a@b.c"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if doc.ID == "" {
		t.Fatal("expected assigned id")
	}
	if doc.CreatedAt.IsZero() || doc.UpdatedAt.IsZero() {
		t.Fatal("expected server timestamps")
	}

	_, err = s.Create(ctx, &docstore.Document{Collection: "users", ID: doc.ID})
	if !fault.IsCode(err, fault.AlreadyExists) {
		t.Fatalf("duplicate id should be already_exists, got %v", err)
	}
}

func TestQueryFiltersAndSoftDelete(t *testing.T) {
	s := New()
	ctx := context.Background()

	for _, email := range []string{"a@x.io", "b@x.io"} {
		if _, err := s.Create(ctx, &docstore.Document{
			Collection: "users",
			TenantID:   "t1",
			Data:       map[string]any{"email": email, "status": "active"},
		}); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	docs, err := s.Query(ctx, "users", docstore.Query{Filters: []docstore.Filter{
		docstore.Eq("tenant_id", "t1"),
		docstore.Eq("email", "a@x.io"),
	}})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("expected 1 match, got %d", len(docs))
	}

	if err := s.SoftDelete(ctx, "users", docs[0].ID); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}
	docs, err = s.Query(ctx, "users", docstore.Query{Filters: []docstore.Filter{docstore.Eq("tenant_id", "t1")}})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("soft-deleted doc should be excluded, got %d docs", len(docs))
	}

	// Still fetchable by id, flagged as deleted.
	all, err := s.Query(ctx, "users", docstore.Query{IncludeDeleted: true})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected both docs with IncludeDeleted, got %d", len(all))
	}
}

func TestRangeFilterOnStoredTimestamps(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i, exp := range []time.Time{base.Add(-time.Hour), base.Add(time.Hour)} {
		if _, err := s.Create(ctx, &docstore.Document{
			Collection: "rate_limits",
			ID:         []string{"old", "new"}[i],
			Data:       map[string]any{"expires_at": docstore.FormatTime(exp)},
		}); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	n, err := s.DeleteWhere(ctx, "rate_limits", []docstore.Filter{docstore.Lt("expires_at", base)}, 0)
	if err != nil {
		t.Fatalf("DeleteWhere: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired record deleted, got %d", n)
	}
	if _, err := s.Get(ctx, "rate_limits", "new"); err != nil {
		t.Fatalf("unexpired record should survive: %v", err)
	}
}

func TestUpdateMergesAndRemovesNilFields(t *testing.T) {
	s := New()
	ctx := context.Background()

	doc, err := s.Create(ctx, &docstore.Document{
		Collection: "users",
		ID:         "u1",
		Data:       map[string]any{"role": "member", "note": "x"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	updated, err := s.Update(ctx, "users", doc.ID, map[string]any{"role": "admin", "note": nil})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Data["role"] != "admin" {
		t.Fatalf("merge failed: %v", updated.Data)
	}
	if _, ok := updated.Data["note"]; ok {
		t.Fatal("nil field should be removed")
	}
}
