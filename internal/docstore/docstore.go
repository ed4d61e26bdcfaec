// Package docstore defines the generic document-store capability the rest of
// the service is built on: collection-scoped records with server-assigned
// timestamps, equality/range filters, soft-delete support, and bounded batch
// deletion. Backends live in the pg and memory subpackages.
package docstore

import (
	"context"
	"time"
)

// MaxBatchSize bounds every batch deletion. Sweeps issue repeated calls
// instead of unbounded deletes.
const MaxBatchSize = 500

// TimeFormat is the fixed-width UTC encoding used for timestamps stored
// inside document data. Fixed width keeps lexicographic ordering equal to
// chronological ordering, which the range filters rely on.
const TimeFormat = "2006-01-02T15:04:05.000000000Z"

// FormatTime encodes t for storage inside document data.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime decodes a stored timestamp. Zero time on failure.
func ParseTime(s string) time.Time {
	t, err := time.Parse(TimeFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Op is a filter comparison operator.
type Op string

const (
	OpEq  Op = "=="
	OpLt  Op = "<"
	OpLte Op = "<="
	OpGt  Op = ">"
	OpGte Op = ">="
)

// Filter constrains a query. Field names id and tenant_id address the
// document envelope; any other name addresses a data field.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Eq builds an equality filter.
func Eq(field string, value any) Filter {
	return Filter{Field: field, Op: OpEq, Value: value}
}

// Lt builds a less-than filter.
func Lt(field string, value any) Filter {
	return Filter{Field: field, Op: OpLt, Value: value}
}

// Gte builds a greater-or-equal filter.
func Gte(field string, value any) Filter {
	return Filter{Field: field, Op: OpGte, Value: value}
}

// Query bundles filters with a result cap.
type Query struct {
	Filters        []Filter
	Limit          int
	IncludeDeleted bool
}

// Document is one stored record. TenantID and CreatedBy are envelope fields
// owned by the writer; Data holds the caller payload.
type Document struct {
	Collection string
	ID         string
	TenantID   string
	CreatedBy  string
	Data       map[string]any
	CreatedAt  time.Time
	UpdatedAt  time.Time
	DeletedAt  *time.Time
}

// Clone returns a deep copy so callers can mutate results freely.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := *d
	out.Data = cloneData(d.Data)
	if d.DeletedAt != nil {
		t := *d.DeletedAt
		out.DeletedAt = &t
	}
	return &out
}

func cloneData(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch t := v.(type) {
		case map[string]any:
			out[k] = cloneData(t)
		case []string:
			cp := make([]string, len(t))
			copy(cp, t)
			out[k] = cp
		case []any:
			cp := make([]any, len(t))
			copy(cp, t)
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}

// Store is the document-store capability. Implementations must be safe for
// concurrent use.
type Store interface {
	// Create writes a new document and returns it with server-resolved
	// timestamps. A duplicate (collection, id) pair fails with
	// fault.AlreadyExists.
	Create(ctx context.Context, doc *Document) (*Document, error)

	// Get fetches one document by id, including soft-deleted ones; callers
	// decide how deletion flags are interpreted. Missing documents fail with
	// fault.NotFound.
	Get(ctx context.Context, collection, id string) (*Document, error)

	// Query returns documents matching all filters. Soft-deleted documents
	// are excluded unless q.IncludeDeleted is set.
	Query(ctx context.Context, collection string, q Query) ([]*Document, error)

	// Update merges fields into the document data and bumps updated_at.
	Update(ctx context.Context, collection, id string, fields map[string]any) (*Document, error)

	// SoftDelete stamps deleted_at without removing the record.
	SoftDelete(ctx context.Context, collection, id string) error

	// Delete removes the record permanently.
	Delete(ctx context.Context, collection, id string) error

	// DeleteWhere removes at most limit matching records (clamped to
	// MaxBatchSize) and reports how many were removed. Used by sweeps; it
	// matches soft-deleted records too.
	DeleteWhere(ctx context.Context, collection string, filters []Filter, limit int) (int, error)

	Ping(ctx context.Context) error
}

// FieldValue resolves a filter field against a document, envelope fields
// first. Shared by the memory backend and by post-query assertions.
func FieldValue(d *Document, field string) (any, bool) {
	switch field {
	case "id":
		return d.ID, true
	case "tenant_id":
		return d.TenantID, true
	case "created_by":
		return d.CreatedBy, true
	}
	v, ok := d.Data[field]
	return v, ok
}
