// Package audit records membership and isolation events. Entries are
// append-only: the core never mutates or deletes them, and role transitions
// rely on them as the reconciliation record for multi-system writes.
package audit

import (
	"context"
	"strings"
	"time"

	"tenantcore.org/internal/docstore"
	"tenantcore.org/internal/fault"
	"tenantcore.org/internal/obs"
)

// Collection is where audit documents are stored.
const Collection = "audit_logs"

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit
// correlation.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Entry captures one audited action with its before/after delta.
type Entry struct {
	TenantID   string
	ActorID    string
	Action     string
	Collection string
	DocumentID string
	Before     map[string]any
	After      map[string]any
	OccurredAt time.Time
}

// Recorder persists entries to the document store and echoes them to the
// structured log.
type Recorder struct {
	docs docstore.Store
	now  func() time.Time
}

// NewRecorder constructs a Recorder.
func NewRecorder(docs docstore.Store) *Recorder {
	return &Recorder{docs: docs, now: time.Now}
}

// NewRecorderWithClock injects a time source for tests.
func NewRecorderWithClock(docs docstore.Store, now func() time.Time) *Recorder {
	return &Recorder{docs: docs, now: now}
}

// Record writes the entry. The log line is emitted even when persistence
// fails, so a storage outage never hides a security-relevant event.
func (r *Recorder) Record(ctx context.Context, e Entry) error {
	if strings.TrimSpace(e.Action) == "" {
		return fault.New(fault.InvalidArgument, "audit action is required")
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = r.now().UTC()
	}

	fields := map[string]any{
		"ts":     e.OccurredAt.Format(time.RFC3339Nano),
		"type":   "audit",
		"event":  e.Action,
		"tenant": e.TenantID,
		"actor":  e.ActorID,
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		fields["request_id"] = rid
	}
	if e.Collection != "" {
		fields["collection"] = e.Collection
	}
	if e.DocumentID != "" {
		fields["document_id"] = e.DocumentID
	}
	obs.LogEvent(fields)

	data := map[string]any{
		"action":      e.Action,
		"actor_id":    e.ActorID,
		"collection":  e.Collection,
		"document_id": e.DocumentID,
		"occurred_at": docstore.FormatTime(e.OccurredAt),
	}
	if len(e.Before) > 0 {
		data["before"] = e.Before
	}
	if len(e.After) > 0 {
		data["after"] = e.After
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		data["request_id"] = rid
	}

	_, err := r.docs.Create(ctx, &docstore.Document{
		Collection: Collection,
		TenantID:   e.TenantID,
		CreatedBy:  e.ActorID,
		Data:       data,
	})
	if err != nil {
		return fault.Wrap(fault.Internal, err, "persist audit entry %s", e.Action)
	}
	return nil
}
