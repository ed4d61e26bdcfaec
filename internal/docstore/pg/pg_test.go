package pg

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"tenantcore.org/internal/docstore"
	"tenantcore.org/internal/fault"
)

var pgUniqueErr = pgconn.PgError{Code: pgErrUniqueViolation}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func TestCreateScansServerTimestamps(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("insert into documents").
		WithArgs("users", "u1", "t1", "system", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))

	doc, err := store.Create(context.Background(), &docstore.Document{
		Collection: "users",
		ID:         "u1",
		TenantID:   "t1",
		CreatedBy:  "system",
		Data:       map[string]any{"email": "a@b.c"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !doc.CreatedAt.Equal(now) {
		t.Fatalf("expected server-resolved created_at, got %v", doc.CreatedAt)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreateMapsUniqueViolation(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("insert into documents").
		WillReturnError(&pgUniqueErr)

	_, err := store.Create(context.Background(), &docstore.Document{Collection: "users", ID: "dup"})
	if !fault.IsCode(err, fault.AlreadyExists) {
		t.Fatalf("expected already_exists, got %v", err)
	}
}

func TestGetNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`(?s)select .* from documents`).
		WithArgs("users", "missing").
		WillReturnRows(sqlmock.NewRows([]string{"collection", "id", "tenant_id", "created_by", "data", "created_at", "updated_at", "deleted_at"}))

	_, err := store.Get(context.Background(), "users", "missing")
	if !fault.IsCode(err, fault.NotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestQueryBuildsTenantAndDataFilters(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{"collection", "id", "tenant_id", "created_by", "data", "created_at", "updated_at", "deleted_at"}).
		AddRow("users", "u1", "t1", "system", []byte(`{"email":"a@b.c"}`), now, now, nil)

	mock.ExpectQuery(`(?s)select .* from documents.*collection = \$1 and deleted_at is null and tenant_id = \$2 and data->>'email' = \$3`).
		WithArgs("users", "t1", "a@b.c").
		WillReturnRows(rows)

	docs, err := store.Query(context.Background(), "users", docstore.Query{Filters: []docstore.Filter{
		docstore.Eq("tenant_id", "t1"),
		docstore.Eq("email", "a@b.c"),
	}})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(docs) != 1 || docs[0].Data["email"] != "a@b.c" {
		t.Fatalf("unexpected result: %+v", docs)
	}
}

func TestQueryRejectsMalformedFilterField(t *testing.T) {
	store, _ := newMockStore(t)

	_, err := store.Query(context.Background(), "users", docstore.Query{Filters: []docstore.Filter{
		docstore.Eq("email'; drop table documents; --", "x"),
	}})
	if !fault.IsCode(err, fault.InvalidArgument) {
		t.Fatalf("expected invalid_argument, got %v", err)
	}
}

func TestDeleteWhereClampsBatchSize(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("delete from documents").
		WithArgs("rate_limits", sqlmock.AnyArg(), docstore.MaxBatchSize).
		WillReturnResult(sqlmock.NewResult(0, 42))

	n, err := store.DeleteWhere(context.Background(), "rate_limits",
		[]docstore.Filter{docstore.Lt("expires_at", time.Now())}, 10_000)
	if err != nil {
		t.Fatalf("DeleteWhere: %v", err)
	}
	if n != 42 {
		t.Fatalf("expected 42 deleted, got %d", n)
	}
}

func TestSoftDeleteMissingDocument(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("update documents").
		WithArgs("users", "missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.SoftDelete(context.Background(), "users", "missing")
	if !fault.IsCode(err, fault.NotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}
