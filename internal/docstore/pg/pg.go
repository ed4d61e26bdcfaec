// Package pg implements the document store on PostgreSQL. All collections
// share one documents table with a JSONB payload; envelope fields live in
// real columns so the tenant index stays cheap.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"tenantcore.org/internal/docstore"
	"tenantcore.org/internal/fault"
	"tenantcore.org/internal/ids"
)

const (
	pgErrUniqueViolation = "23505"
)

// Store implements docstore.Store on *sql.DB.
type Store struct {
	db *sql.DB
}

var _ docstore.Store = (*Store)(nil)

// Open connects with tuned pool defaults.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing connection (used by tests and cmd wiring).
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Create(ctx context.Context, doc *docstore.Document) (*docstore.Document, error) {
	if doc == nil || doc.Collection == "" {
		return nil, fault.New(fault.InvalidArgument, "collection is required")
	}
	stored := doc.Clone()
	if stored.ID == "" {
		stored.ID = ids.New()
	}
	if stored.Data == nil {
		stored.Data = map[string]any{}
	}
	payload, err := json.Marshal(stored.Data)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "marshal document data")
	}

	row := s.db.QueryRowContext(ctx, `
		insert into documents (collection, id, tenant_id, created_by, data)
		values ($1, $2, $3, $4, $5)
		returning created_at, updated_at
	`, stored.Collection, stored.ID, stored.TenantID, stored.CreatedBy, payload)
	if err := row.Scan(&stored.CreatedAt, &stored.UpdatedAt); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return nil, fault.New(fault.AlreadyExists, "document %s/%s already exists", stored.Collection, stored.ID)
		}
		return nil, fault.Wrap(fault.Internal, err, "insert document %s/%s", stored.Collection, stored.ID)
	}
	return stored, nil
}

func (s *Store) Get(ctx context.Context, collection, id string) (*docstore.Document, error) {
	row := s.db.QueryRowContext(ctx, `
		select collection, id, tenant_id, created_by, data, created_at, updated_at, deleted_at
		from documents
		where collection = $1 and id = $2
	`, collection, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.New(fault.NotFound, "document %s/%s not found", collection, id)
	}
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "load document %s/%s", collection, id)
	}
	return doc, nil
}

func (s *Store) Query(ctx context.Context, collection string, q docstore.Query) ([]*docstore.Document, error) {
	where := []string{"collection = $1"}
	args := []any{collection}
	if !q.IncludeDeleted {
		where = append(where, "deleted_at is null")
	}
	for _, f := range q.Filters {
		clause, err := filterClause(f, &args)
		if err != nil {
			return nil, err
		}
		where = append(where, clause)
	}

	query := `
		select collection, id, tenant_id, created_by, data, created_at, updated_at, deleted_at
		from documents
		where ` + strings.Join(where, " and ") + `
		order by id`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" limit $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "query collection %s", collection)
	}
	defer rows.Close()

	var out []*docstore.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fault.Wrap(fault.Internal, err, "scan document in %s", collection)
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.Internal, err, "iterate collection %s", collection)
	}
	return out, nil
}

func (s *Store) Update(ctx context.Context, collection, id string, fields map[string]any) (*docstore.Document, error) {
	merge := make(map[string]any, len(fields))
	var removals []string
	for k, v := range fields {
		if v == nil {
			removals = append(removals, k)
			continue
		}
		merge[k] = v
	}
	payload, err := json.Marshal(merge)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "marshal update payload")
	}

	expr := "data"
	args := []any{collection, id}
	for _, key := range removals {
		args = append(args, key)
		expr = fmt.Sprintf("(%s - $%d::text)", expr, len(args))
	}
	args = append(args, payload)
	expr = fmt.Sprintf("%s || $%d::jsonb", expr, len(args))

	row := s.db.QueryRowContext(ctx, `
		update documents
		set data = `+expr+`, updated_at = now()
		where collection = $1 and id = $2
		returning collection, id, tenant_id, created_by, data, created_at, updated_at, deleted_at
	`, args...)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.New(fault.NotFound, "document %s/%s not found", collection, id)
	}
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "update document %s/%s", collection, id)
	}
	return doc, nil
}

func (s *Store) SoftDelete(ctx context.Context, collection, id string) error {
	res, err := s.db.ExecContext(ctx, `
		update documents
		set deleted_at = now(), updated_at = now()
		where collection = $1 and id = $2
	`, collection, id)
	if err != nil {
		return fault.Wrap(fault.Internal, err, "soft delete %s/%s", collection, id)
	}
	return requireAffected(res, collection, id)
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	res, err := s.db.ExecContext(ctx, `
		delete from documents
		where collection = $1 and id = $2
	`, collection, id)
	if err != nil {
		return fault.Wrap(fault.Internal, err, "delete %s/%s", collection, id)
	}
	return requireAffected(res, collection, id)
}

func (s *Store) DeleteWhere(ctx context.Context, collection string, filters []docstore.Filter, limit int) (int, error) {
	if limit <= 0 || limit > docstore.MaxBatchSize {
		limit = docstore.MaxBatchSize
	}
	where := []string{"collection = $1"}
	args := []any{collection}
	for _, f := range filters {
		clause, err := filterClause(f, &args)
		if err != nil {
			return 0, err
		}
		where = append(where, clause)
	}
	args = append(args, limit)

	res, err := s.db.ExecContext(ctx, `
		delete from documents
		where ctid in (
			select ctid from documents
			where `+strings.Join(where, " and ")+fmt.Sprintf(`
			limit $%d
		)`, len(args)), args...)
	if err != nil {
		return 0, fault.Wrap(fault.Internal, err, "batch delete in %s", collection)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fault.Wrap(fault.Internal, err, "batch delete in %s", collection)
	}
	return int(n), nil
}

var fieldNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

func filterClause(f docstore.Filter, args *[]any) (string, error) {
	if !fieldNamePattern.MatchString(f.Field) {
		return "", fault.New(fault.InvalidArgument, "invalid filter field %q", f.Field)
	}
	op, err := sqlOp(f.Op)
	if err != nil {
		return "", err
	}

	switch f.Field {
	case "id", "tenant_id", "created_by":
		*args = append(*args, f.Value)
		return fmt.Sprintf("%s %s $%d", f.Field, op, len(*args)), nil
	}

	value := f.Value
	if t, ok := value.(time.Time); ok {
		value = docstore.FormatTime(t)
	}
	field := fmt.Sprintf("data->>'%s'", f.Field)
	switch value.(type) {
	case bool:
		field = fmt.Sprintf("(%s)::boolean", field)
	case int, int32, int64, float32, float64:
		field = fmt.Sprintf("(%s)::numeric", field)
	}
	*args = append(*args, value)
	return fmt.Sprintf("%s %s $%d", field, op, len(*args)), nil
}

func sqlOp(op docstore.Op) (string, error) {
	switch op {
	case docstore.OpEq:
		return "=", nil
	case docstore.OpLt, docstore.OpLte, docstore.OpGt, docstore.OpGte:
		return string(op), nil
	}
	return "", fault.New(fault.InvalidArgument, "unsupported filter operator %q", op)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*docstore.Document, error) {
	var (
		doc       docstore.Document
		payload   []byte
		deletedAt sql.NullTime
	)
	err := row.Scan(&doc.Collection, &doc.ID, &doc.TenantID, &doc.CreatedBy,
		&payload, &doc.CreatedAt, &doc.UpdatedAt, &deletedAt)
	if err != nil {
		return nil, err
	}
	doc.Data = map[string]any{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &doc.Data); err != nil {
			return nil, fmt.Errorf("decode document data: %w", err)
		}
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		doc.DeletedAt = &t
	}
	return &doc, nil
}

func requireAffected(res sql.Result, collection, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fault.Wrap(fault.Internal, err, "rows affected for %s/%s", collection, id)
	}
	if n == 0 {
		return fault.New(fault.NotFound, "document %s/%s not found", collection, id)
	}
	return nil
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}
