// Package memory provides an in-process document store backend. It backs the
// test suites and local runs without Postgres; semantics mirror the pg
// backend.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"tenantcore.org/internal/docstore"
	"tenantcore.org/internal/fault"
	"tenantcore.org/internal/ids"
)

// Store is a mutex-guarded map backend implementing docstore.Store.
type Store struct {
	mu          sync.RWMutex
	collections map[string]map[string]*docstore.Document
	now         func() time.Time
}

var _ docstore.Store = (*Store)(nil)

// New constructs an empty store.
func New() *Store {
	return NewWithClock(time.Now)
}

// NewWithClock constructs a store with an injected time source.
func NewWithClock(now func() time.Time) *Store {
	return &Store{
		collections: make(map[string]map[string]*docstore.Document),
		now:         now,
	}
}

func (s *Store) Create(ctx context.Context, doc *docstore.Document) (*docstore.Document, error) {
	if doc == nil || doc.Collection == "" {
		return nil, fault.New(fault.InvalidArgument, "collection is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	coll := s.collections[doc.Collection]
	if coll == nil {
		coll = make(map[string]*docstore.Document)
		s.collections[doc.Collection] = coll
	}

	stored := doc.Clone()
	if stored.ID == "" {
		stored.ID = ids.New()
	}
	if _, exists := coll[stored.ID]; exists {
		return nil, fault.New(fault.AlreadyExists, "document %s/%s already exists", doc.Collection, stored.ID)
	}
	now := s.now().UTC()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	stored.DeletedAt = nil
	if stored.Data == nil {
		stored.Data = map[string]any{}
	}
	coll[stored.ID] = stored
	return stored.Clone(), nil
}

func (s *Store) Get(ctx context.Context, collection, id string) (*docstore.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.collections[collection][id]
	if !ok {
		return nil, fault.New(fault.NotFound, "document %s/%s not found", collection, id)
	}
	return doc.Clone(), nil
}

func (s *Store) Query(ctx context.Context, collection string, q docstore.Query) ([]*docstore.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*docstore.Document
	for _, doc := range s.collections[collection] {
		if doc.DeletedAt != nil && !q.IncludeDeleted {
			continue
		}
		if !matchesAll(doc, q.Filters) {
			continue
		}
		out = append(out, doc.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) Update(ctx context.Context, collection, id string, fields map[string]any) (*docstore.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.collections[collection][id]
	if !ok {
		return nil, fault.New(fault.NotFound, "document %s/%s not found", collection, id)
	}
	if doc.Data == nil {
		doc.Data = map[string]any{}
	}
	for k, v := range fields {
		if v == nil {
			delete(doc.Data, k)
			continue
		}
		doc.Data[k] = v
	}
	doc.UpdatedAt = s.now().UTC()
	return doc.Clone(), nil
}

func (s *Store) SoftDelete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.collections[collection][id]
	if !ok {
		return fault.New(fault.NotFound, "document %s/%s not found", collection, id)
	}
	now := s.now().UTC()
	doc.DeletedAt = &now
	doc.UpdatedAt = now
	return nil
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.collections[collection][id]; !ok {
		return fault.New(fault.NotFound, "document %s/%s not found", collection, id)
	}
	delete(s.collections[collection], id)
	return nil
}

func (s *Store) DeleteWhere(ctx context.Context, collection string, filters []docstore.Filter, limit int) (int, error) {
	if limit <= 0 || limit > docstore.MaxBatchSize {
		limit = docstore.MaxBatchSize
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var victims []string
	for id, doc := range s.collections[collection] {
		if matchesAll(doc, filters) {
			victims = append(victims, id)
			if len(victims) == limit {
				break
			}
		}
	}
	for _, id := range victims {
		delete(s.collections[collection], id)
	}
	return len(victims), nil
}

func (s *Store) Ping(ctx context.Context) error { return nil }

func matchesAll(doc *docstore.Document, filters []docstore.Filter) bool {
	for _, f := range filters {
		if !matches(doc, f) {
			return false
		}
	}
	return true
}

func matches(doc *docstore.Document, f docstore.Filter) bool {
	have, ok := docstore.FieldValue(doc, f.Field)
	if !ok {
		return false
	}
	cmp, comparable := compare(have, f.Value)
	if !comparable {
		return false
	}
	switch f.Op {
	case docstore.OpEq:
		return cmp == 0
	case docstore.OpLt:
		return cmp < 0
	case docstore.OpLte:
		return cmp <= 0
	case docstore.OpGt:
		return cmp > 0
	case docstore.OpGte:
		return cmp >= 0
	}
	return false
}

func compare(a, b any) (int, bool) {
	if at, ok := a.(time.Time); ok {
		a = docstore.FormatTime(at)
	}
	if bt, ok := b.(time.Time); ok {
		b = docstore.FormatTime(bt)
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		if av == bv {
			return 0, true
		}
		return 1, true
	default:
		af, aok := toFloat(a)
		bf, bok := toFloat(b)
		if !aok || !bok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	default:
		return 0, false
	}
}
