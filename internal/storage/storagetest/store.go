// Package storagetest provides an in-memory DocumentStore for package
// tests. It keeps WriteBatch atomic and pages in _id order, matching the
// mongo backend's contract.
package storagetest

import (
	"context"
	"sort"
	"sync"

	"schemashift/internal/storage"
)

// Store is an in-memory DocumentStore.
type Store struct {
	mu          sync.Mutex
	collections map[string]map[string]*storage.Document
	control     *storage.ControlRecord
	identity    string

	writeBatches int

	// PageErr, when set, is returned by every Page call.
	PageErr error

	// PingErr, when set, is returned by Ping.
	PingErr error

	// WriteHook runs before a batch commits. A non-nil return aborts the
	// whole batch without writing anything.
	WriteHook func(collection string, docs []*storage.Document) error
}

var _ storage.DocumentStore = (*Store)(nil)

func New(identity string) *Store {
	return &Store{
		collections: make(map[string]map[string]*storage.Document),
		identity:    identity,
	}
}

// Seed inserts documents directly, bypassing hooks and counters.
func (s *Store) Seed(collection string, docs ...*storage.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, doc := range docs {
		s.coll(collection)[doc.Id] = clone(doc)
	}
}

// WriteBatches returns how many batches were committed via WriteBatch.
func (s *Store) WriteBatches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeBatches
}

func (s *Store) Get(ctx context.Context, collection, id string) (*storage.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.coll(collection)[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return clone(doc), nil
}

func (s *Store) Insert(ctx context.Context, collection string, doc *storage.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.coll(collection)[doc.Id]; ok {
		return storage.ErrExists
	}
	s.coll(collection)[doc.Id] = clone(doc)
	return nil
}

func (s *Store) Page(ctx context.Context, collection, afterID string, limit int) ([]*storage.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PageErr != nil {
		return nil, s.PageErr
	}

	ids := make([]string, 0, len(s.coll(collection)))
	for id := range s.coll(collection) {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}

	out := make([]*storage.Document, 0, len(ids))
	for _, id := range ids {
		out = append(out, clone(s.coll(collection)[id]))
	}
	return out, nil
}

func (s *Store) Count(ctx context.Context, collection string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.coll(collection))), nil
}

func (s *Store) WriteBatch(ctx context.Context, collection string, docs []*storage.Document) error {
	s.mu.Lock()
	hook := s.WriteHook
	s.mu.Unlock()

	if hook != nil {
		if err := hook(collection, docs); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, doc := range docs {
		s.coll(collection)[doc.Id] = clone(doc)
	}
	s.writeBatches++
	return nil
}

func (s *Store) LoadControl(ctx context.Context) (*storage.ControlRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.control == nil {
		return nil, storage.ErrNotFound
	}
	cp := *s.control
	return &cp, nil
}

func (s *Store) SaveControl(ctx context.Context, rec *storage.ControlRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.control = &cp
	return nil
}

func (s *Store) Identity(ctx context.Context) (string, error) {
	return s.identity, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.PingErr
}

func (s *Store) Close(ctx context.Context) error {
	return nil
}

func (s *Store) coll(name string) map[string]*storage.Document {
	c, ok := s.collections[name]
	if !ok {
		c = make(map[string]*storage.Document)
		s.collections[name] = c
	}
	return c
}

func clone(doc *storage.Document) *storage.Document {
	cp := *doc
	cp.Data = make(map[string]interface{}, len(doc.Data))
	for k, v := range doc.Data {
		cp.Data[k] = v
	}
	return &cp
}
