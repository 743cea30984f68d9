package recording

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"compliance-recorder/internal/blobstore"
)

// MetadataStore persists recording metadata with optimistic versioning:
// Save succeeds only when m.Version is exactly one above the stored version
// (or 1 for a new record).
type MetadataStore interface {
	Save(ctx context.Context, m Metadata) error
	Get(ctx context.Context, id string) (Metadata, error)
	ListByCall(ctx context.Context, callID string) ([]Metadata, error)
	List(ctx context.Context) ([]Metadata, error)
}

// MemoryStore is an in-memory MetadataStore for tests and local runs.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]Metadata
	byCall map[string][]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: map[string]Metadata{}, byCall: map[string][]string{}}
}

func (s *MemoryStore) Save(ctx context.Context, m Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, exists := s.byID[m.ID]
	if err := checkVersion(prev, exists, m); err != nil {
		return err
	}
	if !exists {
		s.byCall[m.CallID] = append(s.byCall[m.CallID], m.ID)
	}
	s.byID[m.ID] = cloneMetadata(m)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byID[id]
	if !ok {
		return Metadata{}, ErrNotFound
	}
	return cloneMetadata(m), nil
}

func (s *MemoryStore) ListByCall(ctx context.Context, callID string) ([]Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Metadata, 0, len(s.byCall[callID]))
	for _, id := range s.byCall[callID] {
		out = append(out, cloneMetadata(s.byID[id]))
	}
	sortByCreated(out)
	return out, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Metadata, 0, len(s.byID))
	for _, m := range s.byID {
		out = append(out, cloneMetadata(m))
	}
	sortByCreated(out)
	return out, nil
}

// BlobStore keeps metadata documents in the metadata container:
//
//	records/<id>.json          the document
//	by-call/<callId>/<id>      index marker
type BlobStore struct {
	store blobstore.Store
	init  *blobstore.Initializer
}

func NewBlobStore(store blobstore.Store, init *blobstore.Initializer) *BlobStore {
	return &BlobStore{store: store, init: init}
}

func recordKey(id string) string { return "records/" + id + ".json" }

func callIndexKey(callID, id string) string { return "by-call/" + callID + "/" + id }

func (b *BlobStore) ready(ctx context.Context) error {
	if b.init == nil {
		return nil
	}
	return b.init.Ensure(ctx)
}

func (b *BlobStore) Save(ctx context.Context, m Metadata) error {
	if err := b.ready(ctx); err != nil {
		return err
	}
	prev, err := b.Get(ctx, m.ID)
	exists := err == nil
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err := checkVersion(prev, exists, m); err != nil {
		return err
	}
	if err := blobstore.PutJSON(ctx, b.store, blobstore.ContainerMetadata, recordKey(m.ID), m); err != nil {
		return err
	}
	if !exists {
		if err := b.store.Put(ctx, blobstore.ContainerMetadata, callIndexKey(m.CallID, m.ID), strings.NewReader(""), 0, "text/plain"); err != nil {
			return fmt.Errorf("recording: index %s: %w", m.ID, err)
		}
	}
	return nil
}

func (b *BlobStore) Get(ctx context.Context, id string) (Metadata, error) {
	if err := b.ready(ctx); err != nil {
		return Metadata{}, err
	}
	var m Metadata
	err := blobstore.GetJSON(ctx, b.store, blobstore.ContainerMetadata, recordKey(id), &m)
	if errors.Is(err, blobstore.ErrNotFound) {
		return Metadata{}, ErrNotFound
	}
	return m, err
}

func (b *BlobStore) ListByCall(ctx context.Context, callID string) ([]Metadata, error) {
	if err := b.ready(ctx); err != nil {
		return nil, err
	}
	prefix := "by-call/" + callID + "/"
	objs, err := b.store.List(ctx, blobstore.ContainerMetadata, prefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(objs))
	for _, o := range objs {
		ids = append(ids, strings.TrimPrefix(o.Key, prefix))
	}
	return b.load(ctx, ids)
}

func (b *BlobStore) List(ctx context.Context) ([]Metadata, error) {
	if err := b.ready(ctx); err != nil {
		return nil, err
	}
	objs, err := b.store.List(ctx, blobstore.ContainerMetadata, "records/")
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(objs))
	for _, o := range objs {
		ids = append(ids, strings.TrimSuffix(strings.TrimPrefix(o.Key, "records/"), ".json"))
	}
	return b.load(ctx, ids)
}

func (b *BlobStore) load(ctx context.Context, ids []string) ([]Metadata, error) {
	out := make([]Metadata, 0, len(ids))
	for _, id := range ids {
		m, err := b.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	sortByCreated(out)
	return out, nil
}

func checkVersion(prev Metadata, exists bool, next Metadata) error {
	if next.ID == "" || next.CallID == "" {
		return fmt.Errorf("%w: id and call id are required", ErrValidation)
	}
	want := 1
	if exists {
		want = prev.Version + 1
	}
	if next.Version != want {
		return fmt.Errorf("%w: %s has version %d, write carries %d", ErrConflict, next.ID, want-1, next.Version)
	}
	return nil
}

func sortByCreated(ms []Metadata) {
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].CreatedAt.Equal(ms[j].CreatedAt) {
			return ms[i].ID < ms[j].ID
		}
		return ms[i].CreatedAt.Before(ms[j].CreatedAt)
	})
}

func cloneMetadata(m Metadata) Metadata {
	m.Participants = append([]Participant(nil), m.Participants...)
	m.Compliance.Issues = append([]string(nil), m.Compliance.Issues...)
	m.AvailabilitySubscriptions = append([]string(nil), m.AvailabilitySubscriptions...)
	return m
}
