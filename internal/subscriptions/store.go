package subscriptions

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"compliance-recorder/internal/blobstore"
)

// Store persists the local subscription view.
type Store interface {
	Save(ctx context.Context, s Subscription) error
	Get(ctx context.Context, id string) (Subscription, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Subscription, error)
}

// MemoryStore is a simple in-memory store useful for tests and single-node runs.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]Subscription
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: map[string]Subscription{}}
}

func (m *MemoryStore) Save(ctx context.Context, s Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[s.ID] = s
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.subs[id]
	if !ok {
		return Subscription{}, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
	return nil
}

func (m *MemoryStore) List(ctx context.Context) ([]Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// BlobStore keeps one document per subscription in the subscriptions container
// so the local view survives restarts.
type BlobStore struct {
	store blobstore.Store
	init  *blobstore.Initializer
}

func NewBlobStore(store blobstore.Store, init *blobstore.Initializer) *BlobStore {
	return &BlobStore{store: store, init: init}
}

func (b *BlobStore) ready(ctx context.Context) error {
	if b.init == nil {
		return nil
	}
	return b.init.Ensure(ctx)
}

func (b *BlobStore) Save(ctx context.Context, s Subscription) error {
	if err := b.ready(ctx); err != nil {
		return err
	}
	return blobstore.PutJSON(ctx, b.store, blobstore.ContainerSubscriptions, s.ID+".json", s)
}

func (b *BlobStore) Get(ctx context.Context, id string) (Subscription, error) {
	if err := b.ready(ctx); err != nil {
		return Subscription{}, err
	}
	var s Subscription
	err := blobstore.GetJSON(ctx, b.store, blobstore.ContainerSubscriptions, id+".json", &s)
	if errors.Is(err, blobstore.ErrNotFound) {
		return Subscription{}, ErrNotFound
	}
	return s, err
}

func (b *BlobStore) Delete(ctx context.Context, id string) error {
	if err := b.ready(ctx); err != nil {
		return err
	}
	return b.store.Delete(ctx, blobstore.ContainerSubscriptions, id+".json")
}

func (b *BlobStore) List(ctx context.Context) ([]Subscription, error) {
	if err := b.ready(ctx); err != nil {
		return nil, err
	}
	objs, err := b.store.List(ctx, blobstore.ContainerSubscriptions, "")
	if err != nil {
		return nil, err
	}
	out := make([]Subscription, 0, len(objs))
	for _, o := range objs {
		id := strings.TrimSuffix(o.Key, ".json")
		if id == o.Key {
			continue
		}
		s, err := b.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
