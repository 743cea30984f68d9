package blobstore

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

type memObject struct {
	data        []byte
	contentType string
	modifiedAt  time.Time
}

// MemoryStore is an in-memory Store for tests and local runs.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[Container]map[string]memObject
	ensured map[Container]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: map[Container]map[string]memObject{},
		ensured: map[Container]int{},
	}
}

func (s *MemoryStore) EnsureContainer(ctx context.Context, c Container) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensured[c]++
	if s.objects[c] == nil {
		s.objects[c] = map[string]memObject{}
	}
	return nil
}

// EnsureCalls reports how many times EnsureContainer ran for c.
func (s *MemoryStore) EnsureCalls(c Container) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ensured[c]
}

func (s *MemoryStore) Put(ctx context.Context, c Container, key string, r io.Reader, size int64, contentType string) error {
	if err := validate(c, key); err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.objects[c] == nil {
		s.objects[c] = map[string]memObject{}
	}
	s.objects[c][key] = memObject{data: data, contentType: contentType, modifiedAt: time.Now().UTC()}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, c Container, key string) (io.ReadCloser, ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.objects[c][key]
	if !ok {
		return nil, ObjectInfo{}, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(o.data)), o.info(key), nil
}

func (s *MemoryStore) Stat(ctx context.Context, c Container, key string) (ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.objects[c][key]
	if !ok {
		return ObjectInfo{}, ErrNotFound
	}
	return o.info(key), nil
}

func (s *MemoryStore) Delete(ctx context.Context, c Container, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects[c], key)
	return nil
}

func (s *MemoryStore) List(ctx context.Context, c Container, prefix string) ([]ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ObjectInfo
	for k, o := range s.objects[c] {
		if strings.HasPrefix(k, prefix) {
			out = append(out, o.info(k))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (o memObject) info(key string) ObjectInfo {
	return ObjectInfo{Key: key, Size: int64(len(o.data)), ContentType: o.contentType, ModifiedAt: o.modifiedAt}
}
