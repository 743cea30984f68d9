package blobstore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Initializer creates containers exactly once per process. A failed attempt
// leaves it uninitialized so the next caller retries.
type Initializer struct {
	store      Store
	containers []Container

	mu   sync.Mutex
	done atomic.Bool
}

func NewInitializer(store Store, containers ...Container) *Initializer {
	if len(containers) == 0 {
		containers = AllContainers()
	}
	return &Initializer{store: store, containers: containers}
}

func (i *Initializer) Ensure(ctx context.Context) error {
	if i.done.Load() {
		return nil
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.done.Load() {
		return nil
	}
	for _, c := range i.containers {
		if err := i.store.EnsureContainer(ctx, c); err != nil {
			return fmt.Errorf("blobstore: ensure %s: %w", c, err)
		}
	}
	i.done.Store(true)
	return nil
}

func (i *Initializer) Ready() bool { return i.done.Load() }
