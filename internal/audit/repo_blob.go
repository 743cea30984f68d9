package audit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"compliance-recorder/internal/blobstore"
)

// BlobRepo writes one JSON document per event, partitioned by UTC day.
type BlobRepo struct {
	store blobstore.Store
}

func NewBlobRepo(store blobstore.Store) *BlobRepo {
	return &BlobRepo{store: store}
}

func eventKey(e Event) string {
	return e.CreatedAt.UTC().Format("2006/01/02") + "/" + e.ID + ".json"
}

func (r *BlobRepo) Append(ctx context.Context, e Event) error {
	key := eventKey(e)
	// Events are immutable; never overwrite an existing key.
	if _, err := r.store.Stat(ctx, blobstore.ContainerComplianceEvents, key); err == nil {
		return fmt.Errorf("audit: event %s already exists", e.ID)
	} else if !errors.Is(err, blobstore.ErrNotFound) {
		return err
	}
	return blobstore.PutJSON(ctx, r.store, blobstore.ContainerComplianceEvents, key, e)
}

func (r *BlobRepo) ListDay(ctx context.Context, day time.Time) ([]Event, error) {
	prefix := day.UTC().Format("2006/01/02") + "/"
	objs, err := r.store.List(ctx, blobstore.ContainerComplianceEvents, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(objs))
	for _, o := range objs {
		if !strings.HasSuffix(o.Key, ".json") {
			continue
		}
		var e Event
		if err := blobstore.GetJSON(ctx, r.store, blobstore.ContainerComplianceEvents, o.Key, &e); err != nil {
			return nil, fmt.Errorf("audit: read %s: %w", o.Key, err)
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
