// Package blobstore is the object storage boundary for recordings, transcripts,
// metadata documents, subscription records and compliance events.
//
// Containers map to key prefixes inside a single bucket on S3/MinIO and to
// separate maps in memory.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

type Container string

const (
	ContainerRecordings       Container = "recordings"
	ContainerTranscripts      Container = "transcripts"
	ContainerMetadata         Container = "metadata"
	ContainerSubscriptions    Container = "subscriptions"
	ContainerComplianceEvents Container = "compliance-events"
)

// AllContainers lists every container the recorder writes to.
func AllContainers() []Container {
	return []Container{
		ContainerRecordings,
		ContainerTranscripts,
		ContainerMetadata,
		ContainerSubscriptions,
		ContainerComplianceEvents,
	}
}

var (
	ErrNotFound  = errors.New("blobstore: object not found")
	ErrIntegrity = errors.New("blobstore: content hash mismatch")
	ErrInvalid   = errors.New("blobstore: invalid argument")
)

type ObjectInfo struct {
	Key         string
	Size        int64
	ContentType string
	ModifiedAt  time.Time
}

// Store is implemented by MemoryStore, S3Store and MinIOStore.
// Delete of a missing object is not an error.
type Store interface {
	EnsureContainer(ctx context.Context, c Container) error
	Put(ctx context.Context, c Container, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, c Container, key string) (io.ReadCloser, ObjectInfo, error)
	Stat(ctx context.Context, c Container, key string) (ObjectInfo, error)
	Delete(ctx context.Context, c Container, key string) error
	List(ctx context.Context, c Container, prefix string) ([]ObjectInfo, error)
}

// Config selects and configures a backend.
type Config struct {
	Backend   string // memory, s3, minio
	Bucket    string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// Open builds the configured Store. It does not create containers; use an Initializer.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "s3":
		return NewS3Store(ctx, cfg)
	case "minio":
		return NewMinIOStore(cfg)
	default:
		return nil, fmt.Errorf("blobstore: unknown backend %q", cfg.Backend)
	}
}

func objectKey(c Container, key string) string {
	return string(c) + "/" + key
}

func validate(c Container, key string) error {
	if c == "" || key == "" {
		return fmt.Errorf("%w: container and key are required", ErrInvalid)
	}
	return nil
}
