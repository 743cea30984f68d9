package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOStore stores every container under a prefix of one MinIO bucket.
type MinIOStore struct {
	client *minio.Client
	bucket string
	region string
}

func NewMinIOStore(cfg Config) (*MinIOStore, error) {
	if cfg.Bucket == "" || cfg.Endpoint == "" {
		return nil, fmt.Errorf("%w: bucket and endpoint are required", ErrInvalid)
	}
	// minio-go expects host[:port] without a scheme.
	endpoint := strings.TrimPrefix(strings.TrimPrefix(cfg.Endpoint, "https://"), "http://")
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("blobstore: minio client: %w", err)
	}
	return &MinIOStore{client: client, bucket: cfg.Bucket, region: cfg.Region}, nil
}

func (s *MinIOStore) EnsureContainer(ctx context.Context, c Container) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("blobstore: bucket exists %s: %w", s.bucket, err)
	}
	if ok {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		if minio.ToErrorResponse(err).Code == "BucketAlreadyOwnedByYou" {
			return nil
		}
		return fmt.Errorf("blobstore: make bucket %s: %w", s.bucket, err)
	}
	return nil
}

func (s *MinIOStore) Put(ctx context.Context, c Container, key string, r io.Reader, size int64, contentType string) error {
	if err := validate(c, key); err != nil {
		return err
	}
	_, err := s.client.PutObject(ctx, s.bucket, objectKey(c, key), r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("blobstore: put %s/%s: %w", c, key, err)
	}
	return nil
}

func (s *MinIOStore) Get(ctx context.Context, c Container, key string) (io.ReadCloser, ObjectInfo, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, objectKey(c, key), minio.GetObjectOptions{})
	if err != nil {
		return nil, ObjectInfo{}, minioErr("get", c, key, err)
	}
	// GetObject is lazy; Stat surfaces a missing key.
	st, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		return nil, ObjectInfo{}, minioErr("get", c, key, err)
	}
	return obj, ObjectInfo{Key: key, Size: st.Size, ContentType: st.ContentType, ModifiedAt: st.LastModified}, nil
}

func (s *MinIOStore) Stat(ctx context.Context, c Container, key string) (ObjectInfo, error) {
	st, err := s.client.StatObject(ctx, s.bucket, objectKey(c, key), minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, minioErr("stat", c, key, err)
	}
	return ObjectInfo{Key: key, Size: st.Size, ContentType: st.ContentType, ModifiedAt: st.LastModified}, nil
}

func (s *MinIOStore) Delete(ctx context.Context, c Container, key string) error {
	err := s.client.RemoveObject(ctx, s.bucket, objectKey(c, key), minio.RemoveObjectOptions{})
	if err != nil && !errors.Is(minioErr("delete", c, key, err), ErrNotFound) {
		return fmt.Errorf("blobstore: delete %s/%s: %w", c, key, err)
	}
	return nil
}

func (s *MinIOStore) List(ctx context.Context, c Container, prefix string) ([]ObjectInfo, error) {
	base := string(c) + "/"
	var out []ObjectInfo
	for o := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: base + prefix, Recursive: true}) {
		if o.Err != nil {
			return nil, fmt.Errorf("blobstore: list %s: %w", c, o.Err)
		}
		out = append(out, ObjectInfo{
			Key:         strings.TrimPrefix(o.Key, base),
			Size:        o.Size,
			ContentType: o.ContentType,
			ModifiedAt:  o.LastModified,
		})
	}
	return out, nil
}

func minioErr(op string, c Container, key string, err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NotFound":
		return fmt.Errorf("%w: %s/%s", ErrNotFound, c, key)
	}
	return fmt.Errorf("blobstore: %s %s/%s: %w", op, c, key, err)
}
