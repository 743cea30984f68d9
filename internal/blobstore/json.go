package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
)

const maxDocumentBytes = 8 << 20

// document wraps a JSON payload with a digest of its bytes so corrupted or
// hand-edited metadata is detected on read.
type document struct {
	SHA256 string          `json:"sha256"`
	Data   json.RawMessage `json:"data"`
}

// PutJSON marshals v and stores it with a content hash.
func PutJSON(ctx context.Context, s Store, c Container, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("blobstore: marshal %s/%s: %w", c, key, err)
	}
	raw, err := json.Marshal(document{SHA256: HashBytes(data), Data: data})
	if err != nil {
		return err
	}
	return s.Put(ctx, c, key, bytes.NewReader(raw), int64(len(raw)), "application/json")
}

// GetJSON loads a document written by PutJSON into v. A digest mismatch
// returns ErrIntegrity.
func GetJSON(ctx context.Context, s Store, c Container, key string, v any) error {
	rc, _, err := s.Get(ctx, c, key)
	if err != nil {
		return err
	}
	defer rc.Close()

	raw, err := io.ReadAll(io.LimitReader(rc, maxDocumentBytes))
	if err != nil {
		return fmt.Errorf("blobstore: read %s/%s: %w", c, key, err)
	}
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("blobstore: decode %s/%s: %w", c, key, err)
	}
	if doc.SHA256 != HashBytes(doc.Data) {
		return fmt.Errorf("%w: %s/%s", ErrIntegrity, c, key)
	}
	return json.Unmarshal(doc.Data, v)
}

func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashReader streams r through SHA-256 and returns the hex digest and byte count.
func HashReader(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
