package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// BlobStore offloads large artifact payloads to content-addressed
// external storage. Put returns a "sha256:<hex>" reference; Get
// rehydrates the original bytes from that reference.
type BlobStore interface {
	Put(ctx context.Context, data []byte) (ref string, err error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Exists(ctx context.Context, ref string) (bool, error)
	Delete(ctx context.Context, ref string) error
}

func blobRef(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func blobKey(prefix, ref string) (string, error) {
	const want = "sha256:"
	if len(ref) <= len(want) || ref[:len(want)] != want {
		return "", fmt.Errorf("storage: invalid blob ref %q", ref)
	}
	return prefix + ref[len(want):] + ".blob", nil
}
