package storage

import (
	"context"
	"fmt"

	"github.com/asap-proto/asap/pkg/envelope"
)

// DefaultOffloadThreshold is the artifact size, in bytes, at which
// ArtifactOffload moves payloads out of the task store.
const DefaultOffloadThreshold = 64 * 1024

// ArtifactOffload wraps a TaskStore so artifact payloads at or above
// a size threshold are stored in a BlobStore and replaced by a
// content-addressed ref. Artifacts rehydrates offloaded payloads
// transparently, so callers see the same bytes they stored.
type ArtifactOffload struct {
	TaskStore
	blobs     BlobStore
	threshold int
}

// NewArtifactOffload wraps store. A threshold <= 0 selects
// DefaultOffloadThreshold.
func NewArtifactOffload(store TaskStore, blobs BlobStore, threshold int) *ArtifactOffload {
	if threshold <= 0 {
		threshold = DefaultOffloadThreshold
	}
	return &ArtifactOffload{TaskStore: store, blobs: blobs, threshold: threshold}
}

// AddArtifact implements TaskStore.
func (o *ArtifactOffload) AddArtifact(ctx context.Context, artifact envelope.Artifact) error {
	if len(artifact.Data) >= o.threshold {
		ref, err := o.blobs.Put(ctx, artifact.Data)
		if err != nil {
			return fmt.Errorf("storage: offload artifact %s: %w", artifact.ID, err)
		}
		artifact.BlobRef = ref
		artifact.Data = nil
	}
	return o.TaskStore.AddArtifact(ctx, artifact)
}

// Artifacts implements TaskStore.
func (o *ArtifactOffload) Artifacts(ctx context.Context, taskID string) ([]envelope.Artifact, error) {
	arts, err := o.TaskStore.Artifacts(ctx, taskID)
	if err != nil {
		return nil, err
	}
	for i := range arts {
		if arts[i].BlobRef == "" {
			continue
		}
		data, err := o.blobs.Get(ctx, arts[i].BlobRef)
		if err != nil {
			return nil, fmt.Errorf("storage: rehydrate artifact %s: %w", arts[i].ID, err)
		}
		arts[i].Data = data
	}
	return arts, nil
}
