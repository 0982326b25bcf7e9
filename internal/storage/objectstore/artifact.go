package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"
)

// ArtifactStore holds generated images. The object key doubles as the
// opaque artifact reference threaded through checkpoints; confirming a
// candidate never copies bytes, it just promotes the reference.
type ArtifactStore struct {
	store  Store
	bucket string
}

func NewArtifactStore(store Store, bucket string) (*ArtifactStore, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	return &ArtifactStore{store: store, bucket: bucket}, nil
}

func (a *ArtifactStore) CandidateKey(runID string, segmentIndex int, candidateID string) string {
	return fmt.Sprintf("runs/%s/segments/%d/%s.png", runID, segmentIndex, candidateID)
}

func (a *ArtifactStore) CoverKey(runID string, artifactID string) string {
	return fmt.Sprintf("runs/%s/cover/%s.png", runID, artifactID)
}

// PutCandidate stores one generated image and returns its reference.
func (a *ArtifactStore) PutCandidate(ctx context.Context, runID string, segmentIndex int, candidateID string, image []byte, contentType string) (string, error) {
	if len(image) == 0 {
		return "", fmt.Errorf("image bytes are required")
	}
	if contentType == "" {
		contentType = "image/png"
	}
	key := a.CandidateKey(runID, segmentIndex, candidateID)
	if err := a.store.Put(ctx, a.bucket, key, bytes.NewReader(image), int64(len(image)), contentType); err != nil {
		return "", fmt.Errorf("put candidate: %w", err)
	}
	return key, nil
}

func (a *ArtifactStore) PutCover(ctx context.Context, runID string, artifactID string, image []byte, contentType string) (string, error) {
	if len(image) == 0 {
		return "", fmt.Errorf("image bytes are required")
	}
	if contentType == "" {
		contentType = "image/png"
	}
	key := a.CoverKey(runID, artifactID)
	if err := a.store.Put(ctx, a.bucket, key, bytes.NewReader(image), int64(len(image)), contentType); err != nil {
		return "", fmt.Errorf("put cover: %w", err)
	}
	return key, nil
}

func (a *ArtifactStore) Stat(ctx context.Context, ref string) (ObjectInfo, error) {
	return a.store.Stat(ctx, a.bucket, ref)
}

// Discard removes an unconfirmed candidate. Best effort; regeneration must
// not fail because an old object lingered.
func (a *ArtifactStore) Discard(ctx context.Context, ref string) error {
	return a.store.Delete(ctx, a.bucket, ref)
}

func (a *ArtifactStore) PresignDownload(ctx context.Context, ref string, ttl time.Duration) (string, error) {
	return a.store.PresignGet(ctx, a.bucket, ref, ttl)
}
