package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"
)

// ContentStore holds the inputs of a run: uploaded source texts, character
// portraits, and style reference images. Keys are opaque to callers; only
// this type knows the layout inside the sources bucket.
type ContentStore struct {
	store  Store
	bucket string
}

func NewContentStore(store Store, bucket string) (*ContentStore, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	return &ContentStore{store: store, bucket: bucket}, nil
}

func (c *ContentStore) SourceTextKey(projectID, textID string) string {
	return fmt.Sprintf("projects/%s/texts/%s.txt", projectID, textID)
}

func (c *ContentStore) PortraitKey(projectID, characterID string) string {
	return fmt.Sprintf("projects/%s/characters/%s/portrait", projectID, characterID)
}

func (c *ContentStore) PutSourceText(ctx context.Context, projectID, textID, text string) (string, error) {
	key := c.SourceTextKey(projectID, textID)
	body := strings.NewReader(text)
	if err := c.store.Put(ctx, c.bucket, key, body, int64(len(text)), "text/plain; charset=utf-8"); err != nil {
		return "", fmt.Errorf("put source text: %w", err)
	}
	return key, nil
}

func (c *ContentStore) GetSourceText(ctx context.Context, key string) (string, error) {
	rc, _, err := c.store.Get(ctx, c.bucket, key)
	if err != nil {
		return "", fmt.Errorf("get source text: %w", err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, rc); err != nil {
		return "", fmt.Errorf("read source text: %w", err)
	}
	return buf.String(), nil
}

func (c *ContentStore) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	return c.store.Stat(ctx, c.bucket, key)
}

// PresignUpload hands the browser a direct PUT URL so large reference
// images never stream through the service.
func (c *ContentStore) PresignUpload(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return c.store.PresignPut(ctx, c.bucket, key, ttl)
}

func (c *ContentStore) PresignDownload(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return c.store.PresignGet(ctx, c.bucket, key, ttl)
}
