package objectstore

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"
)

type memStore struct {
	objects map[string][]byte
	deleted []string
}

func newMemStore() *memStore {
	return &memStore{objects: map[string][]byte{}}
}

func (m *memStore) Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.objects[bucket+"/"+key] = data
	return nil
}

func (m *memStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error) {
	data, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, ObjectInfo{}, ErrObjectNotFound
	}
	info := ObjectInfo{Key: key, Size: int64(len(data))}
	return io.NopCloser(bytes.NewReader(data)), info, nil
}

func (m *memStore) Stat(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	data, ok := m.objects[bucket+"/"+key]
	if !ok {
		return ObjectInfo{}, ErrObjectNotFound
	}
	return ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (m *memStore) Delete(ctx context.Context, bucket, key string) error {
	delete(m.objects, bucket+"/"+key)
	m.deleted = append(m.deleted, key)
	return nil
}

func (m *memStore) PresignPut(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	return "https://example.test/put/" + key, nil
}

func (m *memStore) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	return "https://example.test/get/" + key, nil
}

func TestContentStoreSourceTextRoundTrip(t *testing.T) {
	mem := newMemStore()
	content, err := NewContentStore(mem, "sources")
	if err != nil {
		t.Fatalf("NewContentStore() err=%v", err)
	}

	key, err := content.PutSourceText(context.Background(), "proj-1", "text-1", "Once there was a harbor town.")
	if err != nil {
		t.Fatalf("PutSourceText() err=%v", err)
	}
	if key != "projects/proj-1/texts/text-1.txt" {
		t.Fatalf("key=%q", key)
	}

	text, err := content.GetSourceText(context.Background(), key)
	if err != nil {
		t.Fatalf("GetSourceText() err=%v", err)
	}
	if text != "Once there was a harbor town." {
		t.Fatalf("text=%q", text)
	}
}

func TestArtifactStoreCandidateKeysAndDiscard(t *testing.T) {
	mem := newMemStore()
	artifacts, err := NewArtifactStore(mem, "renders")
	if err != nil {
		t.Fatalf("NewArtifactStore() err=%v", err)
	}

	ref, err := artifacts.PutCandidate(context.Background(), "run-1", 2, "cand-9", []byte{0x89, 0x50}, "")
	if err != nil {
		t.Fatalf("PutCandidate() err=%v", err)
	}
	if ref != "runs/run-1/segments/2/cand-9.png" {
		t.Fatalf("ref=%q", ref)
	}

	if _, err := artifacts.Stat(context.Background(), ref); err != nil {
		t.Fatalf("Stat() err=%v", err)
	}

	if err := artifacts.Discard(context.Background(), ref); err != nil {
		t.Fatalf("Discard() err=%v", err)
	}
	if len(mem.deleted) != 1 {
		t.Fatalf("deleted=%v, want one key", mem.deleted)
	}

	if _, err := artifacts.PutCandidate(context.Background(), "run-1", 0, "cand-1", nil, ""); err == nil {
		t.Fatalf("PutCandidate() expected error for empty image")
	}
}
