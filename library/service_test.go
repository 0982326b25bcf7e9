package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/storyreel-labs/storyreel-go/internal/domain"
	"github.com/storyreel-labs/storyreel-go/internal/repo"
	"github.com/storyreel-labs/storyreel-go/internal/storage/objectstore"
)

type stubProjects struct {
	byID map[string]domain.Project
}

func newStubProjects() *stubProjects {
	return &stubProjects{byID: map[string]domain.Project{}}
}

func (s *stubProjects) Create(ctx context.Context, project domain.Project) error {
	s.byID[project.ID] = project
	return nil
}

func (s *stubProjects) Get(ctx context.Context, id string) (domain.Project, error) {
	project, ok := s.byID[id]
	if !ok {
		return domain.Project{}, repo.ErrNotFound
	}
	return project, nil
}

func (s *stubProjects) List(ctx context.Context, filter repo.ProjectFilter) ([]domain.Project, error) {
	out := make([]domain.Project, 0, len(s.byID))
	for _, project := range s.byID {
		out = append(out, project)
	}
	return out, nil
}

type stubCharacters struct {
	byID         map[string]domain.Character
	portraitKeys map[string]string
}

func newStubCharacters() *stubCharacters {
	return &stubCharacters{byID: map[string]domain.Character{}, portraitKeys: map[string]string{}}
}

func (s *stubCharacters) Create(ctx context.Context, character domain.Character) error {
	s.byID[character.ID] = character
	return nil
}

func (s *stubCharacters) Get(ctx context.Context, projectID, id string) (domain.Character, error) {
	character, ok := s.byID[id]
	if !ok || character.ProjectID != projectID {
		return domain.Character{}, repo.ErrNotFound
	}
	if key, ok := s.portraitKeys[id]; ok {
		character.PortraitKey = key
	}
	return character, nil
}

func (s *stubCharacters) List(ctx context.Context, filter repo.CharacterFilter) ([]domain.Character, error) {
	out := make([]domain.Character, 0, len(s.byID))
	for _, character := range s.byID {
		if character.ProjectID == filter.ProjectID {
			out = append(out, character)
		}
	}
	return out, nil
}

func (s *stubCharacters) SetPortraitKey(ctx context.Context, projectID, id, key string) error {
	if _, ok := s.byID[id]; !ok {
		return repo.ErrNotFound
	}
	s.portraitKeys[id] = key
	return nil
}

type stubTexts struct {
	byID      map[string]domain.SourceText
	finalized map[string]bool
}

func newStubTexts() *stubTexts {
	return &stubTexts{byID: map[string]domain.SourceText{}, finalized: map[string]bool{}}
}

func (s *stubTexts) Create(ctx context.Context, text domain.SourceText) error {
	if err := text.Validate(); err != nil {
		return err
	}
	s.byID[text.ID] = text
	return nil
}

func (s *stubTexts) Get(ctx context.Context, projectID, id string) (domain.SourceText, error) {
	text, ok := s.byID[id]
	if !ok || text.ProjectID != projectID {
		return domain.SourceText{}, repo.ErrNotFound
	}
	return text, nil
}

func (s *stubTexts) List(ctx context.Context, filter repo.SourceTextFilter) ([]domain.SourceText, error) {
	out := make([]domain.SourceText, 0, len(s.byID))
	for _, text := range s.byID {
		if text.ProjectID == filter.ProjectID {
			out = append(out, text)
		}
	}
	return out, nil
}

func (s *stubTexts) Finalize(ctx context.Context, projectID, id string, sizeBytes int64, contentSHA256 string, lengthRunes int) error {
	text, ok := s.byID[id]
	if !ok || text.ProjectID != projectID {
		return repo.ErrNotFound
	}
	if s.finalized[id] {
		return repo.ErrInvalidTransition
	}
	text.SizeBytes = sizeBytes
	text.ContentSHA256 = contentSHA256
	text.LengthRunes = lengthRunes
	s.byID[id] = text
	s.finalized[id] = true
	return nil
}

type memBlobs struct {
	objects map[string][]byte
}

func newMemBlobs() *memBlobs {
	return &memBlobs{objects: map[string][]byte{}}
}

func (m *memBlobs) Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.objects[bucket+"/"+key] = data
	return nil
}

func (m *memBlobs) Get(ctx context.Context, bucket, key string) (io.ReadCloser, objectstore.ObjectInfo, error) {
	data, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, objectstore.ObjectInfo{}, objectstore.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), objectstore.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (m *memBlobs) Stat(ctx context.Context, bucket, key string) (objectstore.ObjectInfo, error) {
	data, ok := m.objects[bucket+"/"+key]
	if !ok {
		return objectstore.ObjectInfo{}, objectstore.ErrObjectNotFound
	}
	return objectstore.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (m *memBlobs) Delete(ctx context.Context, bucket, key string) error {
	delete(m.objects, bucket+"/"+key)
	return nil
}

func (m *memBlobs) PresignPut(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	return "https://store.test/put/" + key, nil
}

func (m *memBlobs) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	return "https://store.test/get/" + key, nil
}

type serviceFixture struct {
	svc        *libraryService
	projects   *stubProjects
	characters *stubCharacters
	texts      *stubTexts
	blobs      *memBlobs
	content    *objectstore.ContentStore
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	blobs := newMemBlobs()
	content, err := objectstore.NewContentStore(blobs, "sources")
	if err != nil {
		t.Fatalf("NewContentStore() err=%v", err)
	}
	projects := newStubProjects()
	characters := newStubCharacters()
	texts := newStubTexts()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &serviceFixture{
		svc:        newLibraryService(projects, characters, texts, content, nil, logger),
		projects:   projects,
		characters: characters,
		texts:      texts,
		blobs:      blobs,
		content:    content,
	}
}

func testAuditContext() auditContext {
	return auditContext{Actor: "user-1", RequestID: "req-1", Path: "/projects"}
}

func (f *serviceFixture) seedProject(t *testing.T) domain.Project {
	t.Helper()
	project, err := f.svc.CreateProject(context.Background(), "Harbor Tales", "", nil, testAuditContext())
	if err != nil {
		t.Fatalf("CreateProject() err=%v", err)
	}
	return project
}

func TestCreateProjectAssignsIdentityFields(t *testing.T) {
	f := newServiceFixture(t)

	project, err := f.svc.CreateProject(context.Background(), "  Harbor Tales  ", " a coastal anthology ", map[string]any{"genre": "drama"}, testAuditContext())
	if err != nil {
		t.Fatalf("CreateProject() err=%v", err)
	}
	if project.ID == "" {
		t.Fatalf("project ID is empty")
	}
	if project.Name != "Harbor Tales" {
		t.Fatalf("name=%q, want trimmed", project.Name)
	}
	if project.CreatedBy != "user-1" {
		t.Fatalf("created_by=%q, want actor", project.CreatedBy)
	}
	if _, err := f.projects.Get(context.Background(), project.ID); err != nil {
		t.Fatalf("project not persisted: %v", err)
	}
}

func TestCreateProjectRejectsBlankName(t *testing.T) {
	f := newServiceFixture(t)

	if _, err := f.svc.CreateProject(context.Background(), "   ", "", nil, testAuditContext()); err == nil {
		t.Fatalf("CreateProject() expected validation error")
	}
}

func TestCreateCharacterRequiresProject(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.svc.CreateCharacter(context.Background(), "missing-project", "Mira", nil, nil, testAuditContext())
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err=%v, want ErrNotFound", err)
	}
}

func TestCreateCharacterCleansTraits(t *testing.T) {
	f := newServiceFixture(t)
	project := f.seedProject(t)

	character, err := f.svc.CreateCharacter(context.Background(), project.ID, "Mira", []string{" stoic ", "", "red scarf"}, nil, testAuditContext())
	if err != nil {
		t.Fatalf("CreateCharacter() err=%v", err)
	}
	want := []string{"stoic", "red scarf"}
	if len(character.Traits) != len(want) {
		t.Fatalf("traits=%v, want %v", character.Traits, want)
	}
	for i, trait := range want {
		if character.Traits[i] != trait {
			t.Fatalf("traits[%d]=%q, want %q", i, character.Traits[i], trait)
		}
	}
}

func TestPreparePortraitUploadFixesKey(t *testing.T) {
	f := newServiceFixture(t)
	project := f.seedProject(t)
	character, err := f.svc.CreateCharacter(context.Background(), project.ID, "Mira", nil, nil, testAuditContext())
	if err != nil {
		t.Fatalf("CreateCharacter() err=%v", err)
	}

	key, uploadURL, err := f.svc.PreparePortraitUpload(context.Background(), project.ID, character.ID, 15*time.Minute, testAuditContext())
	if err != nil {
		t.Fatalf("PreparePortraitUpload() err=%v", err)
	}
	wantKey := "projects/" + project.ID + "/characters/" + character.ID + "/portrait"
	if key != wantKey {
		t.Fatalf("key=%q, want %q", key, wantKey)
	}
	if !strings.HasPrefix(uploadURL, "https://store.test/put/") {
		t.Fatalf("uploadURL=%q", uploadURL)
	}

	stored, err := f.characters.Get(context.Background(), project.ID, character.ID)
	if err != nil {
		t.Fatalf("Get() err=%v", err)
	}
	if stored.PortraitKey != wantKey {
		t.Fatalf("portrait key=%q, want %q", stored.PortraitKey, wantKey)
	}
}

func TestCreateSourceTextInlineFinalizesContent(t *testing.T) {
	f := newServiceFixture(t)
	project := f.seedProject(t)
	text := "Die Möwen kreisten über dem Hafen."

	record, err := f.svc.CreateSourceTextInline(context.Background(), project.ID, "Chapter One", text, nil, testAuditContext())
	if err != nil {
		t.Fatalf("CreateSourceTextInline() err=%v", err)
	}
	sum := sha256.Sum256([]byte(text))
	if record.ContentSHA256 != hex.EncodeToString(sum[:]) {
		t.Fatalf("sha=%q", record.ContentSHA256)
	}
	if record.SizeBytes != int64(len(text)) {
		t.Fatalf("size=%d, want %d", record.SizeBytes, len(text))
	}
	if record.LengthRunes != 34 {
		t.Fatalf("runes=%d, want 34", record.LengthRunes)
	}
	if !f.texts.finalized[record.ID] {
		t.Fatalf("row was not finalized")
	}

	stored, err := f.content.GetSourceText(context.Background(), record.ObjectKey)
	if err != nil {
		t.Fatalf("GetSourceText() err=%v", err)
	}
	if stored != text {
		t.Fatalf("stored=%q", stored)
	}
}

func TestPrepareSourceTextUploadLeavesContentOpen(t *testing.T) {
	f := newServiceFixture(t)
	project := f.seedProject(t)

	record, uploadURL, err := f.svc.PrepareSourceTextUpload(context.Background(), project.ID, "Long Manuscript", nil, 15*time.Minute, testAuditContext())
	if err != nil {
		t.Fatalf("PrepareSourceTextUpload() err=%v", err)
	}
	if record.ContentSHA256 != "" || record.SizeBytes != 0 {
		t.Fatalf("content fields set before finalize: sha=%q size=%d", record.ContentSHA256, record.SizeBytes)
	}
	if record.ObjectKey == "" {
		t.Fatalf("object key is empty")
	}
	if !strings.HasPrefix(uploadURL, "https://store.test/put/") {
		t.Fatalf("uploadURL=%q", uploadURL)
	}
	if f.texts.finalized[record.ID] {
		t.Fatalf("pending row must not be finalized")
	}
}

func TestFinalizeSourceTextReadsUploadedObject(t *testing.T) {
	f := newServiceFixture(t)
	project := f.seedProject(t)
	record, _, err := f.svc.PrepareSourceTextUpload(context.Background(), project.ID, "Long Manuscript", nil, 15*time.Minute, testAuditContext())
	if err != nil {
		t.Fatalf("PrepareSourceTextUpload() err=%v", err)
	}

	text := "The uploaded manuscript body."
	f.blobs.objects["sources/"+record.ObjectKey] = []byte(text)

	finalized, err := f.svc.FinalizeSourceText(context.Background(), project.ID, record.ID, testAuditContext())
	if err != nil {
		t.Fatalf("FinalizeSourceText() err=%v", err)
	}
	sum := sha256.Sum256([]byte(text))
	if finalized.ContentSHA256 != hex.EncodeToString(sum[:]) {
		t.Fatalf("sha=%q", finalized.ContentSHA256)
	}
	if finalized.LengthRunes != len(text) {
		t.Fatalf("runes=%d, want %d", finalized.LengthRunes, len(text))
	}
	if !f.texts.finalized[record.ID] {
		t.Fatalf("row was not finalized")
	}
}

func TestFinalizeSourceTextBeforeUploadFails(t *testing.T) {
	f := newServiceFixture(t)
	project := f.seedProject(t)
	record, _, err := f.svc.PrepareSourceTextUpload(context.Background(), project.ID, "Long Manuscript", nil, 15*time.Minute, testAuditContext())
	if err != nil {
		t.Fatalf("PrepareSourceTextUpload() err=%v", err)
	}

	_, err = f.svc.FinalizeSourceText(context.Background(), project.ID, record.ID, testAuditContext())
	if !errors.Is(err, objectstore.ErrObjectNotFound) {
		t.Fatalf("err=%v, want ErrObjectNotFound", err)
	}
	if f.texts.finalized[record.ID] {
		t.Fatalf("row finalized despite missing object")
	}
}

func TestFinalizeSourceTextTwiceIsRejected(t *testing.T) {
	f := newServiceFixture(t)
	project := f.seedProject(t)
	record, _, err := f.svc.PrepareSourceTextUpload(context.Background(), project.ID, "Long Manuscript", nil, 15*time.Minute, testAuditContext())
	if err != nil {
		t.Fatalf("PrepareSourceTextUpload() err=%v", err)
	}
	f.blobs.objects["sources/"+record.ObjectKey] = []byte("The uploaded manuscript body.")

	if _, err := f.svc.FinalizeSourceText(context.Background(), project.ID, record.ID, testAuditContext()); err != nil {
		t.Fatalf("FinalizeSourceText() err=%v", err)
	}
	_, err = f.svc.FinalizeSourceText(context.Background(), project.ID, record.ID, testAuditContext())
	if !errors.Is(err, repo.ErrInvalidTransition) {
		t.Fatalf("err=%v, want ErrInvalidTransition", err)
	}
}
