package main

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/storyreel-labs/storyreel-go/internal/domain"
	"github.com/storyreel-labs/storyreel-go/internal/platform/auditlog"
	"github.com/storyreel-labs/storyreel-go/internal/repo"
	"github.com/storyreel-labs/storyreel-go/internal/storage/objectstore"
)

type auditContext struct {
	Actor     string
	RequestID string
	IP        net.IP
	UserAgent string
	Path      string
}

// libraryService owns the write flows behind the CRUD handlers: repo
// inserts, object-store keys and the audit trail stay together here so the
// handlers only translate HTTP.
type libraryService struct {
	projects   repo.ProjectRepository
	characters repo.CharacterRepository
	sources    repo.SourceTextRepository
	content    *objectstore.ContentStore
	db         *sql.DB
	logger     *slog.Logger
	now        func() time.Time
}

func newLibraryService(
	projects repo.ProjectRepository,
	characters repo.CharacterRepository,
	sources repo.SourceTextRepository,
	content *objectstore.ContentStore,
	db *sql.DB,
	logger *slog.Logger,
) *libraryService {
	return &libraryService{
		projects:   projects,
		characters: characters,
		sources:    sources,
		content:    content,
		db:         db,
		logger:     logger,
		now:        time.Now,
	}
}

func (s *libraryService) CreateProject(ctx context.Context, name, description string, metadata map[string]any, auditCtx auditContext) (domain.Project, error) {
	if s == nil || s.projects == nil {
		return domain.Project{}, fmt.Errorf("project service not initialized")
	}
	project := domain.Project{
		ID:          uuid.NewString(),
		Name:        strings.TrimSpace(name),
		Description: strings.TrimSpace(description),
		CreatedAt:   s.now().UTC(),
		CreatedBy:   auditCtx.Actor,
		Metadata:    domain.Metadata(metadata),
	}
	if err := project.Validate(); err != nil {
		return domain.Project{}, err
	}
	if err := s.projects.Create(ctx, project); err != nil {
		return domain.Project{}, err
	}
	s.audit(ctx, auditCtx, "project.create", "project", project.ID, map[string]any{
		"name": project.Name,
	})
	return project, nil
}

func (s *libraryService) CreateCharacter(ctx context.Context, projectID, name string, traits []string, metadata map[string]any, auditCtx auditContext) (domain.Character, error) {
	if s == nil || s.characters == nil {
		return domain.Character{}, fmt.Errorf("character service not initialized")
	}
	if _, err := s.projects.Get(ctx, projectID); err != nil {
		return domain.Character{}, err
	}
	character := domain.Character{
		ID:        uuid.NewString(),
		ProjectID: strings.TrimSpace(projectID),
		Name:      strings.TrimSpace(name),
		Traits:    cleanTraits(traits),
		CreatedAt: s.now().UTC(),
		Metadata:  domain.Metadata(metadata),
	}
	if err := character.Validate(); err != nil {
		return domain.Character{}, err
	}
	if err := s.characters.Create(ctx, character); err != nil {
		return domain.Character{}, err
	}
	s.audit(ctx, auditCtx, "character.create", "character", character.ID, map[string]any{
		"project_id": character.ProjectID,
		"name":       character.Name,
	})
	return character, nil
}

// PreparePortraitUpload fixes the portrait object key and hands back a
// presigned PUT. The key is recorded up front; the client uploads straight
// to the store.
func (s *libraryService) PreparePortraitUpload(ctx context.Context, projectID, characterID string, ttl time.Duration, auditCtx auditContext) (string, string, error) {
	if s == nil || s.characters == nil || s.content == nil {
		return "", "", fmt.Errorf("character service not initialized")
	}
	if _, err := s.characters.Get(ctx, projectID, characterID); err != nil {
		return "", "", err
	}
	key := s.content.PortraitKey(projectID, characterID)
	uploadURL, err := s.content.PresignUpload(ctx, key, ttl)
	if err != nil {
		return "", "", fmt.Errorf("presign portrait upload: %w", err)
	}
	if err := s.characters.SetPortraitKey(ctx, projectID, characterID, key); err != nil {
		return "", "", err
	}
	s.audit(ctx, auditCtx, "character.portrait_upload", "character", characterID, map[string]any{
		"project_id":   projectID,
		"portrait_key": key,
	})
	return key, uploadURL, nil
}

// CreateSourceTextInline stores pasted text and finalizes it in one step.
func (s *libraryService) CreateSourceTextInline(ctx context.Context, projectID, title, text string, metadata map[string]any, auditCtx auditContext) (domain.SourceText, error) {
	if s == nil || s.sources == nil || s.content == nil {
		return domain.SourceText{}, fmt.Errorf("source text service not initialized")
	}
	if _, err := s.projects.Get(ctx, projectID); err != nil {
		return domain.SourceText{}, err
	}
	textID := uuid.NewString()
	key, err := s.content.PutSourceText(ctx, projectID, textID, text)
	if err != nil {
		return domain.SourceText{}, fmt.Errorf("store source text: %w", err)
	}
	record := domain.SourceText{
		ID:        textID,
		ProjectID: strings.TrimSpace(projectID),
		Title:     strings.TrimSpace(title),
		ObjectKey: key,
		CreatedAt: s.now().UTC(),
		Metadata:  domain.Metadata(metadata),
	}
	if err := s.sources.Create(ctx, record); err != nil {
		return domain.SourceText{}, err
	}
	sum := sha256.Sum256([]byte(text))
	record.SizeBytes = int64(len(text))
	record.ContentSHA256 = hex.EncodeToString(sum[:])
	record.LengthRunes = utf8.RuneCountInString(text)
	if err := s.sources.Finalize(ctx, projectID, textID, record.SizeBytes, record.ContentSHA256, record.LengthRunes); err != nil {
		return domain.SourceText{}, err
	}
	s.audit(ctx, auditCtx, "source_text.create", "source_text", textID, map[string]any{
		"project_id":   projectID,
		"title":        record.Title,
		"length_runes": record.LengthRunes,
	})
	return record, nil
}

// PrepareSourceTextUpload creates the pending row and a presigned PUT for
// documents too large to paste. Content fields stay empty until finalize.
func (s *libraryService) PrepareSourceTextUpload(ctx context.Context, projectID, title string, metadata map[string]any, ttl time.Duration, auditCtx auditContext) (domain.SourceText, string, error) {
	if s == nil || s.sources == nil || s.content == nil {
		return domain.SourceText{}, "", fmt.Errorf("source text service not initialized")
	}
	if _, err := s.projects.Get(ctx, projectID); err != nil {
		return domain.SourceText{}, "", err
	}
	textID := uuid.NewString()
	key := s.content.SourceTextKey(projectID, textID)
	record := domain.SourceText{
		ID:        textID,
		ProjectID: strings.TrimSpace(projectID),
		Title:     strings.TrimSpace(title),
		ObjectKey: key,
		CreatedAt: s.now().UTC(),
		Metadata:  domain.Metadata(metadata),
	}
	if err := s.sources.Create(ctx, record); err != nil {
		return domain.SourceText{}, "", err
	}
	uploadURL, err := s.content.PresignUpload(ctx, key, ttl)
	if err != nil {
		return domain.SourceText{}, "", fmt.Errorf("presign source text upload: %w", err)
	}
	s.audit(ctx, auditCtx, "source_text.upload_prepare", "source_text", textID, map[string]any{
		"project_id": projectID,
		"title":      record.Title,
		"object_key": key,
	})
	return record, uploadURL, nil
}

// FinalizeSourceText reads the uploaded object back and fixes size, checksum
// and rune length on the row. Calling it before the upload landed fails.
func (s *libraryService) FinalizeSourceText(ctx context.Context, projectID, textID string, auditCtx auditContext) (domain.SourceText, error) {
	if s == nil || s.sources == nil || s.content == nil {
		return domain.SourceText{}, fmt.Errorf("source text service not initialized")
	}
	record, err := s.sources.Get(ctx, projectID, textID)
	if err != nil {
		return domain.SourceText{}, err
	}
	text, err := s.content.GetSourceText(ctx, record.ObjectKey)
	if err != nil {
		return domain.SourceText{}, fmt.Errorf("read uploaded object %s: %w", record.ObjectKey, err)
	}
	sum := sha256.Sum256([]byte(text))
	record.SizeBytes = int64(len(text))
	record.ContentSHA256 = hex.EncodeToString(sum[:])
	record.LengthRunes = utf8.RuneCountInString(text)
	if err := s.sources.Finalize(ctx, projectID, textID, record.SizeBytes, record.ContentSHA256, record.LengthRunes); err != nil {
		return domain.SourceText{}, err
	}
	s.audit(ctx, auditCtx, "source_text.finalize", "source_text", textID, map[string]any{
		"project_id":   projectID,
		"size_bytes":   record.SizeBytes,
		"length_runes": record.LengthRunes,
	})
	return record, nil
}

func (s *libraryService) audit(ctx context.Context, auditCtx auditContext, action, resourceType, resourceID string, payload map[string]any) {
	if s.db == nil {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["request_path"] = auditCtx.Path
	_, err := auditlog.Insert(ctx, s.db, auditlog.Event{
		OccurredAt:   s.now().UTC(),
		Actor:        auditCtx.Actor,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		RequestID:    auditCtx.RequestID,
		IP:           auditCtx.IP,
		UserAgent:    auditCtx.UserAgent,
		Payload:      payload,
	})
	if err != nil && s.logger != nil {
		s.logger.Warn("audit append failed", "action", action, "resource_id", resourceID, "error", err)
	}
}

func cleanTraits(traits []string) []string {
	out := make([]string, 0, len(traits))
	for _, trait := range traits {
		trait = strings.TrimSpace(trait)
		if trait == "" {
			continue
		}
		out = append(out, trait)
	}
	return out
}
