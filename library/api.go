package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/storyreel-labs/storyreel-go/internal/domain"
	"github.com/storyreel-labs/storyreel-go/internal/platform/auth"
	"github.com/storyreel-labs/storyreel-go/internal/repo"
	"github.com/storyreel-labs/storyreel-go/internal/storage/objectstore"
)

type libraryAPI struct {
	logger      *slog.Logger
	svc         *libraryService
	projects    repo.ProjectRepository
	characters  repo.CharacterRepository
	sources     repo.SourceTextRepository
	content     *objectstore.ContentStore
	presignTTL  time.Duration
	downloadTTL time.Duration
}

func newLibraryAPI(
	logger *slog.Logger,
	svc *libraryService,
	projects repo.ProjectRepository,
	characters repo.CharacterRepository,
	sources repo.SourceTextRepository,
	content *objectstore.ContentStore,
	presignTTL time.Duration,
	downloadTTL time.Duration,
) *libraryAPI {
	if presignTTL <= 0 {
		presignTTL = 15 * time.Minute
	}
	if downloadTTL <= 0 {
		downloadTTL = 15 * time.Minute
	}
	return &libraryAPI{
		logger:      logger,
		svc:         svc,
		projects:    projects,
		characters:  characters,
		sources:     sources,
		content:     content,
		presignTTL:  presignTTL,
		downloadTTL: downloadTTL,
	}
}

func (api *libraryAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /projects", api.handleCreateProject)
	mux.HandleFunc("GET /projects", api.handleListProjects)
	mux.HandleFunc("GET /projects/{project_id}", api.handleGetProject)

	mux.HandleFunc("POST /projects/{project_id}/characters", api.handleCreateCharacter)
	mux.HandleFunc("GET /projects/{project_id}/characters", api.handleListCharacters)
	mux.HandleFunc("GET /projects/{project_id}/characters/{character_id}", api.handleGetCharacter)
	mux.HandleFunc("POST /projects/{project_id}/characters/{character_id}:portrait-upload", api.handlePortraitUpload)

	mux.HandleFunc("POST /projects/{project_id}/texts", api.handleCreateSourceText)
	mux.HandleFunc("GET /projects/{project_id}/texts", api.handleListSourceTexts)
	mux.HandleFunc("GET /projects/{project_id}/texts/{text_id}", api.handleGetSourceText)
	mux.HandleFunc("POST /projects/{project_id}/texts/{text_id}:finalize", api.handleFinalizeSourceText)
}

type createProjectRequest struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func (api *libraryAPI) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || strings.TrimSpace(identity.Subject) == "" {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	var req createProjectRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		api.writeError(w, r, http.StatusBadRequest, "name_required")
		return
	}

	project, err := api.svc.CreateProject(r.Context(), req.Name, req.Description, req.Metadata, buildAuditContext(r, identity))
	if err != nil {
		if isUniqueViolation(err) {
			api.writeError(w, r, http.StatusConflict, "project_name_exists")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	w.Header().Set("Location", "/projects/"+project.ID)
	api.writeJSON(w, http.StatusCreated, projectView(project))
}

func (api *libraryAPI) handleListProjects(w http.ResponseWriter, r *http.Request) {
	filter := repo.ProjectFilter{
		Name:  strings.TrimSpace(r.URL.Query().Get("name")),
		Limit: clampInt(parseIntQuery(r, "limit", 100), 1, 500),
	}
	projects, err := api.projects.List(r.Context(), filter)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	views := make([]map[string]any, 0, len(projects))
	for _, project := range projects {
		views = append(views, projectView(project))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"projects": views})
}

func (api *libraryAPI) handleGetProject(w http.ResponseWriter, r *http.Request) {
	projectID := strings.TrimSpace(r.PathValue("project_id"))
	if projectID == "" {
		api.writeError(w, r, http.StatusBadRequest, "project_id_required")
		return
	}
	project, err := api.projects.Get(r.Context(), projectID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, projectView(project))
}

type createCharacterRequest struct {
	Name     string         `json:"name"`
	Traits   []string       `json:"traits,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (api *libraryAPI) handleCreateCharacter(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || strings.TrimSpace(identity.Subject) == "" {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	projectID := strings.TrimSpace(r.PathValue("project_id"))
	if projectID == "" {
		api.writeError(w, r, http.StatusBadRequest, "project_id_required")
		return
	}

	var req createCharacterRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		api.writeError(w, r, http.StatusBadRequest, "name_required")
		return
	}

	character, err := api.svc.CreateCharacter(r.Context(), projectID, req.Name, req.Traits, req.Metadata, buildAuditContext(r, identity))
	if err != nil {
		switch {
		case errors.Is(err, repo.ErrNotFound):
			api.writeError(w, r, http.StatusNotFound, "project_not_found")
		case isUniqueViolation(err):
			api.writeError(w, r, http.StatusConflict, "character_name_exists")
		default:
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		}
		return
	}

	w.Header().Set("Location", "/projects/"+projectID+"/characters/"+character.ID)
	api.writeJSON(w, http.StatusCreated, characterView(character))
}

func (api *libraryAPI) handleListCharacters(w http.ResponseWriter, r *http.Request) {
	projectID := strings.TrimSpace(r.PathValue("project_id"))
	if projectID == "" {
		api.writeError(w, r, http.StatusBadRequest, "project_id_required")
		return
	}
	filter := repo.CharacterFilter{
		ProjectID: projectID,
		Name:      strings.TrimSpace(r.URL.Query().Get("name")),
		Limit:     clampInt(parseIntQuery(r, "limit", 100), 1, 500),
	}
	characters, err := api.characters.List(r.Context(), filter)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	views := make([]map[string]any, 0, len(characters))
	for _, character := range characters {
		views = append(views, characterView(character))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"characters": views})
}

func (api *libraryAPI) handleGetCharacter(w http.ResponseWriter, r *http.Request) {
	projectID := strings.TrimSpace(r.PathValue("project_id"))
	characterID := strings.TrimSpace(r.PathValue("character_id"))
	character, err := api.characters.Get(r.Context(), projectID, characterID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	view := characterView(character)
	if character.PortraitKey != "" {
		if url, err := api.content.PresignDownload(r.Context(), character.PortraitKey, api.downloadTTL); err == nil {
			view["portrait_url"] = url
		}
	}
	api.writeJSON(w, http.StatusOK, view)
}

func (api *libraryAPI) handlePortraitUpload(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || strings.TrimSpace(identity.Subject) == "" {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	projectID := strings.TrimSpace(r.PathValue("project_id"))
	characterID := strings.TrimSpace(r.PathValue("character_id"))

	key, uploadURL, err := api.svc.PreparePortraitUpload(r.Context(), projectID, characterID, api.presignTTL, buildAuditContext(r, identity))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	api.writeJSON(w, http.StatusOK, map[string]any{
		"portrait_key":       key,
		"upload_url":         uploadURL,
		"expires_in_seconds": int(api.presignTTL.Seconds()),
	})
}

type createSourceTextRequest struct {
	Title    string         `json:"title"`
	Text     string         `json:"text,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// handleCreateSourceText accepts pasted text inline or, without text,
// reserves the row and hands back a presigned upload that a later
// :finalize call seals.
func (api *libraryAPI) handleCreateSourceText(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || strings.TrimSpace(identity.Subject) == "" {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	projectID := strings.TrimSpace(r.PathValue("project_id"))
	if projectID == "" {
		api.writeError(w, r, http.StatusBadRequest, "project_id_required")
		return
	}

	var req createSourceTextRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		api.writeError(w, r, http.StatusBadRequest, "title_required")
		return
	}
	auditCtx := buildAuditContext(r, identity)

	if strings.TrimSpace(req.Text) != "" {
		record, err := api.svc.CreateSourceTextInline(r.Context(), projectID, req.Title, req.Text, req.Metadata, auditCtx)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				api.writeError(w, r, http.StatusNotFound, "project_not_found")
				return
			}
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}
		w.Header().Set("Location", "/projects/"+projectID+"/texts/"+record.ID)
		api.writeJSON(w, http.StatusCreated, sourceTextView(record))
		return
	}

	record, uploadURL, err := api.svc.PrepareSourceTextUpload(r.Context(), projectID, req.Title, req.Metadata, api.presignTTL, auditCtx)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "project_not_found")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	view := sourceTextView(record)
	view["upload_url"] = uploadURL
	view["expires_in_seconds"] = int(api.presignTTL.Seconds())
	w.Header().Set("Location", "/projects/"+projectID+"/texts/"+record.ID)
	api.writeJSON(w, http.StatusCreated, view)
}

func (api *libraryAPI) handleListSourceTexts(w http.ResponseWriter, r *http.Request) {
	projectID := strings.TrimSpace(r.PathValue("project_id"))
	if projectID == "" {
		api.writeError(w, r, http.StatusBadRequest, "project_id_required")
		return
	}
	filter := repo.SourceTextFilter{
		ProjectID: projectID,
		Limit:     clampInt(parseIntQuery(r, "limit", 100), 1, 500),
	}
	texts, err := api.sources.List(r.Context(), filter)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	views := make([]map[string]any, 0, len(texts))
	for _, text := range texts {
		views = append(views, sourceTextView(text))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"texts": views})
}

func (api *libraryAPI) handleGetSourceText(w http.ResponseWriter, r *http.Request) {
	projectID := strings.TrimSpace(r.PathValue("project_id"))
	textID := strings.TrimSpace(r.PathValue("text_id"))
	record, err := api.sources.Get(r.Context(), projectID, textID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	view := sourceTextView(record)
	if record.ContentSHA256 != "" {
		if url, err := api.content.PresignDownload(r.Context(), record.ObjectKey, api.downloadTTL); err == nil {
			view["download_url"] = url
		}
	}
	api.writeJSON(w, http.StatusOK, view)
}

func (api *libraryAPI) handleFinalizeSourceText(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || strings.TrimSpace(identity.Subject) == "" {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	projectID := strings.TrimSpace(r.PathValue("project_id"))
	textID := strings.TrimSpace(r.PathValue("text_id"))

	record, err := api.svc.FinalizeSourceText(r.Context(), projectID, textID, buildAuditContext(r, identity))
	if err != nil {
		switch {
		case errors.Is(err, repo.ErrNotFound):
			api.writeError(w, r, http.StatusNotFound, "not_found")
		case errors.Is(err, repo.ErrInvalidTransition):
			api.writeError(w, r, http.StatusConflict, "already_finalized")
		case errors.Is(err, objectstore.ErrObjectNotFound):
			api.writeError(w, r, http.StatusConflict, "upload_not_found")
		default:
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		}
		return
	}
	api.writeJSON(w, http.StatusOK, sourceTextView(record))
}

func projectView(project domain.Project) map[string]any {
	view := map[string]any{
		"project_id": project.ID,
		"name":       project.Name,
		"created_at": project.CreatedAt,
		"created_by": project.CreatedBy,
	}
	if project.Description != "" {
		view["description"] = project.Description
	}
	if len(project.Metadata) > 0 {
		view["metadata"] = map[string]any(project.Metadata)
	}
	return view
}

func characterView(character domain.Character) map[string]any {
	view := map[string]any{
		"character_id": character.ID,
		"project_id":   character.ProjectID,
		"name":         character.Name,
		"created_at":   character.CreatedAt,
	}
	if len(character.Traits) > 0 {
		view["traits"] = character.Traits
	}
	if character.PortraitKey != "" {
		view["portrait_key"] = character.PortraitKey
	}
	if len(character.Metadata) > 0 {
		view["metadata"] = map[string]any(character.Metadata)
	}
	return view
}

func sourceTextView(text domain.SourceText) map[string]any {
	view := map[string]any{
		"text_id":    text.ID,
		"project_id": text.ProjectID,
		"title":      text.Title,
		"object_key": text.ObjectKey,
		"created_at": text.CreatedAt,
	}
	if text.ContentSHA256 != "" {
		view["content_sha256"] = text.ContentSHA256
		view["size_bytes"] = text.SizeBytes
		view["length_runes"] = text.LengthRunes
	}
	if len(text.Metadata) > 0 {
		view["metadata"] = map[string]any(text.Metadata)
	}
	return view
}

func buildAuditContext(r *http.Request, identity auth.Identity) auditContext {
	return auditContext{
		Actor:     identity.Subject,
		RequestID: r.Header.Get("X-Request-Id"),
		IP:        requestIP(r.RemoteAddr),
		UserAgent: r.UserAgent(),
		Path:      r.URL.Path,
	}
}

func requestIP(remoteAddr string) net.IP {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

func parseIntQuery(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return parsed
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

func (api *libraryAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *libraryAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}
