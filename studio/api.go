package main

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/storyreel-labs/storyreel-go/internal/checkpoint"
	"github.com/storyreel-labs/storyreel-go/internal/domain"
	"github.com/storyreel-labs/storyreel-go/internal/generate"
	"github.com/storyreel-labs/storyreel-go/internal/pipeline/compile"
	"github.com/storyreel-labs/storyreel-go/internal/pipeline/engine"
	"github.com/storyreel-labs/storyreel-go/internal/pipeline/state"
	"github.com/storyreel-labs/storyreel-go/internal/pipeline/status"
	"github.com/storyreel-labs/storyreel-go/internal/platform/auth"
	"github.com/storyreel-labs/storyreel-go/internal/platform/runevent"
	"github.com/storyreel-labs/storyreel-go/internal/repo"
	"github.com/storyreel-labs/storyreel-go/internal/segment"
	"github.com/storyreel-labs/storyreel-go/internal/storage/objectstore"
)

type studioAPI struct {
	logger   *slog.Logger
	db       *sql.DB
	catalog  []domain.StageDefinition
	engine   *engine.Engine
	reporter *status.Reporter
	manager  *checkpoint.Manager
	runner   *generate.Runner
	runs     repo.RunRepository
	sources  repo.SourceTextRepository
	content  *objectstore.ContentStore
}

func newStudioAPI(
	logger *slog.Logger,
	db *sql.DB,
	catalog []domain.StageDefinition,
	eng *engine.Engine,
	reporter *status.Reporter,
	manager *checkpoint.Manager,
	runner *generate.Runner,
	runs repo.RunRepository,
	sources repo.SourceTextRepository,
	content *objectstore.ContentStore,
) *studioAPI {
	return &studioAPI{
		logger:   logger,
		db:       db,
		catalog:  catalog,
		engine:   eng,
		reporter: reporter,
		manager:  manager,
		runner:   runner,
		runs:     runs,
		sources:  sources,
		content:  content,
	}
}

func (api *studioAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /projects/{project_id}/runs", api.handleCreateRun)
	mux.HandleFunc("GET /runs/{run_id}", api.handleGetRun)
	mux.HandleFunc("POST /runs/{run_id}:cancel", api.handleCancelRun)

	mux.HandleFunc("POST /segments:preview", api.handlePreviewSegments)
	mux.HandleFunc("GET /runs/{run_id}/segments", api.handleListSegments)
	mux.HandleFunc("PATCH /runs/{run_id}/segments/{segment_index}", api.handleUpdateSegmentText)
	mux.HandleFunc("POST /runs/{run_id}/segments/{segment_index}:generate", api.handleGenerateCandidates)
	mux.HandleFunc("POST /runs/{run_id}/segments/{segment_index}:confirm", api.handleConfirmSegment)

	mux.HandleFunc("GET /runs/{run_id}/checkpoints", api.handleListCheckpoints)
	mux.HandleFunc("GET /runs/{run_id}/events", api.handleListRunEvents)
}

type stageOverrideRequest struct {
	Enabled *bool          `json:"enabled"`
	Params  map[string]any `json:"params"`
}

type createRunRequest struct {
	SourceTextID   string                          `json:"source_text_id"`
	SourceText     string                          `json:"source_text"`
	Title          string                          `json:"title"`
	StageOverrides map[string]stageOverrideRequest `json:"stage_overrides"`
}

func (api *studioAPI) handleCreateRun(w http.ResponseWriter, r *http.Request) {
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

	var req createRunRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}

	textID := strings.TrimSpace(req.SourceTextID)
	inline := strings.TrimSpace(req.SourceText) != ""
	switch {
	case textID == "" && !inline:
		api.writeError(w, r, http.StatusBadRequest, "source_text_required")
		return
	case textID != "" && inline:
		api.writeError(w, r, http.StatusBadRequest, "source_text_conflict")
		return
	case inline:
		id, err := api.createInlineSourceText(r, projectID, req)
		if err != nil {
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}
		textID = id
	default:
		if _, err := api.sources.Get(r.Context(), projectID, textID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				api.writeError(w, r, http.StatusNotFound, "source_text_not_found")
				return
			}
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}
	}

	overrides := make(map[string]domain.StageOverride, len(req.StageOverrides))
	for id, override := range req.StageOverrides {
		overrides[id] = domain.StageOverride{
			Enabled: override.Enabled,
			Params:  domain.Metadata(override.Params),
		}
	}

	plan, err := compile.Compile(api.catalog, overrides)
	if err != nil {
		var cfgErr *compile.ConfigurationError
		if errors.As(err, &cfgErr) {
			api.writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":      "invalid_stage_configuration",
				"issues":     cfgErr.Issues,
				"request_id": r.Header.Get("X-Request-Id"),
			})
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	fingerprint, err := compile.Fingerprint(plan)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	record := engine.NewRecord(uuid.NewString(), projectID, textID, plan, fingerprint, time.Now().UTC())
	stored, err := state.EncodeRecord(record)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	created, inserted, err := api.runs.CreateRun(r.Context(), stored)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	if !inserted {
		// Another run already owns this (project, source text) slot.
		api.writeJSON(w, http.StatusConflict, map[string]any{
			"error":      "run_conflict",
			"active_run": created.ID,
			"request_id": r.Header.Get("X-Request-Id"),
		})
		return
	}

	if err := api.engine.Start(record, identity.Subject, r.Header.Get("X-Request-Id")); err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	api.writeJSON(w, http.StatusAccepted, map[string]any{
		"execution_id": record.ID,
		"status":       string(record.Status),
	})
}

// createInlineSourceText persists a pasted document so the run references a
// durable text like any uploaded one.
func (api *studioAPI) createInlineSourceText(r *http.Request, projectID string, req createRunRequest) (string, error) {
	textID := uuid.NewString()
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = "Pasted text"
	}
	key, err := api.content.PutSourceText(r.Context(), projectID, textID, req.SourceText)
	if err != nil {
		return "", err
	}
	record := domain.SourceText{
		ID:        textID,
		ProjectID: projectID,
		Title:     title,
		ObjectKey: key,
		CreatedAt: time.Now().UTC(),
	}
	if err := api.sources.Create(r.Context(), record); err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(req.SourceText))
	err = api.sources.Finalize(
		r.Context(),
		projectID,
		textID,
		int64(len(req.SourceText)),
		hex.EncodeToString(sum[:]),
		utf8.RuneCountInString(req.SourceText),
	)
	if err != nil {
		return "", err
	}
	return textID, nil
}

func (api *studioAPI) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}
	record, err := api.reporter.Get(r.Context(), runID)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, runView(record))
}

type cancelRunRequest struct {
	Reason string `json:"reason"`
}

func (api *studioAPI) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || strings.TrimSpace(identity.Subject) == "" {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	runID := strings.TrimSpace(r.PathValue("run_id"))

	var req cancelRunRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			api.writeError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "cancelled by user"
	}

	record, err := api.engine.Cancel(r.Context(), runID, identity.Subject, reason)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "run_not_found")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.runner.DiscardRun(runID)
	api.writeJSON(w, http.StatusOK, runView(record))
}

type previewSegmentsRequest struct {
	SourceText      string `json:"source_text"`
	TargetLength    string `json:"target_length"`
	PreserveContext *bool  `json:"preserve_context"`
}

func (api *studioAPI) handlePreviewSegments(w http.ResponseWriter, r *http.Request) {
	var req previewSegmentsRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if strings.TrimSpace(req.SourceText) == "" {
		api.writeError(w, r, http.StatusBadRequest, "source_text_required")
		return
	}
	target := domain.TargetLengthMedium
	if raw := strings.TrimSpace(req.TargetLength); raw != "" {
		target = domain.TargetLength(raw)
		if !target.Valid() {
			api.writeError(w, r, http.StatusBadRequest, "invalid_target_length")
			return
		}
	}
	preserve := true
	if req.PreserveContext != nil {
		preserve = *req.PreserveContext
	}

	segments, err := segment.Split(req.SourceText, segment.Options{Target: target, PreserveContext: preserve})
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_source_text")
		return
	}
	views := make([]map[string]any, 0, len(segments))
	for _, seg := range segments {
		views = append(views, map[string]any{
			"index":    seg.Index,
			"text":     seg.Text,
			"overlong": seg.Overlong,
		})
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"segments":       views,
		"total_segments": len(segments),
	})
}

func (api *studioAPI) handleListSegments(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	segments, err := api.manager.Segments(r.Context(), runID)
	if err != nil {
		api.writeLoopError(w, r, err)
		return
	}
	views := make([]map[string]any, 0, len(segments))
	for _, seg := range segments {
		views = append(views, segmentView(seg))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"segments":       views,
		"total_segments": len(views),
	})
}

type updateSegmentRequest struct {
	Text string `json:"text"`
}

func (api *studioAPI) handleUpdateSegmentText(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || strings.TrimSpace(identity.Subject) == "" {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	runID := strings.TrimSpace(r.PathValue("run_id"))
	index, ok := api.segmentIndex(w, r)
	if !ok {
		return
	}
	var req updateSegmentRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		api.writeError(w, r, http.StatusBadRequest, "text_required")
		return
	}

	seg, err := api.manager.UpdateSegmentText(r.Context(), runID, index, req.Text, identity.Subject, r.Header.Get("X-Request-Id"))
	if err != nil {
		api.writeLoopError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, segmentView(seg))
}

type generateCandidatesRequest struct {
	SegmentText             string   `json:"segment_text"`
	StyleReferenceImages    []string `json:"style_reference_images"`
	SelectedCharacters      []string `json:"selected_characters"`
	StyleRequirements       string   `json:"style_requirements"`
	GenerationCount         int      `json:"generation_count"`
	PreviousSegmentArtifact string   `json:"previous_segment_artifact"`
}

func (api *studioAPI) handleGenerateCandidates(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || strings.TrimSpace(identity.Subject) == "" {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	runID := strings.TrimSpace(r.PathValue("run_id"))
	index, ok := api.segmentIndex(w, r)
	if !ok {
		return
	}
	var req generateCandidatesRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	count := req.GenerationCount
	if count == 0 {
		count = 1
	}
	if count < 1 || count > api.runner.MaxCandidates() {
		api.writeError(w, r, http.StatusBadRequest, "invalid_generation_count")
		return
	}

	// The stored record is authoritative for the continuity anchor; a
	// client-supplied previous_segment_artifact is accepted and ignored.
	if text := strings.TrimSpace(req.SegmentText); text != "" {
		stored, _, err := api.manager.Segment(r.Context(), runID, index)
		if err != nil {
			api.writeLoopError(w, r, err)
			return
		}
		if stored.Text != text {
			if _, err := api.manager.UpdateSegmentText(r.Context(), runID, index, text, identity.Subject, r.Header.Get("X-Request-Id")); err != nil {
				api.writeLoopError(w, r, err)
				return
			}
		}
	}

	candidates, err := api.manager.Generate(r.Context(), runID, checkpoint.GenerateInput{
		SegmentIndex: index,
		StyleRefs:    req.StyleReferenceImages,
		CharacterIDs: req.SelectedCharacters,
		StylePrompt:  req.StyleRequirements,
		Count:        count,
	}, identity.Subject, r.Header.Get("X-Request-Id"))
	if err != nil {
		api.writeLoopError(w, r, err)
		return
	}

	views := make([]map[string]any, 0, len(candidates))
	usable := 0
	for _, cand := range candidates {
		views = append(views, candidateView(cand))
		if cand.Usable() {
			usable++
		}
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"candidates":      views,
		"total_generated": usable,
	})
}

type confirmSegmentRequest struct {
	SelectedCandidateIndex *int `json:"selected_candidate_index"`
}

func (api *studioAPI) handleConfirmSegment(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || strings.TrimSpace(identity.Subject) == "" {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	runID := strings.TrimSpace(r.PathValue("run_id"))
	index, ok := api.segmentIndex(w, r)
	if !ok {
		return
	}
	var req confirmSegmentRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.SelectedCandidateIndex == nil {
		api.writeError(w, r, http.StatusBadRequest, "selected_candidate_index_required")
		return
	}

	result, err := api.manager.Confirm(r.Context(), runID, index, *req.SelectedCandidateIndex, identity.Subject, r.Header.Get("X-Request-Id"))
	if err != nil {
		api.writeLoopError(w, r, err)
		return
	}

	body := map[string]any{
		"segment_index":          result.SegmentIndex,
		"confirmed_candidate":    result.CandidateID,
		"confirmed_artifact_ref": result.ArtifactRef,
		"has_next_segment":       result.HasNext,
	}
	if result.NextIndex != nil {
		body["next_segment_index"] = *result.NextIndex
	}
	api.writeJSON(w, http.StatusOK, body)
}

func (api *studioAPI) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	checkpoints, err := api.manager.History(r.Context(), runID)
	if err != nil {
		api.writeLoopError(w, r, err)
		return
	}
	views := make([]map[string]any, 0, len(checkpoints))
	for _, cp := range checkpoints {
		view := map[string]any{
			"segment_index": cp.SegmentIndex,
			"candidate_id":  cp.CandidateID,
			"artifact_ref":  cp.ArtifactRef,
			"created_at":    cp.CreatedAt,
		}
		if cp.NextIndex != nil {
			view["next_index"] = *cp.NextIndex
		}
		views = append(views, view)
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"checkpoints": views})
}

func (api *studioAPI) handleListRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if _, err := api.runs.GetRun(r.Context(), runID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "run_not_found")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			api.writeError(w, r, http.StatusBadRequest, "invalid_limit")
			return
		}
		limit = parsed
	}

	rows, err := runevent.ListByRun(r.Context(), api.db, runID, limit)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	views := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		view := map[string]any{
			"event_id":     row.EventID,
			"occurred_at":  row.OccurredAt,
			"actor":        row.Actor,
			"kind":         row.Kind,
			"subject_type": row.SubjectType,
			"subject_id":   row.SubjectID,
		}
		if row.RequestID != "" {
			view["request_id"] = row.RequestID
		}
		if len(row.Metadata) > 0 {
			view["metadata"] = row.Metadata
		}
		views = append(views, view)
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"events": views})
}

func (api *studioAPI) segmentIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := strings.TrimSpace(r.PathValue("segment_index"))
	index, err := strconv.Atoi(raw)
	if err != nil || index < 0 {
		api.writeError(w, r, http.StatusBadRequest, "invalid_segment_index")
		return 0, false
	}
	return index, true
}

// writeLoopError maps manager and repo errors onto stable HTTP codes. The
// confirmation loop never turns an unknown run into a synthesized record;
// only status polling does.
func (api *studioAPI) writeLoopError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		seqErr   *checkpoint.SequenceError
		selErr   *checkpoint.InvalidSelectionError
		totalErr *generate.TotalFailureError
	)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		api.writeError(w, r, http.StatusNotFound, "run_not_found")
	case errors.Is(err, checkpoint.ErrNotInLoop):
		api.writeError(w, r, http.StatusConflict, "run_not_in_confirmation_loop")
	case errors.Is(err, checkpoint.ErrAlreadyConfirmed):
		api.writeError(w, r, http.StatusConflict, "segment_already_confirmed")
	case errors.Is(err, checkpoint.ErrSegmentLocked):
		api.writeError(w, r, http.StatusConflict, "segment_locked")
	case errors.Is(err, checkpoint.ErrNoCandidates):
		api.writeError(w, r, http.StatusConflict, "no_candidates")
	case errors.Is(err, repo.ErrInvalidTransition):
		api.writeError(w, r, http.StatusConflict, "run_terminal")
	case errors.As(err, &seqErr):
		api.writeError(w, r, http.StatusConflict, "segment_out_of_sequence")
	case errors.As(err, &selErr):
		api.writeError(w, r, http.StatusBadRequest, "invalid_candidate_selection")
	case errors.As(err, &totalErr):
		api.writeError(w, r, http.StatusBadGateway, "generation_failed")
	default:
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
	}
}

func runView(record domain.ExecutionRecord) map[string]any {
	steps := make([]map[string]any, 0, len(record.Steps))
	for _, step := range record.Steps {
		view := map[string]any{
			"stage_id": step.StageID,
			"status":   string(step.Status),
			"progress": step.Progress,
			"attempt":  step.Attempt,
		}
		if step.Error != "" {
			view["error"] = step.Error
		}
		if step.StartedAt != nil {
			view["started_at"] = step.StartedAt
		}
		if step.EndedAt != nil {
			view["ended_at"] = step.EndedAt
		}
		steps = append(steps, view)
	}

	body := map[string]any{
		"execution_id": record.ID,
		"status":       string(record.Status),
		"progress":     record.Progress,
		"steps":        steps,
		"started_at":   record.StartedAt,
	}
	if record.ProjectID != "" {
		body["project_id"] = record.ProjectID
	}
	if record.SourceTextID != "" {
		body["source_text_id"] = record.SourceTextID
	}
	if record.CurrentStage != "" {
		body["current_step"] = record.CurrentStage
	}
	if record.LoopState != "" {
		body["loop_state"] = string(record.LoopState)
		body["current_segment"] = record.CurrentSegment
	}
	if record.AnchorRef != "" {
		body["anchor_ref"] = record.AnchorRef
	}
	if record.EndedAt != nil {
		body["ended_at"] = record.EndedAt
	}
	if record.Error != "" {
		body["error_message"] = record.Error
	}
	if len(record.Result) > 0 {
		body["result"] = map[string]any(record.Result)
	}
	return body
}

func segmentView(seg domain.Segment) map[string]any {
	view := map[string]any{
		"index":    seg.Index,
		"text":     seg.Text,
		"overlong": seg.Overlong,
	}
	meta := map[string]any{}
	if seg.Meta.Scene != "" {
		meta["scene"] = seg.Meta.Scene
	}
	if seg.Meta.Tone != "" {
		meta["tone"] = seg.Meta.Tone
	}
	if len(seg.Meta.Characters) > 0 {
		meta["characters"] = seg.Meta.Characters
	}
	if len(seg.Meta.KeyEvents) > 0 {
		meta["key_events"] = seg.Meta.KeyEvents
	}
	if len(seg.Meta.VisualKeywords) > 0 {
		meta["visual_keywords"] = seg.Meta.VisualKeywords
	}
	if seg.Meta.Suitability > 0 {
		meta["suitability"] = seg.Meta.Suitability
	}
	if len(meta) > 0 {
		view["meta"] = meta
	}
	return view
}

func candidateView(cand domain.CandidateArtifact) map[string]any {
	view := map[string]any{
		"candidate_id": cand.ID,
		"status":       string(cand.Status),
	}
	if cand.Ref != "" {
		view["artifact_ref"] = cand.Ref
	}
	if cand.Error != "" {
		view["error"] = cand.Error
	}
	return view
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

func (api *studioAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *studioAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}
