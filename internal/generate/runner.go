// Package generate produces candidate artifacts for one segment at a time.
// Candidates are ephemeral: they live in an in-memory table until the
// segment is confirmed or regenerated, and nothing here writes durable
// state. The image-synthesis capability stores the artifact itself and
// answers with a reference.
package generate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/storyreel-labs/storyreel-go/internal/capability"
	"github.com/storyreel-labs/storyreel-go/internal/domain"
)

// TotalFailureError reports that every candidate slot failed. The loop
// stays where it was; the client may regenerate with adjusted inputs.
type TotalFailureError struct {
	Count    int
	Failures []string
}

func (e *TotalFailureError) Error() string {
	first := "unknown error"
	if len(e.Failures) > 0 {
		first = e.Failures[0]
	}
	return fmt.Sprintf("all %d generation candidates failed: %s", e.Count, first)
}

// Runner fans a generation request out into per-candidate capability calls.
type Runner struct {
	invoker capability.Invoker
	max     int
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string

	mu    sync.Mutex
	table map[string][]domain.CandidateArtifact
}

func NewRunner(invoker capability.Invoker, maxCandidates int, logger *slog.Logger) *Runner {
	if maxCandidates <= 0 {
		maxCandidates = domain.DefaultMaxCandidates
	}
	return &Runner{
		invoker: invoker,
		max:     maxCandidates,
		logger:  logger,
		now:     time.Now,
		newID:   uuid.NewString,
		table:   map[string][]domain.CandidateArtifact{},
	}
}

// MaxCandidates returns the per-request candidate ceiling.
func (r *Runner) MaxCandidates() int {
	if r == nil {
		return domain.DefaultMaxCandidates
	}
	return r.max
}

// Generate runs one capability call per requested candidate. Slots fail
// independently; the call errs only when the request is invalid or every
// slot failed. The produced set replaces any previous set for the segment
// wholesale.
func (r *Runner) Generate(ctx context.Context, req domain.GenerationRequest, meta domain.SegmentMeta) ([]domain.CandidateArtifact, error) {
	if r == nil || r.invoker == nil {
		return nil, fmt.Errorf("generation runner not initialized")
	}
	if err := req.Validate(r.max); err != nil {
		return nil, err
	}

	slots := make([]domain.CandidateArtifact, req.Count)
	var g errgroup.Group
	for i := 0; i < req.Count; i++ {
		slot := i
		g.Go(func() error {
			slots[slot] = r.generateOne(ctx, req, meta, slot)
			return nil
		})
	}
	_ = g.Wait()

	succeeded := 0
	failures := make([]string, 0)
	for _, candidate := range slots {
		if candidate.Usable() {
			succeeded++
		} else {
			failures = append(failures, candidate.Error)
		}
	}
	if succeeded == 0 {
		return nil, &TotalFailureError{Count: req.Count, Failures: failures}
	}
	if r.logger != nil && succeeded < req.Count {
		r.logger.Warn("partial generation",
			"run_id", req.RunID,
			"segment_index", req.SegmentIndex,
			"succeeded", succeeded,
			"requested", req.Count,
		)
	}

	r.mu.Lock()
	r.table[candidateKey(req.RunID, req.SegmentIndex)] = slots
	r.mu.Unlock()
	return append([]domain.CandidateArtifact(nil), slots...), nil
}

// Candidates returns the live set for run+segment, if one exists.
func (r *Runner) Candidates(runID string, segmentIndex int) ([]domain.CandidateArtifact, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.table[candidateKey(runID, segmentIndex)]
	if !ok {
		return nil, false
	}
	return append([]domain.CandidateArtifact(nil), set...), true
}

// Discard drops the candidate set for one segment.
func (r *Runner) Discard(runID string, segmentIndex int) {
	if r == nil {
		return
	}
	r.mu.Lock()
	delete(r.table, candidateKey(runID, segmentIndex))
	r.mu.Unlock()
}

// DiscardRun drops every candidate set belonging to the run.
func (r *Runner) DiscardRun(runID string) {
	if r == nil {
		return
	}
	prefix := strings.TrimSpace(runID) + "/"
	r.mu.Lock()
	for key := range r.table {
		if strings.HasPrefix(key, prefix) {
			delete(r.table, key)
		}
	}
	r.mu.Unlock()
}

func (r *Runner) generateOne(ctx context.Context, req domain.GenerationRequest, meta domain.SegmentMeta, slot int) domain.CandidateArtifact {
	id := r.newID()
	inputs := domain.Metadata{
		"run_id":             req.RunID,
		"segment_index":      req.SegmentIndex,
		"segment_text":       req.SegmentText,
		"candidate_id":       id,
		"slot":               slot,
		"style_requirements": req.StylePrompt,
	}
	if len(req.StyleRefs) > 0 {
		inputs["style_references"] = req.StyleRefs
	}
	if len(req.CharacterIDs) > 0 {
		inputs["character_ids"] = req.CharacterIDs
	}
	if req.AnchorRef != "" {
		inputs["continuity_anchor"] = req.AnchorRef
	}
	if meta.Scene != "" {
		inputs["scene"] = meta.Scene
	}
	if meta.Tone != "" {
		inputs["tone"] = meta.Tone
	}
	if len(meta.VisualKeywords) > 0 {
		inputs["visual_keywords"] = meta.VisualKeywords
	}

	result, err := r.invoker.Invoke(ctx, capability.Request{
		Kind:   domain.CapabilityImageSynthesis,
		Inputs: inputs,
	})
	created := r.now().UTC()
	if err != nil {
		return domain.CandidateArtifact{
			ID:        id,
			Status:    domain.CandidateStatusError,
			Error:     err.Error(),
			CreatedAt: created,
		}
	}
	ref, ok := result.Outputs.String("artifact_ref")
	if !ok {
		return domain.CandidateArtifact{
			ID:        id,
			Status:    domain.CandidateStatusError,
			Error:     "capability response carried no artifact_ref",
			CreatedAt: created,
		}
	}
	return domain.CandidateArtifact{
		ID:         id,
		Ref:        ref,
		Status:     domain.CandidateStatusCompleted,
		Provenance: result.Outputs.Clone(),
		CreatedAt:  created,
	}
}

func candidateKey(runID string, segmentIndex int) string {
	return fmt.Sprintf("%s/%d", strings.TrimSpace(runID), segmentIndex)
}
