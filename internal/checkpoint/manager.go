// Package checkpoint drives the per-segment confirmation loop of a run.
// The loop is held as data, not as a goroutine: between operations nothing
// blocks, and the durable record plus the append-only checkpoint log are
// enough to recompute the loop position after a restart. Confirmed
// checkpoints are never rolled back; every other piece of loop state is
// reconstructible.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/storyreel-labs/storyreel-go/internal/domain"
	"github.com/storyreel-labs/storyreel-go/internal/pipeline/engine"
	"github.com/storyreel-labs/storyreel-go/internal/platform/runevent"
	"github.com/storyreel-labs/storyreel-go/internal/repo"
)

var (
	// ErrNotInLoop marks an operation against a run that has not finished
	// its stage phase yet.
	ErrNotInLoop = errors.New("run has not reached its confirmation loop")
	// ErrNoCandidates marks a confirmation with no live candidate set.
	ErrNoCandidates = errors.New("segment has no live candidate set")
	// ErrAlreadyConfirmed marks a write against a segment whose checkpoint
	// exists. Confirmed segments are never revisited within a run.
	ErrAlreadyConfirmed = errors.New("segment is already confirmed")
	// ErrSegmentLocked marks a text edit after generation has started for
	// the segment.
	ErrSegmentLocked = errors.New("segment text can no longer be edited")
)

// SequenceError rejects work on a segment other than the loop's current
// one. Segments proceed strictly in order.
type SequenceError struct {
	Requested int
	Current   int
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("segment %d is not current, loop is at segment %d", e.Requested, e.Current)
}

// InvalidSelectionError rejects a confirmation that names a candidate the
// run cannot use. The loop state is unchanged.
type InvalidSelectionError struct {
	SegmentIndex int
	Candidate    int
	Count        int
	Reason       string
}

func (e *InvalidSelectionError) Error() string {
	return fmt.Sprintf("candidate %d of segment %d (set size %d): %s", e.Candidate, e.SegmentIndex, e.Count, e.Reason)
}

// CandidateSource produces and tracks the ephemeral candidate sets.
// *generate.Runner satisfies it.
type CandidateSource interface {
	Generate(ctx context.Context, req domain.GenerationRequest, meta domain.SegmentMeta) ([]domain.CandidateArtifact, error)
	Candidates(runID string, segmentIndex int) ([]domain.CandidateArtifact, bool)
	Discard(runID string, segmentIndex int)
	DiscardRun(runID string)
	MaxCandidates() int
}

// GenerateInput carries the client side of a generation request. The
// continuity anchor is never part of it; the run record is authoritative
// for which anchor is live.
type GenerateInput struct {
	SegmentIndex int
	StyleRefs    []string
	CharacterIDs []string
	StylePrompt  string
	Count        int
}

// ConfirmResult reports where the loop moved after a confirmation.
type ConfirmResult struct {
	SegmentIndex int
	CandidateID  string
	ArtifactRef  string
	HasNext      bool
	NextIndex    *int
}

// Manager owns every transition of the confirmation loop. All record
// writes go through the engine's serialized loop updates, so concurrent
// confirms, regenerations and cancels of one run never interleave.
type Manager struct {
	engine      *engine.Engine
	runs        repo.RunRepository
	segments    repo.SegmentRepository
	checkpoints repo.CheckpointRepository
	generator   CandidateSource
	events      engine.EventRecorder
	logger      *slog.Logger
	now         func() time.Time
}

func NewManager(
	eng *engine.Engine,
	runs repo.RunRepository,
	segments repo.SegmentRepository,
	checkpoints repo.CheckpointRepository,
	generator CandidateSource,
	events engine.EventRecorder,
	logger *slog.Logger,
) *Manager {
	return &Manager{
		engine:      eng,
		runs:        runs,
		segments:    segments,
		checkpoints: checkpoints,
		generator:   generator,
		events:      events,
		logger:      logger,
		now:         time.Now,
	}
}

// Generate produces a fresh candidate set for the loop's current segment.
// Called while awaiting confirmation it is a regeneration: the previous
// set is discarded first and the anchor stays unchanged. The capability
// calls run outside the loop lock; a cancel landing mid-generation wins.
func (m *Manager) Generate(ctx context.Context, runID string, input GenerateInput, actor, requestID string) ([]domain.CandidateArtifact, error) {
	if m == nil || m.engine == nil || m.generator == nil {
		return nil, fmt.Errorf("checkpoint manager not initialized")
	}
	index := input.SegmentIndex

	var anchor string
	regenerated := false
	_, err := m.engine.UpdateLoop(ctx, runID, func(record *domain.ExecutionRecord) error {
		if err := loopPosition(record, index); err != nil {
			return err
		}
		if record.LoopState == domain.LoopStateAwaitingConfirmation {
			m.generator.Discard(runID, index)
			record.LoopState = domain.LoopStateAwaitingGeneration
			regenerated = true
		}
		anchor = record.AnchorRef
		return nil
	})
	if err != nil {
		return nil, err
	}

	seg, err := m.segments.GetSegment(ctx, runID, index)
	if err != nil {
		return nil, err
	}
	candidates, err := m.generator.Generate(ctx, domain.GenerationRequest{
		RunID:        runID,
		SegmentIndex: index,
		SegmentText:  seg.Text,
		StyleRefs:    input.StyleRefs,
		CharacterIDs: input.CharacterIDs,
		StylePrompt:  input.StylePrompt,
		Count:        input.Count,
		AnchorRef:    anchor,
	}, seg.Meta)
	if err != nil {
		return nil, err
	}

	if _, err := m.engine.UpdateLoop(ctx, runID, func(record *domain.ExecutionRecord) error {
		if err := loopPosition(record, index); err != nil {
			return err
		}
		record.LoopState = domain.LoopStateAwaitingConfirmation
		return nil
	}); err != nil {
		m.generator.Discard(runID, index)
		return nil, err
	}

	succeeded := 0
	for _, candidate := range candidates {
		if candidate.Usable() {
			succeeded++
		}
	}
	m.emit(ctx, runID, actor, requestID, "segment_generated", "segment", strconv.Itoa(index), map[string]any{
		"segment_index": index,
		"requested":     input.Count,
		"succeeded":     succeeded,
		"regenerated":   regenerated,
	})
	return candidates, nil
}

// Confirm selects one usable candidate for the current segment, writes its
// checkpoint and advances the loop. The checkpoint write happens before
// the snapshot; if the process dies between the two, the next confirm or
// recovery adopts the logged row instead of writing a second one.
func (m *Manager) Confirm(ctx context.Context, runID string, segmentIndex, candidateIndex int, actor, requestID string) (ConfirmResult, error) {
	if m == nil || m.engine == nil || m.generator == nil {
		return ConfirmResult{}, fmt.Errorf("checkpoint manager not initialized")
	}
	segs, err := m.segments.ListByRun(ctx, runID)
	if err != nil {
		return ConfirmResult{}, err
	}
	total := len(segs)

	var result ConfirmResult
	completed := false
	_, err = m.engine.UpdateLoop(ctx, runID, func(record *domain.ExecutionRecord) error {
		if err := loopPosition(record, segmentIndex); err != nil {
			return err
		}
		if record.LoopState != domain.LoopStateAwaitingConfirmation {
			return ErrNoCandidates
		}
		candidates, ok := m.generator.Candidates(runID, segmentIndex)
		if !ok {
			return ErrNoCandidates
		}
		if candidateIndex < 0 || candidateIndex >= len(candidates) {
			return &InvalidSelectionError{
				SegmentIndex: segmentIndex,
				Candidate:    candidateIndex,
				Count:        len(candidates),
				Reason:       "candidate index out of range",
			}
		}
		chosen := candidates[candidateIndex]
		if !chosen.Usable() {
			return &InvalidSelectionError{
				SegmentIndex: segmentIndex,
				Candidate:    candidateIndex,
				Count:        len(candidates),
				Reason:       "candidate did not complete",
			}
		}

		cp := domain.ConfirmationCheckpoint{
			RunID:        runID,
			SegmentIndex: segmentIndex,
			CandidateID:  chosen.ID,
			ArtifactRef:  chosen.Ref,
			CreatedAt:    m.now().UTC(),
		}
		last := segmentIndex == total-1
		if !last {
			next := segmentIndex + 1
			cp.NextIndex = &next
		}
		stored, inserted, err := m.checkpoints.Append(ctx, cp)
		if err != nil {
			return err
		}
		if !inserted {
			// Log is ahead of the snapshot: a prior confirm died after
			// the append. The logged row wins over the selection.
			cp = stored
		}

		record.AnchorRef = cp.ArtifactRef
		if last {
			endedAt := m.now().UTC()
			record.Status = domain.RunStatusCompleted
			record.LoopState = domain.LoopStateCompleted
			record.Progress = 100
			record.EndedAt = &endedAt
			record.Result = domain.Metadata{
				"total_segments":     total,
				"final_artifact_ref": cp.ArtifactRef,
			}
			completed = true
		} else {
			record.CurrentSegment = segmentIndex + 1
			record.LoopState = domain.LoopStateAwaitingGeneration
		}
		result = ConfirmResult{
			SegmentIndex: segmentIndex,
			CandidateID:  cp.CandidateID,
			ArtifactRef:  cp.ArtifactRef,
			HasNext:      !last,
			NextIndex:    cp.NextIndex,
		}
		return nil
	})
	if err != nil {
		return ConfirmResult{}, err
	}

	m.generator.Discard(runID, segmentIndex)
	m.emit(ctx, runID, actor, requestID, "segment_confirmed", "segment", strconv.Itoa(segmentIndex), map[string]any{
		"segment_index": segmentIndex,
		"candidate_id":  result.CandidateID,
		"artifact_ref":  result.ArtifactRef,
		"has_next":      result.HasNext,
	})
	if completed {
		m.emit(ctx, runID, actor, requestID, "run_completed", "run", runID, map[string]any{
			"total_segments": total,
		})
	}
	return result, nil
}

// UpdateSegmentText replaces a segment's text before any generation has
// happened for it. The overlong flag is recomputed against the run's
// configured target length.
func (m *Manager) UpdateSegmentText(ctx context.Context, runID string, index int, text string, actor, requestID string) (domain.Segment, error) {
	if m == nil || m.engine == nil {
		return domain.Segment{}, fmt.Errorf("checkpoint manager not initialized")
	}
	if strings.TrimSpace(text) == "" {
		return domain.Segment{}, errors.New("segment text is required")
	}

	var updated domain.Segment
	_, err := m.engine.UpdateLoop(ctx, runID, func(record *domain.ExecutionRecord) error {
		if record.LoopState == "" {
			return ErrNotInLoop
		}
		if index < record.CurrentSegment {
			return ErrAlreadyConfirmed
		}
		if index == record.CurrentSegment && record.LoopState != domain.LoopStateAwaitingGeneration {
			return ErrSegmentLocked
		}
		seg, err := m.segments.GetSegment(ctx, runID, index)
		if err != nil {
			return err
		}
		overlong := utf8.RuneCountInString(text) > planSoftLimit(record.Plan)
		if err := m.segments.UpdateText(ctx, runID, index, text, overlong); err != nil {
			return err
		}
		seg.Text = text
		seg.Overlong = overlong
		updated = seg
		return nil
	})
	if err != nil {
		return domain.Segment{}, err
	}

	m.emit(ctx, runID, actor, requestID, "segment_edited", "segment", strconv.Itoa(index), map[string]any{
		"segment_index": index,
		"length_runes":  utf8.RuneCountInString(text),
		"overlong":      updated.Overlong,
	})
	return updated, nil
}

// Segments lists the run's segments. Unknown runs surface repo.ErrNotFound.
func (m *Manager) Segments(ctx context.Context, runID string) ([]domain.Segment, error) {
	if _, err := m.runs.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return m.segments.ListByRun(ctx, runID)
}

// Segment returns one segment together with its live candidate set, which
// is empty unless the segment is the current one awaiting confirmation.
func (m *Manager) Segment(ctx context.Context, runID string, index int) (domain.Segment, []domain.CandidateArtifact, error) {
	seg, err := m.segments.GetSegment(ctx, runID, index)
	if err != nil {
		return domain.Segment{}, nil, err
	}
	candidates, _ := m.generator.Candidates(runID, index)
	return seg, candidates, nil
}

// History returns the append-only confirmation log of the run.
func (m *Manager) History(ctx context.Context, runID string) ([]domain.ConfirmationCheckpoint, error) {
	if _, err := m.runs.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return m.checkpoints.ListByRun(ctx, runID)
}

// Recover reconciles one non-terminal run left behind by a dead process.
// Runs still in their stage phase are failed: their goroutines are gone
// and stage work is not resumable. Loop-phase runs land in awaiting
// generation at the first unconfirmed segment, anchor recomputed from the
// checkpoint log; a run whose log already covers every segment completes.
func (m *Manager) Recover(ctx context.Context, runID string) (domain.ExecutionRecord, error) {
	if m == nil || m.engine == nil {
		return domain.ExecutionRecord{}, fmt.Errorf("checkpoint manager not initialized")
	}

	outcome := ""
	record, err := m.engine.UpdateLoop(ctx, runID, func(record *domain.ExecutionRecord) error {
		if record.LoopState == "" {
			endedAt := m.now().UTC()
			for i := range record.Steps {
				switch record.Steps[i].Status {
				case domain.StepStatusRunning:
					record.Steps[i].Status = domain.StepStatusCancelled
					record.Steps[i].Error = "interrupted by service restart"
					record.Steps[i].EndedAt = &endedAt
				case domain.StepStatusPending:
					record.Steps[i].Status = domain.StepStatusSkipped
					record.Steps[i].Error = "run failed before stage started"
					record.Steps[i].EndedAt = &endedAt
				}
			}
			record.Status = domain.RunStatusFailed
			record.Error = "interrupted by service restart"
			record.EndedAt = &endedAt
			outcome = "run_failed"
			return nil
		}

		cps, err := m.checkpoints.ListByRun(ctx, runID)
		if err != nil {
			return err
		}
		segs, err := m.segments.ListByRun(ctx, runID)
		if err != nil {
			return err
		}
		total := len(segs)
		if total == 0 {
			endedAt := m.now().UTC()
			record.Status = domain.RunStatusFailed
			record.Error = "no segments recorded for confirmation loop"
			record.EndedAt = &endedAt
			outcome = "run_failed"
			return nil
		}

		lastConfirmed := -1
		anchor := ""
		for _, cp := range cps {
			if cp.SegmentIndex > lastConfirmed {
				lastConfirmed = cp.SegmentIndex
				anchor = cp.ArtifactRef
			}
		}
		record.AnchorRef = anchor
		if lastConfirmed == total-1 {
			endedAt := m.now().UTC()
			record.Status = domain.RunStatusCompleted
			record.LoopState = domain.LoopStateCompleted
			record.Progress = 100
			record.EndedAt = &endedAt
			record.Result = domain.Metadata{
				"total_segments":     total,
				"final_artifact_ref": anchor,
			}
			outcome = "run_completed"
			return nil
		}
		record.CurrentSegment = lastConfirmed + 1
		record.LoopState = domain.LoopStateAwaitingGeneration
		outcome = "loop_resumed"
		return nil
	})
	if err != nil {
		return domain.ExecutionRecord{}, err
	}

	m.generator.DiscardRun(runID)
	m.emit(ctx, runID, "", "", "run_recovered", "run", runID, map[string]any{
		"outcome":         outcome,
		"current_segment": record.CurrentSegment,
	})
	return record, nil
}

// RecoverAll sweeps every non-terminal run once. Meant for service boot.
func (m *Manager) RecoverAll(ctx context.Context) (int, error) {
	ids, err := m.runs.ListActiveRuns(ctx)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, id := range ids {
		if _, err := m.Recover(ctx, id); err != nil {
			if m.logger != nil {
				m.logger.Warn("run not recovered", "run_id", id, "error", err)
			}
			continue
		}
		recovered++
	}
	return recovered, nil
}

func (m *Manager) emit(ctx context.Context, runID, actor, requestID, kind, subjectType, subjectID string, meta map[string]any) {
	if m.events == nil {
		return
	}
	if actor == "" {
		actor = "storyreel-studio"
	}
	err := m.events.RecordRunEvent(ctx, runevent.Event{
		OccurredAt:  m.now().UTC(),
		Actor:       actor,
		RequestID:   requestID,
		RunID:       runID,
		Kind:        kind,
		SubjectType: subjectType,
		SubjectID:   subjectID,
		Metadata:    meta,
	})
	if err != nil && m.logger != nil {
		m.logger.Warn("run event not recorded", "error", err, "run_id", runID, "kind", kind)
	}
}

// loopPosition gates an operation to the loop's current segment.
func loopPosition(record *domain.ExecutionRecord, index int) error {
	if record.LoopState == "" {
		return ErrNotInLoop
	}
	if index < record.CurrentSegment {
		return ErrAlreadyConfirmed
	}
	if index > record.CurrentSegment {
		return &SequenceError{Requested: index, Current: record.CurrentSegment}
	}
	return nil
}

// planSoftLimit finds the segmentation stage's configured target length
// and returns its overlong threshold.
func planSoftLimit(plan domain.PipelinePlan) int {
	for _, stage := range plan.Stages {
		if stage.Kind != domain.CapabilitySegmentation {
			continue
		}
		if raw, ok := stage.Params.String("target_length"); ok {
			if t := domain.TargetLength(raw); t.Valid() {
				return t.SoftLimit()
			}
		}
	}
	return domain.TargetLengthMedium.SoftLimit()
}
