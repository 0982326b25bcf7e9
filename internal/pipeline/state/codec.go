// Package state converts execution records to and from their persisted
// snapshot form and derives aggregate run state from step results.
package state

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/storyreel-labs/storyreel-go/internal/domain"
	"github.com/storyreel-labs/storyreel-go/internal/pipeline/compile"
	"github.com/storyreel-labs/storyreel-go/internal/repo"
)

// EncodeRecord flattens a record into its storable shape. The plan blob is
// written through the plan codec so fingerprints stay comparable.
func EncodeRecord(record domain.ExecutionRecord) (repo.RunRecord, error) {
	planJSON, err := compile.MarshalPlan(record.Plan)
	if err != nil {
		return repo.RunRecord{}, fmt.Errorf("encode plan: %w", err)
	}
	stepsJSON, err := marshalSteps(record.Steps)
	if err != nil {
		return repo.RunRecord{}, fmt.Errorf("encode steps: %w", err)
	}
	resultJSON, err := json.Marshal(record.Result)
	if err != nil {
		return repo.RunRecord{}, fmt.Errorf("encode result: %w", err)
	}
	return repo.RunRecord{
		ID:              record.ID,
		ProjectID:       record.ProjectID,
		SourceTextID:    record.SourceTextID,
		Status:          string(record.Status),
		Progress:        record.Progress,
		CurrentStage:    record.CurrentStage,
		LoopState:       string(record.LoopState),
		CurrentSegment:  record.CurrentSegment,
		AnchorRef:       record.AnchorRef,
		Plan:            planJSON,
		PlanFingerprint: record.PlanFingerprint,
		Steps:           stepsJSON,
		Result:          resultJSON,
		ErrorMessage:    record.Error,
		StartedAt:       record.StartedAt,
		EndedAt:         record.EndedAt,
	}, nil
}

// DecodeRecord rebuilds the domain record from a stored row.
func DecodeRecord(stored repo.RunRecord) (domain.ExecutionRecord, error) {
	plan, err := compile.UnmarshalPlan(stored.Plan)
	if err != nil {
		return domain.ExecutionRecord{}, fmt.Errorf("decode plan: %w", err)
	}
	steps, err := unmarshalSteps(stored.Steps)
	if err != nil {
		return domain.ExecutionRecord{}, fmt.Errorf("decode steps: %w", err)
	}
	var result domain.Metadata
	if len(stored.Result) > 0 {
		if err := json.Unmarshal(stored.Result, &result); err != nil {
			return domain.ExecutionRecord{}, fmt.Errorf("decode result: %w", err)
		}
	}
	return domain.ExecutionRecord{
		ID:              stored.ID,
		ProjectID:       stored.ProjectID,
		SourceTextID:    stored.SourceTextID,
		Plan:            plan,
		PlanFingerprint: stored.PlanFingerprint,
		Status:          domain.RunStatus(stored.Status),
		Progress:        stored.Progress,
		CurrentStage:    stored.CurrentStage,
		Steps:           steps,
		LoopState:       domain.LoopState(stored.LoopState),
		CurrentSegment:  stored.CurrentSegment,
		AnchorRef:       stored.AnchorRef,
		StartedAt:       stored.StartedAt,
		EndedAt:         stored.EndedAt,
		Error:           stored.ErrorMessage,
		Result:          result,
	}, nil
}

type stepPayload struct {
	StageID   string          `json:"stageId"`
	Status    string          `json:"status"`
	Progress  int             `json:"progress"`
	Attempt   int             `json:"attempt"`
	StartedAt *time.Time      `json:"startedAt,omitempty"`
	EndedAt   *time.Time      `json:"endedAt,omitempty"`
	Output    domain.Metadata `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func marshalSteps(steps []domain.StepResult) ([]byte, error) {
	payload := make([]stepPayload, 0, len(steps))
	for _, step := range steps {
		payload = append(payload, stepPayload{
			StageID:   step.StageID,
			Status:    string(step.Status),
			Progress:  step.Progress,
			Attempt:   step.Attempt,
			StartedAt: step.StartedAt,
			EndedAt:   step.EndedAt,
			Output:    step.Output,
			Error:     step.Error,
		})
	}
	return json.Marshal(payload)
}

func unmarshalSteps(raw []byte) ([]domain.StepResult, error) {
	if len(raw) == 0 {
		return []domain.StepResult{}, nil
	}
	var payload []stepPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	steps := make([]domain.StepResult, 0, len(payload))
	for _, step := range payload {
		steps = append(steps, domain.StepResult{
			StageID:   step.StageID,
			Status:    domain.StepStatus(step.Status),
			Progress:  step.Progress,
			Attempt:   step.Attempt,
			StartedAt: step.StartedAt,
			EndedAt:   step.EndedAt,
			Output:    step.Output,
			Error:     step.Error,
		})
	}
	return steps, nil
}
