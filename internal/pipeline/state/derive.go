package state

import (
	"github.com/storyreel-labs/storyreel-go/internal/domain"
)

// DeriveProgress computes aggregate run progress as the duration-weighted
// average of step progress. Callers clamp monotonic against the previous
// value; this function is pure.
func DeriveProgress(record domain.ExecutionRecord) int {
	if len(record.Steps) == 0 {
		return 0
	}
	totalWeight := 0
	weighted := 0
	for _, step := range record.Steps {
		weight := stageWeight(record.Plan, step.StageID)
		totalWeight += weight
		weighted += weight * stepProgress(step)
	}
	if totalWeight == 0 {
		return 0
	}
	progress := weighted / totalWeight
	if progress < 0 {
		return 0
	}
	if progress > 100 {
		return 100
	}
	return progress
}

func stageWeight(plan domain.PipelinePlan, stageID string) int {
	if stage, ok := plan.Stage(stageID); ok && stage.EstimatedSeconds > 0 {
		return stage.EstimatedSeconds
	}
	return 1
}

func stepProgress(step domain.StepResult) int {
	// Terminal steps count as fully weighted so a skipped branch cannot
	// hold the aggregate below 100.
	if step.Status.Terminal() {
		return 100
	}
	if step.Progress < 0 {
		return 0
	}
	if step.Progress > 100 {
		return 100
	}
	return step.Progress
}

// AllStepsTerminal reports whether the stage phase is over.
func AllStepsTerminal(record domain.ExecutionRecord) bool {
	if len(record.Steps) == 0 {
		return true
	}
	for _, step := range record.Steps {
		if !step.Status.Terminal() {
			return false
		}
	}
	return true
}

// FirstFailure returns the earliest failed step, or nil when none failed.
func FirstFailure(record domain.ExecutionRecord) *domain.StepResult {
	var first *domain.StepResult
	for i := range record.Steps {
		step := &record.Steps[i]
		if step.Status != domain.StepStatusFailed {
			continue
		}
		if first == nil {
			first = step
			continue
		}
		if step.EndedAt != nil && first.EndedAt != nil && step.EndedAt.Before(*first.EndedAt) {
			first = step
		}
	}
	return first
}

// DeriveRunOutcome maps terminal step statuses to the run status the stage
// phase should settle on. It returns running when steps remain in flight.
func DeriveRunOutcome(record domain.ExecutionRecord) domain.RunStatus {
	if !AllStepsTerminal(record) {
		return domain.RunStatusRunning
	}
	anyFailed := false
	anyCancelled := false
	for _, step := range record.Steps {
		switch step.Status {
		case domain.StepStatusFailed:
			anyFailed = true
		case domain.StepStatusCancelled:
			anyCancelled = true
		}
	}
	if anyFailed {
		return domain.RunStatusFailed
	}
	if anyCancelled {
		return domain.RunStatusCancelled
	}
	return domain.RunStatusRunning
}
