package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// RunStatus is the lifecycle state of an ExecutionRecord.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further engine writes may follow.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// StepStatus is the lifecycle state of a single StepResult.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
	StepStatusCancelled StepStatus = "cancelled"
)

func (s StepStatus) Terminal() bool {
	switch s {
	case StepStatusCompleted, StepStatusFailed, StepStatusSkipped, StepStatusCancelled:
		return true
	default:
		return false
	}
}

// LoopState tracks where a run sits in the per-segment confirmation loop.
// It is a snapshot for status reads; the checkpoint log is authoritative.
type LoopState string

const (
	LoopStateAwaitingGeneration   LoopState = "awaiting_generation"
	LoopStateAwaitingConfirmation LoopState = "awaiting_confirmation"
	LoopStateCompleted            LoopState = "completed"
	LoopStateCancelled            LoopState = "cancelled"
)

// ExecutionRecord is the durable state of one pipeline run. The engine is
// its only writer until the status becomes terminal.
type ExecutionRecord struct {
	ID              string
	ProjectID       string
	SourceTextID    string
	Plan            PipelinePlan
	PlanFingerprint string
	Status          RunStatus
	Progress        int
	CurrentStage    string
	Steps           []StepResult
	LoopState       LoopState
	CurrentSegment  int
	AnchorRef       string
	StartedAt       time.Time
	EndedAt         *time.Time
	Error           string
	Result          Metadata
}

// StepResult is the per-stage outcome inside an ExecutionRecord. A step only
// reaches running after every dependency step completed.
type StepResult struct {
	StageID   string
	Status    StepStatus
	Progress  int
	Attempt   int
	StartedAt *time.Time
	EndedAt   *time.Time
	Output    Metadata
	Error     string
}

func (r ExecutionRecord) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("execution id is required")
	}
	if strings.TrimSpace(r.ProjectID) == "" {
		return errors.New("project id is required")
	}
	if !r.Status.Valid() {
		return fmt.Errorf("unknown run status %q", r.Status)
	}
	if r.Progress < 0 || r.Progress > 100 {
		return fmt.Errorf("progress %d out of range", r.Progress)
	}
	if r.CurrentSegment < 0 {
		return errors.New("current segment must not be negative")
	}
	return nil
}

// StepByID returns a pointer into Steps for in-place mutation by the engine.
func (r *ExecutionRecord) StepByID(stageID string) *StepResult {
	for i := range r.Steps {
		if r.Steps[i].StageID == stageID {
			return &r.Steps[i]
		}
	}
	return nil
}

// CanTransitionRunStatus enforces forward-only run progression. Terminal
// states accept no successor except themselves.
func CanTransitionRunStatus(current, next RunStatus) bool {
	if !current.Valid() || !next.Valid() {
		return false
	}
	if current == next {
		return true
	}
	if current.Terminal() {
		return false
	}
	switch current {
	case RunStatusPending:
		return true
	case RunStatusRunning:
		return next != RunStatusPending
	default:
		return false
	}
}
