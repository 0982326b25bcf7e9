package state

import (
	"reflect"
	"testing"
	"time"

	"github.com/storyreel-labs/storyreel-go/internal/domain"
)

func TestRecordCodecRoundTrip(t *testing.T) {
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	stepStart := started.Add(time.Second)
	record := domain.ExecutionRecord{
		ID:              "run-1",
		ProjectID:       "proj-1",
		SourceTextID:    "text-1",
		Plan:            testPlan(),
		PlanFingerprint: "fp-1",
		Status:          domain.RunStatusRunning,
		Progress:        40,
		CurrentStage:    "script",
		Steps: []domain.StepResult{
			{StageID: "analyze", Status: domain.StepStatusCompleted, Progress: 100, Attempt: 1, StartedAt: &stepStart, EndedAt: &stepStart, Output: domain.Metadata{"scenes": float64(3)}},
			{StageID: "script", Status: domain.StepStatusRunning, Progress: 20, Attempt: 2, StartedAt: &stepStart},
		},
		LoopState:      domain.LoopStateAwaitingGeneration,
		CurrentSegment: 1,
		AnchorRef:      "runs/run-1/segments/0/cand.png",
		StartedAt:      started,
		Result:         domain.Metadata{"cover": "runs/run-1/cover/a.png"},
	}

	stored, err := EncodeRecord(record)
	if err != nil {
		t.Fatalf("EncodeRecord() err=%v", err)
	}
	if stored.Status != "running" || stored.LoopState != "awaiting_generation" {
		t.Fatalf("stored scalars wrong: %+v", stored)
	}
	decoded, err := DecodeRecord(stored)
	if err != nil {
		t.Fatalf("DecodeRecord() err=%v", err)
	}
	if decoded.ID != record.ID || decoded.CurrentSegment != 1 || decoded.AnchorRef != record.AnchorRef {
		t.Fatalf("decoded record mismatch: %+v", decoded)
	}
	if !reflect.DeepEqual(decoded.Plan.StageIDs(), record.Plan.StageIDs()) {
		t.Fatalf("plan order lost: %v", decoded.Plan.StageIDs())
	}
	if len(decoded.Steps) != 2 || decoded.Steps[1].Attempt != 2 || decoded.Steps[1].Status != domain.StepStatusRunning {
		t.Fatalf("steps lost in round trip: %+v", decoded.Steps)
	}
}

func TestDeriveProgressWeightsByDuration(t *testing.T) {
	record := domain.ExecutionRecord{
		Plan: testPlan(),
		Steps: []domain.StepResult{
			{StageID: "analyze", Status: domain.StepStatusCompleted, Progress: 100},
			{StageID: "script", Status: domain.StepStatusRunning, Progress: 0},
		},
	}
	// analyze weighs 10s, script 30s: 100*10/40 = 25.
	if got := DeriveProgress(record); got != 25 {
		t.Fatalf("DeriveProgress() = %d, want 25", got)
	}

	record.Steps[1].Status = domain.StepStatusSkipped
	if got := DeriveProgress(record); got != 100 {
		t.Fatalf("DeriveProgress() with terminal steps = %d, want 100", got)
	}
}

func TestDeriveRunOutcome(t *testing.T) {
	tests := []struct {
		name  string
		steps []domain.StepResult
		want  domain.RunStatus
	}{
		{
			name: "in flight stays running",
			steps: []domain.StepResult{
				{StageID: "analyze", Status: domain.StepStatusCompleted},
				{StageID: "script", Status: domain.StepStatusRunning},
			},
			want: domain.RunStatusRunning,
		},
		{
			name: "failure wins over skips",
			steps: []domain.StepResult{
				{StageID: "analyze", Status: domain.StepStatusFailed},
				{StageID: "script", Status: domain.StepStatusSkipped},
			},
			want: domain.RunStatusFailed,
		},
		{
			name: "cancelled without failure",
			steps: []domain.StepResult{
				{StageID: "analyze", Status: domain.StepStatusCompleted},
				{StageID: "script", Status: domain.StepStatusCancelled},
			},
			want: domain.RunStatusCancelled,
		},
		{
			name: "all complete keeps the run open for the loop",
			steps: []domain.StepResult{
				{StageID: "analyze", Status: domain.StepStatusCompleted},
				{StageID: "script", Status: domain.StepStatusCompleted},
			},
			want: domain.RunStatusRunning,
		},
	}

	for _, tt := range tests {
		record := domain.ExecutionRecord{Plan: testPlan(), Steps: tt.steps}
		if got := DeriveRunOutcome(record); got != tt.want {
			t.Fatalf("%s: DeriveRunOutcome() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestFirstFailurePicksEarliestEnd(t *testing.T) {
	early := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	late := early.Add(time.Minute)
	record := domain.ExecutionRecord{
		Steps: []domain.StepResult{
			{StageID: "script", Status: domain.StepStatusFailed, EndedAt: &late, Error: "later"},
			{StageID: "analyze", Status: domain.StepStatusFailed, EndedAt: &early, Error: "first"},
		},
	}
	got := FirstFailure(record)
	if got == nil || got.StageID != "analyze" {
		t.Fatalf("FirstFailure() = %+v, want analyze", got)
	}
	if FirstFailure(domain.ExecutionRecord{}) != nil {
		t.Fatalf("expected nil for no failures")
	}
}

func testPlan() domain.PipelinePlan {
	return domain.PipelinePlan{
		Stages: []domain.StageDefinition{
			{ID: "analyze", Kind: domain.CapabilityTextUnderstanding, Enabled: true, EstimatedSeconds: 10},
			{ID: "script", Kind: domain.CapabilityScriptGeneration, Enabled: true, EstimatedSeconds: 30, DependsOn: []string{"analyze"}},
		},
		Edges: []domain.PlanEdge{{From: "analyze", To: "script"}},
	}
}
