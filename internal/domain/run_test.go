package domain

import "testing"

func TestRunStatusTerminal(t *testing.T) {
	tests := []struct {
		status RunStatus
		want   bool
	}{
		{RunStatusPending, false},
		{RunStatusRunning, false},
		{RunStatusCompleted, true},
		{RunStatusFailed, true},
		{RunStatusCancelled, true},
	}
	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.want {
			t.Errorf("Terminal(%q) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestCanTransitionRunStatus(t *testing.T) {
	tests := []struct {
		name    string
		current RunStatus
		next    RunStatus
		want    bool
	}{
		{"pending to running", RunStatusPending, RunStatusRunning, true},
		{"pending to cancelled", RunStatusPending, RunStatusCancelled, true},
		{"running to completed", RunStatusRunning, RunStatusCompleted, true},
		{"running to failed", RunStatusRunning, RunStatusFailed, true},
		{"running back to pending", RunStatusRunning, RunStatusPending, false},
		{"completed to running", RunStatusCompleted, RunStatusRunning, false},
		{"cancelled to cancelled", RunStatusCancelled, RunStatusCancelled, true},
		{"failed to completed", RunStatusFailed, RunStatusCompleted, false},
		{"unknown status", RunStatus("paused"), RunStatusRunning, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransitionRunStatus(tt.current, tt.next); got != tt.want {
				t.Errorf("CanTransitionRunStatus(%q, %q) = %v, want %v", tt.current, tt.next, got, tt.want)
			}
		})
	}
}

func TestExecutionRecordValidate(t *testing.T) {
	valid := ExecutionRecord{
		ID:        "run-1",
		ProjectID: "proj-1",
		Status:    RunStatusPending,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() on valid record: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*ExecutionRecord)
	}{
		{"missing id", func(r *ExecutionRecord) { r.ID = " " }},
		{"missing project", func(r *ExecutionRecord) { r.ProjectID = "" }},
		{"bad status", func(r *ExecutionRecord) { r.Status = "done" }},
		{"progress above range", func(r *ExecutionRecord) { r.Progress = 101 }},
		{"progress below range", func(r *ExecutionRecord) { r.Progress = -1 }},
		{"negative segment", func(r *ExecutionRecord) { r.CurrentSegment = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := valid
			tt.mutate(&rec)
			if err := rec.Validate(); err == nil {
				t.Fatal("Validate() = nil, want error")
			}
		})
	}
}

func TestStepByID(t *testing.T) {
	rec := ExecutionRecord{
		Steps: []StepResult{
			{StageID: "analyze"},
			{StageID: "segment"},
		},
	}
	step := rec.StepByID("segment")
	if step == nil {
		t.Fatal("StepByID(segment) = nil")
	}
	step.Progress = 50
	if rec.Steps[1].Progress != 50 {
		t.Fatal("StepByID must return a pointer into Steps")
	}
	if rec.StepByID("missing") != nil {
		t.Fatal("StepByID(missing) should be nil")
	}
}
