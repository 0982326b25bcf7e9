package domain

import "testing"

func intPtr(v int) *int { return &v }

func TestConfirmationCheckpointValidate(t *testing.T) {
	valid := ConfirmationCheckpoint{
		RunID:        "run-1",
		SegmentIndex: 2,
		CandidateID:  "cand-1",
		ArtifactRef:  "renders/run-1/2/cand-1.png",
		NextIndex:    intPtr(3),
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() on valid checkpoint: %v", err)
	}

	terminal := valid
	terminal.NextIndex = nil
	if err := terminal.Validate(); err != nil {
		t.Fatalf("Validate() on terminal checkpoint: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*ConfirmationCheckpoint)
	}{
		{"missing run id", func(c *ConfirmationCheckpoint) { c.RunID = "" }},
		{"negative index", func(c *ConfirmationCheckpoint) { c.SegmentIndex = -1 }},
		{"missing candidate", func(c *ConfirmationCheckpoint) { c.CandidateID = "" }},
		{"missing artifact", func(c *ConfirmationCheckpoint) { c.ArtifactRef = "" }},
		{"next index skips ahead", func(c *ConfirmationCheckpoint) { c.NextIndex = intPtr(5) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cp := valid
			tt.mutate(&cp)
			if err := cp.Validate(); err == nil {
				t.Fatal("Validate() = nil, want error")
			}
		})
	}
}

func TestEnsureCheckpointImmutable(t *testing.T) {
	before := ConfirmationCheckpoint{
		RunID:        "run-1",
		SegmentIndex: 0,
		CandidateID:  "cand-1",
		ArtifactRef:  "renders/run-1/0/cand-1.png",
		NextIndex:    intPtr(1),
	}

	if err := EnsureCheckpointImmutable(before, before); err != nil {
		t.Fatalf("identical checkpoints: %v", err)
	}

	changedRef := before
	changedRef.ArtifactRef = "renders/run-1/0/other.png"
	if err := EnsureCheckpointImmutable(before, changedRef); err == nil {
		t.Fatal("changed artifact ref must be rejected")
	}

	changedNext := before
	changedNext.NextIndex = nil
	if err := EnsureCheckpointImmutable(before, changedNext); err == nil {
		t.Fatal("changed next index must be rejected")
	}
}
