package domain

import (
	"errors"
	"time"
)

// ConfirmationCheckpoint records one confirmed segment. Rows are append-only
// and unique per (run, segment); a nil NextIndex marks the final segment.
// The ArtifactRef of checkpoint i is the continuity anchor for segment i+1.
type ConfirmationCheckpoint struct {
	RunID        string
	SegmentIndex int
	CandidateID  string
	ArtifactRef  string
	NextIndex    *int
	CreatedAt    time.Time
}

func (c ConfirmationCheckpoint) Validate() error {
	if c.RunID == "" {
		return errors.New("checkpoint run id is required")
	}
	if c.SegmentIndex < 0 {
		return errors.New("checkpoint segment index must not be negative")
	}
	if c.CandidateID == "" {
		return errors.New("checkpoint candidate id is required")
	}
	if c.ArtifactRef == "" {
		return errors.New("checkpoint artifact ref is required")
	}
	if c.NextIndex != nil && *c.NextIndex != c.SegmentIndex+1 {
		return errors.New("checkpoint next index must follow segment index")
	}
	return nil
}
