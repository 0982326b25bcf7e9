package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultMaxCandidates bounds how many images one generation request may ask
// for when the service does not configure its own limit.
const DefaultMaxCandidates = 4

// GenerationRequest asks for a batch of candidate images for one segment.
// AnchorRef is the confirmed artifact of the previous segment and is carried
// as opaque context; it is empty for the first segment.
type GenerationRequest struct {
	RunID        string
	SegmentIndex int
	SegmentText  string
	StyleRefs    []string
	CharacterIDs []string
	StylePrompt  string
	Count        int
	AnchorRef    string
}

func (g GenerationRequest) Validate(maxCandidates int) error {
	if maxCandidates <= 0 {
		maxCandidates = DefaultMaxCandidates
	}
	if strings.TrimSpace(g.RunID) == "" {
		return errors.New("generation run id is required")
	}
	if g.SegmentIndex < 0 {
		return errors.New("segment index must not be negative")
	}
	if strings.TrimSpace(g.SegmentText) == "" {
		return errors.New("segment text is required")
	}
	if g.Count < 1 || g.Count > maxCandidates {
		return fmt.Errorf("generation count %d out of range [1,%d]", g.Count, maxCandidates)
	}
	for i, ref := range g.StyleRefs {
		if strings.TrimSpace(ref) == "" {
			return fmt.Errorf("style reference %d is empty", i)
		}
	}
	return nil
}

// CandidateStatus is the outcome of one candidate generation slot.
type CandidateStatus string

const (
	CandidateStatusCompleted CandidateStatus = "completed"
	CandidateStatusError     CandidateStatus = "error"
)

// CandidateArtifact is an unconfirmed generation result. Candidates live
// only until the segment is confirmed or regenerated; the confirmed one
// survives as a checkpoint's ArtifactRef.
type CandidateArtifact struct {
	ID         string
	Ref        string
	Status     CandidateStatus
	Error      string
	Provenance Metadata
	CreatedAt  time.Time
}

// Usable reports whether the candidate may be selected at confirmation.
func (c CandidateArtifact) Usable() bool {
	return c.Status == CandidateStatusCompleted && strings.TrimSpace(c.Ref) != ""
}
