package domain

import (
	"errors"
	"fmt"
	"strings"
)

// TargetLength selects the segmenter's preferred segment size.
type TargetLength string

const (
	TargetLengthSmall  TargetLength = "small"
	TargetLengthMedium TargetLength = "medium"
	TargetLengthLarge  TargetLength = "large"
)

func (t TargetLength) Valid() bool {
	switch t {
	case TargetLengthSmall, TargetLengthMedium, TargetLengthLarge:
		return true
	default:
		return false
	}
}

// Runes returns the target segment size in runes.
func (t TargetLength) Runes() int {
	switch t {
	case TargetLengthSmall:
		return 150
	case TargetLengthLarge:
		return 600
	default:
		return 300
	}
}

// SoftLimit returns the length above which a segment is flagged overlong.
func (t TargetLength) SoftLimit() int {
	return t.Runes() + t.Runes()/2
}

// Segment is one narrative unit of a run's source text. Text may change only
// while no generation has happened for the segment; Meta may be refreshed by
// later understanding passes.
type Segment struct {
	RunID    string
	Index    int
	Text     string
	Overlong bool
	Meta     SegmentMeta
}

// SegmentMeta carries derived narrative context used for prompt assembly.
// Values come from the text-understanding capability and may differ between
// runs over identical text.
type SegmentMeta struct {
	Scene          string
	Characters     []string
	Tone           string
	KeyEvents      []string
	VisualKeywords []string
	Suitability    float64
}

func (s Segment) Validate() error {
	if strings.TrimSpace(s.RunID) == "" {
		return errors.New("segment run id is required")
	}
	if s.Index < 0 {
		return errors.New("segment index must not be negative")
	}
	if strings.TrimSpace(s.Text) == "" {
		return fmt.Errorf("segment %d text is required", s.Index)
	}
	return nil
}
