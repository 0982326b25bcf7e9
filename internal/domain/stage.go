package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// CapabilityKind identifies the class of external capability a stage invokes.
type CapabilityKind string

const (
	CapabilityTextUnderstanding CapabilityKind = "text_understanding"
	CapabilitySegmentation      CapabilityKind = "segmentation"
	CapabilityScriptGeneration  CapabilityKind = "script_generation"
	CapabilityImageSynthesis    CapabilityKind = "image_synthesis"
)

func (k CapabilityKind) Valid() bool {
	switch k {
	case CapabilityTextUnderstanding, CapabilitySegmentation, CapabilityScriptGeneration, CapabilityImageSynthesis:
		return true
	default:
		return false
	}
}

// StageDefinition describes one unit of pipeline work and its scheduling
// constraints. Definitions come from the stage catalog and are immutable for
// the lifetime of a run.
type StageDefinition struct {
	ID               string
	Kind             CapabilityKind
	Params           Metadata
	DependsOn        []string
	Enabled          bool
	Priority         int
	EstimatedSeconds int
	TimeoutSeconds   int
	Retry            RetryPolicy
}

type RetryPolicy struct {
	MaxAttempts int
	Backoff     Backoff
}

type Backoff struct {
	Type           string
	InitialSeconds int
	MaxSeconds     int
	Multiplier     float64
}

// Delay returns the wait after attempt n fails, before attempt n+1 starts.
// Fixed backoff by default; exponential growth capped at MaxSeconds when
// the policy asks for it.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	initial := p.Backoff.InitialSeconds
	if initial <= 0 {
		initial = 1
	}
	maxSeconds := p.Backoff.MaxSeconds
	seconds := float64(initial)
	if strings.EqualFold(p.Backoff.Type, "exponential") {
		multiplier := p.Backoff.Multiplier
		if multiplier <= 1 {
			multiplier = 2
		}
		for i := 1; i < attempt; i++ {
			seconds *= multiplier
			if maxSeconds > 0 && seconds >= float64(maxSeconds) {
				seconds = float64(maxSeconds)
				break
			}
		}
	}
	if maxSeconds > 0 && seconds > float64(maxSeconds) {
		seconds = float64(maxSeconds)
	}
	return time.Duration(seconds * float64(time.Second))
}

// StageOverride adjusts a catalog stage for a single run.
type StageOverride struct {
	Enabled *bool
	Params  Metadata
}

func (s StageDefinition) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return errors.New("stage id is required")
	}
	if !s.Kind.Valid() {
		return fmt.Errorf("stage %q has unknown kind %q", s.ID, s.Kind)
	}
	if s.EstimatedSeconds < 0 {
		return fmt.Errorf("stage %q estimated seconds must not be negative", s.ID)
	}
	if s.TimeoutSeconds < 0 {
		return fmt.Errorf("stage %q timeout seconds must not be negative", s.ID)
	}
	if s.Retry.MaxAttempts < 0 {
		return fmt.Errorf("stage %q retry max attempts must not be negative", s.ID)
	}
	for _, dep := range s.DependsOn {
		if strings.TrimSpace(dep) == "" {
			return fmt.Errorf("stage %q declares an empty dependency", s.ID)
		}
		if dep == s.ID {
			return fmt.Errorf("stage %q depends on itself", s.ID)
		}
	}
	return nil
}

// Clone returns a deep copy so catalog entries stay untouched by per-run
// overrides.
func (s StageDefinition) Clone() StageDefinition {
	out := s
	out.Params = s.Params.Clone()
	if s.DependsOn != nil {
		out.DependsOn = append([]string(nil), s.DependsOn...)
	}
	return out
}
