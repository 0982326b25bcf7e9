// Package config loads the stage catalog that seeds every pipeline run.
// Deployments override the built-in catalog with a YAML file named by
// STORYREEL_STAGE_CATALOG; per-run adjustments go through stage overrides
// at compile time, never through catalog edits.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/storyreel-labs/storyreel-go/internal/domain"
)

const CatalogSchemaV1 = "storyreel.catalog.v1"

// EnvStageCatalog names the YAML catalog file. Empty means built-in.
const EnvStageCatalog = "STORYREEL_STAGE_CATALOG"

type catalogFile struct {
	Schema string         `json:"schema" yaml:"schema"`
	Stages []catalogStage `json:"stages" yaml:"stages"`
}

type catalogStage struct {
	ID               string         `json:"id" yaml:"id"`
	Kind             string         `json:"kind" yaml:"kind"`
	Params           map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	DependsOn        []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Enabled          *bool          `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Priority         int            `json:"priority,omitempty" yaml:"priority,omitempty"`
	EstimatedSeconds int            `json:"estimated_seconds,omitempty" yaml:"estimated_seconds,omitempty"`
	TimeoutSeconds   int            `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	Retry            *catalogRetry  `json:"retry,omitempty" yaml:"retry,omitempty"`
}

type catalogRetry struct {
	MaxAttempts int             `json:"max_attempts" yaml:"max_attempts"`
	Backoff     *catalogBackoff `json:"backoff,omitempty" yaml:"backoff,omitempty"`
}

type catalogBackoff struct {
	Type           string  `json:"type,omitempty" yaml:"type,omitempty"`
	InitialSeconds int     `json:"initial_seconds,omitempty" yaml:"initial_seconds,omitempty"`
	MaxSeconds     int     `json:"max_seconds,omitempty" yaml:"max_seconds,omitempty"`
	Multiplier     float64 `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
}

// LoadCatalog returns the deployment's stage catalog: the YAML file named
// by STORYREEL_STAGE_CATALOG when set, the built-in default otherwise.
func LoadCatalog() ([]domain.StageDefinition, error) {
	path := strings.TrimSpace(os.Getenv(EnvStageCatalog))
	if path == "" {
		return DefaultCatalog(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read stage catalog %s: %w", path, err)
	}
	catalog, err := ParseCatalog(raw)
	if err != nil {
		return nil, fmt.Errorf("stage catalog %s: %w", path, err)
	}
	return catalog, nil
}

// ParseCatalog decodes and validates a YAML catalog document.
func ParseCatalog(input []byte) ([]domain.StageDefinition, error) {
	var file catalogFile
	if err := yaml.Unmarshal(input, &file); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if strings.TrimSpace(file.Schema) != CatalogSchemaV1 {
		return nil, fmt.Errorf("catalog schema must be %q", CatalogSchemaV1)
	}
	if len(file.Stages) == 0 {
		return nil, fmt.Errorf("catalog declares no stages")
	}

	stages := make([]domain.StageDefinition, 0, len(file.Stages))
	seen := make(map[string]struct{}, len(file.Stages))
	for i, entry := range file.Stages {
		stage := entry.toDomain()
		if err := stage.Validate(); err != nil {
			return nil, fmt.Errorf("catalog stage %d: %w", i, err)
		}
		if _, dup := seen[stage.ID]; dup {
			return nil, fmt.Errorf("catalog stage id %q appears twice", stage.ID)
		}
		seen[stage.ID] = struct{}{}
		stages = append(stages, stage)
	}
	return stages, nil
}

func (c catalogStage) toDomain() domain.StageDefinition {
	stage := domain.StageDefinition{
		ID:               strings.TrimSpace(c.ID),
		Kind:             domain.CapabilityKind(strings.TrimSpace(c.Kind)),
		DependsOn:        append([]string(nil), c.DependsOn...),
		Enabled:          true,
		Priority:         c.Priority,
		EstimatedSeconds: c.EstimatedSeconds,
		TimeoutSeconds:   c.TimeoutSeconds,
	}
	if c.Enabled != nil {
		stage.Enabled = *c.Enabled
	}
	if len(c.Params) > 0 {
		stage.Params = domain.Metadata(c.Params).Clone()
	}
	if c.Retry != nil {
		stage.Retry.MaxAttempts = c.Retry.MaxAttempts
		if c.Retry.Backoff != nil {
			stage.Retry.Backoff = domain.Backoff{
				Type:           strings.TrimSpace(c.Retry.Backoff.Type),
				InitialSeconds: c.Retry.Backoff.InitialSeconds,
				MaxSeconds:     c.Retry.Backoff.MaxSeconds,
				Multiplier:     c.Retry.Backoff.Multiplier,
			}
		}
	}
	return stage
}

// DefaultCatalog is the compiled-in stage set: narrative analysis, the
// deterministic segment split, script generation, and a cover render. The
// per-segment illustration loop is not a catalog stage; it starts after
// these complete.
func DefaultCatalog() []domain.StageDefinition {
	return []domain.StageDefinition{
		{
			ID:               "analyze",
			Kind:             domain.CapabilityTextUnderstanding,
			Params:           domain.Metadata{"model": "storyreel-understanding-1"},
			Enabled:          true,
			Priority:         10,
			EstimatedSeconds: 20,
			TimeoutSeconds:   120,
			Retry: domain.RetryPolicy{
				MaxAttempts: 2,
				Backoff:     domain.Backoff{Type: "exponential", InitialSeconds: 1, MaxSeconds: 10, Multiplier: 2},
			},
		},
		{
			ID:               "segment",
			Kind:             domain.CapabilitySegmentation,
			Params:           domain.Metadata{"target_length": "medium", "preserve_context": true},
			DependsOn:        []string{"analyze"},
			Enabled:          true,
			Priority:         20,
			EstimatedSeconds: 10,
			TimeoutSeconds:   60,
			Retry: domain.RetryPolicy{
				MaxAttempts: 2,
				Backoff:     domain.Backoff{Type: "fixed", InitialSeconds: 2},
			},
		},
		{
			ID:               "script",
			Kind:             domain.CapabilityScriptGeneration,
			Params:           domain.Metadata{"style": "storyboard", "temperature": 0.7},
			DependsOn:        []string{"segment"},
			Enabled:          true,
			Priority:         30,
			EstimatedSeconds: 30,
			TimeoutSeconds:   180,
			Retry: domain.RetryPolicy{
				MaxAttempts: 3,
				Backoff:     domain.Backoff{Type: "exponential", InitialSeconds: 2, MaxSeconds: 20, Multiplier: 2},
			},
		},
		{
			ID:               "cover",
			Kind:             domain.CapabilityImageSynthesis,
			Params:           domain.Metadata{"style_prompt": "cover illustration", "candidate_count": 1},
			DependsOn:        []string{"script"},
			Enabled:          true,
			Priority:         40,
			EstimatedSeconds: 45,
			TimeoutSeconds:   300,
			Retry: domain.RetryPolicy{
				MaxAttempts: 2,
				Backoff:     domain.Backoff{Type: "exponential", InitialSeconds: 2, MaxSeconds: 30, Multiplier: 2},
			},
		},
	}
}
