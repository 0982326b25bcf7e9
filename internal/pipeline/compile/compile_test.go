package compile

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/storyreel-labs/storyreel-go/internal/domain"
)

func TestCompileDeterministicOrdering(t *testing.T) {
	catalog := []domain.StageDefinition{
		stage("script", "script_generation", "analyze"),
		stage("analyze", "text_understanding"),
		stage("cover", "image_synthesis", "analyze"),
	}

	first, err := Compile(catalog, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := Compile(catalog, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	firstOrder := first.StageIDs()
	if !reflect.DeepEqual(firstOrder, second.StageIDs()) {
		t.Fatalf("expected deterministic order, got %v vs %v", firstOrder, second.StageIDs())
	}
	if firstOrder[0] != "analyze" {
		t.Fatalf("expected analyze first, got %v", firstOrder)
	}
	// Equal priority falls back to id order.
	if want := []string{"analyze", "cover", "script"}; !reflect.DeepEqual(firstOrder, want) {
		t.Fatalf("expected order %v, got %v", want, firstOrder)
	}
}

func TestCompilePriorityBreaksTies(t *testing.T) {
	catalog := []domain.StageDefinition{
		stage("analyze", "text_understanding"),
		stage("cover", "image_synthesis", "analyze"),
		stage("script", "script_generation", "analyze"),
	}
	catalog[2].Priority = -1

	plan, err := Compile(catalog, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := []string{"analyze", "script", "cover"}; !reflect.DeepEqual(plan.StageIDs(), want) {
		t.Fatalf("expected order %v, got %v", want, plan.StageIDs())
	}
}

func TestCompileDisabledDependencyNamesBothStages(t *testing.T) {
	catalog := []domain.StageDefinition{
		stage("analyze", "text_understanding"),
		stage("script", "script_generation", "analyze"),
	}
	disabled := false
	_, err := Compile(catalog, map[string]domain.StageOverride{
		"analyze": {Enabled: &disabled},
	})
	if err == nil {
		t.Fatalf("expected configuration error")
	}
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ConfigurationError, got %T", err)
	}
	if !strings.Contains(err.Error(), `"script"`) || !strings.Contains(err.Error(), `"analyze"`) {
		t.Fatalf("expected both stage names in error, got %v", err)
	}
}

func TestCompileCollectsAllViolations(t *testing.T) {
	catalog := []domain.StageDefinition{
		stage("a", "text_understanding", "b"),
		stage("b", "script_generation", "a"),
		stage("c", "image_synthesis", "missing"),
	}
	_, err := Compile(catalog, map[string]domain.StageOverride{
		"ghost": {},
	})
	if err == nil {
		t.Fatalf("expected configuration error")
	}
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ConfigurationError, got %T", err)
	}
	wantIssues := []string{"unknown stage", "cycle", "ghost"}
	for _, want := range wantIssues {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected issue mentioning %q, got %v", want, err)
		}
	}
	if len(cfgErr.Issues) < 3 {
		t.Fatalf("expected at least 3 issues, got %v", cfgErr.Issues)
	}
}

func TestCompileValidatesParamSchema(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*domain.StageDefinition)
		wantErr string
	}{
		{
			name:    "missing required target_length",
			mutate:  func(s *domain.StageDefinition) { delete(s.Params, "target_length") },
			wantErr: "missing required param",
		},
		{
			name:    "wrong type",
			mutate:  func(s *domain.StageDefinition) { s.Params["target_length"] = 42 },
			wantErr: "must be a string",
		},
		{
			name:    "out of enum",
			mutate:  func(s *domain.StageDefinition) { s.Params["target_length"] = "huge" },
			wantErr: "must be one of",
		},
		{
			name:    "unknown key",
			mutate:  func(s *domain.StageDefinition) { s.Params["chunk_size"] = 5 },
			wantErr: "unknown param",
		},
	}

	for _, tt := range tests {
		seg := stage("segment", "segmentation")
		seg.Params = domain.Metadata{"target_length": "medium"}
		tt.mutate(&seg)

		_, err := Compile([]domain.StageDefinition{seg}, nil)
		if err == nil {
			t.Fatalf("%s: expected error", tt.name)
		}
		if !strings.Contains(err.Error(), tt.wantErr) {
			t.Fatalf("%s: expected %q in error, got %v", tt.name, tt.wantErr, err)
		}
	}
}

func TestCompileSkipsDisabledBranchEntirely(t *testing.T) {
	catalog := []domain.StageDefinition{
		stage("analyze", "text_understanding"),
		stage("cover", "image_synthesis", "analyze"),
	}
	catalog[1].Enabled = false

	plan, err := Compile(catalog, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := []string{"analyze"}; !reflect.DeepEqual(plan.StageIDs(), want) {
		t.Fatalf("expected only enabled stages, got %v", plan.StageIDs())
	}
	if len(plan.Edges) != 0 {
		t.Fatalf("expected no edges, got %v", plan.Edges)
	}
}

func TestFingerprintStableAcrossCompiles(t *testing.T) {
	catalog := []domain.StageDefinition{
		stage("analyze", "text_understanding"),
		stage("script", "script_generation", "analyze"),
	}
	catalog[0].Params = domain.Metadata{"language": "en", "model": "default"}

	first, err := Compile(catalog, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := Compile(catalog, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fp1, err := Fingerprint(first)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	fp2, err := Fingerprint(second)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if fp1 != fp2 {
		t.Fatalf("expected stable fingerprint, got %s vs %s", fp1, fp2)
	}
	if len(fp1) != 64 {
		t.Fatalf("expected sha256 hex fingerprint, got %q", fp1)
	}
}

func TestPlanCodecRoundTrip(t *testing.T) {
	catalog := []domain.StageDefinition{
		stage("analyze", "text_understanding"),
		stage("script", "script_generation", "analyze"),
	}
	catalog[1].Retry = domain.RetryPolicy{
		MaxAttempts: 3,
		Backoff:     domain.Backoff{Type: "exponential", InitialSeconds: 1, MaxSeconds: 30, Multiplier: 2},
	}

	plan, err := Compile(catalog, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	raw, err := MarshalPlan(plan)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	decoded, err := UnmarshalPlan(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(decoded.StageIDs(), plan.StageIDs()) {
		t.Fatalf("expected order %v, got %v", plan.StageIDs(), decoded.StageIDs())
	}
	got, ok := decoded.Stage("script")
	if !ok {
		t.Fatalf("expected script stage in decoded plan")
	}
	if got.Retry.MaxAttempts != 3 || got.Retry.Backoff.Multiplier != 2 {
		t.Fatalf("retry policy lost in round trip: %+v", got.Retry)
	}
}

func stage(id, kind string, deps ...string) domain.StageDefinition {
	return domain.StageDefinition{
		ID:               id,
		Kind:             domain.CapabilityKind(kind),
		DependsOn:        deps,
		Enabled:          true,
		EstimatedSeconds: 10,
		TimeoutSeconds:   60,
		Retry: domain.RetryPolicy{
			MaxAttempts: 1,
			Backoff:     domain.Backoff{Type: "fixed", Multiplier: 1},
		},
	}
}
