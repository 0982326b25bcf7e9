package domain

import (
	"testing"
	"time"
)

func TestRetryPolicyDelay(t *testing.T) {
	exponential := RetryPolicy{
		MaxAttempts: 5,
		Backoff:     Backoff{Type: "exponential", InitialSeconds: 2, MaxSeconds: 10, Multiplier: 2},
	}
	fixed := RetryPolicy{
		MaxAttempts: 3,
		Backoff:     Backoff{Type: "fixed", InitialSeconds: 3},
	}

	cases := []struct {
		name    string
		policy  RetryPolicy
		attempt int
		want    time.Duration
	}{
		{name: "fixed first attempt", policy: fixed, attempt: 1, want: 3 * time.Second},
		{name: "fixed stays flat", policy: fixed, attempt: 4, want: 3 * time.Second},
		{name: "exponential base", policy: exponential, attempt: 1, want: 2 * time.Second},
		{name: "exponential doubles", policy: exponential, attempt: 2, want: 4 * time.Second},
		{name: "exponential third", policy: exponential, attempt: 3, want: 8 * time.Second},
		{name: "exponential capped", policy: exponential, attempt: 4, want: 10 * time.Second},
		{name: "exponential stays capped", policy: exponential, attempt: 6, want: 10 * time.Second},
		{name: "zero policy floors at one second", policy: RetryPolicy{}, attempt: 1, want: time.Second},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.policy.Delay(tc.attempt); got != tc.want {
				t.Fatalf("got=%v, want %v", got, tc.want)
			}
		})
	}
}

func TestStageDefinitionValidate(t *testing.T) {
	valid := func() StageDefinition {
		return StageDefinition{
			ID:      "script",
			Kind:    CapabilityScriptGeneration,
			Enabled: true,
		}
	}

	cases := []struct {
		name    string
		mutate  func(*StageDefinition)
		wantErr bool
	}{
		{name: "valid", mutate: func(*StageDefinition) {}},
		{name: "blank id", mutate: func(s *StageDefinition) { s.ID = "  " }, wantErr: true},
		{name: "unknown kind", mutate: func(s *StageDefinition) { s.Kind = "telepathy" }, wantErr: true},
		{name: "negative timeout", mutate: func(s *StageDefinition) { s.TimeoutSeconds = -1 }, wantErr: true},
		{name: "self dependency", mutate: func(s *StageDefinition) { s.DependsOn = []string{"script"} }, wantErr: true},
		{name: "empty dependency", mutate: func(s *StageDefinition) { s.DependsOn = []string{" "} }, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stage := valid()
			tc.mutate(&stage)
			err := stage.Validate()
			if tc.wantErr && err == nil {
				t.Fatalf("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
