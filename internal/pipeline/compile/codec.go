package compile

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/storyreel-labs/storyreel-go/internal/domain"
)

// MarshalPlan serializes a plan with stable field names. Map keys sort
// lexically, so identical plans marshal to identical bytes.
func MarshalPlan(plan domain.PipelinePlan) ([]byte, error) {
	payload := planPayload{
		Stages: make([]stagePayload, 0, len(plan.Stages)),
		Edges:  make([]edgePayload, 0, len(plan.Edges)),
	}
	for _, stage := range plan.Stages {
		payload.Stages = append(payload.Stages, stagePayload{
			ID:               stage.ID,
			Kind:             string(stage.Kind),
			Params:           stage.Params,
			DependsOn:        stage.DependsOn,
			Priority:         stage.Priority,
			EstimatedSeconds: stage.EstimatedSeconds,
			TimeoutSeconds:   stage.TimeoutSeconds,
			Retry:            retryPayloadFromDomain(stage.Retry),
		})
	}
	for _, edge := range plan.Edges {
		payload.Edges = append(payload.Edges, edgePayload{From: edge.From, To: edge.To})
	}
	return json.Marshal(payload)
}

// UnmarshalPlan parses persisted plan JSON back into a domain plan. Stages
// in a stored plan are enabled by construction.
func UnmarshalPlan(raw []byte) (domain.PipelinePlan, error) {
	var payload planPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.PipelinePlan{}, err
	}
	stages := make([]domain.StageDefinition, 0, len(payload.Stages))
	for _, stage := range payload.Stages {
		stages = append(stages, domain.StageDefinition{
			ID:               stage.ID,
			Kind:             domain.CapabilityKind(stage.Kind),
			Params:           stage.Params,
			DependsOn:        stage.DependsOn,
			Enabled:          true,
			Priority:         stage.Priority,
			EstimatedSeconds: stage.EstimatedSeconds,
			TimeoutSeconds:   stage.TimeoutSeconds,
			Retry: domain.RetryPolicy{
				MaxAttempts: stage.Retry.MaxAttempts,
				Backoff: domain.Backoff{
					Type:           stage.Retry.Backoff.Type,
					InitialSeconds: stage.Retry.Backoff.InitialSeconds,
					MaxSeconds:     stage.Retry.Backoff.MaxSeconds,
					Multiplier:     stage.Retry.Backoff.Multiplier,
				},
			},
		})
	}
	edges := make([]domain.PlanEdge, 0, len(payload.Edges))
	for _, edge := range payload.Edges {
		edges = append(edges, domain.PlanEdge{From: edge.From, To: edge.To})
	}
	return domain.PipelinePlan{Stages: stages, Edges: edges}, nil
}

// Fingerprint returns the sha256 of the marshaled plan. Equal fingerprints
// mean byte-identical plans.
func Fingerprint(plan domain.PipelinePlan) (string, error) {
	raw, err := MarshalPlan(plan)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

type planPayload struct {
	Stages []stagePayload `json:"stages"`
	Edges  []edgePayload  `json:"edges"`
}

type stagePayload struct {
	ID               string          `json:"id"`
	Kind             string          `json:"kind"`
	Params           domain.Metadata `json:"params,omitempty"`
	DependsOn        []string        `json:"dependsOn,omitempty"`
	Priority         int             `json:"priority"`
	EstimatedSeconds int             `json:"estimatedSeconds"`
	TimeoutSeconds   int             `json:"timeoutSeconds"`
	Retry            retryPayload    `json:"retry"`
}

type edgePayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type retryPayload struct {
	MaxAttempts int            `json:"maxAttempts"`
	Backoff     backoffPayload `json:"backoff"`
}

type backoffPayload struct {
	Type           string  `json:"type"`
	InitialSeconds int     `json:"initialSeconds"`
	MaxSeconds     int     `json:"maxSeconds"`
	Multiplier     float64 `json:"multiplier"`
}

func retryPayloadFromDomain(policy domain.RetryPolicy) retryPayload {
	return retryPayload{
		MaxAttempts: policy.MaxAttempts,
		Backoff: backoffPayload{
			Type:           policy.Backoff.Type,
			InitialSeconds: policy.Backoff.InitialSeconds,
			MaxSeconds:     policy.Backoff.MaxSeconds,
			Multiplier:     policy.Backoff.Multiplier,
		},
	}
}
