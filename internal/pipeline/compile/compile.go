// Package compile turns a stage catalog plus per-run overrides into a
// validated, deterministically ordered pipeline plan.
package compile

import (
	"fmt"
	"sort"
	"strings"

	"github.com/storyreel-labs/storyreel-go/internal/domain"
)

// ConfigurationError aggregates every catalog violation found in one pass,
// never just the first.
type ConfigurationError struct {
	Issues []string
}

func (e *ConfigurationError) Error() string {
	if len(e.Issues) == 0 {
		return "stage configuration invalid"
	}
	return "stage configuration invalid: " + strings.Join(e.Issues, "; ")
}

func (e *ConfigurationError) Add(issue string) {
	if strings.TrimSpace(issue) == "" {
		return
	}
	e.Issues = append(e.Issues, issue)
}

func (e *ConfigurationError) OrNil() error {
	if e == nil || len(e.Issues) == 0 {
		return nil
	}
	return e
}

// Compile validates the catalog with overrides applied and returns the plan
// restricted to enabled stages. Identical input always yields the identical
// stage order: ready stages are taken by (priority, id).
func Compile(catalog []domain.StageDefinition, overrides map[string]domain.StageOverride) (domain.PipelinePlan, error) {
	issues := &ConfigurationError{}

	byID := make(map[string]domain.StageDefinition, len(catalog))
	order := make([]string, 0, len(catalog))
	for _, stage := range catalog {
		if err := stage.Validate(); err != nil {
			issues.Add(err.Error())
		}
		if strings.TrimSpace(stage.ID) == "" {
			continue
		}
		if _, exists := byID[stage.ID]; exists {
			issues.Add(fmt.Sprintf("duplicate stage id %q", stage.ID))
			continue
		}
		byID[stage.ID] = stage.Clone()
		order = append(order, stage.ID)
	}

	for _, id := range sortedOverrideIDs(overrides) {
		stage, ok := byID[id]
		if !ok {
			issues.Add(fmt.Sprintf("override references unknown stage %q", id))
			continue
		}
		override := overrides[id]
		if override.Enabled != nil {
			stage.Enabled = *override.Enabled
		}
		if len(override.Params) > 0 {
			if stage.Params == nil {
				stage.Params = domain.Metadata{}
			}
			for key, value := range override.Params {
				stage.Params[key] = value
			}
		}
		byID[id] = stage
	}

	enabled := make(map[string]struct{}, len(order))
	for _, id := range order {
		if byID[id].Enabled {
			enabled[id] = struct{}{}
		}
	}

	adj := make(map[string][]string, len(enabled))
	for _, id := range order {
		stage := byID[id]
		if !stage.Enabled {
			continue
		}
		validateStageParams(stage, issues)
		for _, dep := range stage.DependsOn {
			if _, ok := byID[dep]; !ok {
				issues.Add(fmt.Sprintf("stage %q depends on unknown stage %q", id, dep))
				continue
			}
			if _, ok := enabled[dep]; !ok {
				issues.Add(fmt.Sprintf("stage %q requires disabled stage %q", id, dep))
				continue
			}
			adj[dep] = append(adj[dep], id)
		}
	}

	if hasCycle(adj, enabled) {
		issues.Add("dependency graph contains a cycle")
	}

	if err := issues.OrNil(); err != nil {
		return domain.PipelinePlan{}, err
	}

	ordered := kahnOrder(byID, enabled, adj)
	stages := make([]domain.StageDefinition, 0, len(ordered))
	for _, id := range ordered {
		stages = append(stages, byID[id])
	}
	edges := make([]domain.PlanEdge, 0)
	for _, id := range ordered {
		for _, dep := range byID[id].DependsOn {
			edges = append(edges, domain.PlanEdge{From: dep, To: id})
		}
	}

	return domain.PipelinePlan{Stages: stages, Edges: edges}, nil
}

func sortedOverrideIDs(overrides map[string]domain.StageOverride) []string {
	ids := make([]string, 0, len(overrides))
	for id := range overrides {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func kahnOrder(byID map[string]domain.StageDefinition, enabled map[string]struct{}, adj map[string][]string) []string {
	inDegree := make(map[string]int, len(enabled))
	for id := range enabled {
		inDegree[id] = 0
	}
	for _, targets := range adj {
		for _, to := range targets {
			inDegree[to]++
		}
	}

	less := func(a, b string) bool {
		pa, pb := byID[a].Priority, byID[b].Priority
		if pa != pb {
			return pa < pb
		}
		return a < b
	}

	ready := make([]string, 0, len(enabled))
	for id, degree := range inDegree {
		if degree == 0 {
			ready = append(ready, id)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })

	ordered := make([]string, 0, len(enabled))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		ordered = append(ordered, id)
		for _, next := range adj[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				ready = append(ready, next)
				sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
			}
		}
	}
	return ordered
}

func hasCycle(adj map[string][]string, nodes map[string]struct{}) bool {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(nodes))
	var visit func(string) bool
	visit = func(node string) bool {
		switch state[node] {
		case visiting:
			return true
		case done:
			return false
		}
		state[node] = visiting
		for _, next := range adj[node] {
			if visit(next) {
				return true
			}
		}
		state[node] = done
		return false
	}

	for node := range nodes {
		if state[node] == unvisited {
			if visit(node) {
				return true
			}
		}
	}
	return false
}
