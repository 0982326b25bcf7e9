package domain

// PipelinePlan is the validated, dependency-ordered form of a stage catalog
// for one run. Stages appear in execution order: every stage is preceded by
// all of its dependencies, and identical inputs always produce the same
// order.
type PipelinePlan struct {
	Stages []StageDefinition
	Edges  []PlanEdge
}

type PlanEdge struct {
	From string
	To   string
}

// StageIDs returns the plan's stage ids in execution order.
func (p PipelinePlan) StageIDs() []string {
	ids := make([]string, 0, len(p.Stages))
	for _, s := range p.Stages {
		ids = append(ids, s.ID)
	}
	return ids
}

// Stage returns the definition for id, or false when the plan does not
// contain it.
func (p PipelinePlan) Stage(id string) (StageDefinition, bool) {
	for _, s := range p.Stages {
		if s.ID == id {
			return s, true
		}
	}
	return StageDefinition{}, false
}

// DependenciesOf returns the ids that must complete before id may start.
func (p PipelinePlan) DependenciesOf(id string) []string {
	var deps []string
	for _, e := range p.Edges {
		if e.To == id {
			deps = append(deps, e.From)
		}
	}
	return deps
}

// DependentsOf returns the ids that list id as a dependency.
func (p PipelinePlan) DependentsOf(id string) []string {
	var deps []string
	for _, e := range p.Edges {
		if e.From == id {
			deps = append(deps, e.To)
		}
	}
	return deps
}
