// Package engine executes compiled pipeline plans. Each run is owned by a
// single writer goroutine; stage work fans out to worker goroutines and
// completion flows back over channels. Every transition is snapshotted so
// status reads never depend on a live goroutine.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/storyreel-labs/storyreel-go/internal/domain"
	"github.com/storyreel-labs/storyreel-go/internal/pipeline/state"
	"github.com/storyreel-labs/storyreel-go/internal/platform/runevent"
	"github.com/storyreel-labs/storyreel-go/internal/repo"
)

// StepRequest carries everything one stage attempt may read. Dependency
// outputs are cloned so executors never see writer-owned state.
type StepRequest struct {
	RunID             string
	ProjectID         string
	SourceTextID      string
	Attempt           int
	Stage             domain.StageDefinition
	DependencyOutputs map[string]domain.Metadata
}

// StepExecutor performs the work of one stage attempt. The context carries
// the per-stage timeout; implementations must honor cancellation.
type StepExecutor interface {
	ExecuteStep(ctx context.Context, req StepRequest) (domain.Metadata, error)
}

// EventRecorder appends run history rows. Recording failures are logged and
// never fail the run.
type EventRecorder interface {
	RecordRunEvent(ctx context.Context, event runevent.Event) error
}

type Engine struct {
	runs       repo.RunRepository
	steps      repo.StepRepository
	exec       StepExecutor
	events     EventRecorder
	logger     *slog.Logger
	now        func() time.Time
	retryDelay func(domain.RetryPolicy, int) time.Duration
	base       context.Context

	mu      sync.Mutex
	handles map[string]*runHandle
	loopMu  map[string]*sync.Mutex
}

func New(ctx context.Context, runs repo.RunRepository, steps repo.StepRepository, exec StepExecutor, events EventRecorder, logger *slog.Logger) *Engine {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Engine{
		runs:       runs,
		steps:      steps,
		exec:       exec,
		events:     events,
		logger:     logger,
		now:        time.Now,
		retryDelay: func(policy domain.RetryPolicy, attempt int) time.Duration { return policy.Delay(attempt) },
		base:       ctx,
		handles:    map[string]*runHandle{},
		loopMu:     map[string]*sync.Mutex{},
	}
}

// NewRecord builds the initial execution record for a compiled plan, with
// one pending step per stage.
func NewRecord(id, projectID, sourceTextID string, plan domain.PipelinePlan, fingerprint string, startedAt time.Time) domain.ExecutionRecord {
	steps := make([]domain.StepResult, 0, len(plan.Stages))
	for _, stage := range plan.Stages {
		steps = append(steps, domain.StepResult{StageID: stage.ID, Status: domain.StepStatusPending})
	}
	return domain.ExecutionRecord{
		ID:              strings.TrimSpace(id),
		ProjectID:       strings.TrimSpace(projectID),
		SourceTextID:    strings.TrimSpace(sourceTextID),
		Plan:            plan,
		PlanFingerprint: strings.TrimSpace(fingerprint),
		Status:          domain.RunStatusPending,
		Steps:           steps,
		StartedAt:       startedAt.UTC(),
	}
}

// Start launches the stage phase for a persisted record. Actor and request
// id are carried into the run event trail.
func (e *Engine) Start(record domain.ExecutionRecord, actor, requestID string) error {
	if e == nil || e.runs == nil || e.steps == nil || e.exec == nil {
		return fmt.Errorf("engine not initialized")
	}
	if err := record.Validate(); err != nil {
		return err
	}
	if len(record.Plan.Stages) == 0 {
		return fmt.Errorf("run %s has an empty plan", record.ID)
	}
	if record.Status.Terminal() {
		return fmt.Errorf("run %s is already terminal", record.ID)
	}
	if len(record.Steps) == 0 {
		record.Steps = NewRecord(record.ID, record.ProjectID, record.SourceTextID, record.Plan, record.PlanFingerprint, record.StartedAt).Steps
	}

	h := &runHandle{
		cancelCh: make(chan struct{}),
		done:     make(chan struct{}),
	}
	e.mu.Lock()
	if _, exists := e.handles[record.ID]; exists {
		e.mu.Unlock()
		return fmt.Errorf("run %s is already active", record.ID)
	}
	e.handles[record.ID] = h
	e.mu.Unlock()

	go e.runLoop(h, record, strings.TrimSpace(actor), strings.TrimSpace(requestID))
	return nil
}

// Cancel requests cancellation and returns the resulting record. Calling it
// on a terminal run is a no-op that echoes the stored state.
func (e *Engine) Cancel(ctx context.Context, runID, actor, reason string) (domain.ExecutionRecord, error) {
	if e == nil || e.runs == nil {
		return domain.ExecutionRecord{}, fmt.Errorf("engine not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return domain.ExecutionRecord{}, fmt.Errorf("run id is required")
	}

	e.mu.Lock()
	h := e.handles[runID]
	e.mu.Unlock()

	if h != nil {
		h.requestCancel(reason)
		select {
		case <-h.done:
		case <-ctx.Done():
			return domain.ExecutionRecord{}, ctx.Err()
		}
		return e.loadRecord(ctx, runID)
	}

	record, err := e.loadRecord(ctx, runID)
	if err != nil {
		return domain.ExecutionRecord{}, err
	}
	if record.Status.Terminal() {
		return record, nil
	}

	// No live goroutine: the run sits in the confirmation loop. Close it
	// out directly.
	mu := e.lockLoop(runID)
	mu.Lock()
	defer mu.Unlock()
	record, err = e.loadRecord(ctx, runID)
	if err != nil {
		return domain.ExecutionRecord{}, err
	}
	if record.Status.Terminal() {
		return record, nil
	}
	now := e.now().UTC()
	for i := range record.Steps {
		if !record.Steps[i].Status.Terminal() {
			record.Steps[i].Status = domain.StepStatusCancelled
			record.Steps[i].EndedAt = &now
		}
	}
	record.Status = domain.RunStatusCancelled
	if record.LoopState != "" {
		record.LoopState = domain.LoopStateCancelled
	}
	record.EndedAt = &now
	record.Error = strings.TrimSpace(reason)
	if err := e.persist(ctx, record); err != nil {
		return domain.ExecutionRecord{}, err
	}
	e.emit(ctx, record.ID, strings.TrimSpace(actor), "", "run_cancelled", "run", record.ID, map[string]any{
		"reason": strings.TrimSpace(reason),
	})
	return record, nil
}

// UpdateLoop applies a serialized mutation to a run in its confirmation
// loop phase. The mutation sees the freshly loaded record and its changes
// are snapshotted atomically with respect to other loop writes.
func (e *Engine) UpdateLoop(ctx context.Context, runID string, mutate func(*domain.ExecutionRecord) error) (domain.ExecutionRecord, error) {
	if e == nil || e.runs == nil {
		return domain.ExecutionRecord{}, fmt.Errorf("engine not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return domain.ExecutionRecord{}, fmt.Errorf("run id is required")
	}

	mu := e.lockLoop(runID)
	mu.Lock()
	defer mu.Unlock()

	record, err := e.loadRecord(ctx, runID)
	if err != nil {
		return domain.ExecutionRecord{}, err
	}
	if record.Status.Terminal() {
		return domain.ExecutionRecord{}, repo.ErrInvalidTransition
	}
	if err := mutate(&record); err != nil {
		return domain.ExecutionRecord{}, err
	}
	if err := e.persist(ctx, record); err != nil {
		return domain.ExecutionRecord{}, err
	}
	return record, nil
}

func (e *Engine) loadRecord(ctx context.Context, runID string) (domain.ExecutionRecord, error) {
	stored, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return domain.ExecutionRecord{}, err
	}
	return state.DecodeRecord(stored)
}

func (e *Engine) persist(ctx context.Context, record domain.ExecutionRecord) error {
	stored, err := state.EncodeRecord(record)
	if err != nil {
		return err
	}
	return e.runs.SaveSnapshot(ctx, stored)
}

func (e *Engine) emit(ctx context.Context, runID, actor, requestID, kind, subjectType, subjectID string, meta map[string]any) {
	if e.events == nil {
		return
	}
	if actor == "" {
		actor = "storyreel-engine"
	}
	err := e.events.RecordRunEvent(ctx, runevent.Event{
		OccurredAt:  e.now().UTC(),
		Actor:       actor,
		RequestID:   requestID,
		RunID:       runID,
		Kind:        kind,
		SubjectType: subjectType,
		SubjectID:   subjectID,
		Metadata:    meta,
	})
	if err != nil && e.logger != nil {
		e.logger.Warn("run event not recorded", "error", err, "run_id", runID, "kind", kind)
	}
}

func (e *Engine) lockLoop(runID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	mu, ok := e.loopMu[runID]
	if !ok {
		mu = &sync.Mutex{}
		e.loopMu[runID] = mu
	}
	return mu
}

func (e *Engine) deregister(runID string) {
	e.mu.Lock()
	delete(e.handles, runID)
	e.mu.Unlock()
}

// runDone returns a channel closed once the run's stage-phase goroutine has
// exited. Runs without a live goroutine report done immediately.
func (e *Engine) runDone(runID string) <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if h, ok := e.handles[runID]; ok {
		return h.done
	}
	done := make(chan struct{})
	close(done)
	return done
}

type runHandle struct {
	once     sync.Once
	reason   string
	cancelCh chan struct{}
	done     chan struct{}
}

func (h *runHandle) requestCancel(reason string) {
	h.once.Do(func() {
		h.reason = strings.TrimSpace(reason)
		close(h.cancelCh)
	})
}
