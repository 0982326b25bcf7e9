package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/storyreel-labs/storyreel-go/internal/domain"
	"github.com/storyreel-labs/storyreel-go/internal/pipeline/state"
	"github.com/storyreel-labs/storyreel-go/internal/platform/runevent"
	"github.com/storyreel-labs/storyreel-go/internal/repo"
)

func TestEngineRunsStagesInDependencyOrder(t *testing.T) {
	plan := domain.PipelinePlan{Stages: []domain.StageDefinition{
		stageDef("analyze"),
		stageDef("segment", "analyze"),
		stageDef("script", "segment"),
	}}
	exec := &scriptedExecutor{}
	eng, runs, steps, _ := newTestEngine(exec)

	record := startRun(t, eng, runs, plan)
	waitDone(t, eng, record.ID)

	final := loadFinal(t, runs, record.ID)
	if final.Status != domain.RunStatusRunning {
		t.Fatalf("expected run to stay running for the confirmation loop, got %s", final.Status)
	}
	if final.LoopState != domain.LoopStateAwaitingGeneration {
		t.Fatalf("expected loop state awaiting_generation, got %q", final.LoopState)
	}
	if final.CurrentSegment != 0 {
		t.Fatalf("expected current segment 0, got %d", final.CurrentSegment)
	}
	if final.Progress != 100 {
		t.Fatalf("expected progress 100, got %d", final.Progress)
	}
	for _, step := range final.Steps {
		if step.Status != domain.StepStatusCompleted {
			t.Fatalf("expected step %s completed, got %s", step.StageID, step.Status)
		}
	}

	calls := exec.callOrder()
	if len(calls) != 3 {
		t.Fatalf("expected 3 executions, got %d: %v", len(calls), calls)
	}
	if calls[0] != "analyze" || calls[1] != "segment" || calls[2] != "script" {
		t.Fatalf("expected dependency order analyze,segment,script, got %v", calls)
	}

	attempts, err := steps.ListByRun(context.Background(), record.ID)
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(attempts) != 3 {
		t.Fatalf("expected 3 attempt rows, got %d", len(attempts))
	}
	for _, attempt := range attempts {
		if attempt.Status != "completed" {
			t.Fatalf("expected completed attempt for %s, got %s", attempt.StageID, attempt.Status)
		}
	}
	runs.assertProgressMonotonic(t, record.ID)
}

func TestEngineThreadsDependencyOutputs(t *testing.T) {
	plan := domain.PipelinePlan{Stages: []domain.StageDefinition{
		stageDef("analyze"),
		stageDef("script", "analyze"),
	}}
	var seen domain.Metadata
	var mu sync.Mutex
	exec := &scriptedExecutor{fn: func(ctx context.Context, req StepRequest) (domain.Metadata, error) {
		if req.Stage.ID == "analyze" {
			return domain.Metadata{"tone": "calm"}, nil
		}
		mu.Lock()
		seen = req.DependencyOutputs["analyze"]
		mu.Unlock()
		return domain.Metadata{}, nil
	}}
	eng, runs, _, _ := newTestEngine(exec)

	record := startRun(t, eng, runs, plan)
	waitDone(t, eng, record.ID)

	mu.Lock()
	defer mu.Unlock()
	if seen == nil {
		t.Fatalf("expected script stage to receive analyze output")
	}
	if tone, _ := seen.String("tone"); tone != "calm" {
		t.Fatalf("expected threaded output tone=calm, got %q", tone)
	}
}

func TestEngineFailureDrainsSiblingsAndSkipsDependents(t *testing.T) {
	plan := domain.PipelinePlan{Stages: []domain.StageDefinition{
		stageDef("root"),
		stageDef("broken", "root"),
		stageDef("sibling", "root"),
		stageDef("downstream", "broken"),
	}}
	gate := make(chan struct{})
	exec := &scriptedExecutor{fn: func(ctx context.Context, req StepRequest) (domain.Metadata, error) {
		switch req.Stage.ID {
		case "broken":
			return nil, errors.New("boom")
		case "sibling":
			select {
			case <-gate:
				return domain.Metadata{}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		default:
			return domain.Metadata{}, nil
		}
	}}
	eng, runs, steps, _ := newTestEngine(exec)

	record := startRun(t, eng, runs, plan)
	// Wait until the failure is processed, then let the sibling drain.
	waitForRecord(t, runs, record.ID, func(r domain.ExecutionRecord) bool {
		step := r.StepByID("downstream")
		return step != nil && step.Status == domain.StepStatusSkipped
	})
	close(gate)
	waitDone(t, eng, record.ID)

	final := loadFinal(t, runs, record.ID)
	if final.Status != domain.RunStatusFailed {
		t.Fatalf("expected failed run, got %s", final.Status)
	}
	if final.Error != "stage broken: boom" {
		t.Fatalf("unexpected run error %q", final.Error)
	}
	if got := final.StepByID("sibling").Status; got != domain.StepStatusCompleted {
		t.Fatalf("expected drained sibling to complete, got %s", got)
	}
	if got := final.StepByID("downstream").Status; got != domain.StepStatusSkipped {
		t.Fatalf("expected downstream skipped, got %s", got)
	}
	for _, call := range exec.callOrder() {
		if call == "downstream" {
			t.Fatalf("downstream must never execute after its dependency failed")
		}
	}

	attempts, err := steps.ListByRun(context.Background(), record.ID)
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	var skipped *repo.StepAttemptRecord
	for i := range attempts {
		if attempts[i].StageID == "downstream" {
			skipped = &attempts[i]
		}
	}
	if skipped == nil {
		t.Fatalf("expected an attempt row for the skipped stage")
	}
	if skipped.Status != "skipped" || skipped.ErrorCode != "dependency_failed" {
		t.Fatalf("expected skipped/dependency_failed row, got %s/%s", skipped.Status, skipped.ErrorCode)
	}
}

func TestEngineRetriesWithinBudget(t *testing.T) {
	stage := stageDef("flaky")
	stage.Retry = domain.RetryPolicy{MaxAttempts: 3, Backoff: domain.Backoff{Type: "fixed", InitialSeconds: 1}}
	plan := domain.PipelinePlan{Stages: []domain.StageDefinition{stage}}

	var mu sync.Mutex
	calls := 0
	exec := &scriptedExecutor{fn: func(ctx context.Context, req StepRequest) (domain.Metadata, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n < 3 {
			return nil, fmt.Errorf("transient %d", n)
		}
		return domain.Metadata{}, nil
	}}
	eng, runs, steps, _ := newTestEngine(exec)
	eng.retryDelay = func(domain.RetryPolicy, int) time.Duration { return 0 }

	record := startRun(t, eng, runs, plan)
	waitDone(t, eng, record.ID)

	final := loadFinal(t, runs, record.ID)
	if final.LoopState != domain.LoopStateAwaitingGeneration {
		t.Fatalf("expected run to reach the loop phase, got status %s", final.Status)
	}
	if got := final.StepByID("flaky").Attempt; got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}

	attempts, err := steps.ListByRun(context.Background(), record.ID)
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	statuses := make([]string, 0, len(attempts))
	for _, attempt := range attempts {
		statuses = append(statuses, attempt.Status)
	}
	if len(statuses) != 3 || statuses[0] != "retried" || statuses[1] != "retried" || statuses[2] != "completed" {
		t.Fatalf("expected retried,retried,completed rows, got %v", statuses)
	}
	runs.assertProgressMonotonic(t, record.ID)
}

func TestEngineExhaustedRetriesFailRun(t *testing.T) {
	stage := stageDef("flaky")
	stage.Retry = domain.RetryPolicy{MaxAttempts: 2}
	plan := domain.PipelinePlan{Stages: []domain.StageDefinition{stage}}
	exec := &scriptedExecutor{fn: func(ctx context.Context, req StepRequest) (domain.Metadata, error) {
		return nil, errors.New("still broken")
	}}
	eng, runs, _, _ := newTestEngine(exec)
	eng.retryDelay = func(domain.RetryPolicy, int) time.Duration { return 0 }

	record := startRun(t, eng, runs, plan)
	waitDone(t, eng, record.ID)

	final := loadFinal(t, runs, record.ID)
	if final.Status != domain.RunStatusFailed {
		t.Fatalf("expected failed run, got %s", final.Status)
	}
	if final.Error != "stage flaky: still broken" {
		t.Fatalf("unexpected run error %q", final.Error)
	}
}

func TestEngineStepTimeoutFailsAttempt(t *testing.T) {
	stage := stageDef("slow")
	stage.TimeoutSeconds = 1
	plan := domain.PipelinePlan{Stages: []domain.StageDefinition{stage}}
	exec := &scriptedExecutor{fn: func(ctx context.Context, req StepRequest) (domain.Metadata, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	eng, runs, steps, _ := newTestEngine(exec)

	record := startRun(t, eng, runs, plan)
	waitDone(t, eng, record.ID)

	final := loadFinal(t, runs, record.ID)
	if final.Status != domain.RunStatusFailed {
		t.Fatalf("expected timed out run to fail, got %s", final.Status)
	}
	attempts, err := steps.ListByRun(context.Background(), record.ID)
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(attempts) != 1 {
		t.Fatalf("expected one attempt row, got %d", len(attempts))
	}
	if attempts[0].ErrorCode != "timeout" {
		t.Fatalf("expected timeout error code, got %q", attempts[0].ErrorCode)
	}
}

func TestEngineCancelIsIdempotent(t *testing.T) {
	plan := domain.PipelinePlan{Stages: []domain.StageDefinition{stageDef("hold")}}
	exec := &scriptedExecutor{fn: func(ctx context.Context, req StepRequest) (domain.Metadata, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	eng, runs, _, recorder := newTestEngine(exec)

	record := startRun(t, eng, runs, plan)
	waitForRecord(t, runs, record.ID, func(r domain.ExecutionRecord) bool {
		step := r.StepByID("hold")
		return step != nil && step.Status == domain.StepStatusRunning
	})

	first, err := eng.Cancel(context.Background(), record.ID, "tester", "changed my mind")
	if err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	if first.Status != domain.RunStatusCancelled {
		t.Fatalf("expected cancelled run, got %s", first.Status)
	}
	if first.EndedAt == nil {
		t.Fatalf("expected ended timestamp on cancelled run")
	}

	second, err := eng.Cancel(context.Background(), record.ID, "tester", "again")
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if second.Status != domain.RunStatusCancelled {
		t.Fatalf("expected second cancel to echo cancelled, got %s", second.Status)
	}
	if !second.EndedAt.Equal(*first.EndedAt) {
		t.Fatalf("second cancel must not rewrite the record: ended %v vs %v", second.EndedAt, first.EndedAt)
	}
	if got := recorder.countKind("run_cancelled"); got != 1 {
		t.Fatalf("expected exactly one run_cancelled event, got %d", got)
	}
}

func TestEngineCancelClosesLoopPhaseRun(t *testing.T) {
	plan := domain.PipelinePlan{Stages: []domain.StageDefinition{stageDef("analyze")}}
	eng, runs, _, _ := newTestEngine(&scriptedExecutor{})

	record := NewRecord("run-loop", "proj-1", "text-1", plan, "fp-1", time.Now())
	record.Status = domain.RunStatusRunning
	record.LoopState = domain.LoopStateAwaitingConfirmation
	record.CurrentSegment = 2
	record.Steps[0].Status = domain.StepStatusCompleted
	seedRun(t, runs, record)

	cancelled, err := eng.Cancel(context.Background(), record.ID, "tester", "")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.RunStatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	if cancelled.LoopState != domain.LoopStateCancelled {
		t.Fatalf("expected cancelled loop state, got %q", cancelled.LoopState)
	}
	if cancelled.CurrentSegment != 2 {
		t.Fatalf("expected current segment retained, got %d", cancelled.CurrentSegment)
	}
}

func TestEngineUpdateLoopRejectsTerminalRuns(t *testing.T) {
	plan := domain.PipelinePlan{Stages: []domain.StageDefinition{stageDef("analyze")}}
	eng, runs, _, _ := newTestEngine(&scriptedExecutor{})

	record := NewRecord("run-done", "proj-1", "text-1", plan, "fp-1", time.Now())
	record.Status = domain.RunStatusCompleted
	seedRun(t, runs, record)

	_, err := eng.UpdateLoop(context.Background(), record.ID, func(r *domain.ExecutionRecord) error {
		r.CurrentSegment++
		return nil
	})
	if !errors.Is(err, repo.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestEngineUpdateLoopPersistsMutation(t *testing.T) {
	plan := domain.PipelinePlan{Stages: []domain.StageDefinition{stageDef("analyze")}}
	eng, runs, _, _ := newTestEngine(&scriptedExecutor{})

	record := NewRecord("run-loop", "proj-1", "text-1", plan, "fp-1", time.Now())
	record.Status = domain.RunStatusRunning
	record.LoopState = domain.LoopStateAwaitingGeneration
	seedRun(t, runs, record)

	updated, err := eng.UpdateLoop(context.Background(), record.ID, func(r *domain.ExecutionRecord) error {
		r.LoopState = domain.LoopStateAwaitingConfirmation
		r.AnchorRef = "runs/run-loop/segments/0/cand-1.png"
		return nil
	})
	if err != nil {
		t.Fatalf("update loop: %v", err)
	}
	if updated.LoopState != domain.LoopStateAwaitingConfirmation {
		t.Fatalf("expected awaiting_confirmation, got %q", updated.LoopState)
	}

	final := loadFinal(t, runs, record.ID)
	if final.AnchorRef != "runs/run-loop/segments/0/cand-1.png" {
		t.Fatalf("expected anchor persisted, got %q", final.AnchorRef)
	}
}

func stageDef(id string, deps ...string) domain.StageDefinition {
	return domain.StageDefinition{
		ID:               id,
		Kind:             domain.CapabilityScriptGeneration,
		Enabled:          true,
		EstimatedSeconds: 10,
		Retry:            domain.RetryPolicy{MaxAttempts: 1},
		DependsOn:        deps,
	}
}

func newTestEngine(exec StepExecutor) (*Engine, *memoryRuns, *memorySteps, *eventLog) {
	runs := newMemoryRuns()
	steps := newMemorySteps()
	recorder := &eventLog{}
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	return New(context.Background(), runs, steps, exec, recorder, logger), runs, steps, recorder
}

func startRun(t *testing.T, eng *Engine, runs *memoryRuns, plan domain.PipelinePlan) domain.ExecutionRecord {
	t.Helper()
	record := NewRecord("run-1", "proj-1", "text-1", plan, "fp-1", time.Now())
	seedRun(t, runs, record)
	if err := eng.Start(record, "tester", "req-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	return record
}

func seedRun(t *testing.T, runs *memoryRuns, record domain.ExecutionRecord) {
	t.Helper()
	stored, err := state.EncodeRecord(record)
	if err != nil {
		t.Fatalf("encode record: %v", err)
	}
	if _, _, err := runs.CreateRun(context.Background(), stored); err != nil {
		t.Fatalf("create run: %v", err)
	}
}

func waitDone(t *testing.T, eng *Engine, runID string) {
	t.Helper()
	select {
	case <-eng.runDone(runID):
	case <-time.After(5 * time.Second):
		t.Fatalf("run %s did not finish in time", runID)
	}
}

func waitForRecord(t *testing.T, runs *memoryRuns, runID string, cond func(domain.ExecutionRecord) bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		stored, err := runs.GetRun(context.Background(), runID)
		if err == nil {
			record, decodeErr := state.DecodeRecord(stored)
			if decodeErr == nil && cond(record) {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s never reached the expected state", runID)
}

func loadFinal(t *testing.T, runs *memoryRuns, runID string) domain.ExecutionRecord {
	t.Helper()
	stored, err := runs.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	record, err := state.DecodeRecord(stored)
	if err != nil {
		t.Fatalf("decode run: %v", err)
	}
	return record
}

type scriptedExecutor struct {
	mu    sync.Mutex
	calls []string
	fn    func(ctx context.Context, req StepRequest) (domain.Metadata, error)
}

func (s *scriptedExecutor) ExecuteStep(ctx context.Context, req StepRequest) (domain.Metadata, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req.Stage.ID)
	s.mu.Unlock()
	if s.fn == nil {
		return domain.Metadata{"stage": req.Stage.ID}, nil
	}
	return s.fn(ctx, req)
}

func (s *scriptedExecutor) callOrder() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

type memoryRuns struct {
	mu       sync.Mutex
	records  map[string]repo.RunRecord
	progress map[string][]int
}

func newMemoryRuns() *memoryRuns {
	return &memoryRuns{records: map[string]repo.RunRecord{}, progress: map[string][]int{}}
}

func (m *memoryRuns) CreateRun(ctx context.Context, record repo.RunRecord) (repo.RunRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.records[record.ID]; ok {
		return existing, false, nil
	}
	m.records[record.ID] = record
	return record, true, nil
}

func (m *memoryRuns) GetRun(ctx context.Context, id string) (repo.RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok {
		return repo.RunRecord{}, repo.ErrNotFound
	}
	return record, nil
}

func (m *memoryRuns) GetActiveRunBySourceText(ctx context.Context, projectID, sourceTextID string) (repo.RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, record := range m.records {
		if record.ProjectID == projectID && record.SourceTextID == sourceTextID &&
			(record.Status == "pending" || record.Status == "running") {
			return record, nil
		}
	}
	return repo.RunRecord{}, repo.ErrNotFound
}

func (m *memoryRuns) ListRuns(ctx context.Context, filter repo.RunFilter) ([]repo.RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]repo.RunRecord, 0, len(m.records))
	for _, record := range m.records {
		out = append(out, record)
	}
	return out, nil
}

func (m *memoryRuns) ListActiveRuns(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0)
	for id, record := range m.records {
		if record.Status == "pending" || record.Status == "running" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *memoryRuns) PruneTerminalRuns(ctx context.Context, endedBefore time.Time) ([]repo.PrunedRun, error) {
	return nil, nil
}

func (m *memoryRuns) SaveSnapshot(ctx context.Context, record repo.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.records[record.ID]
	if !ok {
		return repo.ErrNotFound
	}
	terminal := existing.Status == "completed" || existing.Status == "failed" || existing.Status == "cancelled"
	if terminal && existing.Status != record.Status {
		return repo.ErrInvalidTransition
	}
	m.records[record.ID] = record
	m.progress[record.ID] = append(m.progress[record.ID], record.Progress)
	return nil
}

func (m *memoryRuns) assertProgressMonotonic(t *testing.T, runID string) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	history := m.progress[runID]
	for i := 1; i < len(history); i++ {
		if history[i] < history[i-1] {
			t.Fatalf("progress regressed from %d to %d: %v", history[i-1], history[i], history)
		}
	}
}

type memorySteps struct {
	mu      sync.Mutex
	records []repo.StepAttemptRecord
}

func newMemorySteps() *memorySteps {
	return &memorySteps{}
}

func (m *memorySteps) InsertAttempt(ctx context.Context, record repo.StepAttemptRecord) (repo.StepAttemptRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.records {
		if existing.RunID == record.RunID && existing.StageID == record.StageID && existing.Attempt == record.Attempt {
			return existing, false, nil
		}
	}
	m.records = append(m.records, record)
	return record, true, nil
}

func (m *memorySteps) ListByRun(ctx context.Context, runID string) ([]repo.StepAttemptRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]repo.StepAttemptRecord, 0)
	for _, record := range m.records {
		if record.RunID == runID {
			out = append(out, record)
		}
	}
	return out, nil
}

type eventLog struct {
	mu     sync.Mutex
	events []runevent.Event
}

func (l *eventLog) RecordRunEvent(ctx context.Context, event runevent.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	return nil
}

func (l *eventLog) countKind(kind string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	count := 0
	for _, event := range l.events {
		if event.Kind == kind {
			count = count + 1
		}
	}
	return count
}
