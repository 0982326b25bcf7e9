package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/storyreel-labs/storyreel-go/internal/domain"
	"github.com/storyreel-labs/storyreel-go/internal/pipeline/state"
	"github.com/storyreel-labs/storyreel-go/internal/repo"
)

type eventKind int

const (
	eventResult eventKind = iota
	eventRetryReady
)

type stepEvent struct {
	kind     eventKind
	stageID  string
	attempt  int
	output   domain.Metadata
	err      error
	timedOut bool
}

type stageRun struct {
	attemptStart time.Time
	timer        *time.Timer
}

// runner owns one run's record. All mutations happen on its goroutine;
// workers and retry timers only communicate over the events channel.
type runner struct {
	engine     *Engine
	handle     *runHandle
	ctx        context.Context
	cancelWork context.CancelFunc
	persistCtx context.Context

	record    domain.ExecutionRecord
	actor     string
	requestID string

	events   chan stepEvent
	stages   map[string]domain.StageDefinition
	tracking map[string]*stageRun
	running  int
	failing  bool
	canceled bool
}

func (e *Engine) runLoop(h *runHandle, record domain.ExecutionRecord, actor, requestID string) {
	defer close(h.done)
	defer e.deregister(record.ID)

	ctx, cancelWork := context.WithCancel(e.base)
	defer cancelWork()

	r := &runner{
		engine:     e,
		handle:     h,
		ctx:        ctx,
		cancelWork: cancelWork,
		persistCtx: context.WithoutCancel(e.base),
		record:     record,
		actor:      actor,
		requestID:  requestID,
		events:     make(chan stepEvent, 2*len(record.Plan.Stages)+4),
		stages:     map[string]domain.StageDefinition{},
		tracking:   map[string]*stageRun{},
	}
	for _, stage := range record.Plan.Stages {
		r.stages[stage.ID] = stage
		r.tracking[stage.ID] = &stageRun{}
	}
	r.run()
}

func (r *runner) run() {
	r.record.Status = domain.RunStatusRunning
	r.snapshot()
	r.emit("run_started", "run", r.record.ID, map[string]any{"stages": len(r.record.Plan.Stages)})
	r.startReady()
	r.snapshot()

	cancelCh := r.handle.cancelCh
	for r.running > 0 {
		select {
		case <-cancelCh:
			cancelCh = nil
			r.canceled = true
			r.cancelWork()
			r.stopPendingRetries()
			r.snapshot()
		case ev := <-r.events:
			switch ev.kind {
			case eventRetryReady:
				r.onRetryReady(ev)
			default:
				r.onResult(ev)
			}
			r.snapshot()
		}
	}

	switch {
	case r.canceled:
		reason := r.handle.reason
		if reason == "" {
			reason = "cancelled"
		}
		r.finalizeCancelled(reason)
	case r.failing:
		r.finalizeFailed()
	case r.allStepsCompleted():
		r.enterLoopPhase()
	default:
		if r.ctx.Err() != nil {
			r.canceled = true
			r.finalizeCancelled("shutdown")
		} else {
			r.failing = true
			r.record.Error = "stage phase ended without completing"
			r.finalizeFailed()
		}
	}
}

// startReady launches every pending stage whose dependencies all completed.
// Plan order is the compiled deterministic order, so launch order is stable.
func (r *runner) startReady() {
	for _, stage := range r.record.Plan.Stages {
		step := r.record.StepByID(stage.ID)
		if step == nil || step.Status != domain.StepStatusPending {
			continue
		}
		ready := true
		for _, dep := range stage.DependsOn {
			ds := r.record.StepByID(dep)
			if ds == nil || ds.Status != domain.StepStatusCompleted {
				ready = false
				break
			}
		}
		if ready {
			r.launch(stage, 1)
		}
	}
}

func (r *runner) launch(stage domain.StageDefinition, attempt int) {
	step := r.record.StepByID(stage.ID)
	now := r.nowUTC()
	if step.StartedAt == nil {
		started := now
		step.StartedAt = &started
	}
	step.Status = domain.StepStatusRunning
	step.Attempt = attempt
	r.tracking[stage.ID].attemptStart = now
	r.tracking[stage.ID].timer = nil
	r.running++

	outputs := map[string]domain.Metadata{}
	for _, dep := range stage.DependsOn {
		if ds := r.record.StepByID(dep); ds != nil && ds.Output != nil {
			outputs[dep] = ds.Output.Clone()
		}
	}
	req := StepRequest{
		RunID:             r.record.ID,
		ProjectID:         r.record.ProjectID,
		SourceTextID:      r.record.SourceTextID,
		Attempt:           attempt,
		Stage:             stage.Clone(),
		DependencyOutputs: outputs,
	}
	if attempt == 1 {
		r.emit("step_started", "step", stage.ID, map[string]any{"attempt": attempt})
	}

	go func() {
		attemptCtx := r.ctx
		cancel := context.CancelFunc(func() {})
		if stage.TimeoutSeconds > 0 {
			attemptCtx, cancel = context.WithTimeout(r.ctx, time.Duration(stage.TimeoutSeconds)*time.Second)
		}
		defer cancel()
		output, err := r.engine.exec.ExecuteStep(attemptCtx, req)
		timedOut := err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && r.ctx.Err() == nil
		r.events <- stepEvent{kind: eventResult, stageID: stage.ID, attempt: attempt, output: output, err: err, timedOut: timedOut}
	}()
}

func (r *runner) onResult(ev stepEvent) {
	r.running--
	stage := r.stages[ev.stageID]
	step := r.record.StepByID(ev.stageID)
	sr := r.tracking[ev.stageID]
	now := r.nowUTC()

	if ev.err == nil {
		step.Status = domain.StepStatusCompleted
		step.Progress = 100
		step.EndedAt = &now
		step.Output = ev.output
		step.Error = ""
		r.recordAttempt(ev.stageID, ev.attempt, "completed", sr.attemptStart, now, "", "", ev.output)
		r.emit("step_completed", "step", ev.stageID, map[string]any{"attempt": ev.attempt})
		if !r.canceled && !r.failing {
			r.startReady()
		}
		return
	}

	if r.canceled || errors.Is(ev.err, context.Canceled) {
		step.Status = domain.StepStatusCancelled
		step.EndedAt = &now
		step.Error = ev.err.Error()
		r.recordAttempt(ev.stageID, ev.attempt, "cancelled", sr.attemptStart, now, "cancelled", ev.err.Error(), nil)
		return
	}

	errCode := "step_failed"
	if ev.timedOut {
		errCode = "timeout"
	}
	maxAttempts := stage.Retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if ev.attempt < maxAttempts && !r.failing {
		// Non-final failure: the step stays outstanding and relaunches
		// after backoff. The timer only posts a message; the relaunch
		// happens back on this goroutine.
		r.recordAttempt(ev.stageID, ev.attempt, "retried", sr.attemptStart, now, errCode, ev.err.Error(), nil)
		r.emit("step_retried", "step", ev.stageID, map[string]any{"attempt": ev.attempt, "error": ev.err.Error()})
		next := ev.attempt + 1
		stageID := ev.stageID
		r.running++
		sr.timer = time.AfterFunc(r.engine.retryDelay(stage.Retry, ev.attempt), func() {
			r.events <- stepEvent{kind: eventRetryReady, stageID: stageID, attempt: next}
		})
		return
	}

	step.Status = domain.StepStatusFailed
	step.EndedAt = &now
	step.Error = ev.err.Error()
	r.recordAttempt(ev.stageID, ev.attempt, "failed", sr.attemptStart, now, errCode, ev.err.Error(), nil)
	r.emit("step_failed", "step", ev.stageID, map[string]any{"attempt": ev.attempt, "error": ev.err.Error()})
	if !r.failing {
		r.failing = true
		r.record.Error = fmt.Sprintf("stage %s: %v", ev.stageID, ev.err)
	}
	r.skipDoomed()
}

func (r *runner) onRetryReady(ev stepEvent) {
	r.running--
	sr := r.tracking[ev.stageID]
	sr.timer = nil
	if r.canceled || r.failing {
		step := r.record.StepByID(ev.stageID)
		now := r.nowUTC()
		step.EndedAt = &now
		if r.canceled {
			step.Status = domain.StepStatusCancelled
			step.Error = "cancelled while waiting to retry"
		} else {
			step.Status = domain.StepStatusFailed
			step.Error = fmt.Sprintf("retry abandoned after attempt %d", ev.attempt-1)
		}
		return
	}
	r.launch(r.stages[ev.stageID], ev.attempt)
}

// skipDoomed marks pending steps whose dependency chain can no longer
// complete. Runs to a fixpoint so transitive dependents are covered.
func (r *runner) skipDoomed() {
	for changed := true; changed; {
		changed = false
		for i := range r.record.Steps {
			step := &r.record.Steps[i]
			if step.Status != domain.StepStatusPending {
				continue
			}
			blocked := ""
			for _, dep := range r.stages[step.StageID].DependsOn {
				ds := r.record.StepByID(dep)
				if ds == nil {
					continue
				}
				switch ds.Status {
				case domain.StepStatusFailed, domain.StepStatusSkipped, domain.StepStatusCancelled:
					blocked = dep
				}
			}
			if blocked == "" {
				continue
			}
			now := r.nowUTC()
			step.Status = domain.StepStatusSkipped
			step.Attempt = 1
			step.StartedAt = &now
			step.EndedAt = &now
			step.Error = fmt.Sprintf("dependency %s did not complete", blocked)
			r.recordAttempt(step.StageID, 1, "skipped", now, now, "dependency_failed", step.Error, nil)
			r.emit("step_skipped", "step", step.StageID, map[string]any{"dependency": blocked})
			changed = true
		}
	}
}

func (r *runner) stopPendingRetries() {
	for stageID, sr := range r.tracking {
		if sr.timer == nil || !sr.timer.Stop() {
			continue
		}
		sr.timer = nil
		r.running--
		step := r.record.StepByID(stageID)
		now := r.nowUTC()
		step.Status = domain.StepStatusCancelled
		step.EndedAt = &now
		step.Error = "cancelled while waiting to retry"
	}
}

func (r *runner) finalizeCancelled(reason string) {
	now := r.nowUTC()
	for i := range r.record.Steps {
		step := &r.record.Steps[i]
		if !step.Status.Terminal() {
			step.Status = domain.StepStatusCancelled
			step.EndedAt = &now
		}
	}
	r.record.Status = domain.RunStatusCancelled
	r.record.EndedAt = &now
	r.record.Error = reason
	r.snapshot()
	r.emit("run_cancelled", "run", r.record.ID, map[string]any{"reason": reason})
}

func (r *runner) finalizeFailed() {
	now := r.nowUTC()
	for i := range r.record.Steps {
		step := &r.record.Steps[i]
		if step.Status != domain.StepStatusPending {
			continue
		}
		step.Status = domain.StepStatusSkipped
		step.Attempt = 1
		step.StartedAt = &now
		step.EndedAt = &now
		step.Error = "run failed before stage started"
		r.recordAttempt(step.StageID, 1, "skipped", now, now, "run_failed", step.Error, nil)
	}
	r.record.Status = domain.RunStatusFailed
	r.record.EndedAt = &now
	r.snapshot()
	r.emit("run_failed", "run", r.record.ID, map[string]any{"error": r.record.Error})
}

func (r *runner) enterLoopPhase() {
	r.record.LoopState = domain.LoopStateAwaitingGeneration
	r.record.CurrentSegment = 0
	r.record.CurrentStage = ""
	r.snapshot()
	r.emit("stages_completed", "run", r.record.ID, map[string]any{"progress": r.record.Progress})
}

func (r *runner) allStepsCompleted() bool {
	for _, step := range r.record.Steps {
		if step.Status != domain.StepStatusCompleted {
			return false
		}
	}
	return len(r.record.Steps) > 0
}

// snapshot persists the current record. Progress only moves forward; a
// re-derivation after a retry reset must never lower the reported value.
func (r *runner) snapshot() {
	current := ""
	for _, stage := range r.record.Plan.Stages {
		if step := r.record.StepByID(stage.ID); step != nil && step.Status == domain.StepStatusRunning {
			current = stage.ID
			break
		}
	}
	r.record.CurrentStage = current
	if p := state.DeriveProgress(r.record); p > r.record.Progress {
		r.record.Progress = p
	}
	if err := r.engine.persist(r.persistCtx, r.record); err != nil && r.engine.logger != nil {
		r.engine.logger.Error("run snapshot not persisted", "error", err, "run_id", r.record.ID)
	}
}

func (r *runner) recordAttempt(stageID string, attempt int, status string, startedAt, finishedAt time.Time, errCode, errMsg string, output domain.Metadata) {
	var out []byte
	if len(output) > 0 {
		encoded, err := json.Marshal(output)
		if err == nil {
			out = encoded
		}
	}
	finished := finishedAt
	_, _, err := r.engine.steps.InsertAttempt(r.persistCtx, repo.StepAttemptRecord{
		ProjectID:       r.record.ProjectID,
		RunID:           r.record.ID,
		StageID:         stageID,
		Attempt:         attempt,
		Status:          status,
		StartedAt:       startedAt,
		FinishedAt:      &finished,
		ErrorCode:       errCode,
		ErrorMessage:    errMsg,
		Output:          out,
		PlanFingerprint: r.record.PlanFingerprint,
	})
	if err != nil && r.engine.logger != nil {
		r.engine.logger.Warn("step attempt not recorded", "error", err, "run_id", r.record.ID, "stage_id", stageID)
	}
}

func (r *runner) emit(kind, subjectType, subjectID string, meta map[string]any) {
	r.engine.emit(r.persistCtx, r.record.ID, r.actor, r.requestID, kind, subjectType, subjectID, meta)
}

func (r *runner) nowUTC() time.Time {
	return r.engine.now().UTC()
}
