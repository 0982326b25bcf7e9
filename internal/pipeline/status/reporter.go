// Package status serves read-only execution state. Reads go to the
// persisted snapshot, never to a live engine goroutine, so polling works
// identically for running, finished, and long-gone runs.
package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/storyreel-labs/storyreel-go/internal/domain"
	"github.com/storyreel-labs/storyreel-go/internal/pipeline/state"
	"github.com/storyreel-labs/storyreel-go/internal/repo"
)

type Reporter struct {
	runs   repo.RunRepository
	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	tombstones map[string]domain.RunStatus
}

func NewReporter(runs repo.RunRepository, logger *slog.Logger) *Reporter {
	return &Reporter{
		runs:       runs,
		logger:     logger,
		now:        time.Now,
		tombstones: map[string]domain.RunStatus{},
	}
}

// Get resolves the current record for an execution id. Unknown ids never
// produce not-found: a pruned run replays its tombstoned terminal status,
// and an id with no trace at all reports as completed. Clients polling
// after retention removed their run see a terminal answer instead of an
// error.
func (r *Reporter) Get(ctx context.Context, executionID string) (domain.ExecutionRecord, error) {
	if r == nil || r.runs == nil {
		return domain.ExecutionRecord{}, fmt.Errorf("status reporter not initialized")
	}
	id := strings.TrimSpace(executionID)
	if id == "" {
		return domain.ExecutionRecord{}, fmt.Errorf("execution id is required")
	}

	stored, err := r.runs.GetRun(ctx, id)
	if err == nil {
		return state.DecodeRecord(stored)
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.ExecutionRecord{}, err
	}

	r.mu.Lock()
	status, ok := r.tombstones[id]
	r.mu.Unlock()
	if !ok {
		status = domain.RunStatusCompleted
	}
	return synthesizeTerminal(id, status), nil
}

// Prune deletes terminal runs that ended before the cutoff and keeps their
// last status so later polls still resolve. Returns the number removed.
func (r *Reporter) Prune(ctx context.Context, endedBefore time.Time) (int, error) {
	if r == nil || r.runs == nil {
		return 0, fmt.Errorf("status reporter not initialized")
	}
	pruned, err := r.runs.PruneTerminalRuns(ctx, endedBefore)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	for _, p := range pruned {
		status := domain.RunStatus(p.Status)
		if !status.Terminal() {
			status = domain.RunStatusCompleted
		}
		r.tombstones[p.ID] = status
	}
	r.mu.Unlock()
	if len(pruned) > 0 && r.logger != nil {
		r.logger.Info("pruned terminal runs", "count", len(pruned), "ended_before", endedBefore.UTC())
	}
	return len(pruned), nil
}

// SweepLoop prunes runs older than retainFor on every tick until the
// context ends.
func (r *Reporter) SweepLoop(ctx context.Context, interval, retainFor time.Duration) {
	if r == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Prune(ctx, r.now().Add(-retainFor)); err != nil && r.logger != nil {
				r.logger.Warn("run retention sweep failed", "error", err)
			}
		}
	}
}

func synthesizeTerminal(id string, status domain.RunStatus) domain.ExecutionRecord {
	record := domain.ExecutionRecord{ID: id, Status: status}
	if status == domain.RunStatusCompleted {
		record.Progress = 100
		record.LoopState = domain.LoopStateCompleted
	}
	return record
}
