package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/storyreel-labs/storyreel-go/internal/repo"
)

type RunStore struct {
	db DB
}

const (
	runColumns = `run_id, project_id, source_text_id, status, progress, current_stage, loop_state,
		current_segment, anchor_ref, plan, plan_fingerprint, steps, result, error_message,
		started_at, ended_at, created_at`

	insertRunQuery = `INSERT INTO pipeline_runs (
		run_id,
		project_id,
		source_text_id,
		status,
		progress,
		current_stage,
		loop_state,
		current_segment,
		anchor_ref,
		plan,
		plan_fingerprint,
		steps,
		result,
		error_message,
		started_at,
		ended_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	ON CONFLICT (project_id, source_text_id) WHERE status IN ('pending','running') DO NOTHING
	RETURNING ` + runColumns

	selectRunByIDQuery = `SELECT ` + runColumns + `
	 FROM pipeline_runs
	 WHERE run_id = $1`

	selectActiveRunQuery = `SELECT ` + runColumns + `
	 FROM pipeline_runs
	 WHERE project_id = $1 AND source_text_id = $2 AND status IN ('pending','running')
	 ORDER BY started_at DESC
	 LIMIT 1`

	saveSnapshotQuery = `UPDATE pipeline_runs SET
		status = $1,
		progress = $2,
		current_stage = $3,
		loop_state = $4,
		current_segment = $5,
		anchor_ref = $6,
		steps = $7,
		result = $8,
		error_message = $9,
		ended_at = $10
	 WHERE run_id = $11 AND (status IN ('pending','running') OR status = $1)`

	pruneTerminalRunsQuery = `DELETE FROM pipeline_runs
	 WHERE status IN ('completed','failed','cancelled')
	   AND ended_at IS NOT NULL
	   AND ended_at < $1
	 RETURNING run_id, status`

	listActiveRunsQuery = `SELECT run_id FROM pipeline_runs
	 WHERE status IN ('pending','running')
	 ORDER BY created_at ASC`
)

func NewRunStore(db DB) *RunStore {
	if db == nil {
		return nil
	}
	return &RunStore{db: db}
}

// CreateRun inserts a run. When the source text already has an active run
// the existing record is returned with created=false.
func (s *RunStore) CreateRun(ctx context.Context, record repo.RunRecord) (repo.RunRecord, bool, error) {
	if s == nil || s.db == nil {
		return repo.RunRecord{}, false, fmt.Errorf("run store not initialized")
	}
	projectID := strings.TrimSpace(record.ProjectID)
	sourceTextID := strings.TrimSpace(record.SourceTextID)
	status := strings.TrimSpace(record.Status)
	fingerprint := strings.TrimSpace(record.PlanFingerprint)

	if projectID == "" {
		return repo.RunRecord{}, false, fmt.Errorf("project id is required")
	}
	if sourceTextID == "" {
		return repo.RunRecord{}, false, fmt.Errorf("source text id is required")
	}
	if len(record.Plan) == 0 {
		return repo.RunRecord{}, false, fmt.Errorf("plan is required")
	}
	if fingerprint == "" {
		return repo.RunRecord{}, false, fmt.Errorf("plan fingerprint is required")
	}
	if status == "" {
		status = "pending"
	}

	id := strings.TrimSpace(record.ID)
	if id == "" {
		id = uuid.NewString()
	}
	startedAt := normalizeTime(record.StartedAt)
	var endedAt sql.NullTime
	if record.EndedAt != nil {
		endedAt = sql.NullTime{Time: record.EndedAt.UTC(), Valid: true}
	}
	steps := record.Steps
	if len(steps) == 0 {
		steps = []byte("[]")
	}
	result := record.Result
	if len(result) == 0 {
		result = []byte("{}")
	}

	row := s.db.QueryRowContext(
		ctx,
		insertRunQuery,
		id,
		projectID,
		sourceTextID,
		status,
		record.Progress,
		nullIfEmpty(record.CurrentStage),
		nullIfEmpty(record.LoopState),
		record.CurrentSegment,
		nullIfEmpty(record.AnchorRef),
		record.Plan,
		fingerprint,
		steps,
		result,
		nullIfEmpty(record.ErrorMessage),
		startedAt,
		endedAt,
	)
	inserted, err := scanRun(row)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return repo.RunRecord{}, false, fmt.Errorf("insert run: %w", err)
		}
		existing, err := s.GetActiveRunBySourceText(ctx, projectID, sourceTextID)
		if err != nil {
			return repo.RunRecord{}, false, err
		}
		return existing, false, nil
	}
	return inserted, true, nil
}

func (s *RunStore) GetRun(ctx context.Context, id string) (repo.RunRecord, error) {
	if s == nil || s.db == nil {
		return repo.RunRecord{}, fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return repo.RunRecord{}, fmt.Errorf("run id is required")
	}
	row := s.db.QueryRowContext(ctx, selectRunByIDQuery, id)
	return scanRun(row)
}

func (s *RunStore) GetActiveRunBySourceText(ctx context.Context, projectID, sourceTextID string) (repo.RunRecord, error) {
	if s == nil || s.db == nil {
		return repo.RunRecord{}, fmt.Errorf("run store not initialized")
	}
	projectID = strings.TrimSpace(projectID)
	sourceTextID = strings.TrimSpace(sourceTextID)
	if projectID == "" {
		return repo.RunRecord{}, fmt.Errorf("project id is required")
	}
	if sourceTextID == "" {
		return repo.RunRecord{}, fmt.Errorf("source text id is required")
	}
	row := s.db.QueryRowContext(ctx, selectActiveRunQuery, projectID, sourceTextID)
	return scanRun(row)
}

func (s *RunStore) ListRuns(ctx context.Context, filter repo.RunFilter) ([]repo.RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	if strings.TrimSpace(filter.ProjectID) == "" {
		return nil, fmt.Errorf("project id is required")
	}
	clauses := make([]string, 0, 3)
	args := make([]any, 0, 3)

	args = append(args, strings.TrimSpace(filter.ProjectID))
	clauses = append(clauses, fmt.Sprintf("project_id = $%d", len(args)))
	if strings.TrimSpace(filter.SourceTextID) != "" {
		args = append(args, strings.TrimSpace(filter.SourceTextID))
		clauses = append(clauses, fmt.Sprintf("source_text_id = $%d", len(args)))
	}
	if strings.TrimSpace(filter.Status) != "" {
		args = append(args, strings.TrimSpace(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + runColumns + ` FROM pipeline_runs WHERE ` + strings.Join(clauses, " AND ")
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	records := make([]repo.RunRecord, 0)
	for rows.Next() {
		record, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return records, nil
}

// SaveSnapshot overwrites the mutable run columns. Terminal rows accept a
// rewrite only when the status stays put, so a finished run never moves.
func (s *RunStore) SaveSnapshot(ctx context.Context, record repo.RunRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	id := strings.TrimSpace(record.ID)
	if id == "" {
		return fmt.Errorf("run id is required")
	}
	status := strings.TrimSpace(record.Status)
	if status == "" {
		return fmt.Errorf("status is required")
	}
	var endedAt sql.NullTime
	if record.EndedAt != nil {
		endedAt = sql.NullTime{Time: record.EndedAt.UTC(), Valid: true}
	}
	steps := record.Steps
	if len(steps) == 0 {
		steps = []byte("[]")
	}
	result := record.Result
	if len(result) == 0 {
		result = []byte("{}")
	}

	res, err := s.db.ExecContext(
		ctx,
		saveSnapshotQuery,
		status,
		record.Progress,
		nullIfEmpty(record.CurrentStage),
		nullIfEmpty(record.LoopState),
		record.CurrentSegment,
		nullIfEmpty(record.AnchorRef),
		steps,
		result,
		nullIfEmpty(record.ErrorMessage),
		endedAt,
		id,
	)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	if rows == 0 {
		if _, err := s.GetRun(ctx, id); err != nil {
			return err
		}
		return repo.ErrInvalidTransition
	}
	return nil
}

// ListActiveRuns returns the ids of every non-terminal run, oldest first.
// Recovery sweeps use it at boot to reconcile runs the previous process
// left behind.
func (s *RunStore) ListActiveRuns(ctx context.Context) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, listActiveRunsQuery)
	if err != nil {
		return nil, fmt.Errorf("list active runs: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list active runs: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list active runs: %w", err)
	}
	return ids, nil
}

// PruneTerminalRuns removes terminal runs whose ended_at predates the
// cutoff. Live runs are never touched regardless of age.
func (s *RunStore) PruneTerminalRuns(ctx context.Context, endedBefore time.Time) ([]repo.PrunedRun, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, pruneTerminalRunsQuery, normalizeTime(endedBefore))
	if err != nil {
		return nil, fmt.Errorf("prune terminal runs: %w", err)
	}
	defer rows.Close()

	pruned := make([]repo.PrunedRun, 0)
	for rows.Next() {
		var p repo.PrunedRun
		if err := rows.Scan(&p.ID, &p.Status); err != nil {
			return nil, fmt.Errorf("prune terminal runs: %w", err)
		}
		pruned = append(pruned, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("prune terminal runs: %w", err)
	}
	return pruned, nil
}

type runScanner interface {
	Scan(dest ...any) error
}

func scanRun(scanner runScanner) (repo.RunRecord, error) {
	var record repo.RunRecord
	var currentStage sql.NullString
	var loopState sql.NullString
	var anchorRef sql.NullString
	var errorMessage sql.NullString
	var endedAt sql.NullTime
	if err := scanner.Scan(
		&record.ID,
		&record.ProjectID,
		&record.SourceTextID,
		&record.Status,
		&record.Progress,
		&currentStage,
		&loopState,
		&record.CurrentSegment,
		&anchorRef,
		&record.Plan,
		&record.PlanFingerprint,
		&record.Steps,
		&record.Result,
		&errorMessage,
		&record.StartedAt,
		&endedAt,
		&record.CreatedAt,
	); err != nil {
		return repo.RunRecord{}, handleNotFound(err)
	}
	record.CurrentStage = strings.TrimSpace(currentStage.String)
	record.LoopState = strings.TrimSpace(loopState.String)
	record.AnchorRef = strings.TrimSpace(anchorRef.String)
	record.ErrorMessage = strings.TrimSpace(errorMessage.String)
	if endedAt.Valid {
		t := endedAt.Time.UTC()
		record.EndedAt = &t
	}
	return record, nil
}
