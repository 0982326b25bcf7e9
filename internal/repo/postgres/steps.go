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

type StepStore struct {
	db DB
}

const (
	insertStepAttemptQuery = `INSERT INTO run_steps (
		step_id,
		project_id,
		run_id,
		stage_id,
		attempt,
		status,
		started_at,
		finished_at,
		error_code,
		error_message,
		output,
		plan_fingerprint
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	ON CONFLICT (run_id, stage_id, attempt) DO NOTHING
	RETURNING step_id, project_id, run_id, stage_id, attempt, status, started_at, finished_at, error_code, error_message, output, plan_fingerprint`

	selectStepAttemptQuery = `SELECT step_id, project_id, run_id, stage_id, attempt, status, started_at, finished_at, error_code, error_message, output, plan_fingerprint
	 FROM run_steps
	 WHERE run_id = $1 AND stage_id = $2 AND attempt = $3`

	listStepAttemptsByRunQuery = `SELECT step_id, project_id, run_id, stage_id, attempt, status, started_at, finished_at, error_code, error_message, output, plan_fingerprint
	 FROM run_steps
	 WHERE run_id = $1
	 ORDER BY started_at ASC, stage_id ASC, attempt ASC`
)

func NewStepStore(db DB) *StepStore {
	if db == nil {
		return nil
	}
	return &StepStore{db: db}
}

// InsertAttempt records one stage attempt. The attempt key is idempotent:
// replaying an attempt returns the stored row with created=false.
func (s *StepStore) InsertAttempt(ctx context.Context, record repo.StepAttemptRecord) (repo.StepAttemptRecord, bool, error) {
	if s == nil || s.db == nil {
		return repo.StepAttemptRecord{}, false, fmt.Errorf("step store not initialized")
	}
	projectID := strings.TrimSpace(record.ProjectID)
	runID := strings.TrimSpace(record.RunID)
	stageID := strings.TrimSpace(record.StageID)
	status := strings.TrimSpace(record.Status)
	fingerprint := strings.TrimSpace(record.PlanFingerprint)

	if projectID == "" {
		return repo.StepAttemptRecord{}, false, fmt.Errorf("project id is required")
	}
	if runID == "" {
		return repo.StepAttemptRecord{}, false, fmt.Errorf("run id is required")
	}
	if stageID == "" {
		return repo.StepAttemptRecord{}, false, fmt.Errorf("stage id is required")
	}
	if record.Attempt < 1 {
		return repo.StepAttemptRecord{}, false, fmt.Errorf("attempt must be >= 1")
	}
	if status == "" {
		return repo.StepAttemptRecord{}, false, fmt.Errorf("status is required")
	}
	if fingerprint == "" {
		return repo.StepAttemptRecord{}, false, fmt.Errorf("plan fingerprint is required")
	}

	startedAt := record.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	var finishedAt sql.NullTime
	if record.FinishedAt != nil && !record.FinishedAt.IsZero() {
		finishedAt = sql.NullTime{Time: record.FinishedAt.UTC(), Valid: true}
	}
	id := strings.TrimSpace(record.ID)
	if id == "" {
		id = uuid.NewString()
	}
	output := record.Output
	if len(output) == 0 {
		output = []byte("{}")
	}

	row := s.db.QueryRowContext(
		ctx,
		insertStepAttemptQuery,
		id,
		projectID,
		runID,
		stageID,
		record.Attempt,
		status,
		startedAt,
		finishedAt,
		nullIfEmpty(record.ErrorCode),
		nullIfEmpty(record.ErrorMessage),
		output,
		fingerprint,
	)
	inserted, err := scanStepAttempt(row)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return repo.StepAttemptRecord{}, false, fmt.Errorf("insert step attempt: %w", err)
		}
		existing, err := s.getAttempt(ctx, runID, stageID, record.Attempt)
		if err != nil {
			return repo.StepAttemptRecord{}, false, err
		}
		return existing, false, nil
	}
	return inserted, true, nil
}

func (s *StepStore) ListByRun(ctx context.Context, runID string) ([]repo.StepAttemptRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("step store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}

	rows, err := s.db.QueryContext(ctx, listStepAttemptsByRunQuery, runID)
	if err != nil {
		return nil, fmt.Errorf("list step attempts: %w", err)
	}
	defer rows.Close()

	records := make([]repo.StepAttemptRecord, 0)
	for rows.Next() {
		record, err := scanStepAttempt(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list step attempts: %w", err)
	}
	return records, nil
}

func (s *StepStore) getAttempt(ctx context.Context, runID, stageID string, attempt int) (repo.StepAttemptRecord, error) {
	row := s.db.QueryRowContext(ctx, selectStepAttemptQuery, runID, stageID, attempt)
	return scanStepAttempt(row)
}

func scanStepAttempt(scanner runScanner) (repo.StepAttemptRecord, error) {
	var record repo.StepAttemptRecord
	var finishedAt sql.NullTime
	var errorCode sql.NullString
	var errorMessage sql.NullString
	if err := scanner.Scan(
		&record.ID,
		&record.ProjectID,
		&record.RunID,
		&record.StageID,
		&record.Attempt,
		&record.Status,
		&record.StartedAt,
		&finishedAt,
		&errorCode,
		&errorMessage,
		&record.Output,
		&record.PlanFingerprint,
	); err != nil {
		return repo.StepAttemptRecord{}, handleNotFound(err)
	}
	if finishedAt.Valid {
		t := finishedAt.Time.UTC()
		record.FinishedAt = &t
	}
	record.ErrorCode = strings.TrimSpace(errorCode.String)
	record.ErrorMessage = strings.TrimSpace(errorMessage.String)
	return record, nil
}
