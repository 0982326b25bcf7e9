package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/storyreel-labs/storyreel-go/internal/domain"
	"github.com/storyreel-labs/storyreel-go/internal/repo"
)

type CheckpointStore struct {
	db DB
}

const (
	insertCheckpointQuery = `INSERT INTO segment_checkpoints (
		run_id,
		segment_index,
		candidate_id,
		artifact_ref,
		next_index
	) VALUES ($1,$2,$3,$4,$5)
	ON CONFLICT (run_id, segment_index) DO NOTHING
	RETURNING run_id, segment_index, candidate_id, artifact_ref, next_index, created_at`

	selectCheckpointQuery = `SELECT run_id, segment_index, candidate_id, artifact_ref, next_index, created_at
	 FROM segment_checkpoints
	 WHERE run_id = $1 AND segment_index = $2`

	listCheckpointsByRunQuery = `SELECT run_id, segment_index, candidate_id, artifact_ref, next_index, created_at
	 FROM segment_checkpoints
	 WHERE run_id = $1
	 ORDER BY segment_index ASC`

	selectLatestCheckpointQuery = `SELECT run_id, segment_index, candidate_id, artifact_ref, next_index, created_at
	 FROM segment_checkpoints
	 WHERE run_id = $1
	 ORDER BY segment_index DESC
	 LIMIT 1`
)

func NewCheckpointStore(db DB) *CheckpointStore {
	if db == nil {
		return nil
	}
	return &CheckpointStore{db: db}
}

// Append records a confirmation. Rows never change once written: repeating
// an identical confirmation returns the stored row with created=false, a
// different selection for an already confirmed segment is an error.
func (s *CheckpointStore) Append(ctx context.Context, checkpoint domain.ConfirmationCheckpoint) (domain.ConfirmationCheckpoint, bool, error) {
	if s == nil || s.db == nil {
		return domain.ConfirmationCheckpoint{}, false, fmt.Errorf("checkpoint store not initialized")
	}
	if err := checkpoint.Validate(); err != nil {
		return domain.ConfirmationCheckpoint{}, false, err
	}
	runID := strings.TrimSpace(checkpoint.RunID)

	var nextIndex sql.NullInt64
	if checkpoint.NextIndex != nil {
		nextIndex = sql.NullInt64{Int64: int64(*checkpoint.NextIndex), Valid: true}
	}

	row := s.db.QueryRowContext(
		ctx,
		insertCheckpointQuery,
		runID,
		checkpoint.SegmentIndex,
		strings.TrimSpace(checkpoint.CandidateID),
		strings.TrimSpace(checkpoint.ArtifactRef),
		nextIndex,
	)
	inserted, err := scanCheckpoint(row)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return domain.ConfirmationCheckpoint{}, false, fmt.Errorf("insert checkpoint: %w", err)
		}
		existing, err := s.getCheckpoint(ctx, runID, checkpoint.SegmentIndex)
		if err != nil {
			return domain.ConfirmationCheckpoint{}, false, err
		}
		if existing.CandidateID != strings.TrimSpace(checkpoint.CandidateID) || existing.ArtifactRef != strings.TrimSpace(checkpoint.ArtifactRef) {
			return domain.ConfirmationCheckpoint{}, false, fmt.Errorf("checkpoint already recorded for run %s segment %d", runID, checkpoint.SegmentIndex)
		}
		return existing, false, nil
	}
	return inserted, true, nil
}

func (s *CheckpointStore) ListByRun(ctx context.Context, runID string) ([]domain.ConfirmationCheckpoint, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("checkpoint store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}

	rows, err := s.db.QueryContext(ctx, listCheckpointsByRunQuery, runID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	checkpoints := make([]domain.ConfirmationCheckpoint, 0)
	for rows.Next() {
		checkpoint, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, checkpoint)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return checkpoints, nil
}

func (s *CheckpointStore) Latest(ctx context.Context, runID string) (domain.ConfirmationCheckpoint, error) {
	if s == nil || s.db == nil {
		return domain.ConfirmationCheckpoint{}, fmt.Errorf("checkpoint store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return domain.ConfirmationCheckpoint{}, fmt.Errorf("run id is required")
	}
	row := s.db.QueryRowContext(ctx, selectLatestCheckpointQuery, runID)
	return scanCheckpoint(row)
}

func (s *CheckpointStore) getCheckpoint(ctx context.Context, runID string, index int) (domain.ConfirmationCheckpoint, error) {
	row := s.db.QueryRowContext(ctx, selectCheckpointQuery, runID, index)
	return scanCheckpoint(row)
}

func scanCheckpoint(scanner runScanner) (domain.ConfirmationCheckpoint, error) {
	var checkpoint domain.ConfirmationCheckpoint
	var nextIndex sql.NullInt64
	if err := scanner.Scan(
		&checkpoint.RunID,
		&checkpoint.SegmentIndex,
		&checkpoint.CandidateID,
		&checkpoint.ArtifactRef,
		&nextIndex,
		&checkpoint.CreatedAt,
	); err != nil {
		return domain.ConfirmationCheckpoint{}, handleNotFound(err)
	}
	if nextIndex.Valid {
		next := int(nextIndex.Int64)
		checkpoint.NextIndex = &next
	}
	return checkpoint, nil
}
