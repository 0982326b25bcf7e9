// Package runevent appends the per-run history: step transitions, candidate
// batches, and checkpoint confirmations. Rows are append-only and carry an
// integrity SHA-256 like audit rows do.
package runevent

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Event struct {
	OccurredAt  time.Time
	Actor       string
	RequestID   string
	RunID       string
	Kind        string
	SubjectType string
	SubjectID   string
	Metadata    any
}

type QueryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (e Event) Validate() error {
	if e.OccurredAt.IsZero() {
		return errors.New("OccurredAt is required")
	}
	if strings.TrimSpace(e.Actor) == "" {
		return errors.New("Actor is required")
	}
	if strings.TrimSpace(e.RunID) == "" {
		return errors.New("RunID is required")
	}
	if strings.TrimSpace(e.Kind) == "" {
		return errors.New("Kind is required")
	}
	if strings.TrimSpace(e.SubjectType) == "" {
		return errors.New("SubjectType is required")
	}
	if strings.TrimSpace(e.SubjectID) == "" {
		return errors.New("SubjectID is required")
	}
	return nil
}

func Insert(ctx context.Context, q QueryRower, event Event) (int64, error) {
	if q == nil {
		return 0, errors.New("queryer is required")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if err := event.Validate(); err != nil {
		return 0, err
	}

	metadata := event.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return 0, fmt.Errorf("marshal metadata: %w", err)
	}

	integrity, err := ComputeIntegritySHA256(event, metadataJSON)
	if err != nil {
		return 0, err
	}

	var requestID sql.NullString
	if strings.TrimSpace(event.RequestID) != "" {
		requestID = sql.NullString{String: strings.TrimSpace(event.RequestID), Valid: true}
	}

	var id int64
	err = q.QueryRowContext(
		ctx,
		`INSERT INTO run_events (
			occurred_at,
			actor,
			request_id,
			run_id,
			kind,
			subject_type,
			subject_id,
			metadata,
			integrity_sha256
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING event_id`,
		event.OccurredAt.UTC(),
		strings.TrimSpace(event.Actor),
		requestID,
		strings.TrimSpace(event.RunID),
		strings.TrimSpace(event.Kind),
		strings.TrimSpace(event.SubjectType),
		strings.TrimSpace(event.SubjectID),
		metadataJSON,
		integrity,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert run event: %w", err)
	}
	return id, nil
}

// Row is an event as read back for listing, including its assigned id.
type Row struct {
	EventID     int64
	OccurredAt  time.Time
	Actor       string
	RequestID   string
	RunID       string
	Kind        string
	SubjectType string
	SubjectID   string
	Metadata    map[string]any
}

func ListByRun(ctx context.Context, q Querier, runID string, limit int) ([]Row, error) {
	if q == nil {
		return nil, errors.New("querier is required")
	}
	if strings.TrimSpace(runID) == "" {
		return nil, errors.New("run id is required")
	}
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}

	rows, err := q.QueryContext(
		ctx,
		`SELECT event_id, occurred_at, actor, request_id, kind, subject_type, subject_id, metadata
		 FROM run_events
		 WHERE run_id = $1
		 ORDER BY event_id ASC
		 LIMIT $2`,
		strings.TrimSpace(runID),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list run events: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var (
			row          Row
			requestID    sql.NullString
			metadataJSON []byte
		)
		if err := rows.Scan(&row.EventID, &row.OccurredAt, &row.Actor, &requestID, &row.Kind, &row.SubjectType, &row.SubjectID, &metadataJSON); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		row.RunID = runID
		if requestID.Valid {
			row.RequestID = requestID.String
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &row.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal run event metadata: %w", err)
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run events: %w", err)
	}
	return out, nil
}

func ComputeIntegritySHA256(event Event, metadataJSON []byte) (string, error) {
	type integrityInput struct {
		OccurredAt  time.Time       `json:"occurred_at"`
		Actor       string          `json:"actor"`
		RequestID   string          `json:"request_id,omitempty"`
		RunID       string          `json:"run_id"`
		Kind        string          `json:"kind"`
		SubjectType string          `json:"subject_type"`
		SubjectID   string          `json:"subject_id"`
		Metadata    json.RawMessage `json:"metadata"`
	}

	in := integrityInput{
		OccurredAt:  event.OccurredAt.UTC(),
		Actor:       strings.TrimSpace(event.Actor),
		RequestID:   strings.TrimSpace(event.RequestID),
		RunID:       strings.TrimSpace(event.RunID),
		Kind:        strings.TrimSpace(event.Kind),
		SubjectType: strings.TrimSpace(event.SubjectType),
		SubjectID:   strings.TrimSpace(event.SubjectID),
		Metadata:    metadataJSON,
	}

	blob, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("marshal integrity: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

// Recorder adapts a database handle to the engine's event sink. Inserts go
// straight through; callers treat failures as non-fatal.
type Recorder struct {
	db QueryRower
}

func NewRecorder(db QueryRower) *Recorder {
	return &Recorder{db: db}
}

func (r *Recorder) RecordRunEvent(ctx context.Context, event Event) error {
	if r == nil || r.db == nil {
		return errors.New("recorder is not initialized")
	}
	_, err := Insert(ctx, r.db, event)
	return err
}
