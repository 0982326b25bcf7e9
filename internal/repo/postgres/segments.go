package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/storyreel-labs/storyreel-go/internal/domain"
	"github.com/storyreel-labs/storyreel-go/internal/repo"
)

type SegmentStore struct {
	db DB
}

const (
	insertSegmentQuery = `INSERT INTO run_segments (
		run_id,
		project_id,
		segment_index,
		text,
		overlong,
		meta
	) VALUES ($1,$2,$3,$4,$5,$6)`

	selectSegmentQuery = `SELECT run_id, segment_index, text, overlong, meta
	 FROM run_segments
	 WHERE run_id = $1 AND segment_index = $2`

	listSegmentsByRunQuery = `SELECT run_id, segment_index, text, overlong, meta
	 FROM run_segments
	 WHERE run_id = $1
	 ORDER BY segment_index ASC`

	updateSegmentTextQuery = `UPDATE run_segments SET text = $1, overlong = $2, updated_at = now()
	 WHERE run_id = $3 AND segment_index = $4`

	updateSegmentMetaQuery = `UPDATE run_segments SET meta = $1, updated_at = now()
	 WHERE run_id = $2 AND segment_index = $3`
)

func NewSegmentStore(db DB) *SegmentStore {
	if db == nil {
		return nil
	}
	return &SegmentStore{db: db}
}

// ReplaceForRun swaps the run's segment list for a fresh segmentation
// result. The engine is the only caller and writes each run once.
func (s *SegmentStore) ReplaceForRun(ctx context.Context, projectID, runID string, segments []domain.Segment) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("segment store not initialized")
	}
	projectID = strings.TrimSpace(projectID)
	runID = strings.TrimSpace(runID)
	if projectID == "" {
		return fmt.Errorf("project id is required")
	}
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	for _, segment := range segments {
		if err := segment.Validate(); err != nil {
			return err
		}
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM run_segments WHERE run_id = $1`, runID); err != nil {
		return fmt.Errorf("clear segments: %w", err)
	}
	for _, segment := range segments {
		metaJSON, err := encodeSegmentMeta(segment.Meta)
		if err != nil {
			return fmt.Errorf("encode segment meta: %w", err)
		}
		_, err = s.db.ExecContext(
			ctx,
			insertSegmentQuery,
			runID,
			projectID,
			segment.Index,
			segment.Text,
			segment.Overlong,
			metaJSON,
		)
		if err != nil {
			return fmt.Errorf("insert segment %d: %w", segment.Index, err)
		}
	}
	return nil
}

func (s *SegmentStore) GetSegment(ctx context.Context, runID string, index int) (domain.Segment, error) {
	if s == nil || s.db == nil {
		return domain.Segment{}, fmt.Errorf("segment store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return domain.Segment{}, fmt.Errorf("run id is required")
	}
	if index < 0 {
		return domain.Segment{}, fmt.Errorf("segment index must not be negative")
	}
	row := s.db.QueryRowContext(ctx, selectSegmentQuery, runID, index)
	return scanSegment(row)
}

func (s *SegmentStore) ListByRun(ctx context.Context, runID string) ([]domain.Segment, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("segment store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}

	rows, err := s.db.QueryContext(ctx, listSegmentsByRunQuery, runID)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	defer rows.Close()

	segments := make([]domain.Segment, 0)
	for rows.Next() {
		segment, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		segments = append(segments, segment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	return segments, nil
}

func (s *SegmentStore) UpdateText(ctx context.Context, runID string, index int, text string, overlong bool) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("segment store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("segment text is required")
	}
	res, err := s.db.ExecContext(ctx, updateSegmentTextQuery, text, overlong, runID, index)
	if err != nil {
		return fmt.Errorf("update segment text: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update segment text: %w", err)
	}
	if rows == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *SegmentStore) UpdateMeta(ctx context.Context, runID string, index int, meta domain.SegmentMeta) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("segment store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	metaJSON, err := encodeSegmentMeta(meta)
	if err != nil {
		return fmt.Errorf("encode segment meta: %w", err)
	}
	res, err := s.db.ExecContext(ctx, updateSegmentMetaQuery, metaJSON, runID, index)
	if err != nil {
		return fmt.Errorf("update segment meta: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update segment meta: %w", err)
	}
	if rows == 0 {
		return repo.ErrNotFound
	}
	return nil
}

type segmentMetaPayload struct {
	Scene          string   `json:"scene,omitempty"`
	Characters     []string `json:"characters,omitempty"`
	Tone           string   `json:"tone,omitempty"`
	KeyEvents      []string `json:"keyEvents,omitempty"`
	VisualKeywords []string `json:"visualKeywords,omitempty"`
	Suitability    float64  `json:"suitability,omitempty"`
}

func encodeSegmentMeta(meta domain.SegmentMeta) ([]byte, error) {
	return json.Marshal(segmentMetaPayload{
		Scene:          meta.Scene,
		Characters:     meta.Characters,
		Tone:           meta.Tone,
		KeyEvents:      meta.KeyEvents,
		VisualKeywords: meta.VisualKeywords,
		Suitability:    meta.Suitability,
	})
}

func decodeSegmentMeta(raw []byte) (domain.SegmentMeta, error) {
	if len(raw) == 0 {
		return domain.SegmentMeta{}, nil
	}
	var payload segmentMetaPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.SegmentMeta{}, err
	}
	return domain.SegmentMeta{
		Scene:          payload.Scene,
		Characters:     payload.Characters,
		Tone:           payload.Tone,
		KeyEvents:      payload.KeyEvents,
		VisualKeywords: payload.VisualKeywords,
		Suitability:    payload.Suitability,
	}, nil
}

func scanSegment(scanner runScanner) (domain.Segment, error) {
	var segment domain.Segment
	var metaJSON []byte
	if err := scanner.Scan(
		&segment.RunID,
		&segment.Index,
		&segment.Text,
		&segment.Overlong,
		&metaJSON,
	); err != nil {
		return domain.Segment{}, handleNotFound(err)
	}
	meta, err := decodeSegmentMeta(metaJSON)
	if err != nil {
		return domain.Segment{}, fmt.Errorf("decode segment meta: %w", err)
	}
	segment.Meta = meta
	return segment, nil
}
