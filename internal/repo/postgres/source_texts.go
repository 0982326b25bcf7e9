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

type SourceTextStore struct {
	db DB
}

const finalizeSourceTextQuery = `UPDATE source_texts SET
	size_bytes = $1,
	content_sha256 = $2,
	length_runes = $3
 WHERE project_id = $4 AND text_id = $5 AND content_sha256 IS NULL`

func NewSourceTextStore(db DB) *SourceTextStore {
	if db == nil {
		return nil
	}
	return &SourceTextStore{db: db}
}

func (s *SourceTextStore) Create(ctx context.Context, text domain.SourceText) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("source text store not initialized")
	}
	if err := text.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(text.ObjectKey) == "" {
		return fmt.Errorf("object key is required")
	}
	metadataJSON, err := encodeMetadata(text.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	createdAt := normalizeTime(text.CreatedAt)
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO source_texts (
			text_id,
			project_id,
			title,
			object_key,
			metadata,
			created_at
		) VALUES ($1,$2,$3,$4,$5,$6)`,
		strings.TrimSpace(text.ID),
		strings.TrimSpace(text.ProjectID),
		strings.TrimSpace(text.Title),
		strings.TrimSpace(text.ObjectKey),
		metadataJSON,
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert source text: %w", err)
	}
	return nil
}

func (s *SourceTextStore) Get(ctx context.Context, projectID, id string) (domain.SourceText, error) {
	if s == nil || s.db == nil {
		return domain.SourceText{}, fmt.Errorf("source text store not initialized")
	}
	projectID = strings.TrimSpace(projectID)
	id = strings.TrimSpace(id)
	if projectID == "" {
		return domain.SourceText{}, fmt.Errorf("project id is required")
	}
	if id == "" {
		return domain.SourceText{}, fmt.Errorf("source text id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT text_id, project_id, title, object_key, size_bytes, content_sha256, length_runes, metadata, created_at
		 FROM source_texts
		 WHERE project_id = $1 AND text_id = $2`,
		projectID,
		id,
	)
	return scanSourceText(row)
}

func (s *SourceTextStore) List(ctx context.Context, filter repo.SourceTextFilter) ([]domain.SourceText, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("source text store not initialized")
	}
	projectID := strings.TrimSpace(filter.ProjectID)
	if projectID == "" {
		return nil, fmt.Errorf("project id is required")
	}
	args := []any{projectID}
	query := `SELECT text_id, project_id, title, object_key, size_bytes, content_sha256, length_runes, metadata, created_at
		FROM source_texts
		WHERE project_id = $1
		ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list source texts: %w", err)
	}
	defer rows.Close()

	texts := make([]domain.SourceText, 0)
	for rows.Next() {
		text, err := scanSourceText(rows)
		if err != nil {
			return nil, fmt.Errorf("scan source text: %w", err)
		}
		texts = append(texts, text)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list source texts: %w", err)
	}
	return texts, nil
}

// Finalize fixes the content columns after upload. A finalized text never
// changes again; a second finalize reports an invalid transition.
func (s *SourceTextStore) Finalize(ctx context.Context, projectID, id string, sizeBytes int64, contentSHA256 string, lengthRunes int) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("source text store not initialized")
	}
	projectID = strings.TrimSpace(projectID)
	id = strings.TrimSpace(id)
	contentSHA256 = strings.TrimSpace(contentSHA256)
	if projectID == "" {
		return fmt.Errorf("project id is required")
	}
	if id == "" {
		return fmt.Errorf("source text id is required")
	}
	if sizeBytes <= 0 {
		return fmt.Errorf("size bytes must be positive")
	}
	if contentSHA256 == "" {
		return fmt.Errorf("content sha256 is required")
	}
	if lengthRunes <= 0 {
		return fmt.Errorf("length runes must be positive")
	}

	res, err := s.db.ExecContext(ctx, finalizeSourceTextQuery, sizeBytes, contentSHA256, lengthRunes, projectID, id)
	if err != nil {
		return fmt.Errorf("finalize source text: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalize source text: %w", err)
	}
	if rows == 0 {
		if _, err := s.Get(ctx, projectID, id); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return repo.ErrNotFound
			}
			return err
		}
		return repo.ErrInvalidTransition
	}
	return nil
}

func scanSourceText(scanner runScanner) (domain.SourceText, error) {
	var text domain.SourceText
	var sizeBytes sql.NullInt64
	var contentSHA256 sql.NullString
	var lengthRunes sql.NullInt64
	var metadataJSON []byte
	if err := scanner.Scan(
		&text.ID,
		&text.ProjectID,
		&text.Title,
		&text.ObjectKey,
		&sizeBytes,
		&contentSHA256,
		&lengthRunes,
		&metadataJSON,
		&text.CreatedAt,
	); err != nil {
		return domain.SourceText{}, handleNotFound(err)
	}
	if sizeBytes.Valid {
		text.SizeBytes = sizeBytes.Int64
	}
	text.ContentSHA256 = strings.TrimSpace(contentSHA256.String)
	if lengthRunes.Valid {
		text.LengthRunes = int(lengthRunes.Int64)
	}
	meta, err := decodeMetadata(metadataJSON)
	if err != nil {
		return domain.SourceText{}, fmt.Errorf("decode metadata: %w", err)
	}
	text.Metadata = meta
	return text, nil
}
