package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/storyreel-labs/storyreel-go/internal/domain"
	"github.com/storyreel-labs/storyreel-go/internal/repo"
)

type CharacterStore struct {
	db DB
}

func NewCharacterStore(db DB) *CharacterStore {
	if db == nil {
		return nil
	}
	return &CharacterStore{db: db}
}

func (s *CharacterStore) Create(ctx context.Context, character domain.Character) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("character store not initialized")
	}
	if err := character.Validate(); err != nil {
		return err
	}
	traitsJSON, err := encodeTraits(character.Traits)
	if err != nil {
		return fmt.Errorf("encode traits: %w", err)
	}
	metadataJSON, err := encodeMetadata(character.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	createdAt := normalizeTime(character.CreatedAt)
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO characters (
			character_id,
			project_id,
			name,
			traits,
			portrait_key,
			metadata,
			created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		strings.TrimSpace(character.ID),
		strings.TrimSpace(character.ProjectID),
		strings.TrimSpace(character.Name),
		traitsJSON,
		nullIfEmpty(character.PortraitKey),
		metadataJSON,
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert character: %w", err)
	}
	return nil
}

func (s *CharacterStore) Get(ctx context.Context, projectID, id string) (domain.Character, error) {
	if s == nil || s.db == nil {
		return domain.Character{}, fmt.Errorf("character store not initialized")
	}
	projectID = strings.TrimSpace(projectID)
	id = strings.TrimSpace(id)
	if projectID == "" {
		return domain.Character{}, fmt.Errorf("project id is required")
	}
	if id == "" {
		return domain.Character{}, fmt.Errorf("character id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT character_id, project_id, name, traits, portrait_key, metadata, created_at
		 FROM characters
		 WHERE project_id = $1 AND character_id = $2`,
		projectID,
		id,
	)
	return scanCharacter(row)
}

func (s *CharacterStore) List(ctx context.Context, filter repo.CharacterFilter) ([]domain.Character, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("character store not initialized")
	}
	if strings.TrimSpace(filter.ProjectID) == "" {
		return nil, fmt.Errorf("project id is required")
	}
	clauses := make([]string, 0, 2)
	args := make([]any, 0, 2)

	args = append(args, strings.TrimSpace(filter.ProjectID))
	clauses = append(clauses, fmt.Sprintf("project_id = $%d", len(args)))
	if strings.TrimSpace(filter.Name) != "" {
		args = append(args, strings.TrimSpace(filter.Name))
		clauses = append(clauses, fmt.Sprintf("name = $%d", len(args)))
	}

	query := `SELECT character_id, project_id, name, traits, portrait_key, metadata, created_at
		FROM characters WHERE ` + strings.Join(clauses, " AND ")
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list characters: %w", err)
	}
	defer rows.Close()

	characters := make([]domain.Character, 0)
	for rows.Next() {
		character, err := scanCharacter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan character: %w", err)
		}
		characters = append(characters, character)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list characters: %w", err)
	}
	return characters, nil
}

func (s *CharacterStore) SetPortraitKey(ctx context.Context, projectID, id, key string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("character store not initialized")
	}
	projectID = strings.TrimSpace(projectID)
	id = strings.TrimSpace(id)
	key = strings.TrimSpace(key)
	if projectID == "" {
		return fmt.Errorf("project id is required")
	}
	if id == "" {
		return fmt.Errorf("character id is required")
	}
	if key == "" {
		return fmt.Errorf("portrait key is required")
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE characters SET portrait_key = $1 WHERE project_id = $2 AND character_id = $3`,
		key,
		projectID,
		id,
	)
	if err != nil {
		return fmt.Errorf("set portrait key: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set portrait key: %w", err)
	}
	if rows == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func encodeTraits(traits []string) ([]byte, error) {
	out := make([]string, 0, len(traits))
	for _, trait := range traits {
		trait = strings.TrimSpace(trait)
		if trait == "" {
			continue
		}
		out = append(out, trait)
	}
	return json.Marshal(out)
}

func scanCharacter(scanner runScanner) (domain.Character, error) {
	var character domain.Character
	var traitsJSON []byte
	var portraitKey sql.NullString
	var metadataJSON []byte
	if err := scanner.Scan(
		&character.ID,
		&character.ProjectID,
		&character.Name,
		&traitsJSON,
		&portraitKey,
		&metadataJSON,
		&character.CreatedAt,
	); err != nil {
		return domain.Character{}, handleNotFound(err)
	}
	if len(traitsJSON) > 0 {
		if err := json.Unmarshal(traitsJSON, &character.Traits); err != nil {
			return domain.Character{}, fmt.Errorf("decode traits: %w", err)
		}
	}
	character.PortraitKey = strings.TrimSpace(portraitKey.String)
	meta, err := decodeMetadata(metadataJSON)
	if err != nil {
		return domain.Character{}, fmt.Errorf("decode metadata: %w", err)
	}
	character.Metadata = meta
	return character, nil
}
