package domain

import (
	"errors"
	"strings"
	"time"
)

// Project groups source texts, characters, and runs.
type Project struct {
	ID          string
	Name        string
	Description string
	CreatedAt   time.Time
	CreatedBy   string
	Metadata    Metadata
}

// Character is a reusable cast entry whose portrait anchors identity across
// generated images.
type Character struct {
	ID          string
	ProjectID   string
	Name        string
	Traits      []string
	PortraitKey string
	CreatedAt   time.Time
	Metadata    Metadata
}

// SourceText is an uploaded narrative document. Content fields are fixed
// once the upload is finalized.
type SourceText struct {
	ID            string
	ProjectID     string
	Title         string
	ObjectKey     string
	SizeBytes     int64
	ContentSHA256 string
	LengthRunes   int
	CreatedAt     time.Time
	Metadata      Metadata
}

func (p Project) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("project id is required")
	}
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("project name is required")
	}
	return nil
}

func (c Character) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("character id is required")
	}
	if strings.TrimSpace(c.ProjectID) == "" {
		return errors.New("character project id is required")
	}
	if strings.TrimSpace(c.Name) == "" {
		return errors.New("character name is required")
	}
	return nil
}

func (t SourceText) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return errors.New("source text id is required")
	}
	if strings.TrimSpace(t.ProjectID) == "" {
		return errors.New("source text project id is required")
	}
	if strings.TrimSpace(t.Title) == "" {
		return errors.New("source text title is required")
	}
	return nil
}
