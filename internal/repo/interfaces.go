package repo

import (
	"context"
	"errors"
	"time"

	"github.com/storyreel-labs/storyreel-go/internal/domain"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when a write would move a run
	// backwards or out of a terminal status.
	ErrInvalidTransition = errors.New("invalid status transition")
)

type ProjectFilter struct {
	Name      string
	CreatedBy string
	Limit     int
}

type CharacterFilter struct {
	ProjectID string
	Name      string
	Limit     int
}

type SourceTextFilter struct {
	ProjectID string
	Limit     int
}

type RunFilter struct {
	ProjectID    string
	SourceTextID string
	Status       string
	Limit        int
}

// RunRecord is the persisted form of an execution record. Plan and Steps
// hold codec-encoded JSON owned by the pipeline packages; scalar columns
// exist for filtering and status reads.
type RunRecord struct {
	ID              string
	ProjectID       string
	SourceTextID    string
	Status          string
	Progress        int
	CurrentStage    string
	LoopState       string
	CurrentSegment  int
	AnchorRef       string
	Plan            []byte
	PlanFingerprint string
	Steps           []byte
	Result          []byte
	ErrorMessage    string
	StartedAt       time.Time
	EndedAt         *time.Time
	CreatedAt       time.Time
}

// StepAttemptRecord is one terminal attempt of a plan stage within a run.
type StepAttemptRecord struct {
	ID              string
	ProjectID       string
	RunID           string
	StageID         string
	Attempt         int
	Status          string
	StartedAt       time.Time
	FinishedAt      *time.Time
	ErrorCode       string
	ErrorMessage    string
	Output          []byte
	PlanFingerprint string
}

// PrunedRun identifies a terminal run removed by retention.
type PrunedRun struct {
	ID     string
	Status string
}

// RunRepository persists pipeline runs. CreateRun reports false when an
// active run already holds the (project, source text) slot.
type RunRepository interface {
	CreateRun(ctx context.Context, record RunRecord) (RunRecord, bool, error)
	GetRun(ctx context.Context, id string) (RunRecord, error)
	GetActiveRunBySourceText(ctx context.Context, projectID, sourceTextID string) (RunRecord, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]RunRecord, error)
	SaveSnapshot(ctx context.Context, record RunRecord) error
	ListActiveRuns(ctx context.Context) ([]string, error)
	PruneTerminalRuns(ctx context.Context, endedBefore time.Time) ([]PrunedRun, error)
}

// StepRepository keeps the append-only attempt trail for run stages.
type StepRepository interface {
	InsertAttempt(ctx context.Context, record StepAttemptRecord) (StepAttemptRecord, bool, error)
	ListByRun(ctx context.Context, runID string) ([]StepAttemptRecord, error)
}

// SegmentRepository manages the segment list of a run.
type SegmentRepository interface {
	ReplaceForRun(ctx context.Context, projectID, runID string, segments []domain.Segment) error
	GetSegment(ctx context.Context, runID string, index int) (domain.Segment, error)
	ListByRun(ctx context.Context, runID string) ([]domain.Segment, error)
	UpdateText(ctx context.Context, runID string, index int, text string, overlong bool) error
	UpdateMeta(ctx context.Context, runID string, index int, meta domain.SegmentMeta) error
}

// CheckpointRepository ensures append-only confirmation writes. Append
// reports false when the segment already has an identical checkpoint.
type CheckpointRepository interface {
	Append(ctx context.Context, checkpoint domain.ConfirmationCheckpoint) (domain.ConfirmationCheckpoint, bool, error)
	ListByRun(ctx context.Context, runID string) ([]domain.ConfirmationCheckpoint, error)
	Latest(ctx context.Context, runID string) (domain.ConfirmationCheckpoint, error)
}

// ProjectRepository manages projects.
type ProjectRepository interface {
	Create(ctx context.Context, project domain.Project) error
	Get(ctx context.Context, id string) (domain.Project, error)
	List(ctx context.Context, filter ProjectFilter) ([]domain.Project, error)
}

// CharacterRepository manages the reusable cast of a project.
type CharacterRepository interface {
	Create(ctx context.Context, character domain.Character) error
	Get(ctx context.Context, projectID, id string) (domain.Character, error)
	List(ctx context.Context, filter CharacterFilter) ([]domain.Character, error)
	SetPortraitKey(ctx context.Context, projectID, id, key string) error
}

// SourceTextRepository manages uploaded narrative documents. Finalize fixes
// the content fields exactly once.
type SourceTextRepository interface {
	Create(ctx context.Context, text domain.SourceText) error
	Get(ctx context.Context, projectID, id string) (domain.SourceText, error)
	List(ctx context.Context, filter SourceTextFilter) ([]domain.SourceText, error)
	Finalize(ctx context.Context, projectID, id string, sizeBytes int64, contentSHA256 string, lengthRunes int) error
}
