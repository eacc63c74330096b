package store

import (
	"context"
	"errors"
	"time"

	"github.com/joescharf/commitbot/internal/models"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

// RunFilter specifies filters for listing runs. Zero values match everything.
type RunFilter struct {
	Repo     string
	PRNumber int
	CommitID string
	Status   models.RunStatus
	Since    time.Time
	Limit    int
}

// Store defines the persistence interface for the run ledger.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, r *models.Run) error
	FinishRun(ctx context.Context, r *models.Run) error
	GetRun(ctx context.Context, id string) (*models.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*models.Run, error)
	ListStuckRuns(ctx context.Context, startedBefore time.Time) ([]*models.Run, error)
	CountRunsByStatus(ctx context.Context, since time.Time) (map[models.RunStatus]int, error)

	// Task outcomes
	UpsertTask(ctx context.Context, runID string, o models.TaskOutcome) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
