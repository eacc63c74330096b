// Package ledger is the durable record of every run. It owns in-flight runs,
// serializes task outcome writes per run, and finalizes each run exactly once.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/joescharf/commitbot/internal/models"
	"github.com/joescharf/commitbot/internal/store"
)

// ErrRunNotActive is returned when writing to a run that was never started,
// has already been finalized, or was abandoned.
var ErrRunNotActive = errors.New("run is not active")

// Final holds the run-level fields written at finalization.
type Final struct {
	Status       models.RunStatus
	Summary      string
	Metrics      models.RunMetrics
	Publications []models.Publication
}

// Ledger wraps a Store with the in-memory state of runs that are in flight.
type Ledger struct {
	store store.Store
	now   func() time.Time

	mu     sync.Mutex
	active map[string]*models.Run
}

// New creates a ledger backed by s.
func New(s store.Store) *Ledger {
	return &Ledger{
		store:  s,
		now:    time.Now,
		active: make(map[string]*models.Run),
	}
}

// Start persists a new run with status running and tracks it as active. Task
// outcomes already present on r are persisted with it. The assigned ID and creation
// time are written back to r.
func (l *Ledger) Start(ctx context.Context, r *models.Run) error {
	run := r.Clone()
	run.Status = models.RunStatusRunning
	run.FinishedAt = nil
	if run.CreatedAt.IsZero() {
		run.CreatedAt = l.now().UTC()
	}
	for name, o := range run.Tasks {
		if o.FinishedAt.IsZero() {
			o.FinishedAt = run.CreatedAt
			run.Tasks[name] = o
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if run.ID != "" {
		if _, exists := l.active[run.ID]; exists {
			return fmt.Errorf("run %s already active", run.ID)
		}
	}
	if err := l.store.CreateRun(ctx, run); err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	l.active[run.ID] = run

	r.ID = run.ID
	r.CreatedAt = run.CreatedAt
	r.Status = run.Status
	return nil
}

// Record stores one task outcome. Concurrent calls for different tasks of the same
// run never lose updates: the map entry and its persisted row are written under the
// ledger lock. The in-memory entry is kept even if persistence fails so finalization
// sees every outcome.
func (l *Ledger) Record(ctx context.Context, runID string, o models.TaskOutcome) error {
	if o.FinishedAt.IsZero() {
		o.FinishedAt = l.now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	run, ok := l.active[runID]
	if !ok {
		return fmt.Errorf("record %s on run %s: %w", o.Task, runID, ErrRunNotActive)
	}
	run.Tasks[o.Task] = o

	if err := l.store.UpsertTask(ctx, runID, o); err != nil {
		return fmt.Errorf("record %s on run %s: %w", o.Task, runID, err)
	}
	return nil
}

// Finalize moves an active run to a terminal status and stops tracking it. It
// succeeds at most once per run.
func (l *Ledger) Finalize(ctx context.Context, runID string, f Final) (*models.Run, error) {
	if !f.Status.Terminal() {
		return nil, fmt.Errorf("finalize run %s: status %q is not terminal", runID, f.Status)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	run, ok := l.active[runID]
	if !ok {
		return nil, fmt.Errorf("finalize run %s: %w", runID, ErrRunNotActive)
	}

	now := l.now().UTC()
	run.Status = f.Status
	run.Summary = f.Summary
	run.Metrics = f.Metrics
	run.Publications = f.Publications
	run.FinishedAt = &now
	delete(l.active, runID)

	if err := l.store.FinishRun(ctx, run); err != nil {
		return run.Clone(), fmt.Errorf("finalize run %s: %w", runID, err)
	}
	return run.Clone(), nil
}

// Abandon stops tracking a run without writing a terminal status. The persisted run
// stays running and is reported by Stuck once it is old enough.
func (l *Ledger) Abandon(runID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.active, runID)
}

// Snapshot returns a copy of an active run.
func (l *Ledger) Snapshot(runID string) (*models.Run, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	run, ok := l.active[runID]
	if !ok {
		return nil, false
	}
	return run.Clone(), true
}

// ActiveCount returns the number of runs in flight in this process.
func (l *Ledger) ActiveCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.active)
}

// Get returns a run by ID, preferring the in-flight copy.
func (l *Ledger) Get(ctx context.Context, runID string) (*models.Run, error) {
	if run, ok := l.Snapshot(runID); ok {
		return run, nil
	}
	return l.store.GetRun(ctx, runID)
}

// Recent returns the most recent runs, newest first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]*models.Run, error) {
	return l.store.ListRuns(ctx, store.RunFilter{Limit: limit})
}

// ByPullRequest returns runs associated with a pull request, newest first.
func (l *Ledger) ByPullRequest(ctx context.Context, prNumber, limit int) ([]*models.Run, error) {
	return l.store.ListRuns(ctx, store.RunFilter{PRNumber: prNumber, Limit: limit})
}

// ByStatus returns runs with the given status, newest first.
func (l *Ledger) ByStatus(ctx context.Context, status models.RunStatus, limit int) ([]*models.Run, error) {
	return l.store.ListRuns(ctx, store.RunFilter{Status: status, Limit: limit})
}

// List returns runs matching an arbitrary filter.
func (l *Ledger) List(ctx context.Context, filter store.RunFilter) ([]*models.Run, error) {
	return l.store.ListRuns(ctx, filter)
}

// Stuck returns runs still marked running that started more than olderThan ago.
func (l *Ledger) Stuck(ctx context.Context, olderThan time.Duration) ([]*models.Run, error) {
	return l.store.ListStuckRuns(ctx, l.now().Add(-olderThan))
}

// StatusCounts returns run counts by status since the given time.
func (l *Ledger) StatusCounts(ctx context.Context, since time.Time) (map[models.RunStatus]int, error) {
	return l.store.CountRunsByStatus(ctx, since)
}
