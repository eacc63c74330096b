package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/commitbot/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	err = s.Migrate(context.Background())
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })
	return s
}

func newRun(commit string, pr int, created time.Time) *models.Run {
	return &models.Run{
		Repo:      models.Repo{Owner: "acme", Name: "app"},
		EventKind: models.EventPullRequestSynchronized,
		CommitID:  commit,
		Branch:    "feature",
		PRNumber:  pr,
		RunType:   models.RunTypeFull,
		Status:    models.RunStatusRunning,
		Tasks:     map[models.TaskName]models.TaskOutcome{},
		CreatedAt: created,
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "subdir", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(filepath.Join(dir, "subdir"))
	assert.NoError(t, err, "should create parent directory")
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Migrate(context.Background()))
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := newRun("abc123", 7, time.Time{})
	r.Tasks[models.TaskReview] = models.TaskOutcome{
		Task:    models.TaskReview,
		Status:  models.TaskStatusSkipped,
		Message: "No code changes to review",
	}
	require.NoError(t, s.CreateRun(ctx, r))
	assert.NotEmpty(t, r.ID)
	assert.False(t, r.CreatedAt.IsZero())

	got, err := s.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, got.Status)
	assert.Equal(t, "acme/app", got.Repo.String())
	assert.Equal(t, 7, got.PRNumber)
	assert.Nil(t, got.FinishedAt)
	require.Contains(t, got.Tasks, models.TaskReview)
	assert.Equal(t, models.TaskStatusSkipped, got.Tasks[models.TaskReview].Status)

	require.NoError(t, s.UpsertTask(ctx, r.ID, models.TaskOutcome{
		Task:        models.TaskDocUpdate,
		Status:      models.TaskStatusFailed,
		ErrorKind:   models.ErrorKindPermanent,
		ErrorReason: models.ReasonBackendMisconfigured,
		Message:     "not found",
		Usage:       models.Usage{Backend: "reviewer", InputTokens: 12},
	}))

	now := time.Now()
	r.Status = models.RunStatusFailed
	r.Summary = "suppressed"
	r.FinishedAt = &now
	r.Metrics = models.RunMetrics{ChangedLines: 40, FilesChanged: 2}
	r.Publications = []models.Publication{{Task: models.TaskReview, Kind: "comment", URL: "https://x"}}
	require.NoError(t, s.FinishRun(ctx, r))

	got, err = s.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, got.Status)
	assert.Equal(t, "suppressed", got.Summary)
	require.NotNil(t, got.FinishedAt)
	assert.Equal(t, 40, got.Metrics.ChangedLines)
	require.Len(t, got.Publications, 1)
	assert.Equal(t, "https://x", got.Publications[0].URL)
	assert.Len(t, got.Tasks, 2)
	doc := got.Tasks[models.TaskDocUpdate]
	assert.Equal(t, models.ReasonBackendMisconfigured, doc.ErrorReason)
	assert.Equal(t, int64(12), doc.Usage.InputTokens)
}

func TestUpsertTask_Replaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := newRun("abc", 0, time.Time{})
	require.NoError(t, s.CreateRun(ctx, r))

	require.NoError(t, s.UpsertTask(ctx, r.ID, models.TaskOutcome{Task: models.TaskReview, Status: models.TaskStatusFailed}))
	require.NoError(t, s.UpsertTask(ctx, r.ID, models.TaskOutcome{Task: models.TaskReview, Status: models.TaskStatusSuccess}))

	got, err := s.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Len(t, got.Tasks, 1)
	assert.Equal(t, models.TaskStatusSuccess, got.Tasks[models.TaskReview].Status)
}

func TestUpsertTask_UnknownRun(t *testing.T) {
	s := newTestStore(t)
	err := s.UpsertTask(context.Background(), "missing", models.TaskOutcome{Task: models.TaskReview, Status: models.TaskStatusSuccess})
	assert.Error(t, err, "foreign key should reject tasks for unknown runs")
}

func TestGetRun_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRun(context.Background(), "nope")
	assert.True(t, IsNotFound(err))

	err = s.FinishRun(context.Background(), &models.Run{ID: "nope", Status: models.RunStatusCompleted})
	assert.True(t, IsNotFound(err))
}

func TestListRuns_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i, pr := range []int{1, 2, 1, 0} {
		r := newRun("c"+string(rune('a'+i)), pr, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, s.CreateRun(ctx, r))
		if i == 3 {
			r.Status = models.RunStatusCompleted
			require.NoError(t, s.FinishRun(ctx, r))
		}
	}

	all, err := s.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "cd", all[0].CommitID, "newest first")

	limited, err := s.ListRuns(ctx, RunFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	byPR, err := s.ListRuns(ctx, RunFilter{PRNumber: 1})
	require.NoError(t, err)
	require.Len(t, byPR, 2)
	assert.Equal(t, "cc", byPR[0].CommitID)

	completed, err := s.ListRuns(ctx, RunFilter{Status: models.RunStatusCompleted})
	require.NoError(t, err)
	assert.Len(t, completed, 1)

	byRepo, err := s.ListRuns(ctx, RunFilter{Repo: "acme/app", CommitID: "cb"})
	require.NoError(t, err)
	assert.Len(t, byRepo, 1)

	none, err := s.ListRuns(ctx, RunFilter{Repo: "other/repo"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestListStuckRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := newRun("old", 0, time.Now().Add(-2*time.Hour))
	fresh := newRun("fresh", 0, time.Now())
	done := newRun("done", 0, time.Now().Add(-3*time.Hour))
	for _, r := range []*models.Run{old, fresh, done} {
		require.NoError(t, s.CreateRun(ctx, r))
	}
	done.Status = models.RunStatusCompleted
	require.NoError(t, s.FinishRun(ctx, done))

	stuck, err := s.ListStuckRuns(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, "old", stuck[0].CommitID)
}

func TestCountRunsByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, st := range []models.RunStatus{models.RunStatusCompleted, models.RunStatusCompleted, models.RunStatusFailed} {
		r := newRun("x", 0, time.Time{})
		require.NoError(t, s.CreateRun(ctx, r))
		r.Status = st
		require.NoError(t, s.FinishRun(ctx, r))
	}

	counts, err := s.CountRunsByStatus(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, counts[models.RunStatusCompleted])
	assert.Equal(t, 1, counts[models.RunStatusFailed])
	assert.Zero(t, counts[models.RunStatusRunning])
}

func TestNewID_Sortable(t *testing.T) {
	a := NewID()
	b := NewID()
	assert.Len(t, a, 26)
	assert.Less(t, a, b)
}
