package ledger

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/commitbot/internal/models"
	"github.com/joescharf/commitbot/internal/store"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return New(s)
}

func startRun(t *testing.T, l *Ledger, pr int) *models.Run {
	t.Helper()
	r := &models.Run{
		Repo:      models.Repo{Owner: "acme", Name: "app"},
		EventKind: models.EventPullRequestOpened,
		CommitID:  "abc",
		PRNumber:  pr,
		RunType:   models.RunTypeFull,
		Tasks:     map[models.TaskName]models.TaskOutcome{},
	}
	require.NoError(t, l.Start(context.Background(), r))
	return r
}

func TestStart(t *testing.T) {
	l := newTestLedger(t)
	r := startRun(t, l, 3)

	assert.NotEmpty(t, r.ID)
	assert.Equal(t, models.RunStatusRunning, r.Status)
	assert.Equal(t, 1, l.ActiveCount())

	got, err := l.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, got.Status)
}

func TestStart_PersistsInitialTasks(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	r := &models.Run{
		EventKind: models.EventPush,
		CommitID:  "abc",
		RunType:   models.RunTypeSkipTrivial,
		Tasks: map[models.TaskName]models.TaskOutcome{
			models.TaskReview: {Task: models.TaskReview, Status: models.TaskStatusSkipped, Message: "Empty diff"},
		},
	}
	require.NoError(t, l.Start(ctx, r))
	l.Abandon(r.ID)

	got, err := l.Get(ctx, r.ID)
	require.NoError(t, err)
	require.Contains(t, got.Tasks, models.TaskReview)
	assert.Equal(t, "Empty diff", got.Tasks[models.TaskReview].Message)
}

func TestRecord_ConcurrentNoLostUpdates(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	r := startRun(t, l, 0)

	const n = 24
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := l.Record(ctx, r.ID, models.TaskOutcome{
				Task:   models.TaskName(fmt.Sprintf("task-%02d", i)),
				Status: models.TaskStatusSuccess,
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	snap, ok := l.Snapshot(r.ID)
	require.True(t, ok)
	assert.Len(t, snap.Tasks, n)

	final, err := l.Finalize(ctx, r.ID, Final{Status: models.RunStatusCompleted})
	require.NoError(t, err)
	assert.Len(t, final.Tasks, n)

	persisted, err := l.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Len(t, persisted.Tasks, n)
}

func TestFinalize_ExactlyOnce(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	r := startRun(t, l, 0)

	final, err := l.Finalize(ctx, r.ID, Final{
		Status:       models.RunStatusCompletedWithIssues,
		Summary:      "doc_update failed",
		Metrics:      models.RunMetrics{ChangedLines: 12},
		Publications: []models.Publication{{Task: models.TaskReview, Kind: "comment"}},
	})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompletedWithIssues, final.Status)
	require.NotNil(t, final.FinishedAt)
	assert.Equal(t, 0, l.ActiveCount())

	_, err = l.Finalize(ctx, r.ID, Final{Status: models.RunStatusCompleted})
	assert.True(t, errors.Is(err, ErrRunNotActive))

	err = l.Record(ctx, r.ID, models.TaskOutcome{Task: models.TaskReview, Status: models.TaskStatusSuccess})
	assert.True(t, errors.Is(err, ErrRunNotActive))

	got, err := l.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompletedWithIssues, got.Status)
	assert.Equal(t, 12, got.Metrics.ChangedLines)
	assert.Equal(t, "doc_update failed", got.Summary)
}

func TestFinalize_RejectsRunning(t *testing.T) {
	l := newTestLedger(t)
	r := startRun(t, l, 0)

	_, err := l.Finalize(context.Background(), r.ID, Final{Status: models.RunStatusRunning})
	assert.Error(t, err)
	assert.Equal(t, 1, l.ActiveCount())
}

func TestAbandon_LeavesRunning(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	r := startRun(t, l, 0)

	l.Abandon(r.ID)
	_, ok := l.Snapshot(r.ID)
	assert.False(t, ok)

	got, err := l.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, got.Status)

	l.now = func() time.Time { return time.Now().Add(time.Hour) }
	stuck, err := l.Stuck(ctx, 30*time.Minute)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, r.ID, stuck[0].ID)
}

func TestReadQueries(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	a := startRun(t, l, 5)
	startRun(t, l, 6)
	c := startRun(t, l, 5)
	_, err := l.Finalize(ctx, a.ID, Final{Status: models.RunStatusFailed})
	require.NoError(t, err)

	recent, err := l.Recent(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	byPR, err := l.ByPullRequest(ctx, 5, 0)
	require.NoError(t, err)
	require.Len(t, byPR, 2)
	assert.ElementsMatch(t, []string{a.ID, c.ID}, []string{byPR[0].ID, byPR[1].ID})

	failed, err := l.ByStatus(ctx, models.RunStatusFailed, 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, a.ID, failed[0].ID)

	counts, err := l.StatusCounts(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, counts[models.RunStatusRunning])
	assert.Equal(t, 1, counts[models.RunStatusFailed])
}
