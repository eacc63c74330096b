package cmd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/commitbot/internal/models"
	"github.com/joescharf/commitbot/internal/store"
)

func resetRunFlags(t *testing.T) {
	t.Helper()
	runPath, runRepo, runPR, runEvent, runLocal, runSource = ".", "", 0, "", false, diffSource{}
	t.Cleanup(func() {
		runPath, runRepo, runPR, runEvent, runLocal, runSource = ".", "", 0, "", false, diffSource{}
	})
}

func TestRunRun_LocalTrivialChange(t *testing.T) {
	testEnv(t)
	resetRunFlags(t)
	runLocal = true
	gc := &fakeGit{diff: oneLineDiff, remote: "git@github.com:acme/app.git", branch: "main"}

	require.NoError(t, runRun(context.Background(), gc, "HEAD"))

	s, err := getStore()
	require.NoError(t, err)
	runs, err := s.ListRuns(context.Background(), store.RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunTypeSkipTrivial, runs[0].RunType)
	assert.Equal(t, models.EventPush, runs[0].EventKind)
	assert.Equal(t, "acme/app", runs[0].Repo.String())
	assert.Equal(t, "main", runs[0].Branch)
	assert.Contains(t, outBuf().String(), runs[0].ID)
}

func TestRunRun_BotBranchIgnored(t *testing.T) {
	testEnv(t)
	resetRunFlags(t)
	runLocal = true
	gc := &fakeGit{diff: codeDiff, remote: "https://github.com/acme/app.git", branch: "commitbot/docs-abc"}

	require.NoError(t, runRun(context.Background(), gc, "HEAD"))

	s, err := getStore()
	require.NoError(t, err)
	runs, err := s.ListRuns(context.Background(), store.RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
	assert.Contains(t, outBuf().String(), "Nothing to do")
}

func TestRunRun_SourceFlagsNeedLocal(t *testing.T) {
	testEnv(t)
	resetRunFlags(t)
	runSource.Working = true

	err := runRun(context.Background(), &fakeGit{}, "HEAD")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "require --local")
}

func TestLocalEvent(t *testing.T) {
	resetRunFlags(t)
	gc := &fakeGit{remote: "git@github.com:acme/app.git", branch: "feature"}

	ev, err := localEvent(gc, "HEAD")
	require.NoError(t, err)
	assert.Equal(t, models.EventPush, ev.Kind)
	assert.Equal(t, models.Repo{Owner: "acme", Name: "app"}, ev.Repo)
	assert.Equal(t, "feature", ev.Branch)
	assert.Equal(t, "change HEAD", ev.CommitMessage)

	runPR = 12
	ev, err = localEvent(gc, "HEAD")
	require.NoError(t, err)
	assert.Equal(t, models.EventPullRequestSynchronized, ev.Kind)
	assert.Equal(t, 12, ev.PRNumber)

	runRepo = "other/repo"
	ev, err = localEvent(gc, "HEAD")
	require.NoError(t, err)
	assert.Equal(t, "other/repo", ev.Repo.String())
}

func TestLocalEvent_Errors(t *testing.T) {
	resetRunFlags(t)
	gc := &fakeGit{branch: "main"}

	_, err := localEvent(gc, "HEAD")
	require.Error(t, err, "no origin remote")

	gc.remote = "git@github.com:acme/app.git"
	runEvent = string(models.EventPullRequestOpened)
	_, err = localEvent(gc, "HEAD")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires --pr")

	runEvent = "issue_comment"
	_, err = localEvent(gc, "HEAD")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported event")
}
