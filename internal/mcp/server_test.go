package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/commitbot/internal/diff"
	"github.com/joescharf/commitbot/internal/ledger"
	"github.com/joescharf/commitbot/internal/models"
	"github.com/joescharf/commitbot/internal/orchestrator"
	"github.com/joescharf/commitbot/internal/store"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type mockRetrier struct {
	got string
	err error
}

func (m *mockRetrier) Retry(_ context.Context, runID string) (*orchestrator.RunResult, error) {
	m.got = runID
	if m.err != nil {
		return nil, m.err
	}
	return &orchestrator.RunResult{Success: true, RunID: "retried", Status: models.RunStatusCompleted}, nil
}

func newTestServer(t *testing.T, retrier Retrier) (*Server, *ledger.Ledger) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "mcp.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	analyzer, err := diff.NewAnalyzer(diff.DefaultOptions())
	require.NoError(t, err)

	l := ledger.New(s)
	return NewServer(l, analyzer, retrier, 0, "test"), l
}

func seedRun(t *testing.T, l *ledger.Ledger, pr int, status models.RunStatus) string {
	t.Helper()
	r := &models.Run{
		Repo:      models.Repo{Owner: "acme", Name: "app"},
		EventKind: models.EventPullRequestOpened,
		CommitID:  fmt.Sprintf("sha%d", pr),
		PRNumber:  pr,
		RunType:   models.RunTypeFull,
		Tasks: map[models.TaskName]models.TaskOutcome{
			models.TaskReview: {Task: models.TaskReview, Status: models.TaskStatusSuccess},
		},
	}
	require.NoError(t, l.Start(context.Background(), r))
	if status != models.RunStatusRunning {
		_, err := l.Finalize(context.Background(), r.ID, ledger.Final{Status: status})
		require.NoError(t, err)
	}
	return r.ID
}

// callToolReq builds a mcpgo.CallToolRequest with the given name and arguments.
func callToolReq(name string, args map[string]any) mcpgo.CallToolRequest {
	return mcpgo.CallToolRequest{
		Params: mcpgo.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// resultText extracts the concatenated text from a CallToolResult.
func resultText(t *testing.T, result *mcpgo.CallToolResult) string {
	t.Helper()
	var b strings.Builder
	for _, c := range result.Content {
		tc, ok := c.(mcpgo.TextContent)
		if ok {
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}

// resultJSON parses the text result as JSON into the provided target.
func resultJSON(t *testing.T, result *mcpgo.CallToolResult, target any) {
	t.Helper()
	text := resultText(t, result)
	err := json.Unmarshal([]byte(text), target)
	require.NoError(t, err, "failed to parse result JSON: %s", text)
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestNewServer(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	require.NotNil(t, srv.MCPServer())
}

func TestHandleListRuns(t *testing.T) {
	srv, l := newTestServer(t, nil)
	seedRun(t, l, 1, models.RunStatusCompleted)
	seedRun(t, l, 2, models.RunStatusFailed)
	ctx := context.Background()

	result, err := srv.handleListRuns(ctx, callToolReq("commitbot_list_runs", nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var runs []map[string]any
	resultJSON(t, result, &runs)
	assert.Len(t, runs, 2)

	result, err = srv.handleListRuns(ctx, callToolReq("commitbot_list_runs", map[string]any{"status": "failed"}))
	require.NoError(t, err)
	resultJSON(t, result, &runs)
	require.Len(t, runs, 1)
	assert.Equal(t, float64(2), runs[0]["pr_number"])
	assert.Equal(t, "acme/app", runs[0]["repo"])
}

func TestHandleGetRun(t *testing.T) {
	srv, l := newTestServer(t, nil)
	id := seedRun(t, l, 3, models.RunStatusCompleted)
	ctx := context.Background()

	result, err := srv.handleGetRun(ctx, callToolReq("commitbot_get_run", map[string]any{"run_id": id}))
	require.NoError(t, err)
	var run models.Run
	resultJSON(t, result, &run)
	assert.Equal(t, id, run.ID)
	assert.Equal(t, models.TaskStatusSuccess, run.Tasks[models.TaskReview].Status)

	result, err = srv.handleGetRun(ctx, callToolReq("commitbot_get_run", map[string]any{"run_id": "missing"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "run not found")

	result, err = srv.handleGetRun(ctx, callToolReq("commitbot_get_run", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleAnalyzeDiff(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	ctx := context.Background()

	d := "diff --git a/README.md b/README.md\n--- a/README.md\n+++ b/README.md\n@@ -1 +1,2 @@\n+one\n+two\n"
	result, err := srv.handleAnalyzeDiff(ctx, callToolReq("commitbot_analyze_diff", map[string]any{"diff": d}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var out struct {
		Analysis diff.Analysis `json:"analysis"`
		Decision struct {
			RunType string `json:"run_type"`
		} `json:"decision"`
	}
	resultJSON(t, result, &out)
	assert.True(t, out.Analysis.IsTrivial)
	assert.Equal(t, "skip_trivial", out.Decision.RunType)

	result, err = srv.handleAnalyzeDiff(ctx, callToolReq("commitbot_analyze_diff", map[string]any{"diff": d, "event": "issues"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleRetryRun(t *testing.T) {
	retrier := &mockRetrier{}
	srv, _ := newTestServer(t, retrier)
	ctx := context.Background()

	result, err := srv.handleRetryRun(ctx, callToolReq("commitbot_retry_run", map[string]any{"run_id": "r1"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "r1", retrier.got)
	assert.Contains(t, resultText(t, result), "retried")

	retrier.err = errors.New("boom")
	result, err = srv.handleRetryRun(ctx, callToolReq("commitbot_retry_run", map[string]any{"run_id": "r1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleRetryRun_Unavailable(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	result, err := srv.handleRetryRun(context.Background(), callToolReq("commitbot_retry_run", map[string]any{"run_id": "r1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "unavailable")
}

func TestHandleStatus(t *testing.T) {
	srv, l := newTestServer(t, nil)
	seedRun(t, l, 1, models.RunStatusCompleted)
	seedRun(t, l, 2, models.RunStatusRunning)

	result, err := srv.handleStatus(context.Background(), callToolReq("commitbot_status", nil))
	require.NoError(t, err)

	var out struct {
		Counts map[string]int `json:"counts"`
		Health struct {
			Runs int `json:"runs"`
		} `json:"health"`
	}
	resultJSON(t, result, &out)
	assert.Equal(t, 1, out.Counts["completed"])
	assert.Equal(t, 1, out.Counts["running"])
	assert.Equal(t, 2, out.Health.Runs)
}
