package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/commitbot/internal/diff"
	"github.com/joescharf/commitbot/internal/health"
	"github.com/joescharf/commitbot/internal/ledger"
	"github.com/joescharf/commitbot/internal/models"
	"github.com/joescharf/commitbot/internal/orchestrator"
	"github.com/joescharf/commitbot/internal/store"
	"github.com/joescharf/commitbot/internal/trigger"
)

// Retrier starts a new run for an earlier one.
type Retrier interface {
	Retry(ctx context.Context, runID string) (*orchestrator.RunResult, error)
}

// Server exposes the run ledger and the diff analyzer as MCP tools.
type Server struct {
	ledger     *ledger.Ledger
	analyzer   *diff.Analyzer
	retrier    Retrier
	scorer     *health.Scorer
	stuckAfter time.Duration
	version    string
}

// NewServer creates the MCP server wrapper. retrier may be nil, in which case the
// retry tool reports that retries are unavailable.
func NewServer(l *ledger.Ledger, analyzer *diff.Analyzer, retrier Retrier, stuckAfter time.Duration, version string) *Server {
	if version == "" {
		version = "dev"
	}
	if stuckAfter <= 0 {
		stuckAfter = 30 * time.Minute
	}
	return &Server{
		ledger:     l,
		analyzer:   analyzer,
		retrier:    retrier,
		scorer:     health.NewScorer(),
		stuckAfter: stuckAfter,
		version:    version,
	}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("commitbot", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.listRunsTool())
	srv.AddTool(s.getRunTool())
	srv.AddTool(s.analyzeDiffTool())
	srv.AddTool(s.retryRunTool())
	srv.AddTool(s.statusTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	stdioServer := server.NewStdioServer(s.MCPServer())
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// commitbot_list_runs
func (s *Server) listRunsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("commitbot_list_runs",
		mcp.WithDescription("List recent runs, newest first. Each run has id, repo, commit, pr_number, run_type, status, summary and per-task outcomes."),
		mcp.WithNumber("limit", mcp.Description("Maximum runs to return (default 20)")),
		mcp.WithNumber("pr", mcp.Description("Only runs for this pull request number")),
		mcp.WithString("status", mcp.Description("Filter by status: running, completed, completed_with_issues, failed")),
		mcp.WithString("repo", mcp.Description("Filter by repository as owner/name")),
	)
	return tool, s.handleListRuns
}

func (s *Server) handleListRuns(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.RunFilter{
		Limit:    request.GetInt("limit", 20),
		PRNumber: request.GetInt("pr", 0),
		Status:   models.RunStatus(request.GetString("status", "")),
		Repo:     request.GetString("repo", ""),
	}
	runs, err := s.ledger.List(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list runs: %v", err)), nil
	}

	type runOut struct {
		ID        string           `json:"id"`
		Repo      string           `json:"repo"`
		CommitID  string           `json:"commit_id"`
		PRNumber  int              `json:"pr_number,omitempty"`
		RunType   models.RunType   `json:"run_type"`
		Status    models.RunStatus `json:"status"`
		Summary   string           `json:"summary,omitempty"`
		CreatedAt time.Time        `json:"created_at"`
	}
	out := make([]runOut, len(runs))
	for i, r := range runs {
		out[i] = runOut{
			ID:        r.ID,
			Repo:      r.Repo.String(),
			CommitID:  r.CommitID,
			PRNumber:  r.PRNumber,
			RunType:   r.RunType,
			Status:    r.Status,
			Summary:   r.Summary,
			CreatedAt: r.CreatedAt,
		}
	}
	return jsonResult(out)
}

// commitbot_get_run
func (s *Server) getRunTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("commitbot_get_run",
		mcp.WithDescription("Get one run with its task outcomes, metrics and publications."),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Run ID")),
	)
	return tool, s.handleGetRun
}

func (s *Server) handleGetRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: run_id"), nil
	}
	run, err := s.ledger.Get(ctx, id)
	if err != nil {
		if store.IsNotFound(err) {
			return mcp.NewToolResultError(fmt.Sprintf("run not found: %s", id)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to load run: %v", err)), nil
	}
	return jsonResult(run)
}

// commitbot_analyze_diff
func (s *Server) analyzeDiffTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("commitbot_analyze_diff",
		mcp.WithDescription("Classify a unified diff and show which tasks a change event would trigger. Nothing is run or published."),
		mcp.WithString("diff", mcp.Required(), mcp.Description("Unified diff text")),
		mcp.WithString("event", mcp.Description("Event kind: pull_request_opened (default), pull_request_synchronized, pull_request_reopened, push")),
	)
	return tool, s.handleAnalyzeDiff
}

func (s *Server) handleAnalyzeDiff(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	diffText, err := request.RequireString("diff")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: diff"), nil
	}
	kind := models.EventKind(request.GetString("event", string(models.EventPullRequestOpened)))
	tag := trigger.TagForKind(kind)
	if tag == trigger.TagUnsupported {
		return mcp.NewToolResultError(fmt.Sprintf("unsupported event: %s", kind)), nil
	}

	a := s.analyzer.Analyze(diffText)
	return jsonResult(map[string]any{
		"analysis": a,
		"decision": trigger.Route(tag, a),
	})
}

// commitbot_retry_run
func (s *Server) retryRunTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("commitbot_retry_run",
		mcp.WithDescription("Start a new run for the commit or pull request of an earlier run. The diff is fetched again and tasks are re-routed."),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to retry")),
	)
	return tool, s.handleRetryRun
}

func (s *Server) handleRetryRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: run_id"), nil
	}
	if s.retrier == nil {
		return mcp.NewToolResultError("retry is unavailable: no GitHub token configured"), nil
	}
	res, err := s.retrier.Retry(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("retry failed: %v", err)), nil
	}
	return jsonResult(res)
}

// commitbot_status
func (s *Server) statusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("commitbot_status",
		mcp.WithDescription("Summarize the last 24 hours: run counts by status, stuck runs and a 0-100 health score."),
	)
	return tool, s.handleStatus
}

func (s *Server) handleStatus(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	since := time.Now().Add(-24 * time.Hour)
	counts, err := s.ledger.StatusCounts(ctx, since)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to count runs: %v", err)), nil
	}
	stuck, err := s.ledger.Stuck(ctx, s.stuckAfter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list stuck runs: %v", err)), nil
	}
	recent, err := s.ledger.List(ctx, store.RunFilter{Since: since, Limit: 500})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list runs: %v", err)), nil
	}

	stuckIDs := make([]string, len(stuck))
	for i, r := range stuck {
		stuckIDs[i] = r.ID
	}
	return jsonResult(map[string]any{
		"counts": counts,
		"stuck":  stuckIDs,
		"health": s.scorer.Score(recent, len(stuck)),
	})
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
