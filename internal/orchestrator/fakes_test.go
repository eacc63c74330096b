package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joescharf/commitbot/internal/config"
	"github.com/joescharf/commitbot/internal/diff"
	"github.com/joescharf/commitbot/internal/git"
	"github.com/joescharf/commitbot/internal/ledger"
	"github.com/joescharf/commitbot/internal/logging"
	"github.com/joescharf/commitbot/internal/metrics"
	"github.com/joescharf/commitbot/internal/models"
	"github.com/joescharf/commitbot/internal/provider"
	"github.com/joescharf/commitbot/internal/store"
	"github.com/joescharf/commitbot/internal/trigger"
)

// fakeProvider answers each task with a configurable function.
type fakeProvider struct {
	review func(ctx context.Context) provider.Result
	doc    func(ctx context.Context, current string) provider.Result
	spec   func(ctx context.Context, info provider.CommitInfo) provider.Result

	mu    sync.Mutex
	calls []models.TaskName
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		review: func(context.Context) provider.Result {
			return provider.Result{Content: "Looks good.", Usage: models.Usage{Backend: "reviewer", InputTokens: 10, OutputTokens: 5, CostUSD: 0.01}}
		},
		doc: func(_ context.Context, current string) provider.Result {
			return provider.Result{Content: current + "\n## New section\n", Usage: models.Usage{Backend: "anthropic", InputTokens: 20, OutputTokens: 8}}
		},
		spec: func(context.Context, provider.CommitInfo) provider.Result {
			return provider.Result{Content: "## abc123 add handler\n- adds handler", Usage: models.Usage{Backend: "anthropic", InputTokens: 7, OutputTokens: 3}}
		},
	}
}

func (p *fakeProvider) record(t models.TaskName) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, t)
}

func (p *fakeProvider) Calls() []models.TaskName {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.TaskName(nil), p.calls...)
}

func (p *fakeProvider) Review(ctx context.Context, _ string) provider.Result {
	p.record(models.TaskReview)
	return p.review(ctx)
}

func (p *fakeProvider) DraftDocUpdate(ctx context.Context, _, current string) provider.Result {
	p.record(models.TaskDocUpdate)
	return p.doc(ctx, current)
}

func (p *fakeProvider) DraftSpecEntry(ctx context.Context, info provider.CommitInfo, _, _ string) provider.Result {
	p.record(models.TaskSpecUpdate)
	return p.spec(ctx, info)
}

// fakeHosting keeps files in memory and records every write.
type fakeHosting struct {
	mu       sync.Mutex
	files    map[string]string
	fetchErr error
	writeErr error
	prForSHA *git.PullRequestRef
	diffs    map[string]string

	comments []string
	prs      []git.PullRequestSpec
	commits  []git.CommitSpec
}

func newFakeHosting() *fakeHosting {
	return &fakeHosting{
		files: map[string]string{"README.md": "# App\n"},
		diffs: map[string]string{},
	}
}

func (h *fakeHosting) CommitDiff(_ context.Context, _ models.Repo, sha string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, ok := h.diffs[sha]
	if !ok {
		return "", fmt.Errorf("no diff for %s", sha)
	}
	return d, nil
}

func (h *fakeHosting) PullRequestDiff(_ context.Context, _ models.Repo, number int) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, ok := h.diffs[fmt.Sprintf("pr-%d", number)]
	if !ok {
		return "", fmt.Errorf("no diff for pr %d", number)
	}
	return d, nil
}

func (h *fakeHosting) FileContent(_ context.Context, _ models.Repo, path, _ string) (string, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fetchErr != nil {
		return "", false, h.fetchErr
	}
	c, ok := h.files[path]
	return c, ok, nil
}

func (h *fakeHosting) PullRequestForCommit(context.Context, models.Repo, string) (*git.PullRequestRef, error) {
	return h.prForSHA, nil
}

func (h *fakeHosting) PostComment(_ context.Context, _ models.Repo, target git.CommentTarget, _, body string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.writeErr != nil {
		return "", h.writeErr
	}
	h.comments = append(h.comments, body)
	return fmt.Sprintf("https://example.test/comment/%d", target.PRNumber), nil
}

func (h *fakeHosting) OpenOrUpdatePullRequest(_ context.Context, _ models.Repo, spec git.PullRequestSpec) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.writeErr != nil {
		return "", h.writeErr
	}
	h.prs = append(h.prs, spec)
	return "https://example.test/pull/" + spec.Branch, nil
}

func (h *fakeHosting) CommitFile(_ context.Context, _ models.Repo, spec git.CommitSpec) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.writeErr != nil {
		return "", h.writeErr
	}
	h.commits = append(h.commits, spec)
	return "https://example.test/commit/" + spec.Path, nil
}

func (h *fakeHosting) writes() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.comments) + len(h.prs) + len(h.commits)
}

type harness struct {
	orch     *Orchestrator
	provider *fakeProvider
	hosting  *fakeHosting
	ledger   *ledger.Ledger
	store    *store.SQLiteStore
	metrics  *metrics.Recorder
	logs     *logging.TestLogger
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "orch.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	analyzer, err := diff.NewAnalyzer(diff.DefaultOptions())
	require.NoError(t, err)

	cfg := Config{
		Mode:         trigger.ModeBoth,
		DocPath:      "README.md",
		DocMode:      config.PublishPullRequest,
		SpecPath:     "docs/SPEC_LOG.md",
		SpecMode:     config.PublishPullRequest,
		BranchPrefix: "commitbot/",
	}
	for _, m := range mutate {
		m(&cfg)
	}

	h := &harness{
		provider: newFakeProvider(),
		hosting:  newFakeHosting(),
		ledger:   ledger.New(s),
		store:    s,
		metrics:  metrics.New(),
		logs:     logging.NewTestLogger(),
	}
	h.orch = New(Deps{
		Analyzer: analyzer,
		Provider: h.provider,
		Hosting:  h.hosting,
		Ledger:   h.ledger,
		Metrics:  h.metrics,
		Logger:   h.logs.Logger,
	}, cfg)
	return h
}

func prEvent() models.ChangeEvent {
	return models.ChangeEvent{
		Kind:          models.EventPullRequestOpened,
		Repo:          models.Repo{Owner: "acme", Name: "app"},
		CommitID:      "abc123def4567890",
		Branch:        "feature/handler",
		BaseBranch:    "main",
		PRNumber:      42,
		PRTitle:       "Add handler",
		CommitMessage: "add handler",
	}
}

func pushEvent() models.ChangeEvent {
	ev := prEvent()
	ev.Kind = models.EventPush
	ev.PRNumber = 0
	ev.PRTitle = ""
	ev.BaseBranch = ""
	return ev
}

// codeDiff changes a Go file by well over the trivial threshold.
func codeDiff() string {
	var b strings.Builder
	b.WriteString("diff --git a/handler.go b/handler.go\n--- a/handler.go\n+++ b/handler.go\n@@ -1,2 +1,20 @@\n")
	for i := 0; i < 18; i++ {
		fmt.Fprintf(&b, "+\tline%d := compute(%d)\n", i, i)
	}
	return b.String()
}

func docDiff() string {
	var b strings.Builder
	b.WriteString("diff --git a/docs/guide.md b/docs/guide.md\n--- a/docs/guide.md\n+++ b/docs/guide.md\n@@ -1,2 +1,30 @@\n")
	for i := 0; i < 25; i++ {
		fmt.Fprintf(&b, "+Guide paragraph %d explains usage.\n", i)
	}
	return b.String()
}

func trivialDiff() string {
	return "diff --git a/handler.go b/handler.go\n--- a/handler.go\n+++ b/handler.go\n@@ -1 +1 @@\n-x := 1\n+x := 2\n"
}

func misconfigured() provider.Result {
	return provider.Result{Failure: &provider.Failure{
		Kind:       models.ErrorKindPermanent,
		Reason:     models.ReasonBackendMisconfigured,
		Backend:    "reviewer",
		StatusCode: 404,
		Err:        errors.New("agent not found"),
	}}
}

func serverError() provider.Result {
	return provider.Result{Failure: &provider.Failure{
		Kind:       models.ErrorKindTransient,
		Reason:     models.ReasonServerError,
		Backend:    "anthropic",
		StatusCode: 503,
		Err:        errors.New("overloaded"),
	}}
}
