package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joescharf/commitbot/internal/git"
	"github.com/joescharf/commitbot/internal/models"
	"github.com/joescharf/commitbot/internal/orchestrator"
)

var (
	runPath   string
	runRepo   string
	runPR     int
	runEvent  string
	runLocal  bool
	runSource diffSource
)

var runCmd = &cobra.Command{
	Use:   "run [rev]",
	Short: "Process one commit or pull request now",
	Long: `Process a change as if its webhook had just arrived: classify, route, run the
selected tasks and publish, recording the run in the ledger.

Without --local the diff and documents are read from GitHub and results are
published there. With --local everything is read from the checkout and nothing
is published (implies --dry-run).

Examples:
  commitbot run                 # HEAD of the current branch
  commitbot run --pr 42         # pull request 42 of the origin repository
  commitbot run --local -n      # preview against the local checkout`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rev := "HEAD"
		if len(args) == 1 {
			rev = args[0]
		}
		return runRun(cmd.Context(), git.NewClient(), rev)
	},
}

func init() {
	runCmd.Flags().StringVar(&runPath, "path", ".", "Path to the git checkout")
	runCmd.Flags().StringVar(&runRepo, "repo", "", "Repository as owner/name (default from the origin remote)")
	runCmd.Flags().IntVar(&runPR, "pr", 0, "Process this pull request instead of a pushed commit")
	runCmd.Flags().StringVar(&runEvent, "event", "", "Event kind (default push, or pull_request_synchronized with --pr)")
	runCmd.Flags().BoolVar(&runLocal, "local", false, "Read from the local checkout and publish nothing")
	runCmd.Flags().StringVar(&runSource.File, "diff-file", "", "With --local, read the diff from a file (- for stdin)")
	runCmd.Flags().StringVar(&runSource.Range, "range", "", "With --local, diff a revision range, e.g. main..feature")
	runCmd.Flags().BoolVar(&runSource.Working, "working", false, "With --local, diff uncommitted changes")
	rootCmd.AddCommand(runCmd)
}

func runRun(ctx context.Context, gc git.Client, rev string) error {
	ctx = orBackground(ctx)
	if err := runSource.validate(); err != nil {
		return err
	}
	if !runLocal && runSource != (diffSource{}) {
		return fmt.Errorf("--diff-file, --range and --working require --local")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runLocal {
		cfg.Publish.DryRun = true
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ev, err := localEvent(gc, rev)
	if err != nil {
		return err
	}

	var hosting orchestrator.Hosting
	if runLocal {
		root, err := gc.RepoRoot(runPath)
		if err != nil {
			return err
		}
		hosting = git.NewLocal(gc, root)
	}

	eng, err := newEngine(ctx, cfg, log, hosting)
	if err != nil {
		return err
	}

	var diffText string
	switch {
	case runLocal:
		diffText, err = runSource.read(gc, runPath, rev)
	case ev.PRNumber > 0:
		diffText, err = eng.hosting.PullRequestDiff(ctx, ev.Repo, ev.PRNumber)
	default:
		diffText, err = eng.hosting.CommitDiff(ctx, ev.Repo, ev.CommitID)
	}
	if err != nil {
		return fmt.Errorf("fetch diff: %w", err)
	}

	if cfg.Publish.DryRun {
		ui.DryRunMsg("Tasks run but nothing is published")
	}
	ui.VerboseLog("Processing %s %s on %s", ev.Kind, ev.Repo, ev.CommitID)

	res, err := eng.orch.Process(ctx, ev, diffText)
	if err != nil {
		return err
	}
	printResult(res)
	return resultError(res)
}

// localEvent builds the change event for rev from the checkout and flags.
func localEvent(gc git.Client, rev string) (models.ChangeEvent, error) {
	var repo models.Repo
	if runRepo != "" {
		owner, name, err := git.ExtractOwnerRepo("https://github.com/" + runRepo)
		if err != nil {
			return models.ChangeEvent{}, fmt.Errorf("invalid --repo: %w", err)
		}
		repo = models.Repo{Owner: owner, Name: name}
	} else {
		r, err := git.RepoFromRemote(gc, runPath)
		if err != nil {
			return models.ChangeEvent{}, fmt.Errorf("infer repository (use --repo): %w", err)
		}
		repo = r
	}

	commit, err := gc.Commit(runPath, rev)
	if err != nil {
		return models.ChangeEvent{}, err
	}
	branch, err := gc.CurrentBranch(runPath)
	if err != nil {
		return models.ChangeEvent{}, err
	}

	kind := models.EventPush
	if runPR > 0 {
		kind = models.EventPullRequestSynchronized
	}
	if runEvent != "" {
		kind = models.EventKind(runEvent)
	}
	switch kind {
	case models.EventPush, models.EventPullRequestOpened, models.EventPullRequestSynchronized, models.EventPullRequestReopened:
	default:
		return models.ChangeEvent{}, fmt.Errorf("unsupported event %q", runEvent)
	}
	if kind.IsPullRequest() && runPR <= 0 {
		return models.ChangeEvent{}, fmt.Errorf("event %s requires --pr", kind)
	}

	return models.ChangeEvent{
		Kind:          kind,
		Repo:          repo,
		CommitID:      commit.SHA,
		Branch:        branch,
		PRNumber:      runPR,
		CommitMessage: commit.Message,
		Author:        commit.Author,
		DeliveryID:    "cli",
	}, nil
}
