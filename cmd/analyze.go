package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joescharf/commitbot/internal/diff"
	"github.com/joescharf/commitbot/internal/git"
	"github.com/joescharf/commitbot/internal/models"
	"github.com/joescharf/commitbot/internal/output"
	"github.com/joescharf/commitbot/internal/trigger"
)

var (
	analyzePath   string
	analyzeEvent  string
	analyzeJSON   bool
	analyzeSource diffSource
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze [rev]",
	Short: "Classify a diff and show which tasks it would trigger",
	Long: `Classify a diff from the local checkout (a commit, a range or the working
tree) or from a file, and print the routing decision. Nothing is run or recorded.

Examples:
  commitbot analyze                 # HEAD commit
  commitbot analyze abc123          # one commit
  commitbot analyze --range main..  # current branch against main
  git diff | commitbot analyze --diff-file -`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rev := ""
		if len(args) == 1 {
			rev = args[0]
		}
		return analyzeRun(git.NewClient(), rev)
	},
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzePath, "path", ".", "Path to the git checkout")
	analyzeCmd.Flags().StringVar(&analyzeEvent, "event", string(models.EventPullRequestOpened), "Event kind to route as")
	analyzeCmd.Flags().BoolVar(&analyzeJSON, "json", false, "Print JSON")
	analyzeCmd.Flags().StringVar(&analyzeSource.File, "diff-file", "", "Read the diff from a file (- for stdin)")
	analyzeCmd.Flags().StringVar(&analyzeSource.Range, "range", "", "Diff a revision range, e.g. main..feature")
	analyzeCmd.Flags().BoolVar(&analyzeSource.Working, "working", false, "Diff uncommitted changes")
	rootCmd.AddCommand(analyzeCmd)
}

type analyzeOutput struct {
	Analysis *diff.Analysis          `json:"analysis"`
	Decision trigger.RoutingDecision `json:"decision"`
}

func analyzeRun(gc git.Client, rev string) error {
	if err := analyzeSource.validate(); err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	tag := trigger.TagForKind(models.EventKind(analyzeEvent))
	if tag == trigger.TagUnsupported {
		return fmt.Errorf("unsupported event %q", analyzeEvent)
	}

	diffText, err := analyzeSource.read(gc, analyzePath, rev)
	if err != nil {
		return err
	}

	analyzer, err := newAnalyzer(cfg)
	if err != nil {
		return err
	}
	a := analyzer.Analyze(diffText)
	d := trigger.Route(tag, a)

	if analyzeJSON {
		return writeJSONOut(analyzeOutput{Analysis: a, Decision: d})
	}
	printAnalysis(a, d, analyzer.Threshold())
	return nil
}

func printAnalysis(a *diff.Analysis, d trigger.RoutingDecision, threshold int) {
	fmt.Fprintf(ui.Out, "Changed lines: %d (+%d -%d), trivial threshold %d\n", a.TotalLines, a.AddedLines, a.RemovedLines, threshold)
	printFiles("Code", a.CodeFiles)
	printFiles("Docs", a.DocFiles)
	printFiles("Config", a.ConfigFiles)
	printFiles("Other", a.OtherFiles)
	if a.IsWhitespaceOnly {
		ui.Info("Whitespace-only change")
	}
	fmt.Fprintln(ui.Out)

	ui.Info("Run type: %s (%s)", output.Cyan(string(d.RunType)), d.EventTag)
	table := ui.Table([]string{"Task", "Runs"})
	for _, task := range models.AllTasks {
		status := "skipped"
		if d.Enabled(task) {
			status = "success"
		}
		table.Append([]string{string(task), output.TaskMark(status)})
	}
	table.Render()
	if d.SkipReason != "" {
		ui.Info("%s", d.SkipReason)
	}
}

func printFiles(label string, files []string) {
	if len(files) == 0 {
		return
	}
	fmt.Fprintf(ui.Out, "%-7s %s\n", label+":", strings.Join(files, ", "))
}
