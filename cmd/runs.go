package cmd

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/joescharf/commitbot/internal/models"
	"github.com/joescharf/commitbot/internal/orchestrator"
	"github.com/joescharf/commitbot/internal/output"
	"github.com/joescharf/commitbot/internal/store"
)

var (
	runsLimit  int
	runsPR     int
	runsStatus string
	runsRepo   string
	runsCommit string
	runsSince  time.Duration
	runsJSON   bool

	exportFormat string
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect and retry runs in the ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runsListRun(cmd.Context())
	},
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runsListRun(cmd.Context())
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one run with its task outcomes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runsShowRun(cmd.Context(), args[0])
	},
}

var runsRetryCmd = &cobra.Command{
	Use:   "retry <run-id>",
	Short: "Re-run the event of an earlier run",
	Long: `Fetch the diff of an earlier run's event again, route it with the current
settings and run it as a new run linked to the original.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runsRetryRun(cmd.Context(), args[0])
	},
}

var runsStuckCmd = &cobra.Command{
	Use:   "stuck",
	Short: "List runs still marked running past serve.stuck_after",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runsStuckRun(cmd.Context())
	},
}

var runsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export runs as JSON, YAML, CSV, or Markdown",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runsExportRun(cmd.Context())
	},
}

func init() {
	for _, c := range []*cobra.Command{runsCmd, runsListCmd, runsExportCmd} {
		c.Flags().IntVar(&runsLimit, "limit", 20, "Maximum number of runs")
		c.Flags().IntVar(&runsPR, "pr", 0, "Only runs for this pull request")
		c.Flags().StringVar(&runsStatus, "status", "", "Only runs with this status")
		c.Flags().StringVar(&runsRepo, "repo", "", "Only runs for this owner/name")
		c.Flags().StringVar(&runsCommit, "commit", "", "Only runs for this commit SHA")
		c.Flags().DurationVar(&runsSince, "since", 0, "Only runs created within this duration")
	}
	runsListCmd.Flags().BoolVar(&runsJSON, "json", false, "Print JSON instead of a table")
	runsShowCmd.Flags().BoolVar(&runsJSON, "json", false, "Print JSON instead of text")
	runsExportCmd.Flags().StringVar(&exportFormat, "format", "json", "Output format: json, yaml, csv, markdown")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsRetryCmd)
	runsCmd.AddCommand(runsStuckCmd)
	runsCmd.AddCommand(runsExportCmd)
	rootCmd.AddCommand(runsCmd)
}

func runsFilter() (store.RunFilter, error) {
	f := store.RunFilter{
		Repo:     runsRepo,
		PRNumber: runsPR,
		CommitID: runsCommit,
		Status:   models.RunStatus(runsStatus),
		Limit:    runsLimit,
	}
	switch f.Status {
	case "", models.RunStatusRunning, models.RunStatusCompleted, models.RunStatusCompletedWithIssues, models.RunStatusFailed:
	default:
		return f, fmt.Errorf("unknown status %q", runsStatus)
	}
	if runsSince > 0 {
		f.Since = time.Now().UTC().Add(-runsSince)
	}
	return f, nil
}

func runsListRun(ctx context.Context) error {
	ctx = orBackground(ctx)
	filter, err := runsFilter()
	if err != nil {
		return err
	}
	l, err := openLedger()
	if err != nil {
		return err
	}
	runs, err := l.List(ctx, filter)
	if err != nil {
		return err
	}

	if runsJSON {
		return writeJSONOut(runs)
	}
	if len(runs) == 0 {
		ui.Info("No runs found.")
		return nil
	}
	printRunTable(runs)
	return nil
}

func runsShowRun(ctx context.Context, id string) error {
	ctx = orBackground(ctx)
	l, err := openLedger()
	if err != nil {
		return err
	}
	run, err := l.Get(ctx, id)
	if err != nil {
		if store.IsNotFound(err) {
			return fmt.Errorf("run not found: %s", id)
		}
		return err
	}
	if runsJSON {
		return writeJSONOut(run)
	}
	printRun(run)
	return nil
}

func runsRetryRun(ctx context.Context, id string) error {
	ctx = orBackground(ctx)
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	eng, err := newEngine(ctx, cfg, log, nil)
	if err != nil {
		return err
	}

	ui.VerboseLog("Retrying run %s (dry run: %v)", id, cfg.Publish.DryRun)
	res, err := eng.orch.Retry(ctx, id)
	if err != nil {
		if store.IsNotFound(err) {
			return fmt.Errorf("run not found: %s", id)
		}
		return err
	}
	printResult(res)
	return resultError(res)
}

func runsStuckRun(ctx context.Context) error {
	ctx = orBackground(ctx)
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	l, err := openLedger()
	if err != nil {
		return err
	}
	stuck, err := l.Stuck(ctx, cfg.Serve.StuckAfter)
	if err != nil {
		return err
	}
	if len(stuck) == 0 {
		ui.Success("No runs running for more than %s", cfg.Serve.StuckAfter)
		return nil
	}
	ui.Warning("%d run(s) running for more than %s", len(stuck), cfg.Serve.StuckAfter)
	printRunTable(stuck)
	return nil
}

func runsExportRun(ctx context.Context) error {
	ctx = orBackground(ctx)
	filter, err := runsFilter()
	if err != nil {
		return err
	}
	l, err := openLedger()
	if err != nil {
		return err
	}
	runs, err := l.List(ctx, filter)
	if err != nil {
		return err
	}

	switch exportFormat {
	case "json":
		return writeJSONOut(runs)
	case "yaml":
		enc := yaml.NewEncoder(ui.Out)
		enc.SetIndent(2)
		if err := enc.Encode(runs); err != nil {
			return err
		}
		return enc.Close()
	case "csv":
		w := csv.NewWriter(ui.Out)
		_ = w.Write([]string{"ID", "Repo", "Event", "Commit", "PR", "Type", "Status", "Changed", "Cost", "Created"})
		for _, r := range runs {
			_ = w.Write([]string{
				r.ID, r.Repo.String(), string(r.EventKind), r.CommitID, strconv.Itoa(r.PRNumber),
				string(r.RunType), string(r.Status), strconv.Itoa(r.Metrics.ChangedLines),
				fmt.Sprintf("%.4f", r.Metrics.Usage.CostUSD), r.CreatedAt.Format(time.RFC3339),
			})
		}
		w.Flush()
		return w.Error()
	case "markdown":
		fmt.Fprintln(ui.Out, "# Runs")
		fmt.Fprintln(ui.Out)
		fmt.Fprintln(ui.Out, "| Run | Repo | Ref | Type | Status | Summary |")
		fmt.Fprintln(ui.Out, "|-----|------|-----|------|--------|---------|")
		for _, r := range runs {
			fmt.Fprintf(ui.Out, "| %s | %s | %s | %s | %s | %s |\n",
				r.ID, r.Repo.String(), runRef(r), r.RunType, r.Status, strings.ReplaceAll(r.Summary, "|", "\\|"))
		}
		return nil
	default:
		return fmt.Errorf("unknown format: %s (use: json, yaml, csv, markdown)", exportFormat)
	}
}

func printRunTable(runs []*models.Run) {
	table := ui.Table([]string{"Run", "Repo", "Ref", "Type", "Status", "Tasks", "Created"})
	for _, r := range runs {
		table.Append([]string{
			output.Cyan(r.ID),
			r.Repo.String(),
			runRef(r),
			string(r.RunType),
			output.StatusColor(string(r.Status)),
			taskMarks(r.Tasks),
			timeAgo(r.CreatedAt),
		})
	}
	table.Render()
}

func printRun(r *models.Run) {
	fmt.Fprintf(ui.Out, "%s %s\n", output.Cyan(r.ID), output.StatusColor(string(r.Status)))
	fmt.Fprintf(ui.Out, "  Repo:     %s\n", r.Repo.String())
	fmt.Fprintf(ui.Out, "  Event:    %s on %s\n", r.EventKind, runRef(r))
	if r.PRTitle != "" {
		fmt.Fprintf(ui.Out, "  Title:    %s\n", r.PRTitle)
	}
	fmt.Fprintf(ui.Out, "  Type:     %s\n", r.RunType)
	if r.SkipReason != "" {
		fmt.Fprintf(ui.Out, "  Skipped:  %s\n", r.SkipReason)
	}
	if r.RetryOf != "" {
		fmt.Fprintf(ui.Out, "  Retry of: %s\n", r.RetryOf)
	}
	m := r.Metrics
	fmt.Fprintf(ui.Out, "  Change:   %d lines (+%d -%d) in %d files (%d code, %d doc, %d config)\n",
		m.ChangedLines, m.AddedLines, m.RemovedLines, m.FilesChanged, m.CodeFiles, m.DocFiles, m.ConfigFiles)
	if m.Usage.InputTokens+m.Usage.OutputTokens > 0 {
		fmt.Fprintf(ui.Out, "  Usage:    %d in / %d out tokens, $%.4f\n", m.Usage.InputTokens, m.Usage.OutputTokens, m.Usage.CostUSD)
	}
	fmt.Fprintf(ui.Out, "  Created:  %s (%s)\n", r.CreatedAt.Local().Format(time.DateTime), timeAgo(r.CreatedAt))
	if r.FinishedAt != nil {
		fmt.Fprintf(ui.Out, "  Duration: %s\n", time.Duration(m.DurationMS)*time.Millisecond)
	}

	fmt.Fprintln(ui.Out)
	table := ui.Table([]string{"Task", "Status", "Reason", "Backend", "Message"})
	for _, task := range models.AllTasks {
		o, ok := r.Tasks[task]
		if !ok {
			table.Append([]string{string(task), "pending", "", "", ""})
			continue
		}
		backend := o.Usage.Backend
		if o.Usage.FellBack {
			backend += " (fallback)"
		}
		table.Append([]string{
			string(task),
			output.StatusColor(string(o.Status)),
			string(o.ErrorReason),
			backend,
			truncateText(o.Message, 70),
		})
	}
	table.Render()

	if len(r.Publications) > 0 {
		fmt.Fprintln(ui.Out)
		for _, p := range r.Publications {
			switch {
			case p.Error != "":
				ui.Error("%s %s: %s", p.Task, p.Kind, p.Error)
			case p.DryRun:
				ui.DryRunMsg("%s %s not published", p.Task, p.Kind)
			default:
				ui.Success("%s %s: %s", p.Task, p.Kind, p.URL)
			}
		}
	}
	if r.Summary != "" {
		fmt.Fprintln(ui.Out)
		ui.Info("%s", r.Summary)
	}
}

// printResult reports the outcome of a run started from the command line.
func printResult(res *orchestrator.RunResult) {
	if res.RunID == "" {
		ui.Info("Nothing to do: %s", res.SkipReason)
		return
	}
	if res.Suppressed {
		ui.Warning("%s", res.SuppressionReason)
	}
	ui.Info("Run %s: %s (%s)", output.Cyan(res.RunID), output.StatusColor(string(res.Status)), res.RunType)
	for _, task := range models.AllTasks {
		o, ok := res.Tasks[task]
		if !ok {
			continue
		}
		line := fmt.Sprintf("  %s %s", output.TaskMark(string(o.Status)), task)
		if o.Message != "" {
			line += ": " + truncateText(o.Message, 100)
		}
		fmt.Fprintln(ui.Out, line)
	}
	for _, p := range res.Publications {
		switch {
		case p.Error != "":
			ui.Error("%s %s: %s", p.Task, p.Kind, p.Error)
		case p.DryRun:
			ui.DryRunMsg("Would publish %s as %s", p.Task, p.Kind)
		default:
			ui.Success("Published %s: %s", p.Task, p.URL)
		}
	}
}

// resultError turns a failed run into a non-zero exit.
func resultError(res *orchestrator.RunResult) error {
	if res.Status == models.RunStatusFailed {
		return errors.New("run failed")
	}
	return nil
}

func runRef(r *models.Run) string {
	if r.PRNumber > 0 {
		return fmt.Sprintf("#%d", r.PRNumber)
	}
	ref := r.Branch
	if len(r.CommitID) >= 7 {
		ref += "@" + r.CommitID[:7]
	}
	return ref
}

func taskMarks(tasks map[models.TaskName]models.TaskOutcome) string {
	marks := make([]string, 0, len(models.AllTasks))
	for _, task := range models.AllTasks {
		if o, ok := tasks[task]; ok {
			marks = append(marks, output.TaskMark(string(o.Status)))
		} else {
			marks = append(marks, "?")
		}
	}
	return strings.Join(marks, " ")
}

func truncateText(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func writeJSONOut(v any) error {
	enc := json.NewEncoder(ui.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func orBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
