package cmd

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/commitbot/internal/health"
	"github.com/joescharf/commitbot/internal/models"
	"github.com/joescharf/commitbot/internal/output"
	"github.com/joescharf/commitbot/internal/store"
)

const statusListLimit = 500

var statusWindow time.Duration

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show run counts and ledger health",
	Long: `Show how runs ended over a recent window, runs that look stuck, and a
health score computed from the ledger.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return statusRun(cmd.Context())
	},
}

func init() {
	statusCmd.Flags().DurationVar(&statusWindow, "window", 24*time.Hour, "How far back to count runs")
	rootCmd.AddCommand(statusCmd)
}

func statusRun(ctx context.Context) error {
	ctx = orBackground(ctx)
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	l, err := openLedger()
	if err != nil {
		return err
	}

	since := time.Now().UTC().Add(-statusWindow)
	counts, err := l.StatusCounts(ctx, since)
	if err != nil {
		return err
	}
	stuck, err := l.Stuck(ctx, cfg.Serve.StuckAfter)
	if err != nil {
		return err
	}
	recent, err := l.List(ctx, store.RunFilter{Since: since, Limit: statusListLimit})
	if err != nil {
		return err
	}

	if len(recent) == 0 && len(stuck) == 0 {
		ui.Info("No runs in the last %s.", statusWindow)
		return nil
	}

	ui.Info("Runs in the last %s", statusWindow)
	table := ui.Table([]string{"Status", "Runs"})
	for _, st := range []models.RunStatus{
		models.RunStatusCompleted,
		models.RunStatusCompletedWithIssues,
		models.RunStatusFailed,
		models.RunStatusRunning,
	} {
		table.Append([]string{output.StatusColor(string(st)), fmt.Sprintf("%d", counts[st])})
	}
	table.Render()
	fmt.Fprintln(ui.Out)

	h := health.NewScorer().Score(recent, len(stuck))
	printHealth(h)

	if len(stuck) > 0 {
		fmt.Fprintln(ui.Out)
		ui.Warning("%d run(s) running for more than %s", len(stuck), cfg.Serve.StuckAfter)
		printRunTable(stuck)
	}
	return nil
}

func printHealth(h *health.HealthScore) {
	ui.Info("Health: %s/100", output.HealthColor(h.Total))
	table := ui.Table([]string{"Component", "Score"})
	table.Append([]string{"Success rate", fmt.Sprintf("%d/40", h.SuccessRate)})
	table.Append([]string{"No critical failures", fmt.Sprintf("%d/25", h.CriticalFree)})
	table.Append([]string{"No stuck runs", fmt.Sprintf("%d/20", h.NoStuckRuns)})
	table.Append([]string{"Recent activity", fmt.Sprintf("%d/15", h.ActivityRecency)})
	table.Render()

	if h.Fallbacks > 0 {
		ui.Info("Reviews that fell back to the language model: %d", h.Fallbacks)
	}
	if len(h.CriticalReasons) > 0 {
		reasons := make([]string, 0, len(h.CriticalReasons))
		for r := range h.CriticalReasons {
			reasons = append(reasons, string(r))
		}
		sort.Strings(reasons)
		for _, r := range reasons {
			ui.Warning("Critical failures (%s): %d", r, h.CriticalReasons[models.ErrorReason(r)])
		}
	}
}

// timeAgo returns a human-readable duration from a time.
func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		days := int(d.Hours() / 24)
		if days == 1 {
			return "1d ago"
		}
		return fmt.Sprintf("%dd ago", days)
	}
}
