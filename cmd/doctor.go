package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joescharf/commitbot/internal/doctor"
	"github.com/joescharf/commitbot/internal/output"
)

var doctorPath string

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check configuration and checkout before deploying",
	Long: `Check that credentials, the generation backend and the state directory are
usable, and that the documentation and spec-log paths exist in the checkout.
Exits non-zero when a required check fails.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return doctorRun()
	},
}

func init() {
	doctorCmd.Flags().StringVar(&doctorPath, "path", ".", "Checkout to check publish paths in (empty to skip)")
	rootCmd.AddCommand(doctorCmd)
}

func doctorRun() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	checks := doctor.NewChecker().Run(cfg, doctorPath)

	passed := 0
	for _, c := range checks {
		icon := output.Red("\u2717")
		if c.Passed {
			icon = output.Green("\u2713")
			passed++
		} else if !c.Required {
			icon = output.Yellow("!")
		}
		fmt.Fprintf(ui.Out, "  %s %-20s %s\n", icon, c.Name, c.Detail)
	}
	fmt.Fprintf(ui.Out, "  Score: %d/%d\n", passed, len(checks))

	if !doctor.Passed(checks) {
		return errors.New("required checks failed")
	}
	return nil
}
