package cmd

import (
	"context"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/joescharf/commitbot/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for agent integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets an agent query the run ledger, preview routing decisions and retry
runs. Configure it in the agent with:

  {
    "mcpServers": {
      "commitbot": { "command": "commitbot", "args": ["mcp"] }
    }
  }

Available tools: commitbot_list_runs, commitbot_get_run, commitbot_analyze_diff,
commitbot_retry_run, commitbot_status`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return mcpRun()
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func mcpRun() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// Logs go to stderr; stdout belongs to the transport.
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals()...)
	defer stop()

	eng, err := newEngine(ctx, cfg, log, nil)
	if err != nil {
		return err
	}
	defer func() { _ = dataStore.Close() }()

	srv := mcp.NewServer(eng.ledger, eng.analyzer, eng.orch, cfg.Serve.StuckAfter, buildVersion)
	return srv.ServeStdio(ctx)
}
