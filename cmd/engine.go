package cmd

import (
	"context"
	"fmt"

	"github.com/joescharf/commitbot/internal/config"
	"github.com/joescharf/commitbot/internal/diff"
	"github.com/joescharf/commitbot/internal/git"
	"github.com/joescharf/commitbot/internal/ledger"
	"github.com/joescharf/commitbot/internal/logging"
	"github.com/joescharf/commitbot/internal/metrics"
	"github.com/joescharf/commitbot/internal/orchestrator"
)

// engine is everything a command needs to process events, composed once.
type engine struct {
	cfg      *config.Config
	log      *logging.Logger
	ledger   *ledger.Ledger
	analyzer *diff.Analyzer
	metrics  *metrics.Recorder
	hosting  orchestrator.Hosting
	orch     *orchestrator.Orchestrator
}

// newEngine wires the ledger, analyzer, provider chain and orchestrator. A nil
// hosting uses the GitHub API with the configured token.
func newEngine(ctx context.Context, cfg *config.Config, log *logging.Logger, hosting orchestrator.Hosting) (*engine, error) {
	l, err := openLedger()
	if err != nil {
		return nil, err
	}

	analyzer, err := newAnalyzer(cfg)
	if err != nil {
		return nil, err
	}

	if hosting == nil {
		gh, err := git.NewGitHubClient(ctx, cfg.GitHub.Token, cfg.GitHub.BaseURL, log)
		if err != nil {
			return nil, err
		}
		hosting = gh
	}

	rec := metrics.New()
	orch := orchestrator.New(orchestrator.Deps{
		Analyzer: analyzer,
		Provider: newProvider(cfg, rec),
		Hosting:  hosting,
		Ledger:   l,
		Metrics:  rec,
		Logger:   log,
	}, orchestrator.ConfigFrom(cfg))

	return &engine{
		cfg:      cfg,
		log:      log,
		ledger:   l,
		analyzer: analyzer,
		metrics:  rec,
		hosting:  hosting,
		orch:     orch,
	}, nil
}

// newAnalyzer builds the diff analyzer alone, for commands that never run tasks.
func newAnalyzer(cfg *config.Config) (*diff.Analyzer, error) {
	analyzer, err := diff.NewAnalyzer(cfg.DiffOptions())
	if err != nil {
		return nil, fmt.Errorf("diff analyzer: %w", err)
	}
	return analyzer, nil
}
