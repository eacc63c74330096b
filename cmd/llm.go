package cmd

import (
	"github.com/joescharf/commitbot/internal/config"
	"github.com/joescharf/commitbot/internal/llm"
	"github.com/joescharf/commitbot/internal/provider"
	"github.com/joescharf/commitbot/internal/reviewer"
)

// newLLMClient creates the language-model client from config. A missing API key is
// not an error here; the first call fails as backend_misconfigured instead.
func newLLMClient(cfg *config.Config) *llm.Client {
	return llm.NewClient(llm.Config{
		APIKey:     cfg.Anthropic.APIKey,
		Model:      cfg.Anthropic.Model,
		MaxRetries: cfg.Anthropic.MaxRetries,
	})
}

// newProvider composes the generation chain: the reviewer service backed by the
// language model when a reviewer is configured, the language model alone otherwise.
func newProvider(cfg *config.Config, obs provider.Observer) provider.Provider {
	direct := provider.NewDirect(newLLMClient(cfg), obs)
	if !cfg.Reviewer.Enabled() {
		return direct
	}
	rev := reviewer.NewClient(cfg.Reviewer.URL, cfg.Reviewer.APIKey, cfg.Reviewer.AgentID, cfg.Reviewer.Timeout)
	return provider.NewFallback(rev, direct, obs)
}
