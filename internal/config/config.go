// Package config builds the immutable runtime configuration from viper.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/joescharf/commitbot/internal/diff"
	"github.com/joescharf/commitbot/internal/trigger"
)

// EnvPrefix is the prefix for environment overrides, e.g. COMMITBOT_TRIGGER_MODE.
const EnvPrefix = "COMMITBOT"

// PublishMode selects how generated documents land in the repository.
type PublishMode string

const (
	PublishPullRequest PublishMode = "pr"
	PublishCommit      PublishMode = "commit"
)

// Config is constructed once at startup and passed to components by value or pointer.
type Config struct {
	StateDir  string
	DBPath    string
	Trigger   TriggerConfig
	GitHub    GitHubConfig
	Reviewer  ReviewerConfig
	Anthropic AnthropicConfig
	Publish   PublishConfig
	Serve     ServeConfig
	Log       LogConfig
}

type TriggerConfig struct {
	Mode             trigger.Mode
	TrivialThreshold int
	DocGlobs         []string
	ConfigGlobs      []string
	CodeExtensions   []string
}

type GitHubConfig struct {
	Token         string
	WebhookSecret string
	BaseURL       string
}

type ReviewerConfig struct {
	URL     string
	APIKey  string
	AgentID string
	Timeout time.Duration
}

// Enabled reports whether the primary reviewer service is configured.
func (r ReviewerConfig) Enabled() bool {
	return r.URL != "" && r.AgentID != ""
}

type AnthropicConfig struct {
	APIKey     string
	Model      string
	MaxRetries int
}

type PublishConfig struct {
	DocPath      string
	DocMode      PublishMode
	SpecPath     string
	SpecMode     PublishMode
	BranchPrefix string
	DryRun       bool
}

type ServeConfig struct {
	Port       int
	RateLimit  float64
	RateBurst  int
	StuckAfter time.Duration
	// TrustProxy keys rate limiting on X-Forwarded-For instead of the peer address.
	TrustProxy bool
}

type LogConfig struct {
	Level  string
	Format string
}

// SetDefaults registers defaults and environment bindings on v.
// configDir is the directory holding config.yaml and the default database.
func SetDefaults(v *viper.Viper, configDir string) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Common tokens are also honored under their usual names.
	_ = v.BindEnv("github.token", EnvPrefix+"_GITHUB_TOKEN", "GITHUB_TOKEN")
	_ = v.BindEnv("anthropic.api_key", EnvPrefix+"_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")

	defaults := diff.DefaultOptions()

	v.SetDefault("state_dir", configDir)
	v.SetDefault("db_path", filepath.Join(configDir, "commitbot.db"))

	v.SetDefault("trigger.mode", string(trigger.ModeBoth))
	v.SetDefault("trigger.trivial_threshold", defaults.TrivialThreshold)
	v.SetDefault("trigger.doc_globs", defaults.DocGlobs)
	v.SetDefault("trigger.config_globs", defaults.ConfigGlobs)
	v.SetDefault("trigger.code_extensions", defaults.CodeExtensions)

	v.SetDefault("github.token", "")
	v.SetDefault("github.webhook_secret", "")
	v.SetDefault("github.base_url", "")

	v.SetDefault("reviewer.url", "")
	v.SetDefault("reviewer.api_key", "")
	v.SetDefault("reviewer.agent_id", "")
	v.SetDefault("reviewer.timeout", "2m")

	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", "claude-sonnet-4-5")
	v.SetDefault("anthropic.max_retries", 2)

	v.SetDefault("publish.doc_path", "README.md")
	v.SetDefault("publish.doc_mode", string(PublishPullRequest))
	v.SetDefault("publish.spec_path", "docs/SPEC_LOG.md")
	v.SetDefault("publish.spec_mode", string(PublishPullRequest))
	v.SetDefault("publish.branch_prefix", "commitbot/")
	v.SetDefault("publish.dry_run", false)

	v.SetDefault("serve.port", 8420)
	v.SetDefault("serve.rate_limit", 10.0)
	v.SetDefault("serve.rate_burst", 20)
	v.SetDefault("serve.stuck_after", "30m")
	v.SetDefault("serve.trust_proxy", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// FromViper reads every key into a Config and validates it.
func FromViper(v *viper.Viper) (*Config, error) {
	mode, err := trigger.ParseMode(v.GetString("trigger.mode"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		StateDir: v.GetString("state_dir"),
		DBPath:   v.GetString("db_path"),
		Trigger: TriggerConfig{
			Mode:             mode,
			TrivialThreshold: v.GetInt("trigger.trivial_threshold"),
			DocGlobs:         v.GetStringSlice("trigger.doc_globs"),
			ConfigGlobs:      v.GetStringSlice("trigger.config_globs"),
			CodeExtensions:   v.GetStringSlice("trigger.code_extensions"),
		},
		GitHub: GitHubConfig{
			Token:         v.GetString("github.token"),
			WebhookSecret: v.GetString("github.webhook_secret"),
			BaseURL:       v.GetString("github.base_url"),
		},
		Reviewer: ReviewerConfig{
			URL:     v.GetString("reviewer.url"),
			APIKey:  v.GetString("reviewer.api_key"),
			AgentID: v.GetString("reviewer.agent_id"),
			Timeout: v.GetDuration("reviewer.timeout"),
		},
		Anthropic: AnthropicConfig{
			APIKey:     v.GetString("anthropic.api_key"),
			Model:      v.GetString("anthropic.model"),
			MaxRetries: v.GetInt("anthropic.max_retries"),
		},
		Publish: PublishConfig{
			DocPath:      v.GetString("publish.doc_path"),
			DocMode:      PublishMode(v.GetString("publish.doc_mode")),
			SpecPath:     v.GetString("publish.spec_path"),
			SpecMode:     PublishMode(v.GetString("publish.spec_mode")),
			BranchPrefix: v.GetString("publish.branch_prefix"),
			DryRun:       v.GetBool("publish.dry_run"),
		},
		Serve: ServeConfig{
			Port:       v.GetInt("serve.port"),
			RateLimit:  v.GetFloat64("serve.rate_limit"),
			RateBurst:  v.GetInt("serve.rate_burst"),
			StuckAfter: v.GetDuration("serve.stuck_after"),
			TrustProxy: v.GetBool("serve.trust_proxy"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	var errs []error
	if _, err := trigger.ParseMode(string(c.Trigger.Mode)); err != nil {
		errs = append(errs, err)
	}
	if c.Trigger.TrivialThreshold < 0 {
		errs = append(errs, fmt.Errorf("trigger.trivial_threshold must be >= 0, got %d", c.Trigger.TrivialThreshold))
	}
	if !validPublishMode(c.Publish.DocMode) {
		errs = append(errs, fmt.Errorf("publish.doc_mode must be pr or commit, got %q", c.Publish.DocMode))
	}
	if !validPublishMode(c.Publish.SpecMode) {
		errs = append(errs, fmt.Errorf("publish.spec_mode must be pr or commit, got %q", c.Publish.SpecMode))
	}
	if c.Publish.DocPath == "" {
		errs = append(errs, errors.New("publish.doc_path must not be empty"))
	}
	if c.Publish.SpecPath == "" {
		errs = append(errs, errors.New("publish.spec_path must not be empty"))
	}
	if c.Anthropic.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("anthropic.max_retries must be >= 0, got %d", c.Anthropic.MaxRetries))
	}
	if c.Reviewer.URL != "" && c.Reviewer.AgentID == "" {
		errs = append(errs, errors.New("reviewer.agent_id is required when reviewer.url is set"))
	}
	if c.Serve.Port < 0 || c.Serve.Port > 65535 {
		errs = append(errs, fmt.Errorf("serve.port out of range: %d", c.Serve.Port))
	}
	return errors.Join(errs...)
}

// DiffOptions returns the analyzer options for the configured trigger settings.
func (c *Config) DiffOptions() diff.Options {
	opts := diff.DefaultOptions()
	opts.TrivialThreshold = c.Trigger.TrivialThreshold
	if len(c.Trigger.DocGlobs) > 0 {
		opts.DocGlobs = c.Trigger.DocGlobs
	}
	if len(c.Trigger.ConfigGlobs) > 0 {
		opts.ConfigGlobs = c.Trigger.ConfigGlobs
	}
	if len(c.Trigger.CodeExtensions) > 0 {
		opts.CodeExtensions = c.Trigger.CodeExtensions
	}
	return opts
}

func validPublishMode(m PublishMode) bool {
	return m == PublishPullRequest || m == PublishCommit
}
