package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/commitbot/internal/trigger"
)

func newViper(t *testing.T) *viper.Viper {
	t.Helper()
	v := viper.New()
	SetDefaults(v, t.TempDir())
	return v
}

func TestFromViper_Defaults(t *testing.T) {
	v := newViper(t)

	cfg, err := FromViper(v)
	require.NoError(t, err)

	assert.Equal(t, trigger.ModeBoth, cfg.Trigger.Mode)
	assert.Equal(t, 10, cfg.Trigger.TrivialThreshold)
	assert.Contains(t, cfg.Trigger.DocGlobs, "*.md")
	assert.Equal(t, PublishPullRequest, cfg.Publish.DocMode)
	assert.Equal(t, 2*time.Minute, cfg.Reviewer.Timeout)
	assert.Equal(t, 30*time.Minute, cfg.Serve.StuckAfter)
	assert.False(t, cfg.Serve.TrustProxy)
	assert.Equal(t, filepath.Join(cfg.StateDir, "commitbot.db"), cfg.DBPath)
	assert.False(t, cfg.Reviewer.Enabled())
}

func TestFromViper_EnvOverride(t *testing.T) {
	t.Setenv("COMMITBOT_TRIGGER_MODE", "pr")
	t.Setenv("COMMITBOT_TRIGGER_TRIVIAL_THRESHOLD", "25")
	t.Setenv("GITHUB_TOKEN", "gh-token")
	v := newViper(t)

	cfg, err := FromViper(v)
	require.NoError(t, err)

	assert.Equal(t, trigger.ModePR, cfg.Trigger.Mode)
	assert.Equal(t, 25, cfg.Trigger.TrivialThreshold)
	assert.Equal(t, "gh-token", cfg.GitHub.Token)
	assert.Equal(t, 25, cfg.DiffOptions().TrivialThreshold)
}

func TestFromViper_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
trigger:
  mode: push
  doc_globs: ["handbook/**"]
reviewer:
  url: https://reviewer.example.com
  agent_id: agent-1
publish:
  spec_mode: commit
`), 0o644))

	v := viper.New()
	SetDefaults(v, dir)
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	cfg, err := FromViper(v)
	require.NoError(t, err)

	assert.Equal(t, trigger.ModePush, cfg.Trigger.Mode)
	assert.Equal(t, []string{"handbook/**"}, cfg.DiffOptions().DocGlobs)
	assert.True(t, cfg.Reviewer.Enabled())
	assert.Equal(t, PublishCommit, cfg.Publish.SpecMode)
}

func TestFromViper_InvalidMode(t *testing.T) {
	v := newViper(t)
	v.Set("trigger.mode", "sometimes")

	_, err := FromViper(v)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	v := newViper(t)
	cfg, err := FromViper(v)
	require.NoError(t, err)

	bad := *cfg
	bad.Trigger.TrivialThreshold = -1
	bad.Publish.DocMode = "email"
	bad.Reviewer.URL = "https://reviewer"
	bad.Reviewer.AgentID = ""

	err = bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trivial_threshold")
	assert.Contains(t, err.Error(), "doc_mode")
	assert.Contains(t, err.Error(), "agent_id")
}
