package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/joescharf/commitbot/internal/config"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "commitbot"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage commitbot configuration.

Running bare 'commitbot config' is the same as 'commitbot config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the effective configuration for errors",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configValidateRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
// Secrets are never written; set them through the environment.
const configTemplate = `# commitbot configuration
# See: commitbot config show (for effective values and sources)

# State/data directory (default: ~/.config/commitbot)
# state_dir: {{ .StateDir }}

# SQLite run ledger (default: ~/.config/commitbot/commitbot.db)
# db_path: {{ .DBPath }}

trigger:
  # Which events start runs: pr, push or both
  mode: {{ .TriggerMode }}
  # Documentation-only changes of at most this many lines are trivial and run no tasks
  trivial_threshold: {{ .TrivialThreshold }}

github:
  # Token and webhook secret come from COMMITBOT_GITHUB_TOKEN (or GITHUB_TOKEN)
  # and COMMITBOT_GITHUB_WEBHOOK_SECRET.
  # GitHub Enterprise API root, e.g. https://ghe.example.com/api/v3/
  base_url: "{{ .GitHubBaseURL }}"

reviewer:
  # Primary review service; leave empty to review with the language model only.
  # API key comes from COMMITBOT_REVIEWER_API_KEY.
  url: "{{ .ReviewerURL }}"
  agent_id: "{{ .ReviewerAgentID }}"
  timeout: {{ .ReviewerTimeout }}

anthropic:
  # API key comes from COMMITBOT_ANTHROPIC_API_KEY (or ANTHROPIC_API_KEY).
  model: "{{ .AnthropicModel }}"
  max_retries: {{ .AnthropicMaxRetries }}

publish:
  # Document kept current by doc_update, and how changes land: pr or commit
  doc_path: "{{ .DocPath }}"
  doc_mode: {{ .DocMode }}
  # Append-only specification log written by spec_update
  spec_path: "{{ .SpecPath }}"
  spec_mode: {{ .SpecMode }}
  # Branches the bot creates; events on them are ignored
  branch_prefix: "{{ .BranchPrefix }}"
  # Run tasks but publish nothing
  dry_run: {{ .DryRun }}

serve:
  port: {{ .Port }}
  # Webhook requests per second per client IP
  rate_limit: {{ .RateLimit }}
  # Runs still active after this long are reported as stuck
  stuck_after: {{ .StuckAfter }}
  # Rate-limit by X-Forwarded-For; enable only behind a reverse proxy you run
  trust_proxy: {{ .TrustProxy }}

log:
  # debug, info, warn or error
  level: {{ .LogLevel }}
  # console or json
  format: {{ .LogFormat }}
`

type configTemplateData struct {
	StateDir            string
	DBPath              string
	TriggerMode         string
	TrivialThreshold    int
	GitHubBaseURL       string
	ReviewerURL         string
	ReviewerAgentID     string
	ReviewerTimeout     string
	AnthropicModel      string
	AnthropicMaxRetries int
	DocPath             string
	DocMode             string
	SpecPath            string
	SpecMode            string
	BranchPrefix        string
	DryRun              bool
	Port                int
	RateLimit           float64
	StuckAfter          string
	TrustProxy          bool
	LogLevel            string
	LogFormat           string
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if file already exists
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	// Build template data from current viper values
	data := configTemplateData{
		StateDir:            viper.GetString("state_dir"),
		DBPath:              viper.GetString("db_path"),
		TriggerMode:         viper.GetString("trigger.mode"),
		TrivialThreshold:    viper.GetInt("trigger.trivial_threshold"),
		GitHubBaseURL:       viper.GetString("github.base_url"),
		ReviewerURL:         viper.GetString("reviewer.url"),
		ReviewerAgentID:     viper.GetString("reviewer.agent_id"),
		ReviewerTimeout:     viper.GetDuration("reviewer.timeout").String(),
		AnthropicModel:      viper.GetString("anthropic.model"),
		AnthropicMaxRetries: viper.GetInt("anthropic.max_retries"),
		DocPath:             viper.GetString("publish.doc_path"),
		DocMode:             viper.GetString("publish.doc_mode"),
		SpecPath:            viper.GetString("publish.spec_path"),
		SpecMode:            viper.GetString("publish.spec_mode"),
		BranchPrefix:        viper.GetString("publish.branch_prefix"),
		DryRun:              viper.GetBool("publish.dry_run"),
		Port:                viper.GetInt("serve.port"),
		RateLimit:           viper.GetFloat64("serve.rate_limit"),
		StuckAfter:          viper.GetDuration("serve.stuck_after").String(),
		TrustProxy:          viper.GetBool("serve.trust_proxy"),
		LogLevel:            viper.GetString("log.level"),
		LogFormat:           viper.GetString("log.format"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would create config file: %s", cfgPath)
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, buf.String())
		return nil
	}

	// Create config directory
	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeyInfo describes a config key for display purposes.
type configKeyInfo struct {
	Key    string
	EnvVar string
	Secret bool
}

var configKeys = []configKeyInfo{
	{Key: "state_dir", EnvVar: "COMMITBOT_STATE_DIR"},
	{Key: "db_path", EnvVar: "COMMITBOT_DB_PATH"},
	{Key: "trigger.mode", EnvVar: "COMMITBOT_TRIGGER_MODE"},
	{Key: "trigger.trivial_threshold", EnvVar: "COMMITBOT_TRIGGER_TRIVIAL_THRESHOLD"},
	{Key: "github.token", EnvVar: "COMMITBOT_GITHUB_TOKEN", Secret: true},
	{Key: "github.webhook_secret", EnvVar: "COMMITBOT_GITHUB_WEBHOOK_SECRET", Secret: true},
	{Key: "github.base_url", EnvVar: "COMMITBOT_GITHUB_BASE_URL"},
	{Key: "reviewer.url", EnvVar: "COMMITBOT_REVIEWER_URL"},
	{Key: "reviewer.api_key", EnvVar: "COMMITBOT_REVIEWER_API_KEY", Secret: true},
	{Key: "reviewer.agent_id", EnvVar: "COMMITBOT_REVIEWER_AGENT_ID"},
	{Key: "reviewer.timeout", EnvVar: "COMMITBOT_REVIEWER_TIMEOUT"},
	{Key: "anthropic.api_key", EnvVar: "COMMITBOT_ANTHROPIC_API_KEY", Secret: true},
	{Key: "anthropic.model", EnvVar: "COMMITBOT_ANTHROPIC_MODEL"},
	{Key: "anthropic.max_retries", EnvVar: "COMMITBOT_ANTHROPIC_MAX_RETRIES"},
	{Key: "publish.doc_path", EnvVar: "COMMITBOT_PUBLISH_DOC_PATH"},
	{Key: "publish.doc_mode", EnvVar: "COMMITBOT_PUBLISH_DOC_MODE"},
	{Key: "publish.spec_path", EnvVar: "COMMITBOT_PUBLISH_SPEC_PATH"},
	{Key: "publish.spec_mode", EnvVar: "COMMITBOT_PUBLISH_SPEC_MODE"},
	{Key: "publish.branch_prefix", EnvVar: "COMMITBOT_PUBLISH_BRANCH_PREFIX"},
	{Key: "publish.dry_run", EnvVar: "COMMITBOT_PUBLISH_DRY_RUN"},
	{Key: "serve.port", EnvVar: "COMMITBOT_SERVE_PORT"},
	{Key: "serve.rate_limit", EnvVar: "COMMITBOT_SERVE_RATE_LIMIT"},
	{Key: "serve.stuck_after", EnvVar: "COMMITBOT_SERVE_STUCK_AFTER"},
	{Key: "serve.trust_proxy", EnvVar: "COMMITBOT_SERVE_TRUST_PROXY"},
	{Key: "log.level", EnvVar: "COMMITBOT_LOG_LEVEL"},
	{Key: "log.format", EnvVar: "COMMITBOT_LOG_FORMAT"},
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if config file exists
	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	// Read config file values to determine file source
	fileValues := readConfigFileValues(cfgPath)

	for _, k := range configKeys {
		val := viper.Get(k.Key)
		if k.Secret {
			val = maskSecret(viper.GetString(k.Key))
		}
		source := detectSource(k.Key, k.EnvVar, fileValues)
		fmt.Fprintf(ui.Out, "  %-28s %v  %s\n", k.Key, val, source)
	}

	return nil
}

// maskSecret hides all but the last four characters of a credential.
func maskSecret(v string) string {
	if v == "" {
		return "(unset)"
	}
	if len(v) <= 4 {
		return "****"
	}
	return "****" + v[len(v)-4:]
}

func configValidateRun() error {
	if _, err := config.FromViper(viper.GetViper()); err != nil {
		return err
	}
	ui.Success("Configuration is valid")
	return nil
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	// Flatten nested keys with dot notation
	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set; set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'commitbot config init' first)", cfgPath)
	}

	if dryRun {
		ui.DryRunMsg("Would open %s in %s", cfgPath, editor)
		return nil
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
