// Package doctor runs preflight checks on the configuration and the checkout a
// deployment will publish into.
package doctor

import (
	"os"
	"path/filepath"

	"github.com/joescharf/commitbot/internal/config"
)

// Check represents a single preflight check.
type Check struct {
	Name     string
	Passed   bool
	Detail   string
	Required bool
}

// Checker evaluates a configuration and, optionally, a local checkout.
type Checker struct{}

// NewChecker returns a new Checker.
func NewChecker() *Checker {
	return &Checker{}
}

// Run evaluates all checks. repoPath may be empty to skip the checkout checks.
func (c *Checker) Run(cfg *config.Config, repoPath string) []Check {
	var checks []Check

	checks = append(checks, checkSet("GitHub token", cfg.GitHub.Token, true, "needed to read private repositories and to publish"))
	checks = append(checks, checkSet("Webhook secret", cfg.GitHub.WebhookSecret, false, "webhook signatures are not verified"))
	checks = append(checks, checkGenerator(cfg))
	checks = append(checks, checkStateDir(cfg.StateDir))

	if repoPath != "" {
		checks = append(checks, checkFile(repoPath, cfg.Publish.DocPath, "Documentation file"))
		checks = append(checks, checkSpecDir(repoPath, cfg.Publish.SpecPath))
	}

	return checks
}

// Passed reports whether every required check passed.
func Passed(checks []Check) bool {
	for _, c := range checks {
		if c.Required && !c.Passed {
			return false
		}
	}
	return true
}

func checkSet(label, value string, required bool, missing string) Check {
	if value != "" {
		return Check{Name: label, Passed: true, Detail: "set", Required: required}
	}
	return Check{Name: label, Passed: false, Detail: "not set: " + missing, Required: required}
}

func checkGenerator(cfg *config.Config) Check {
	c := Check{Name: "Generation backend", Required: true}
	switch {
	case cfg.Anthropic.APIKey != "" && cfg.Reviewer.Enabled():
		c.Passed, c.Detail = true, "reviewer "+cfg.Reviewer.URL+" with "+cfg.Anthropic.Model+" fallback"
	case cfg.Anthropic.APIKey != "":
		c.Passed, c.Detail = true, cfg.Anthropic.Model
	case cfg.Reviewer.Enabled():
		c.Passed, c.Detail = false, "reviewer configured but no anthropic.api_key: doc and spec updates will fail"
	default:
		c.Detail = "no anthropic.api_key and no reviewer: every task fails as backend_misconfigured"
	}
	return c
}

func checkStateDir(dir string) Check {
	c := Check{Name: "State directory", Required: true}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		c.Detail = err.Error()
		return c
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		c.Detail = dir + " is not writable"
		return c
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	c.Passed, c.Detail = true, dir
	return c
}

func checkFile(base, name, label string) Check {
	info, err := os.Stat(filepath.Join(base, name))
	if err == nil && !info.IsDir() {
		return Check{Name: label, Passed: true, Detail: name + " found"}
	}
	return Check{Name: label, Passed: false, Detail: name + " missing: doc_update will draft it from scratch"}
}

func checkSpecDir(base, specPath string) Check {
	dir := filepath.Dir(specPath)
	if dir == "." {
		return Check{Name: "Spec log directory", Passed: true, Detail: "repository root"}
	}
	info, err := os.Stat(filepath.Join(base, dir))
	if err == nil && info.IsDir() {
		return Check{Name: "Spec log directory", Passed: true, Detail: dir + "/ found"}
	}
	return Check{Name: "Spec log directory", Passed: false, Detail: dir + "/ missing: the first entry creates it"}
}
