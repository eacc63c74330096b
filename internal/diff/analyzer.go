// Package diff classifies unified diffs into code, documentation, and configuration
// changes and decides whether a change is too small to be worth analyzing.
package diff

import (
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// MinimalChangeLines is the line count at or below which any change is trivial.
const MinimalChangeLines = 3

// Options configures file categorisation and the trivial-change threshold.
type Options struct {
	CodeExtensions   []string
	DocGlobs         []string
	ConfigGlobs      []string
	TrivialThreshold int
}

// DefaultOptions returns the built-in categorisation lists and a threshold of 10 lines.
func DefaultOptions() Options {
	return Options{
		CodeExtensions: []string{
			".go", ".py", ".js", ".jsx", ".ts", ".tsx", ".java", ".kt", ".scala",
			".rb", ".rs", ".c", ".cc", ".cpp", ".h", ".hpp", ".cs", ".php",
			".swift", ".m", ".sh", ".sql", ".vue", ".svelte",
		},
		DocGlobs: []string{
			"*.md", "*.rst", "*.txt", "*.adoc", "docs/**", "doc/**",
			"README*", "CHANGELOG*", "LICENSE*", "CONTRIBUTING*",
		},
		ConfigGlobs: []string{
			"*.yml", "*.yaml", "*.toml", "*.json", "*.ini", "*.cfg", "*.conf",
			".github/**", "Dockerfile", "Makefile", ".gitignore", ".env*", "go.mod", "go.sum",
		},
		TrivialThreshold: 10,
	}
}

// Category is the bucket a touched path falls into.
type Category string

const (
	CategoryCode   Category = "code"
	CategoryDoc    Category = "doc"
	CategoryConfig Category = "config"
	CategoryOther  Category = "other"
)

// Analysis is the immutable result of analyzing one diff.
type Analysis struct {
	TotalLines   int      `json:"total_lines"`
	AddedLines   int      `json:"added_lines"`
	RemovedLines int      `json:"removed_lines"`
	Files        []string `json:"files"`
	CodeFiles    []string `json:"code_files"`
	DocFiles     []string `json:"doc_files"`
	ConfigFiles  []string `json:"config_files"`
	OtherFiles   []string `json:"other_files"`

	HasCodeChanges   bool   `json:"has_code_changes"`
	HasDocChanges    bool   `json:"has_doc_changes"`
	HasConfigChanges bool   `json:"has_config_changes"`
	IsWhitespaceOnly bool   `json:"is_whitespace_only"`
	IsTrivial        bool   `json:"is_trivial"`
	TrivialReason    string `json:"trivial_reason,omitempty"`
}

// IsDocOnly reports whether the change touches documentation but no code.
func (a *Analysis) IsDocOnly() bool {
	return !a.HasCodeChanges && a.HasDocChanges
}

// Analyzer turns diff text into an Analysis. It holds no mutable state.
type Analyzer struct {
	opts       Options
	extensions map[string]bool
}

// NewAnalyzer validates the glob lists and returns an Analyzer.
func NewAnalyzer(opts Options) (*Analyzer, error) {
	for _, g := range append(append([]string{}, opts.DocGlobs...), opts.ConfigGlobs...) {
		if !doublestar.ValidatePattern(g) {
			return nil, fmt.Errorf("invalid glob pattern: %q", g)
		}
	}
	if opts.TrivialThreshold < 0 {
		return nil, fmt.Errorf("trivial threshold must not be negative: %d", opts.TrivialThreshold)
	}
	ext := make(map[string]bool, len(opts.CodeExtensions))
	for _, e := range opts.CodeExtensions {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		ext[e] = true
	}
	return &Analyzer{opts: opts, extensions: ext}, nil
}

// Threshold returns the configured trivial-change line threshold.
func (a *Analyzer) Threshold() int {
	return a.opts.TrivialThreshold
}

// Categorize returns the category for a single path. Code is checked first, then
// documentation (against full path and basename), then configuration.
func (a *Analyzer) Categorize(p string) Category {
	if a.extensions[strings.ToLower(path.Ext(p))] {
		return CategoryCode
	}
	if matchAny(a.opts.DocGlobs, p, true) {
		return CategoryDoc
	}
	if matchAny(a.opts.ConfigGlobs, p, true) {
		return CategoryConfig
	}
	return CategoryOther
}

func matchAny(globs []string, p string, withBase bool) bool {
	base := path.Base(p)
	for _, g := range globs {
		if ok, _ := doublestar.Match(g, p); ok {
			return true
		}
		if withBase && base != p {
			if ok, _ := doublestar.Match(g, base); ok {
				return true
			}
		}
	}
	return false
}

// Analyze parses the diff and applies the triviality rules in order:
// whitespace-only, small documentation-only change, minimal change.
func (a *Analyzer) Analyze(diffText string) *Analysis {
	if strings.TrimSpace(diffText) == "" {
		return &Analysis{IsTrivial: true, TrivialReason: "Empty diff"}
	}

	p := parse(diffText)
	res := &Analysis{
		AddedLines:   p.added,
		RemovedLines: p.removed,
		TotalLines:   p.added + p.removed,
		Files:        p.files,
	}

	for _, f := range p.files {
		switch a.Categorize(f) {
		case CategoryCode:
			res.CodeFiles = append(res.CodeFiles, f)
		case CategoryDoc:
			res.DocFiles = append(res.DocFiles, f)
		case CategoryConfig:
			res.ConfigFiles = append(res.ConfigFiles, f)
		default:
			res.OtherFiles = append(res.OtherFiles, f)
		}
	}
	res.HasCodeChanges = len(res.CodeFiles) > 0
	res.HasDocChanges = len(res.DocFiles) > 0
	res.HasConfigChanges = len(res.ConfigFiles) > 0
	res.IsWhitespaceOnly = res.TotalLines > 0 && p.contentLines == 0

	switch {
	case res.IsWhitespaceOnly:
		res.IsTrivial = true
		res.TrivialReason = "Whitespace-only changes"
	case !res.HasCodeChanges && res.HasDocChanges && !res.HasConfigChanges &&
		res.TotalLines <= a.opts.TrivialThreshold:
		res.IsTrivial = true
		res.TrivialReason = fmt.Sprintf("Documentation-only change of %d lines (threshold %d)",
			res.TotalLines, a.opts.TrivialThreshold)
	case res.TotalLines <= MinimalChangeLines:
		res.IsTrivial = true
		res.TrivialReason = fmt.Sprintf("Minimal change (%d lines)", res.TotalLines)
	}
	return res
}

var hunkHeader = regexp.MustCompile(`^@@ -\d+(?:,(\d+))? \+\d+(?:,(\d+))? @@`)

type parsed struct {
	files        []string
	added        int
	removed      int
	contentLines int
}

// parse walks the diff once. Hunk headers bound the content region so that a removed
// line beginning with "--" is counted rather than mistaken for a file header.
func parse(text string) parsed {
	var p parsed
	seen := make(map[string]bool)
	addFile := func(name string) {
		if name == "" || name == "/dev/null" || seen[name] {
			return
		}
		seen[name] = true
		p.files = append(p.files, name)
	}

	var (
		inHunk       bool
		oldRemaining int
		newRemaining int
		bounded      bool
		pendingOld   string
	)

	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		if inHunk {
			switch {
			case strings.HasPrefix(line, "diff --git "):
				inHunk = false
			case strings.HasPrefix(line, "@@"):
				// next hunk in the same file, handled below
				inHunk = false
			case strings.HasPrefix(line, `\`):
				continue
			case strings.HasPrefix(line, "+"):
				p.added++
				if strings.TrimSpace(line[1:]) != "" {
					p.contentLines++
				}
				newRemaining--
			case strings.HasPrefix(line, "-"):
				p.removed++
				if strings.TrimSpace(line[1:]) != "" {
					p.contentLines++
				}
				oldRemaining--
			default:
				oldRemaining--
				newRemaining--
			}
			if inHunk {
				if bounded && oldRemaining <= 0 && newRemaining <= 0 {
					inHunk = false
				}
				continue
			}
		}

		switch {
		case strings.HasPrefix(line, "diff --git "):
			pendingOld = ""
			if name := gitHeaderPath(line); name != "" {
				addFile(name)
			}
		case strings.HasPrefix(line, "--- "):
			pendingOld = stripPrefix(headerPath(line[4:]))
		case strings.HasPrefix(line, "+++ "):
			name := stripPrefix(headerPath(line[4:]))
			if name == "/dev/null" {
				name = pendingOld
			}
			addFile(name)
			pendingOld = ""
		case strings.HasPrefix(line, "rename to "):
			addFile(strings.TrimPrefix(line, "rename to "))
		case strings.HasPrefix(line, "@@"):
			inHunk = true
			bounded = false
			if m := hunkHeader.FindStringSubmatch(line); m != nil {
				bounded = true
				oldRemaining = hunkCount(m[1])
				newRemaining = hunkCount(m[2])
			}
		}
	}
	return p
}

func hunkCount(s string) int {
	if s == "" {
		return 1
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

// gitHeaderPath extracts the destination path from "diff --git a/x b/y".
func gitHeaderPath(line string) string {
	rest := strings.TrimPrefix(line, "diff --git ")
	if i := strings.LastIndex(rest, " b/"); i >= 0 {
		return rest[i+3:]
	}
	fields := strings.Fields(rest)
	if len(fields) == 2 {
		return stripPrefix(fields[1])
	}
	return ""
}

// headerPath drops the optional tab-separated timestamp from ---/+++ lines.
func headerPath(s string) string {
	if i := strings.IndexByte(s, '\t'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func stripPrefix(s string) string {
	if strings.HasPrefix(s, "a/") || strings.HasPrefix(s, "b/") {
		return s[2:]
	}
	return s
}
