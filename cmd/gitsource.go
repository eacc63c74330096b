package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/joescharf/commitbot/internal/git"
)

// diffSource selects where a command reads its diff from. At most one of the
// fields is set; the zero value means the HEAD commit.
type diffSource struct {
	File    string
	Range   string
	Working bool
}

// read returns the diff text from a file, a revision range, the working tree or a
// single commit of the checkout at path.
func (s diffSource) read(gc git.Client, path, rev string) (string, error) {
	switch {
	case s.File == "-":
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("read diff from stdin: %w", err)
		}
		return string(data), nil
	case s.File != "":
		data, err := os.ReadFile(s.File)
		if err != nil {
			return "", fmt.Errorf("read diff file: %w", err)
		}
		return string(data), nil
	case s.Range != "":
		base, head, ok := strings.Cut(s.Range, "...")
		if !ok {
			base, head, ok = strings.Cut(s.Range, "..")
		}
		if !ok || base == "" {
			return "", fmt.Errorf("invalid range %q (want base..head)", s.Range)
		}
		if head == "" {
			head = "HEAD"
		}
		return gc.RangeDiff(path, base, head)
	case s.Working:
		return gc.WorkingDiff(path)
	default:
		if rev == "" {
			rev = "HEAD"
		}
		return gc.ShowDiff(path, rev)
	}
}

func (s diffSource) validate() error {
	n := 0
	if s.File != "" {
		n++
	}
	if s.Range != "" {
		n++
	}
	if s.Working {
		n++
	}
	if n > 1 {
		return fmt.Errorf("--diff-file, --range and --working are mutually exclusive")
	}
	return nil
}
