package provider

import (
	"fmt"
	"strings"
)

// NoChangesSentinel is the reply a drafting prompt asks for when nothing needs updating.
const NoChangesSentinel = "NO_CHANGES"

// maxPromptDiff caps the diff text embedded in a prompt.
const maxPromptDiff = 60000

const reviewSystemPrompt = `You are a senior software engineer reviewing a code change.
Respond in GitHub-flavored markdown. Be specific and practical: point at files and lines,
flag bugs, security problems and missing tests first, then maintainability concerns.
Do not restate the diff. If the change looks correct, say so briefly.`

const docSystemPrompt = `You maintain a project's user-facing documentation file.
Given a code change and the current document, return the complete updated document.
Change only what the code change makes inaccurate or incomplete and keep the existing
structure and tone. If no update is needed, reply with exactly ` + NoChangesSentinel + `.`

const specSystemPrompt = `You maintain a chronological specification log for a project.
Given a code change, write one new log entry in markdown describing the behavior that
changed, not the implementation. Start the entry with a level-3 heading. Return only the
new entry. If the change has no behavioral effect, reply with exactly ` + NoChangesSentinel + `.`

// BuildReviewPrompt builds the user prompt for a code review.
func BuildReviewPrompt(diffText string) string {
	var b strings.Builder
	b.WriteString("Review the following change.\n\n")
	writeDiff(&b, diffText)
	b.WriteString("\n## Output\n")
	b.WriteString("- A one-paragraph summary\n")
	b.WriteString("- A list of findings, most severe first, each naming the file\n")
	return b.String()
}

// BuildDocUpdatePrompt builds the user prompt for drafting a documentation update.
func BuildDocUpdatePrompt(diffText, currentDoc string) string {
	var b strings.Builder
	b.WriteString("## Current document\n\n")
	if strings.TrimSpace(currentDoc) == "" {
		b.WriteString("(the document does not exist yet; write a concise initial version)\n")
	} else {
		b.WriteString(currentDoc)
		if !strings.HasSuffix(currentDoc, "\n") {
			b.WriteString("\n")
		}
	}
	b.WriteString("\n")
	writeDiff(&b, diffText)
	return b.String()
}

// BuildSpecEntryPrompt builds the user prompt for drafting a spec-log entry.
func BuildSpecEntryPrompt(info CommitInfo, diffText, currentSpec string) string {
	var b strings.Builder
	b.WriteString("## Change\n")
	if info.Repo != "" {
		fmt.Fprintf(&b, "- Repository: %s\n", info.Repo)
	}
	fmt.Fprintf(&b, "- Commit: %s\n", shortSHA(info.SHA))
	if info.Branch != "" {
		fmt.Fprintf(&b, "- Branch: %s\n", info.Branch)
	}
	if info.PRNumber > 0 {
		fmt.Fprintf(&b, "- Pull request: #%d %s\n", info.PRNumber, info.PRTitle)
	}
	if info.Author != "" {
		fmt.Fprintf(&b, "- Author: %s\n", info.Author)
	}
	if info.Message != "" {
		fmt.Fprintf(&b, "- Message: %s\n", firstLine(info.Message))
	}
	b.WriteString("\n")

	if tail := lastEntries(currentSpec, 4000); tail != "" {
		b.WriteString("## Most recent log entries\n\n")
		b.WriteString(tail)
		b.WriteString("\n\n")
	}
	writeDiff(&b, diffText)
	return b.String()
}

// IsNoChanges reports whether a drafting reply is the no-changes sentinel.
func IsNoChanges(content string) bool {
	return strings.TrimSpace(content) == NoChangesSentinel
}

func writeDiff(b *strings.Builder, diffText string) {
	b.WriteString("## Diff\n\n```diff\n")
	if len(diffText) > maxPromptDiff {
		b.WriteString(diffText[:maxPromptDiff])
		b.WriteString("\n... (diff truncated)\n")
	} else {
		b.WriteString(diffText)
		if !strings.HasSuffix(diffText, "\n") {
			b.WriteString("\n")
		}
	}
	b.WriteString("```\n")
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// lastEntries returns at most n trailing bytes of the log, starting on a line boundary.
func lastEntries(spec string, n int) string {
	spec = strings.TrimSpace(spec)
	if len(spec) <= n {
		return spec
	}
	tail := spec[len(spec)-n:]
	if i := strings.IndexByte(tail, '\n'); i >= 0 {
		tail = tail[i+1:]
	}
	return tail
}
