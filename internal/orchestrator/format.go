package orchestrator

import (
	"fmt"
	"strings"

	"github.com/joescharf/commitbot/internal/models"
)

const specLogHeader = "# Specification log\n"

func formatReview(body string, usage models.Usage) string {
	var b strings.Builder
	b.WriteString(ReviewMarker)
	b.WriteString("\n## Automated review\n\n")
	b.WriteString(strings.TrimSpace(body))
	b.WriteString("\n\n---\n")
	source := usage.Backend
	if usage.Model != "" {
		source += " (" + usage.Model + ")"
	}
	if source == "" {
		source = "commitbot"
	}
	fmt.Fprintf(&b, "<sub>Generated by %s", source)
	if usage.FellBack {
		b.WriteString(" after the primary reviewer was unavailable")
	}
	b.WriteString("</sub>\n")
	return b.String()
}

func appendEntry(current, entry string) string {
	current = strings.TrimRight(current, "\n")
	if strings.TrimSpace(current) == "" {
		current = strings.TrimRight(specLogHeader, "\n")
	}
	return current + "\n\n" + entry + "\n"
}

func pullRequestTitle(task models.TaskName, path string, ev models.ChangeEvent) string {
	verb := "Update"
	if task == models.TaskSpecUpdate {
		verb = "Add entry to"
	}
	if ev.PRNumber > 0 {
		return fmt.Sprintf("%s %s for #%d", verb, path, ev.PRNumber)
	}
	return fmt.Sprintf("%s %s for %s", verb, path, shortSHA(ev.CommitID))
}

func pullRequestBody(task models.TaskName, path string, ev models.ChangeEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "commitbot drafted this %s change to `%s`.\n\n", task, path)
	if ev.PRNumber > 0 {
		fmt.Fprintf(&b, "Source pull request: #%d", ev.PRNumber)
		if ev.PRTitle != "" {
			fmt.Fprintf(&b, " (%s)", ev.PRTitle)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Source commit: %s on `%s`\n", ev.CommitID, ev.Branch)
	b.WriteString("\nReview the draft before merging.\n")
	return b.String()
}

func commitMessage(task models.TaskName, path string, ev models.ChangeEvent) string {
	return fmt.Sprintf("%s: update %s for %s\n\n%s", task, path, shortSHA(ev.CommitID), SkipMarker)
}

func summarize(tasks map[models.TaskName]models.TaskOutcome, pubs []models.Publication) string {
	var parts []string
	for _, task := range models.AllTasks {
		out, ok := tasks[task]
		if !ok {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", task, out.Status))
	}
	published, failed := 0, 0
	for _, p := range pubs {
		if p.Error != "" {
			failed++
		} else {
			published++
		}
	}
	s := strings.Join(parts, ", ")
	if len(pubs) > 0 {
		s += fmt.Sprintf("; %d published", published)
		if failed > 0 {
			s += fmt.Sprintf(", %d failed to publish", failed)
		}
	}
	return s
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
