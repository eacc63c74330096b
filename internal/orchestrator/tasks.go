package orchestrator

import (
	"context"
	"strings"

	"github.com/joescharf/commitbot/internal/models"
	"github.com/joescharf/commitbot/internal/provider"
)

// artifact is task output waiting for publication.
type artifact struct {
	task    models.TaskName
	body    string // review comment
	path    string // file to write for doc and spec updates
	content string
}

func (o *Orchestrator) review(ctx context.Context, x *execution) (models.TaskOutcome, *artifact) {
	res := o.deps.Provider.Review(ctx, x.diffText)
	if !res.OK() {
		return failure(res.Failure, res.Usage), nil
	}
	if strings.TrimSpace(res.Content) == "" {
		return models.TaskOutcome{Status: models.TaskStatusSuccess, Message: "Reviewer returned no findings", Usage: res.Usage}, nil
	}
	out := models.TaskOutcome{Status: models.TaskStatusSuccess, Message: "Review generated", Usage: res.Usage}
	if res.Usage.FellBack {
		out.Message = "Review generated by fallback backend"
	}
	return out, &artifact{task: models.TaskReview, body: formatReview(res.Content, res.Usage)}
}

func (o *Orchestrator) docUpdate(ctx context.Context, x *execution) (models.TaskOutcome, *artifact) {
	current, _, err := o.deps.Hosting.FileContent(ctx, x.ev.Repo, o.cfg.DocPath, x.ev.CommitID)
	if err != nil {
		return fetchFailure(o.cfg.DocPath, err), nil
	}

	res := o.deps.Provider.DraftDocUpdate(ctx, x.diffText, current)
	if !res.OK() {
		return failure(res.Failure, res.Usage), nil
	}
	updated := res.Content
	if strings.TrimSpace(updated) == "" || strings.TrimSpace(updated) == strings.TrimSpace(current) {
		return models.TaskOutcome{Status: models.TaskStatusSuccess, Message: o.cfg.DocPath + " is up to date", Usage: res.Usage}, nil
	}
	if !strings.HasSuffix(updated, "\n") {
		updated += "\n"
	}
	return models.TaskOutcome{Status: models.TaskStatusSuccess, Message: "Drafted update to " + o.cfg.DocPath, Usage: res.Usage},
		&artifact{task: models.TaskDocUpdate, path: o.cfg.DocPath, content: updated}
}

func (o *Orchestrator) specUpdate(ctx context.Context, x *execution) (models.TaskOutcome, *artifact) {
	current, _, err := o.deps.Hosting.FileContent(ctx, x.ev.Repo, o.cfg.SpecPath, x.ev.CommitID)
	if err != nil {
		return fetchFailure(o.cfg.SpecPath, err), nil
	}

	info := provider.CommitInfo{
		Repo:     x.ev.Repo.String(),
		SHA:      x.ev.CommitID,
		Branch:   x.ev.Branch,
		Message:  x.ev.CommitMessage,
		Author:   x.ev.Author,
		PRNumber: x.ev.PRNumber,
		PRTitle:  x.ev.PRTitle,
	}
	res := o.deps.Provider.DraftSpecEntry(ctx, info, x.diffText, current)
	if !res.OK() {
		return failure(res.Failure, res.Usage), nil
	}
	entry := strings.TrimSpace(res.Content)
	if entry == "" {
		return models.TaskOutcome{Status: models.TaskStatusSuccess, Message: "No spec-log entry needed", Usage: res.Usage}, nil
	}
	return models.TaskOutcome{Status: models.TaskStatusSuccess, Message: "Drafted entry for " + o.cfg.SpecPath, Usage: res.Usage},
		&artifact{task: models.TaskSpecUpdate, path: o.cfg.SpecPath, content: appendEntry(current, entry)}
}

func failure(f *provider.Failure, usage models.Usage) models.TaskOutcome {
	return models.TaskOutcome{
		Status:      models.TaskStatusFailed,
		ErrorKind:   f.Kind,
		ErrorReason: f.Reason,
		Message:     f.Error(),
		Usage:       usage,
	}
}

func fetchFailure(path string, err error) models.TaskOutcome {
	return models.TaskOutcome{
		Status:      models.TaskStatusFailed,
		ErrorKind:   models.ErrorKindTransient,
		ErrorReason: models.ReasonUpstreamFetch,
		Message:     "fetch " + path + ": " + err.Error(),
	}
}
