package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/joescharf/commitbot/internal/config"
	"github.com/joescharf/commitbot/internal/git"
	"github.com/joescharf/commitbot/internal/models"
)

// ReviewMarker identifies the bot's review comment so later runs edit it in place.
const ReviewMarker = "<!-- commitbot:review -->"

// publish writes every pending artifact, in task order. A failed publication is
// recorded and does not stop the others.
func (o *Orchestrator) publish(ctx context.Context, x *execution) []models.Publication {
	var pubs []models.Publication
	for _, task := range models.AllTasks {
		a := x.artifact(task)
		if a == nil {
			continue
		}
		pub := o.publishOne(ctx, x.ev, a)
		o.deps.Metrics.Published(pub.Kind, pub.Error == "")
		if pub.Error != "" {
			o.log.Warn(ctx, "publication failed", zap.String("task", string(task)), zap.String("kind", pub.Kind), zap.String("error", pub.Error))
		} else {
			o.log.Info(ctx, "published", zap.String("task", string(task)), zap.String("kind", pub.Kind), zap.String("url", pub.URL), zap.Bool("dry_run", pub.DryRun))
		}
		pubs = append(pubs, pub)
	}
	return pubs
}

func (o *Orchestrator) publishOne(ctx context.Context, ev models.ChangeEvent, a *artifact) models.Publication {
	pub := models.Publication{Task: a.task, DryRun: o.cfg.DryRun}

	var (
		url string
		err error
	)
	switch {
	case a.task == models.TaskReview:
		pub.Kind = models.PublishComment
		if o.cfg.DryRun {
			break
		}
		url, err = o.deps.Hosting.PostComment(ctx, ev.Repo, git.CommentTarget{PRNumber: ev.PRNumber, CommitID: ev.CommitID}, ReviewMarker, a.body)

	case o.fileMode(a.task) == config.PublishCommit:
		pub.Kind = models.PublishCommit
		if o.cfg.DryRun {
			break
		}
		url, err = o.deps.Hosting.CommitFile(ctx, ev.Repo, git.CommitSpec{
			Branch:  ev.Branch,
			Path:    a.path,
			Content: a.content,
			Message: commitMessage(a.task, a.path, ev),
		})

	default:
		pub.Kind = models.PublishPullRequest
		if o.cfg.DryRun {
			break
		}
		url, err = o.deps.Hosting.OpenOrUpdatePullRequest(ctx, ev.Repo, git.PullRequestSpec{
			Branch:        o.branchName(a.task, ev),
			Base:          ev.Branch,
			Title:         pullRequestTitle(a.task, a.path, ev),
			Body:          pullRequestBody(a.task, a.path, ev),
			Path:          a.path,
			Content:       a.content,
			CommitMessage: commitMessage(a.task, a.path, ev),
		})
	}

	if err != nil {
		pub.Error = err.Error()
		return pub
	}
	pub.URL = url
	return pub
}

func (o *Orchestrator) fileMode(task models.TaskName) config.PublishMode {
	if task == models.TaskSpecUpdate {
		return o.cfg.SpecMode
	}
	return o.cfg.DocMode
}

// branchName is stable per pull request or commit so repeated runs update the same
// bot branch.
func (o *Orchestrator) branchName(task models.TaskName, ev models.ChangeEvent) string {
	kind := "docs"
	if task == models.TaskSpecUpdate {
		kind = "spec"
	}
	if ev.PRNumber > 0 {
		return fmt.Sprintf("%s%s-pr-%d", o.cfg.BranchPrefix, kind, ev.PRNumber)
	}
	return fmt.Sprintf("%s%s-%s", o.cfg.BranchPrefix, kind, shortSHA(ev.CommitID))
}
