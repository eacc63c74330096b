// Package orchestrator runs the review, documentation and spec-log tasks for one
// change, applies the critical-failure policy and publishes the results.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/joescharf/commitbot/internal/config"
	"github.com/joescharf/commitbot/internal/diff"
	"github.com/joescharf/commitbot/internal/git"
	"github.com/joescharf/commitbot/internal/ledger"
	"github.com/joescharf/commitbot/internal/logging"
	"github.com/joescharf/commitbot/internal/models"
	"github.com/joescharf/commitbot/internal/provider"
	"github.com/joescharf/commitbot/internal/trigger"
)

// ErrAbandoned is returned when the context ends while tasks are in flight. The
// run is left running in the ledger.
var ErrAbandoned = errors.New("run abandoned before completion")

// SkipMarker in a commit message stops the bot from processing that commit. The bot
// adds it to its own commits.
const SkipMarker = "[skip commitbot]"

// Hosting is the git-hosting capability the orchestrator needs.
type Hosting interface {
	CommitDiff(ctx context.Context, repo models.Repo, sha string) (string, error)
	PullRequestDiff(ctx context.Context, repo models.Repo, number int) (string, error)
	FileContent(ctx context.Context, repo models.Repo, path, ref string) (string, bool, error)
	PullRequestForCommit(ctx context.Context, repo models.Repo, sha string) (*git.PullRequestRef, error)
	PostComment(ctx context.Context, repo models.Repo, target git.CommentTarget, marker, body string) (string, error)
	OpenOrUpdatePullRequest(ctx context.Context, repo models.Repo, spec git.PullRequestSpec) (string, error)
	CommitFile(ctx context.Context, repo models.Repo, spec git.CommitSpec) (string, error)
}

// Recorder receives run, task and publication counts.
type Recorder interface {
	RunFinished(runType, status string, d time.Duration)
	TaskFinished(task, status, reason string)
	Published(kind string, ok bool)
}

type nopRecorder struct{}

func (nopRecorder) RunFinished(string, string, time.Duration) {}
func (nopRecorder) TaskFinished(string, string, string)       {}
func (nopRecorder) Published(string, bool)                    {}

// Config is the orchestrator's slice of the runtime configuration.
type Config struct {
	Mode         trigger.Mode
	DocPath      string
	DocMode      config.PublishMode
	SpecPath     string
	SpecMode     config.PublishMode
	BranchPrefix string
	DryRun       bool
}

// ConfigFrom extracts the orchestrator settings from the runtime configuration.
func ConfigFrom(c *config.Config) Config {
	return Config{
		Mode:         c.Trigger.Mode,
		DocPath:      c.Publish.DocPath,
		DocMode:      c.Publish.DocMode,
		SpecPath:     c.Publish.SpecPath,
		SpecMode:     c.Publish.SpecMode,
		BranchPrefix: c.Publish.BranchPrefix,
		DryRun:       c.Publish.DryRun,
	}
}

// Deps are the collaborators, composed once at startup.
type Deps struct {
	Analyzer *diff.Analyzer
	Provider provider.Provider
	Hosting  Hosting
	Ledger   *ledger.Ledger
	Metrics  Recorder
	Logger   *logging.Logger
}

// RunResult is what callers of Process and Run get back.
type RunResult struct {
	Success           bool                                   `json:"success"`
	Skipped           bool                                   `json:"skipped,omitempty"`
	RunID             string                                 `json:"run_id,omitempty"`
	RunType           models.RunType                         `json:"run_type,omitempty"`
	Status            models.RunStatus                       `json:"status,omitempty"`
	Tasks             map[models.TaskName]models.TaskOutcome `json:"tasks,omitempty"`
	SkipReason        string                                 `json:"skip_reason,omitempty"`
	Suppressed        bool                                   `json:"suppressed,omitempty"`
	SuppressionReason string                                 `json:"suppression_reason,omitempty"`
	Publications      []models.Publication                   `json:"publications,omitempty"`
	Summary           string                                 `json:"summary,omitempty"`
	Analysis          *diff.Analysis                         `json:"analysis,omitempty"`
}

// Orchestrator is safe for concurrent use; runs share nothing but the ledger.
type Orchestrator struct {
	deps Deps
	cfg  Config
	log  *logging.Logger
	now  func() time.Time
}

// New creates an Orchestrator.
func New(deps Deps, cfg Config) *Orchestrator {
	if deps.Metrics == nil {
		deps.Metrics = nopRecorder{}
	}
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	return &Orchestrator{
		deps: deps,
		cfg:  cfg,
		log:  deps.Logger.Named("orchestrator"),
		now:  time.Now,
	}
}

// Process is the entry point for one change event and its diff. Events filtered
// by trigger mode or loop protection return a skipped result without a run.
// Everything else is analyzed, routed and run; the run is fully persisted before
// Process returns.
func (o *Orchestrator) Process(ctx context.Context, ev models.ChangeEvent, diffText string) (*RunResult, error) {
	if ok, reason := trigger.ShouldProcess(ev.Kind, o.cfg.Mode); !ok {
		o.log.Info(ctx, "event filtered", zap.String("kind", string(ev.Kind)), zap.String("reason", reason))
		return &RunResult{Success: true, Skipped: true, SkipReason: reason}, nil
	}
	if reason := o.loopGuard(ev); reason != "" {
		o.log.Info(ctx, "event ignored", zap.String("branch", ev.Branch), zap.String("reason", reason))
		return &RunResult{Success: true, Skipped: true, SkipReason: reason}, nil
	}

	if ev.Kind == models.EventPush && ev.PRNumber == 0 {
		ev = o.discoverPullRequest(ctx, ev)
	}

	analysis := o.deps.Analyzer.Analyze(diffText)
	decision := trigger.Route(trigger.TagForKind(ev.Kind), analysis)
	return o.run(ctx, decision, ev, diffText, analysis, "")
}

// Run executes a routing decision for an event. analysis may be nil, in which case
// the diff is analyzed again for run metrics.
func (o *Orchestrator) Run(ctx context.Context, decision trigger.RoutingDecision, ev models.ChangeEvent, diffText string, analysis *diff.Analysis) (*RunResult, error) {
	return o.run(ctx, decision, ev, diffText, analysis, "")
}

// Retry starts a fresh run for the commit or pull request of an earlier run. The
// diff is fetched again and routing is derived from scratch; the new run records
// the earlier one in RetryOf.
func (o *Orchestrator) Retry(ctx context.Context, runID string) (*RunResult, error) {
	prev, err := o.deps.Ledger.Get(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	if _, active := o.deps.Ledger.Snapshot(runID); active {
		return nil, fmt.Errorf("run %s is still in progress", runID)
	}

	ev := prev.Event()
	var diffText string
	if ev.PRNumber > 0 && ev.Kind.IsPullRequest() {
		diffText, err = o.deps.Hosting.PullRequestDiff(ctx, ev.Repo, ev.PRNumber)
	} else {
		diffText, err = o.deps.Hosting.CommitDiff(ctx, ev.Repo, ev.CommitID)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch diff for retry of %s: %w", runID, err)
	}

	analysis := o.deps.Analyzer.Analyze(diffText)
	decision := trigger.Route(trigger.TagForKind(ev.Kind), analysis)
	o.log.Info(ctx, "retrying run", zap.String("retry_of", runID), zap.String("run_type", string(decision.RunType)))
	return o.run(ctx, decision, ev, diffText, analysis, runID)
}

// RecordFetchFailure records a failed run for an event whose diff could not be
// fetched, so the attempt shows up in the ledger and can be retried. Events the
// trigger mode or loop guard would drop are skipped without a run, as in Process.
func (o *Orchestrator) RecordFetchFailure(ctx context.Context, ev models.ChangeEvent, fetchErr error) (*RunResult, error) {
	if ok, reason := trigger.ShouldProcess(ev.Kind, o.cfg.Mode); !ok {
		return &RunResult{Success: true, Skipped: true, SkipReason: reason}, nil
	}
	if reason := o.loopGuard(ev); reason != "" {
		return &RunResult{Success: true, Skipped: true, SkipReason: reason}, nil
	}

	now := o.now().UTC()
	run := &models.Run{
		Repo:       ev.Repo,
		EventKind:  ev.Kind,
		CommitID:   ev.CommitID,
		Branch:     ev.Branch,
		BaseBranch: ev.BaseBranch,
		PRNumber:   ev.PRNumber,
		PRTitle:    ev.PRTitle,
		RunType:    models.RunTypeFull,
		Tasks:      make(map[models.TaskName]models.TaskOutcome),
	}
	for _, task := range models.AllTasks {
		out := fetchFailure("diff", fetchErr)
		out.Task = task
		out.FinishedAt = now
		run.Tasks[task] = out
	}

	if err := o.deps.Ledger.Start(ctx, run); err != nil {
		return nil, err
	}
	ctx = logging.WithRunID(ctx, run.ID)
	for name, out := range run.Tasks {
		o.deps.Metrics.TaskFinished(string(name), string(out.Status), string(out.ErrorReason))
	}

	summary := "Diff unavailable: " + fetchErr.Error()
	final, err := o.deps.Ledger.Finalize(ctx, run.ID, ledger.Final{
		Status:  models.RunStatusFailed,
		Summary: summary,
	})
	o.deps.Metrics.RunFinished(string(run.RunType), string(models.RunStatusFailed), 0)
	o.log.Warn(ctx, "run failed before tasks started", zap.String("commit", ev.CommitID), zap.Error(fetchErr))

	result := &RunResult{
		RunID:   run.ID,
		RunType: run.RunType,
		Status:  models.RunStatusFailed,
		Tasks:   run.Tasks,
		Summary: summary,
	}
	if final != nil {
		result.Tasks = final.Tasks
	}
	return result, err
}

func (o *Orchestrator) loopGuard(ev models.ChangeEvent) string {
	if o.cfg.BranchPrefix != "" && strings.HasPrefix(ev.Branch, o.cfg.BranchPrefix) {
		return fmt.Sprintf("Branch %s is managed by commitbot", ev.Branch)
	}
	if strings.Contains(ev.CommitMessage, SkipMarker) {
		return "Commit message contains " + SkipMarker
	}
	return ""
}

// discoverPullRequest attaches an open pull request containing the pushed commit.
// Lookup failures leave the event unchanged.
func (o *Orchestrator) discoverPullRequest(ctx context.Context, ev models.ChangeEvent) models.ChangeEvent {
	pr, err := o.deps.Hosting.PullRequestForCommit(ctx, ev.Repo, ev.CommitID)
	if err != nil {
		o.log.Warn(ctx, "pull request lookup failed", zap.String("commit", ev.CommitID), zap.Error(err))
		return ev
	}
	if pr == nil {
		return ev
	}
	o.log.Debug(ctx, "push belongs to pull request", zap.Int("pr", pr.Number))
	return ev.WithPullRequest(pr.Number, pr.Title, pr.Base)
}

func (o *Orchestrator) run(ctx context.Context, decision trigger.RoutingDecision, ev models.ChangeEvent, diffText string, analysis *diff.Analysis, retryOf string) (*RunResult, error) {
	if analysis == nil {
		analysis = o.deps.Analyzer.Analyze(diffText)
	}
	start := o.now()

	run := &models.Run{
		Repo:       ev.Repo,
		EventKind:  ev.Kind,
		CommitID:   ev.CommitID,
		Branch:     ev.Branch,
		BaseBranch: ev.BaseBranch,
		PRNumber:   ev.PRNumber,
		PRTitle:    ev.PRTitle,
		RunType:    decision.RunType,
		SkipReason: decision.SkipReason,
		Tasks:      make(map[models.TaskName]models.TaskOutcome),
		Metrics:    metricsFor(analysis),
		RetryOf:    retryOf,
	}

	// Disabled tasks are recorded up front and never scheduled.
	var enabled []models.TaskName
	for _, task := range models.AllTasks {
		if decision.Enabled(task) {
			enabled = append(enabled, task)
			continue
		}
		run.Tasks[task] = models.TaskOutcome{
			Task:       task,
			Status:     models.TaskStatusSkipped,
			Message:    skipMessage(task, decision),
			FinishedAt: start.UTC(),
		}
	}

	if err := o.deps.Ledger.Start(ctx, run); err != nil {
		return nil, err
	}
	ctx = logging.WithRunID(ctx, run.ID)
	o.log.Info(ctx, "run started",
		zap.String("repo", ev.Repo.String()),
		zap.String("commit", ev.CommitID),
		zap.Int("pr", ev.PRNumber),
		zap.String("run_type", string(decision.RunType)),
		zap.Int("tasks", len(enabled)),
	)
	for name, out := range run.Tasks {
		o.deps.Metrics.TaskFinished(string(name), string(out.Status), "")
	}

	x := &execution{
		ev:        ev,
		diffText:  diffText,
		runID:     run.ID,
		artifacts: make(map[models.TaskName]*artifact),
	}

	var g errgroup.Group
	for _, task := range enabled {
		g.Go(func() error {
			o.execute(ctx, x, task)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		o.deps.Ledger.Abandon(run.ID)
		o.log.Warn(context.WithoutCancel(ctx), "run abandoned", zap.Error(err))
		snap := run.Clone()
		return &RunResult{
			RunID:      run.ID,
			RunType:    run.RunType,
			Status:     models.RunStatusRunning,
			Tasks:      snap.Tasks,
			SkipReason: decision.SkipReason,
			Analysis:   analysis,
		}, fmt.Errorf("run %s: %w", run.ID, errors.Join(ErrAbandoned, err))
	}

	snap, ok := o.deps.Ledger.Snapshot(run.ID)
	if !ok {
		return nil, fmt.Errorf("run %s: %w", run.ID, ledger.ErrRunNotActive)
	}

	verdict := evaluate(snap.Tasks)
	var pubs []models.Publication
	switch {
	case decision.Skipped():
		verdict.summary = decision.SkipReason
	case verdict.suppressed:
		o.log.Warn(ctx, "publication suppressed", zap.String("reason", verdict.suppressionReason))
	default:
		pubs = o.publish(ctx, x)
		if verdict.status == models.RunStatusCompleted && anyPublicationFailed(pubs) {
			verdict.status = models.RunStatusCompletedWithIssues
		}
		verdict.summary = summarize(snap.Tasks, pubs)
	}

	metrics := snap.Metrics
	for _, out := range snap.Tasks {
		metrics.Usage.Add(out.Usage)
	}
	elapsed := o.now().Sub(start)
	metrics.DurationMS = elapsed.Milliseconds()

	final, err := o.deps.Ledger.Finalize(ctx, run.ID, ledger.Final{
		Status:       verdict.status,
		Summary:      verdict.summary,
		Metrics:      metrics,
		Publications: pubs,
	})
	o.deps.Metrics.RunFinished(string(decision.RunType), string(verdict.status), elapsed)

	result := &RunResult{
		Success:           verdict.status == models.RunStatusCompleted,
		Skipped:           decision.Skipped(),
		RunID:             run.ID,
		RunType:           decision.RunType,
		Status:            verdict.status,
		Tasks:             snap.Tasks,
		SkipReason:        decision.SkipReason,
		Suppressed:        verdict.suppressed,
		SuppressionReason: verdict.suppressionReason,
		Publications:      pubs,
		Summary:           verdict.summary,
		Analysis:          analysis,
	}
	if final != nil {
		result.Tasks = final.Tasks
	}
	if err != nil {
		o.log.Error(ctx, "finalize failed", zap.Error(err))
		return result, err
	}

	o.log.Info(ctx, "run finished",
		zap.String("status", string(verdict.status)),
		zap.Bool("suppressed", verdict.suppressed),
		zap.Duration("elapsed", elapsed),
	)
	return result, nil
}

// execution is the per-run state shared by concurrently running tasks.
type execution struct {
	ev       models.ChangeEvent
	diffText string
	runID    string

	mu        sync.Mutex
	artifacts map[models.TaskName]*artifact
}

func (x *execution) setArtifact(task models.TaskName, a *artifact) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.artifacts[task] = a
}

func (x *execution) artifact(task models.TaskName) *artifact {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.artifacts[task]
}

// execute runs one task and records its outcome. Nothing escapes: panics become
// failed outcomes.
func (o *Orchestrator) execute(ctx context.Context, x *execution, task models.TaskName) {
	var out models.TaskOutcome
	func() {
		defer func() {
			if r := recover(); r != nil {
				o.log.Error(ctx, "task panicked", zap.String("task", string(task)), zap.Any("panic", r))
				out = models.TaskOutcome{
					Task:        task,
					Status:      models.TaskStatusFailed,
					ErrorKind:   models.ErrorKindPermanent,
					ErrorReason: models.ReasonUnexpected,
					Message:     fmt.Sprintf("task panicked: %v", r),
				}
			}
		}()
		var a *artifact
		out, a = o.runTask(ctx, x, task)
		if a != nil {
			x.setArtifact(task, a)
		}
	}()

	out.Task = task
	out.FinishedAt = o.now().UTC()
	if err := o.deps.Ledger.Record(ctx, x.runID, out); err != nil {
		o.log.Error(ctx, "record task outcome", zap.String("task", string(task)), zap.Error(err))
	}
	o.deps.Metrics.TaskFinished(string(task), string(out.Status), string(out.ErrorReason))

	fields := []zap.Field{zap.String("task", string(task)), zap.String("status", string(out.Status))}
	if out.Status == models.TaskStatusFailed {
		fields = append(fields, zap.String("error_kind", string(out.ErrorKind)), zap.String("error_reason", string(out.ErrorReason)), zap.String("message", out.Message))
		o.log.Warn(ctx, "task failed", fields...)
		return
	}
	o.log.Info(ctx, "task finished", fields...)
}

func (o *Orchestrator) runTask(ctx context.Context, x *execution, task models.TaskName) (models.TaskOutcome, *artifact) {
	switch task {
	case models.TaskReview:
		return o.review(ctx, x)
	case models.TaskDocUpdate:
		return o.docUpdate(ctx, x)
	case models.TaskSpecUpdate:
		return o.specUpdate(ctx, x)
	default:
		return models.TaskOutcome{
			Status:      models.TaskStatusFailed,
			ErrorKind:   models.ErrorKindPermanent,
			ErrorReason: models.ReasonUnsupported,
			Message:     fmt.Sprintf("unknown task %q", task),
		}, nil
	}
}

// verdict is the run-level status derived from the complete set of outcomes.
type verdict struct {
	status            models.RunStatus
	suppressed        bool
	suppressionReason string
	summary           string
}

// evaluate applies the critical-failure policy. A critical failure fails the run
// when every non-skipped task is critical and suppresses publication either way.
// Without critical failures, ordinary failures degrade the status but successful
// results are still published.
func evaluate(tasks map[models.TaskName]models.TaskOutcome) verdict {
	var active, failed int
	var critical []models.TaskOutcome
	for _, task := range models.AllTasks {
		out, ok := tasks[task]
		if !ok || out.Status == models.TaskStatusSkipped {
			continue
		}
		active++
		if out.Status == models.TaskStatusFailed {
			failed++
		}
		if out.Critical() {
			critical = append(critical, out)
		}
	}

	if len(critical) > 0 {
		v := verdict{status: models.RunStatusCompletedWithIssues, suppressed: true}
		if len(critical) == active {
			v.status = models.RunStatusFailed
		}
		v.suppressionReason = suppressionReason(critical)
		v.summary = v.suppressionReason
		return v
	}

	switch {
	case failed == 0:
		return verdict{status: models.RunStatusCompleted}
	case failed == active:
		return verdict{status: models.RunStatusFailed}
	default:
		return verdict{status: models.RunStatusCompletedWithIssues}
	}
}

func suppressionReason(critical []models.TaskOutcome) string {
	parts := make([]string, 0, len(critical))
	for _, c := range critical {
		parts = append(parts, fmt.Sprintf("%s failed with %s %s", c.Task, c.ErrorKind, c.ErrorReason))
	}
	return "Publication suppressed: " + strings.Join(parts, "; ")
}

func skipMessage(task models.TaskName, d trigger.RoutingDecision) string {
	if d.SkipReason != "" {
		return d.SkipReason
	}
	return fmt.Sprintf("%s not selected for %s run", task, d.RunType)
}

func metricsFor(a *diff.Analysis) models.RunMetrics {
	return models.RunMetrics{
		ChangedLines: a.TotalLines,
		AddedLines:   a.AddedLines,
		RemovedLines: a.RemovedLines,
		FilesChanged: len(a.Files),
		CodeFiles:    len(a.CodeFiles),
		DocFiles:     len(a.DocFiles),
		ConfigFiles:  len(a.ConfigFiles),
	}
}

func anyPublicationFailed(pubs []models.Publication) bool {
	for _, p := range pubs {
		if p.Error != "" {
			return true
		}
	}
	return false
}
