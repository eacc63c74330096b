package models

import "time"

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusRunning             RunStatus = "running"
	RunStatusCompleted           RunStatus = "completed"
	RunStatusCompletedWithIssues RunStatus = "completed_with_issues"
	RunStatusFailed              RunStatus = "failed"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	return s != RunStatusRunning && s != ""
}

// RunType is the routing verdict recorded for a run.
type RunType string

const (
	RunTypeFull         RunType = "full"
	RunTypePartial      RunType = "partial"
	RunTypeSkipTrivial  RunType = "skip_trivial"
	RunTypeSkipDocsOnly RunType = "skip_docs_only"
)

// TaskName identifies one of the three fixed task kinds.
type TaskName string

const (
	TaskReview     TaskName = "review"
	TaskDocUpdate  TaskName = "doc_update"
	TaskSpecUpdate TaskName = "spec_update"
)

// AllTasks lists the task kinds in their canonical order.
var AllTasks = []TaskName{TaskReview, TaskDocUpdate, TaskSpecUpdate}

// TaskStatus is the final state of a single task.
type TaskStatus string

const (
	TaskStatusSuccess TaskStatus = "success"
	TaskStatusSkipped TaskStatus = "skipped"
	TaskStatusFailed  TaskStatus = "failed"
)

// ErrorKind separates failures expected to clear on retry from ones that need an operator.
type ErrorKind string

const (
	ErrorKindTransient ErrorKind = "transient"
	ErrorKindPermanent ErrorKind = "permanent"
)

// ErrorReason narrows an ErrorKind.
type ErrorReason string

const (
	ReasonBackendMisconfigured ErrorReason = "backend_misconfigured"
	ReasonRateLimited          ErrorReason = "rate_limited"
	ReasonServerError          ErrorReason = "server_error"
	ReasonNetworkError         ErrorReason = "network_error"
	ReasonUnsupported          ErrorReason = "unsupported"
	ReasonInvalidResponse      ErrorReason = "invalid_response"
	ReasonUpstreamFetch        ErrorReason = "upstream_fetch"
	ReasonUnexpected           ErrorReason = "unexpected"
)

// Usage carries token and cost counters reported by a generation backend.
type Usage struct {
	Backend      string  `json:"backend,omitempty"`
	Model        string  `json:"model,omitempty"`
	InputTokens  int64   `json:"input_tokens,omitempty"`
	OutputTokens int64   `json:"output_tokens,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
	FellBack     bool    `json:"fell_back,omitempty"`
}

// Add accumulates counters from another usage record.
func (u *Usage) Add(o Usage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
	u.CostUSD += o.CostUSD
}

// TaskOutcome is the immutable result of one task in one run.
type TaskOutcome struct {
	Task        TaskName    `json:"task"`
	Status      TaskStatus  `json:"status"`
	ErrorKind   ErrorKind   `json:"error_kind,omitempty"`
	ErrorReason ErrorReason `json:"error_reason,omitempty"`
	Message     string      `json:"message,omitempty"`
	Usage       Usage       `json:"usage"`
	FinishedAt  time.Time   `json:"finished_at"`
}

// Critical reports whether the outcome points at a systemic backend problem:
// a misconfigured backend or an exhausted quota.
func (o TaskOutcome) Critical() bool {
	if o.Status != TaskStatusFailed {
		return false
	}
	if o.ErrorKind == ErrorKindPermanent && o.ErrorReason == ReasonBackendMisconfigured {
		return true
	}
	return o.ErrorReason == ReasonRateLimited
}

// RunMetrics summarises the change and backend usage for a run.
type RunMetrics struct {
	ChangedLines int   `json:"changed_lines"`
	AddedLines   int   `json:"added_lines"`
	RemovedLines int   `json:"removed_lines"`
	FilesChanged int   `json:"files_changed"`
	CodeFiles    int   `json:"code_files"`
	DocFiles     int   `json:"doc_files"`
	ConfigFiles  int   `json:"config_files"`
	Usage        Usage `json:"usage"`
	DurationMS   int64 `json:"duration_ms"`
}

// Publication records one attempt to publish a task's output.
type Publication struct {
	Task   TaskName `json:"task"`
	Kind   string   `json:"kind"`
	URL    string   `json:"url,omitempty"`
	Error  string   `json:"error,omitempty"`
	DryRun bool     `json:"dry_run,omitempty"`
}

// Publication kinds.
const (
	PublishComment     = "comment"
	PublishPullRequest = "pull_request"
	PublishCommit      = "commit"
)

// Run is the ledger's unit of record: one attempt to process a change event.
type Run struct {
	ID           string                   `json:"id"`
	Repo         Repo                     `json:"repo"`
	EventKind    EventKind                `json:"event_kind"`
	CommitID     string                   `json:"commit_id"`
	Branch       string                   `json:"branch"`
	BaseBranch   string                   `json:"base_branch,omitempty"`
	PRNumber     int                      `json:"pr_number,omitempty"`
	PRTitle      string                   `json:"pr_title,omitempty"`
	RunType      RunType                  `json:"run_type"`
	SkipReason   string                   `json:"skip_reason,omitempty"`
	Status       RunStatus                `json:"status"`
	Summary      string                   `json:"summary,omitempty"`
	Tasks        map[TaskName]TaskOutcome `json:"tasks"`
	Metrics      RunMetrics               `json:"metrics"`
	Publications []Publication            `json:"publications,omitempty"`
	RetryOf      string                   `json:"retry_of,omitempty"`
	CreatedAt    time.Time                `json:"created_at"`
	FinishedAt   *time.Time               `json:"finished_at,omitempty"`
}

// Event rebuilds the change event the run was created from.
func (r *Run) Event() ChangeEvent {
	return ChangeEvent{
		Kind:       r.EventKind,
		Repo:       r.Repo,
		CommitID:   r.CommitID,
		Branch:     r.Branch,
		PRNumber:   r.PRNumber,
		PRTitle:    r.PRTitle,
		BaseBranch: r.BaseBranch,
	}
}

// Clone returns a deep copy safe to hand out while the original keeps mutating.
func (r *Run) Clone() *Run {
	c := *r
	c.Tasks = make(map[TaskName]TaskOutcome, len(r.Tasks))
	for k, v := range r.Tasks {
		c.Tasks[k] = v
	}
	if r.Publications != nil {
		c.Publications = append([]Publication(nil), r.Publications...)
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}
