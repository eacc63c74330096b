package models

// EventKind is the source-control event that started a run.
type EventKind string

const (
	EventPush                    EventKind = "push"
	EventPullRequestOpened       EventKind = "pull_request_opened"
	EventPullRequestSynchronized EventKind = "pull_request_synchronized"
	EventPullRequestReopened     EventKind = "pull_request_reopened"
)

// IsPullRequest reports whether the kind is one of the pull-request events.
func (k EventKind) IsPullRequest() bool {
	switch k {
	case EventPullRequestOpened, EventPullRequestSynchronized, EventPullRequestReopened:
		return true
	}
	return false
}

// Repo identifies a repository on the hosting platform.
type Repo struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

// String returns owner/name.
func (r Repo) String() string {
	return r.Owner + "/" + r.Name
}

// ChangeEvent is an authenticated push or pull-request event. It is never mutated
// after construction.
type ChangeEvent struct {
	Kind          EventKind `json:"kind"`
	Repo          Repo      `json:"repo"`
	CommitID      string    `json:"commit_id"`
	Branch        string    `json:"branch"`
	PRNumber      int       `json:"pr_number,omitempty"`
	PRTitle       string    `json:"pr_title,omitempty"`
	BaseBranch    string    `json:"base_branch,omitempty"`
	CommitMessage string    `json:"commit_message,omitempty"`
	Author        string    `json:"author,omitempty"`
	DeliveryID    string    `json:"delivery_id,omitempty"`
}

// WithPullRequest returns a copy of the event associated with the given pull request.
func (e ChangeEvent) WithPullRequest(number int, title, base string) ChangeEvent {
	e.PRNumber = number
	if title != "" {
		e.PRTitle = title
	}
	if base != "" {
		e.BaseBranch = base
	}
	return e
}
