// Package trigger tags inbound events and routes analyzed changes to tasks.
package trigger

import (
	"fmt"
	"strings"

	"github.com/joescharf/commitbot/internal/diff"
	"github.com/joescharf/commitbot/internal/models"
)

// EventTag is the classifier's label for an inbound event.
type EventTag string

const (
	TagPROpened       EventTag = "opened"
	TagPRSynchronized EventTag = "synchronized"
	TagPRReopened     EventTag = "reopened"
	TagPushWithoutPR  EventTag = "push_without_pr"
	TagUnsupported    EventTag = "unsupported"
)

// ClassifyEvent maps a hosting event name and its payload action to a tag.
// Pull-request actions other than opened and reopened are treated as synchronized.
// Push events are tagged without a pull request; any association is discovered later.
func ClassifyEvent(eventName, action string) EventTag {
	switch eventName {
	case "pull_request":
		switch action {
		case "opened":
			return TagPROpened
		case "reopened":
			return TagPRReopened
		default:
			return TagPRSynchronized
		}
	case "push":
		return TagPushWithoutPR
	default:
		return TagUnsupported
	}
}

// TagForKind returns the tag for an already-typed event kind.
func TagForKind(kind models.EventKind) EventTag {
	switch kind {
	case models.EventPullRequestOpened:
		return TagPROpened
	case models.EventPullRequestReopened:
		return TagPRReopened
	case models.EventPullRequestSynchronized:
		return TagPRSynchronized
	case models.EventPush:
		return TagPushWithoutPR
	default:
		return TagUnsupported
	}
}

// KindForTag is the inverse of TagForKind. It returns "" for unsupported tags.
func KindForTag(tag EventTag) models.EventKind {
	switch tag {
	case TagPROpened:
		return models.EventPullRequestOpened
	case TagPRReopened:
		return models.EventPullRequestReopened
	case TagPRSynchronized:
		return models.EventPullRequestSynchronized
	case TagPushWithoutPR:
		return models.EventPush
	default:
		return ""
	}
}

// RoutingDecision says which tasks run for a change and why the others do not.
type RoutingDecision struct {
	EventTag      EventTag       `json:"event_tag"`
	RunType       models.RunType `json:"run_type"`
	RunReview     bool           `json:"run_review"`
	RunDocUpdate  bool           `json:"run_doc_update"`
	RunSpecUpdate bool           `json:"run_spec_update"`
	SkipReason    string         `json:"skip_reason,omitempty"`
}

// Enabled reports whether the named task is selected.
func (d RoutingDecision) Enabled(task models.TaskName) bool {
	switch task {
	case models.TaskReview:
		return d.RunReview
	case models.TaskDocUpdate:
		return d.RunDocUpdate
	case models.TaskSpecUpdate:
		return d.RunSpecUpdate
	}
	return false
}

// Skipped reports whether no task will run.
func (d RoutingDecision) Skipped() bool {
	return !d.RunReview && !d.RunDocUpdate && !d.RunSpecUpdate
}

// Route decides the run type and task selection. It is a pure function of its inputs.
func Route(tag EventTag, a *diff.Analysis) RoutingDecision {
	d := RoutingDecision{EventTag: tag}

	switch {
	case a.IsTrivial:
		d.RunType = models.RunTypeSkipTrivial
		d.SkipReason = a.TrivialReason
		if d.SkipReason == "" {
			d.SkipReason = "Trivial change"
		}
	case a.IsDocOnly():
		d.RunType = models.RunTypePartial
		d.RunDocUpdate = true
		d.RunSpecUpdate = true
		d.SkipReason = "Documentation-only change: no code to review"
	default:
		d.RunType = models.RunTypeFull
		d.RunReview = a.HasCodeChanges
		d.RunDocUpdate = true
		d.RunSpecUpdate = true
		if !d.RunReview {
			d.SkipReason = "No code changes to review"
		}
	}
	return d
}

// Mode gates which event classes are processed at all.
type Mode string

const (
	ModePR   Mode = "pr"
	ModePush Mode = "push"
	ModeBoth Mode = "both"
)

// ParseMode validates a configured trigger mode. Empty means both.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModePR, ModePush, ModeBoth:
		return m, nil
	case "":
		return ModeBoth, nil
	default:
		return "", fmt.Errorf("invalid trigger mode %q (use: pr, push, both)", s)
	}
}

// ShouldProcess reports whether an event kind passes the trigger mode, with a reason
// when it does not.
func ShouldProcess(kind models.EventKind, mode Mode) (bool, string) {
	switch {
	case kind.IsPullRequest():
		if mode == ModePush {
			return false, "Pull request events are disabled (trigger mode: push)"
		}
		return true, ""
	case kind == models.EventPush:
		if mode == ModePR {
			return false, "Push events are disabled (trigger mode: pr)"
		}
		return true, ""
	default:
		return false, fmt.Sprintf("Unsupported event kind %q", kind)
	}
}
