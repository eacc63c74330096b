// Package provider normalises the generation backends behind one interface and
// encodes the transient/permanent failure policy between them.
package provider

import (
	"context"
	"fmt"

	"github.com/joescharf/commitbot/internal/models"
)

// CommitInfo describes the change a spec-log entry is written for.
type CommitInfo struct {
	Repo     string
	SHA      string
	Branch   string
	Message  string
	Author   string
	PRNumber int
	PRTitle  string
}

// Provider is implemented by every generation backend and by decorators over them.
type Provider interface {
	Review(ctx context.Context, diffText string) Result
	DraftDocUpdate(ctx context.Context, diffText, currentDoc string) Result
	DraftSpecEntry(ctx context.Context, info CommitInfo, diffText, currentSpec string) Result
}

// Result is either generated content with usage counters or a Failure.
// An OK result with empty Content means the backend found nothing to change.
type Result struct {
	Content string
	Usage   models.Usage
	Failure *Failure
}

// OK reports whether the call succeeded.
func (r Result) OK() bool {
	return r.Failure == nil
}

// Failure is a classified backend failure.
type Failure struct {
	Kind       models.ErrorKind
	Reason     models.ErrorReason
	Backend    string
	StatusCode int
	Message    string
	Err        error
}

func (f *Failure) Error() string {
	msg := f.Message
	if msg == "" && f.Err != nil {
		msg = f.Err.Error()
	}
	if f.StatusCode != 0 {
		return fmt.Sprintf("%s %s failure (%s, HTTP %d): %s", f.Backend, f.Kind, f.Reason, f.StatusCode, msg)
	}
	return fmt.Sprintf("%s %s failure (%s): %s", f.Backend, f.Kind, f.Reason, msg)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Transient reports whether the failure is expected to clear without operator action.
func (f *Failure) Transient() bool {
	return f.Kind == models.ErrorKindTransient
}

func failed(f *Failure) Result {
	return Result{Failure: f, Usage: models.Usage{Backend: f.Backend}}
}

// Observer receives call and fallback counts. The metrics recorder implements it.
type Observer interface {
	ProviderCall(backend, outcome string)
	ProviderFallback(reason string)
}

type nopObserver struct{}

func (nopObserver) ProviderCall(string, string) {}
func (nopObserver) ProviderFallback(string) {}

func observerOrNop(o Observer) Observer {
	if o == nil {
		return nopObserver{}
	}
	return o
}

func outcomeLabel(r Result) string {
	if r.OK() {
		return "success"
	}
	return string(r.Failure.Kind)
}
