package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/commitbot/internal/llm"
	"github.com/joescharf/commitbot/internal/models"
	"github.com/joescharf/commitbot/internal/reviewer"
)

// fakeReviewer is a scripted primary reviewer.
type fakeReviewer struct {
	review *reviewer.Review
	err    error
	panics bool
	calls  int
}

func (f *fakeReviewer) Name() string { return "reviewer" }

func (f *fakeReviewer) Review(ctx context.Context, diffText string) (*reviewer.Review, error) {
	f.calls++
	if f.panics {
		panic("boom")
	}
	return f.review, f.err
}

// fakeProvider counts calls and returns a fixed result.
type fakeProvider struct {
	mu     sync.Mutex
	result Result
	calls  map[string]int
}

func newFakeProvider(r Result) *fakeProvider {
	return &fakeProvider{result: r, calls: map[string]int{}}
}

func (f *fakeProvider) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeProvider) hit(op string) Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	return f.result
}

func (f *fakeProvider) Review(ctx context.Context, diffText string) Result {
	return f.hit("review")
}

func (f *fakeProvider) DraftDocUpdate(ctx context.Context, diffText, currentDoc string) Result {
	return f.hit("doc")
}

func (f *fakeProvider) DraftSpecEntry(ctx context.Context, info CommitInfo, diffText, currentSpec string) Result {
	return f.hit("spec")
}

// recordingObserver captures observer callbacks.
type recordingObserver struct {
	calls     []string
	fallbacks []string
}

func (o *recordingObserver) ProviderCall(backend, outcome string) {
	o.calls = append(o.calls, backend+":"+outcome)
}

func (o *recordingObserver) ProviderFallback(reason string) {
	o.fallbacks = append(o.fallbacks, reason)
}

func okResult(content string) Result {
	return Result{Content: content, Usage: models.Usage{Backend: "anthropic"}}
}

func TestFallback_PrimarySuccess(t *testing.T) {
	primary := &fakeReviewer{review: &reviewer.Review{Body: "LGTM", InputTokens: 5}}
	secondary := newFakeProvider(okResult("unused"))
	obs := &recordingObserver{}

	res := NewFallback(primary, secondary, obs).Review(context.Background(), "diff")

	require.True(t, res.OK())
	assert.Equal(t, "LGTM", res.Content)
	assert.Equal(t, "reviewer", res.Usage.Backend)
	assert.False(t, res.Usage.FellBack)
	assert.Equal(t, 0, secondary.count("review"))
	assert.Equal(t, []string{"reviewer:success"}, obs.calls)
}

func TestFallback_NotFoundIsPermanent(t *testing.T) {
	primary := &fakeReviewer{err: &reviewer.StatusError{StatusCode: http.StatusNotFound}}
	secondary := newFakeProvider(okResult("fallback review"))
	obs := &recordingObserver{}

	res := NewFallback(primary, secondary, obs).Review(context.Background(), "diff")

	require.False(t, res.OK())
	assert.Equal(t, models.ErrorKindPermanent, res.Failure.Kind)
	assert.Equal(t, models.ReasonBackendMisconfigured, res.Failure.Reason)
	assert.Equal(t, http.StatusNotFound, res.Failure.StatusCode)
	assert.Equal(t, 0, secondary.count("review"), "fallback must not mask misconfiguration")
	assert.Empty(t, obs.fallbacks)

	var se *reviewer.StatusError
	assert.True(t, errors.As(res.Failure, &se))
}

func TestFallback_ServerErrorFallsBackOnce(t *testing.T) {
	primary := &fakeReviewer{err: &reviewer.StatusError{StatusCode: http.StatusInternalServerError}}
	secondary := newFakeProvider(okResult("fallback review"))
	obs := &recordingObserver{}

	res := NewFallback(primary, secondary, obs).Review(context.Background(), "diff")

	require.True(t, res.OK())
	assert.Equal(t, "fallback review", res.Content)
	assert.True(t, res.Usage.FellBack)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 1, secondary.count("review"))
	assert.Equal(t, []string{"server_error"}, obs.fallbacks)
}

func TestFallback_SecondaryFailureReturnedAsIs(t *testing.T) {
	primary := &fakeReviewer{err: &reviewer.StatusError{StatusCode: http.StatusBadGateway}}
	secondary := newFakeProvider(failed(&Failure{
		Kind:    models.ErrorKindTransient,
		Reason:  models.ReasonRateLimited,
		Backend: "anthropic",
	}))

	res := NewFallback(primary, secondary, nil).Review(context.Background(), "diff")

	require.False(t, res.OK())
	assert.Equal(t, models.ReasonRateLimited, res.Failure.Reason)
	assert.Equal(t, "anthropic", res.Failure.Backend)
	assert.True(t, res.Usage.FellBack)
	assert.Equal(t, 1, secondary.count("review"))
}

func TestFallback_OtherFailuresFallBack(t *testing.T) {
	tests := []struct {
		name   string
		rev    *fakeReviewer
		reason string
	}{
		{"network", &fakeReviewer{err: &netTimeout{}}, "network_error"},
		{"bad request", &fakeReviewer{err: &reviewer.StatusError{StatusCode: http.StatusBadRequest}}, "unexpected"},
		{"throttled", &fakeReviewer{err: &reviewer.StatusError{StatusCode: http.StatusTooManyRequests}}, "rate_limited"},
		{"panic", &fakeReviewer{panics: true}, "unexpected"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			secondary := newFakeProvider(okResult("ok"))
			obs := &recordingObserver{}

			res := NewFallback(tt.rev, secondary, obs).Review(context.Background(), "diff")

			assert.True(t, res.OK())
			assert.Equal(t, 1, secondary.count("review"))
			assert.Equal(t, []string{tt.reason}, obs.fallbacks)
		})
	}
}

func TestFallback_CancelledSkipsFallback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	primary := &fakeReviewer{err: context.Canceled}
	secondary := newFakeProvider(okResult("ok"))

	res := NewFallback(primary, secondary, nil).Review(ctx, "diff")

	require.False(t, res.OK())
	assert.True(t, res.Failure.Transient())
	assert.Equal(t, 0, secondary.count("review"))
}

func TestFallback_DraftsDelegate(t *testing.T) {
	primary := &fakeReviewer{}
	secondary := newFakeProvider(okResult("draft"))
	f := NewFallback(primary, secondary, nil)

	assert.Equal(t, "draft", f.DraftDocUpdate(context.Background(), "diff", "doc").Content)
	assert.Equal(t, "draft", f.DraftSpecEntry(context.Background(), CommitInfo{SHA: "abc"}, "diff", "").Content)
	assert.Equal(t, 0, primary.calls)
	assert.Equal(t, 1, secondary.count("doc"))
	assert.Equal(t, 1, secondary.count("spec"))
}

type netTimeout struct{}

func (netTimeout) Error() string   { return "i/o timeout" }
func (netTimeout) Timeout() bool   { return true }
func (netTimeout) Temporary() bool { return true }

// anthropicServer answers every request with the given status and body.
func anthropicServer(t *testing.T, status int, body any) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func messageBody(text string) map[string]any {
	return map[string]any{
		"id":          "msg_1",
		"type":        "message",
		"role":        "assistant",
		"model":       "claude-sonnet-4-5",
		"content":     []map[string]any{{"type": "text", "text": text}},
		"stop_reason": "end_turn",
		"usage":       map[string]any{"input_tokens": 1000, "output_tokens": 200},
	}
}

func errorBody(kind string) map[string]any {
	return map[string]any{"type": "error", "error": map[string]any{"type": kind, "message": kind}}
}

func newDirect(t *testing.T, baseURL string, obs Observer) *Direct {
	t.Helper()
	return NewDirect(llm.NewClient(llm.Config{APIKey: "k", Model: "claude-sonnet-4-5", BaseURL: baseURL}), obs)
}

func TestDirect_Success(t *testing.T) {
	obs := &recordingObserver{}
	d := newDirect(t, anthropicServer(t, http.StatusOK, messageBody("Looks fine.")), obs)

	res := d.Review(context.Background(), "diff")

	require.True(t, res.OK())
	assert.Equal(t, "Looks fine.", res.Content)
	assert.Equal(t, "anthropic", res.Usage.Backend)
	assert.Equal(t, int64(1000), res.Usage.InputTokens)
	assert.Greater(t, res.Usage.CostUSD, 0.0)
	assert.Equal(t, []string{"anthropic:success"}, obs.calls)
}

func TestDirect_NoChangesSentinel(t *testing.T) {
	d := newDirect(t, anthropicServer(t, http.StatusOK, messageBody("NO_CHANGES")), nil)

	doc := d.DraftDocUpdate(context.Background(), "diff", "# Doc")
	require.True(t, doc.OK())
	assert.Empty(t, doc.Content)

	spec := d.DraftSpecEntry(context.Background(), CommitInfo{SHA: "abc"}, "diff", "")
	require.True(t, spec.OK())
	assert.Empty(t, spec.Content)
}

func TestDirect_ErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		kind   models.ErrorKind
		reason models.ErrorReason
	}{
		{http.StatusTooManyRequests, models.ErrorKindTransient, models.ReasonRateLimited},
		{529, models.ErrorKindTransient, models.ReasonRateLimited},
		{http.StatusInternalServerError, models.ErrorKindTransient, models.ReasonServerError},
		{http.StatusUnauthorized, models.ErrorKindPermanent, models.ReasonBackendMisconfigured},
		{http.StatusNotFound, models.ErrorKindPermanent, models.ReasonBackendMisconfigured},
		{http.StatusBadRequest, models.ErrorKindPermanent, models.ReasonUnexpected},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			d := newDirect(t, anthropicServer(t, tt.status, errorBody("err")), nil)

			res := d.Review(context.Background(), "diff")

			require.False(t, res.OK())
			assert.Equal(t, tt.kind, res.Failure.Kind)
			assert.Equal(t, tt.reason, res.Failure.Reason)
			assert.Equal(t, tt.status, res.Failure.StatusCode)
		})
	}
}

func TestDirect_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	res := newDirect(t, url, nil).Review(context.Background(), "diff")

	require.False(t, res.OK())
	assert.Equal(t, models.ErrorKindTransient, res.Failure.Kind)
	assert.Equal(t, models.ReasonNetworkError, res.Failure.Reason)
}

func TestFailure_Error(t *testing.T) {
	f := &Failure{Kind: models.ErrorKindPermanent, Reason: models.ReasonBackendMisconfigured, Backend: "reviewer", StatusCode: 404, Message: "not found"}
	assert.Equal(t, "reviewer permanent failure (backend_misconfigured, HTTP 404): not found", f.Error())
	assert.False(t, f.Transient())
}

func TestPrompts(t *testing.T) {
	review := BuildReviewPrompt("+added line")
	assert.Contains(t, review, "```diff\n+added line\n```")

	doc := BuildDocUpdatePrompt("+x", "")
	assert.Contains(t, doc, "does not exist yet")

	spec := BuildSpecEntryPrompt(CommitInfo{
		Repo:     "acme/app",
		SHA:      "0123456789abcdef",
		PRNumber: 4,
		PRTitle:  "Add widgets",
		Message:  "Add widgets\n\nlong body",
	}, "+x", "### Old entry\nbody")
	assert.Contains(t, spec, "- Commit: 0123456789ab\n")
	assert.Contains(t, spec, "#4 Add widgets")
	assert.Contains(t, spec, "- Message: Add widgets\n")
	assert.Contains(t, spec, "### Old entry")

	big := BuildReviewPrompt(strings.Repeat("+a\n", maxPromptDiff))
	assert.Contains(t, big, "(diff truncated)")

	assert.True(t, IsNoChanges("  NO_CHANGES\n"))
	assert.False(t, IsNoChanges("NO_CHANGES here"))
}
