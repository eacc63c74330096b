package provider

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"

	"github.com/joescharf/commitbot/internal/llm"
	"github.com/joescharf/commitbot/internal/models"
)

const (
	reviewMaxTokens = 4096
	draftMaxTokens  = 8192
)

// Completer is the subset of the LLM client used by Direct.
type Completer interface {
	Complete(ctx context.Context, system, user string, maxTokens int64) (*llm.Completion, error)
	Model() string
}

// Direct calls a single language-model backend. It never retries; the client's own
// bounded retry budget is the only retry on this path.
type Direct struct {
	client Completer
	obs    Observer
}

// NewDirect creates a Direct provider. obs may be nil.
func NewDirect(client Completer, obs Observer) *Direct {
	return &Direct{client: client, obs: observerOrNop(obs)}
}

// Name identifies the backend in usage records.
func (d *Direct) Name() string { return "anthropic" }

func (d *Direct) Review(ctx context.Context, diffText string) Result {
	return d.complete(ctx, reviewSystemPrompt, BuildReviewPrompt(diffText), reviewMaxTokens)
}

func (d *Direct) DraftDocUpdate(ctx context.Context, diffText, currentDoc string) Result {
	res := d.complete(ctx, docSystemPrompt, BuildDocUpdatePrompt(diffText, currentDoc), draftMaxTokens)
	if res.OK() && IsNoChanges(res.Content) {
		res.Content = ""
	}
	return res
}

func (d *Direct) DraftSpecEntry(ctx context.Context, info CommitInfo, diffText, currentSpec string) Result {
	res := d.complete(ctx, specSystemPrompt, BuildSpecEntryPrompt(info, diffText, currentSpec), draftMaxTokens)
	if res.OK() && IsNoChanges(res.Content) {
		res.Content = ""
	}
	return res
}

func (d *Direct) complete(ctx context.Context, system, user string, maxTokens int64) Result {
	out, err := d.client.Complete(ctx, system, user, maxTokens)
	if err != nil {
		res := failed(classifyLLMError(d.Name(), err))
		d.obs.ProviderCall(d.Name(), outcomeLabel(res))
		return res
	}

	model := out.Model
	if model == "" {
		model = d.client.Model()
	}
	d.obs.ProviderCall(d.Name(), "success")
	return Result{
		Content: out.Text,
		Usage: models.Usage{
			Backend:      d.Name(),
			Model:        model,
			InputTokens:  out.InputTokens,
			OutputTokens: out.OutputTokens,
			CostUSD:      llm.EstimateCost(model, out.InputTokens, out.OutputTokens),
		},
	}
}

// classifyLLMError maps an LLM client error onto the failure taxonomy.
func classifyLLMError(backend string, err error) *Failure {
	f := &Failure{Backend: backend, Err: err, Message: err.Error()}
	status := llm.StatusCode(err)
	f.StatusCode = status

	switch {
	case llm.IsRateLimit(err):
		f.Kind, f.Reason = models.ErrorKindTransient, models.ReasonRateLimited
	case status >= 500:
		f.Kind, f.Reason = models.ErrorKindTransient, models.ReasonServerError
	case status == http.StatusUnauthorized || status == http.StatusForbidden || status == http.StatusNotFound:
		f.Kind, f.Reason = models.ErrorKindPermanent, models.ReasonBackendMisconfigured
	case status == 0 && isNetworkError(err):
		f.Kind, f.Reason = models.ErrorKindTransient, models.ReasonNetworkError
	case errors.Is(err, llm.ErrEmptyResponse):
		f.Kind, f.Reason = models.ErrorKindTransient, models.ReasonInvalidResponse
	default:
		f.Kind, f.Reason = models.ErrorKindPermanent, models.ReasonUnexpected
	}
	return f
}

func isNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
