package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/joescharf/commitbot/internal/models"
	"github.com/joescharf/commitbot/internal/reviewer"
)

// ReviewService is the specialized primary reviewer.
type ReviewService interface {
	Name() string
	Review(ctx context.Context, diffText string) (*reviewer.Review, error)
}

// Fallback tries the primary reviewer first and falls back to the secondary
// provider once for transient primary failures. A not-found answer from the
// primary means its identifier is misconfigured; that is returned as a permanent
// failure and the secondary is not called.
type Fallback struct {
	primary   ReviewService
	secondary Provider
	obs       Observer
}

// NewFallback composes a primary reviewer with a secondary provider. obs may be nil.
func NewFallback(primary ReviewService, secondary Provider, obs Observer) *Fallback {
	return &Fallback{primary: primary, secondary: secondary, obs: observerOrNop(obs)}
}

func (f *Fallback) Review(ctx context.Context, diffText string) Result {
	rev, err := f.callPrimary(ctx, diffText)
	if err == nil {
		f.obs.ProviderCall(f.primary.Name(), "success")
		return Result{
			Content: rev.Body,
			Usage: models.Usage{
				Backend:      f.primary.Name(),
				Model:        rev.Model,
				InputTokens:  rev.InputTokens,
				OutputTokens: rev.OutputTokens,
				CostUSD:      rev.CostUSD,
			},
		}
	}

	var se *reviewer.StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
		f.obs.ProviderCall(f.primary.Name(), string(models.ErrorKindPermanent))
		return failed(&Failure{
			Kind:       models.ErrorKindPermanent,
			Reason:     models.ReasonBackendMisconfigured,
			Backend:    f.primary.Name(),
			StatusCode: se.StatusCode,
			Message:    "reviewer resource not found; check reviewer.agent_id and reviewer.url",
			Err:        err,
		})
	}
	f.obs.ProviderCall(f.primary.Name(), string(models.ErrorKindTransient))

	if ctxErr := ctx.Err(); ctxErr != nil {
		return failed(&Failure{
			Kind:    models.ErrorKindTransient,
			Reason:  models.ReasonNetworkError,
			Backend: f.primary.Name(),
			Message: "cancelled before fallback",
			Err:     ctxErr,
		})
	}

	f.obs.ProviderFallback(string(fallbackReason(err)))
	res := f.secondary.Review(ctx, diffText)
	res.Usage.FellBack = true
	return res
}

func (f *Fallback) DraftDocUpdate(ctx context.Context, diffText, currentDoc string) Result {
	return f.secondary.DraftDocUpdate(ctx, diffText, currentDoc)
}

func (f *Fallback) DraftSpecEntry(ctx context.Context, info CommitInfo, diffText, currentSpec string) Result {
	return f.secondary.DraftSpecEntry(ctx, info, diffText, currentSpec)
}

// callPrimary converts a panic in the primary client into an error so it takes the
// fallback path like any other unexpected failure.
func (f *Fallback) callPrimary(ctx context.Context, diffText string) (rev *reviewer.Review, err error) {
	defer func() {
		if r := recover(); r != nil {
			rev, err = nil, fmt.Errorf("reviewer panic: %v", r)
		}
	}()
	return f.primary.Review(ctx, diffText)
}

func fallbackReason(err error) models.ErrorReason {
	var se *reviewer.StatusError
	switch {
	case errors.As(err, &se) && se.StatusCode >= 500:
		return models.ReasonServerError
	case errors.As(err, &se) && se.StatusCode == http.StatusTooManyRequests:
		return models.ReasonRateLimited
	case isNetworkError(err):
		return models.ReasonNetworkError
	default:
		return models.ReasonUnexpected
	}
}
