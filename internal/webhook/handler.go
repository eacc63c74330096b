// Package webhook receives GitHub deliveries, turns them into change events and
// hands them to the orchestrator in the background.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/joescharf/commitbot/internal/logging"
	"github.com/joescharf/commitbot/internal/models"
	"github.com/joescharf/commitbot/internal/orchestrator"
	"github.com/joescharf/commitbot/internal/trigger"
)

// MaxBodyBytes caps a delivery payload.
const MaxBodyBytes = 1 << 20

const zeroSHA = "0000000000000000000000000000000000000000"

// Processor runs one change event, or records it as failed when its diff cannot be
// fetched. *orchestrator.Orchestrator implements it.
type Processor interface {
	Process(ctx context.Context, ev models.ChangeEvent, diffText string) (*orchestrator.RunResult, error)
	RecordFetchFailure(ctx context.Context, ev models.ChangeEvent, fetchErr error) (*orchestrator.RunResult, error)
}

// DiffSource fetches the diff for an event.
type DiffSource interface {
	CommitDiff(ctx context.Context, repo models.Repo, sha string) (string, error)
	PullRequestDiff(ctx context.Context, repo models.Repo, number int) (string, error)
}

// Options configures a Handler.
type Options struct {
	Secret     string
	RateLimit  float64 // requests per second per client IP; 0 disables limiting
	RateBurst  int
	RunTimeout time.Duration
	// TrustProxy keys rate limiting on the first X-Forwarded-For address. Leave it
	// off unless a reverse proxy you control sets that header.
	TrustProxy bool
}

// Handler is an http.Handler for the GitHub webhook endpoint. Accepted events are
// processed on a context detached from the request; Wait blocks until they finish.
type Handler struct {
	opts  Options
	proc  Processor
	diffs DiffSource
	log   *logging.Logger

	mu          sync.Mutex
	limiters    map[string]*rate.Limiter
	lastCleanup time.Time

	wg   sync.WaitGroup
	base context.Context
}

// NewHandler creates a Handler. Background runs inherit values from base but not
// its cancellation.
func NewHandler(base context.Context, opts Options, proc Processor, diffs DiffSource, log *logging.Logger) *Handler {
	if log == nil {
		log = logging.Nop()
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 1
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 15 * time.Minute
	}
	return &Handler{
		opts:        opts,
		proc:        proc,
		diffs:       diffs,
		log:         log.Named("webhook"),
		limiters:    make(map[string]*rate.Limiter),
		lastCleanup: time.Now(),
		base:        context.WithoutCancel(base),
	}
}

// Wait blocks until every accepted delivery has been processed or ctx ends.
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	deliveryID := github.DeliveryID(r)
	ctx := logging.WithDeliveryID(r.Context(), deliveryID)

	ip := clientIP(r, h.opts.TrustProxy)
	if !h.allow(ip) {
		h.log.Warn(ctx, "rate limit exceeded", zap.String("ip", ip))
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	payload, err := github.ValidatePayload(r, []byte(h.opts.Secret))
	if err != nil {
		h.log.Warn(ctx, "invalid webhook signature", zap.Error(err))
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
		return
	}

	eventType := github.WebHookType(r)
	event, err := github.ParseWebHook(eventType, payload)
	if err != nil {
		h.log.Warn(ctx, "unparseable webhook", zap.String("event", eventType), zap.Error(err))
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}

	ev, reason := toChangeEvent(event)
	if reason != "" {
		h.log.Debug(ctx, "delivery ignored", zap.String("event", eventType), zap.String("reason", reason))
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": reason})
		return
	}
	ev.DeliveryID = deliveryID

	h.log.Info(ctx, "delivery accepted",
		zap.String("event", eventType),
		zap.String("kind", string(ev.Kind)),
		zap.String("repo", ev.Repo.String()),
		zap.String("commit", ev.CommitID),
		zap.Int("pr", ev.PRNumber),
	)

	h.wg.Add(1)
	go h.process(ev)

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "delivery_id": deliveryID})
}

// process fetches the diff and runs the event. It owns its own context so the run
// outlives the request that delivered it.
func (h *Handler) process(ev models.ChangeEvent) {
	defer h.wg.Done()

	ctx, cancel := context.WithTimeout(logging.WithDeliveryID(h.base, ev.DeliveryID), h.opts.RunTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			h.log.Error(ctx, "delivery processing panicked", zap.Any("panic", r))
		}
	}()

	diffText, err := h.fetchDiff(ctx, ev)
	if err != nil {
		h.log.Error(ctx, "fetch diff", zap.String("commit", ev.CommitID), zap.Error(err))
		if _, recErr := h.proc.RecordFetchFailure(ctx, ev, err); recErr != nil {
			h.log.Error(ctx, "record failed delivery", zap.Error(recErr))
		}
		return
	}

	res, err := h.proc.Process(ctx, ev, diffText)
	if err != nil {
		h.log.Error(ctx, "process delivery", zap.Error(err))
		return
	}
	if res.Skipped && res.RunID == "" {
		h.log.Info(ctx, "delivery skipped", zap.String("reason", res.SkipReason))
	}
}

func (h *Handler) fetchDiff(ctx context.Context, ev models.ChangeEvent) (string, error) {
	if ev.Kind.IsPullRequest() {
		return h.diffs.PullRequestDiff(ctx, ev.Repo, ev.PRNumber)
	}
	return h.diffs.CommitDiff(ctx, ev.Repo, ev.CommitID)
}

// allow applies the per-IP token bucket. Limiters are dropped hourly to bound memory.
func (h *Handler) allow(ip string) bool {
	if h.opts.RateLimit <= 0 {
		return true
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if time.Since(h.lastCleanup) > time.Hour {
		h.limiters = make(map[string]*rate.Limiter)
		h.lastCleanup = time.Now()
	}
	l, ok := h.limiters[ip]
	if !ok {
		l = rate.NewLimiter(rate.Limit(h.opts.RateLimit), h.opts.RateBurst)
		h.limiters[ip] = l
	}
	return l.Allow()
}

// toChangeEvent converts a parsed delivery. A non-empty reason means the delivery
// carries nothing to process.
func toChangeEvent(event any) (models.ChangeEvent, string) {
	switch e := event.(type) {
	case *github.PullRequestEvent:
		return pullRequestEvent(e)
	case *github.PushEvent:
		return pushEvent(e)
	case *github.PingEvent:
		return models.ChangeEvent{}, "ping"
	default:
		return models.ChangeEvent{}, fmt.Sprintf("unsupported event %T", event)
	}
}

func pullRequestEvent(e *github.PullRequestEvent) (models.ChangeEvent, string) {
	action := e.GetAction()
	switch action {
	case "opened", "synchronize", "reopened":
	default:
		return models.ChangeEvent{}, "pull request action " + action + " carries no new changes"
	}

	pr := e.GetPullRequest()
	repo := e.GetRepo()
	if pr == nil || pr.GetNumber() <= 0 || repo == nil {
		return models.ChangeEvent{}, "pull request payload incomplete"
	}

	return models.ChangeEvent{
		Kind:       trigger.KindForTag(trigger.ClassifyEvent("pull_request", action)),
		Repo:       models.Repo{Owner: repo.GetOwner().GetLogin(), Name: repo.GetName()},
		CommitID:   pr.GetHead().GetSHA(),
		Branch:     pr.GetHead().GetRef(),
		BaseBranch: pr.GetBase().GetRef(),
		PRNumber:   pr.GetNumber(),
		PRTitle:    pr.GetTitle(),
		Author:     pr.GetUser().GetLogin(),
	}, ""
}

func pushEvent(e *github.PushEvent) (models.ChangeEvent, string) {
	if e.GetDeleted() || e.GetAfter() == zeroSHA {
		return models.ChangeEvent{}, "branch deleted"
	}
	if !strings.HasPrefix(e.GetRef(), "refs/heads/") {
		return models.ChangeEvent{}, "not a branch push: " + e.GetRef()
	}
	if len(e.Commits) == 0 && e.GetHeadCommit() == nil {
		return models.ChangeEvent{}, "push has no commits"
	}

	repo := e.GetRepo()
	head := e.GetHeadCommit()
	return models.ChangeEvent{
		Kind:          trigger.KindForTag(trigger.ClassifyEvent("push", "")),
		Repo:          models.Repo{Owner: repo.GetOwner().GetLogin(), Name: repo.GetName()},
		CommitID:      e.GetAfter(),
		Branch:        strings.TrimPrefix(e.GetRef(), "refs/heads/"),
		CommitMessage: head.GetMessage(),
		Author:        head.GetAuthor().GetName(),
	}, ""
}

// clientIP is the peer address. Forwarding headers are client-controlled and only
// honoured when trustProxy is set.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return xri
		}
	}
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return ip
	}
	return r.RemoteAddr
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
