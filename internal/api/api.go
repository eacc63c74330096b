// Package api serves the read-mostly REST interface over the run ledger.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/joescharf/commitbot/internal/diff"
	"github.com/joescharf/commitbot/internal/health"
	"github.com/joescharf/commitbot/internal/ledger"
	"github.com/joescharf/commitbot/internal/logging"
	"github.com/joescharf/commitbot/internal/models"
	"github.com/joescharf/commitbot/internal/orchestrator"
	"github.com/joescharf/commitbot/internal/store"
	"github.com/joescharf/commitbot/internal/trigger"
)

const (
	defaultLimit    = 50
	maxLimit        = 500
	maxAnalyzeBytes = 4 << 20
	retryTimeout    = 15 * time.Minute
)

// Retrier starts a new run for an earlier one.
type Retrier interface {
	Retry(ctx context.Context, runID string) (*orchestrator.RunResult, error)
}

// Options wires optional pieces into the Server.
type Options struct {
	Retrier    Retrier      // nil disables POST /runs/{id}/retry
	Webhook    http.Handler // mounted at POST /webhook when set
	Metrics    http.Handler // mounted at GET /metrics when set
	StuckAfter time.Duration
	Logger     *logging.Logger
}

// Server provides the REST API handlers.
type Server struct {
	ledger   *ledger.Ledger
	analyzer *diff.Analyzer
	scorer   *health.Scorer
	opts     Options
	log      *logging.Logger
}

// NewServer creates a new API server.
func NewServer(l *ledger.Ledger, analyzer *diff.Analyzer, opts Options) *Server {
	if opts.StuckAfter <= 0 {
		opts.StuckAfter = 30 * time.Minute
	}
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}
	return &Server{
		ledger:   l,
		analyzer: analyzer,
		scorer:   health.NewScorer(),
		opts:     opts,
		log:      log.Named("api"),
	}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/runs", s.listRuns)
	mux.HandleFunc("GET /api/v1/runs/stuck", s.stuckRuns)
	mux.HandleFunc("GET /api/v1/runs/{id}", s.getRun)
	mux.HandleFunc("POST /api/v1/runs/{id}/retry", s.retryRun)

	mux.HandleFunc("GET /api/v1/status", s.status)
	mux.HandleFunc("POST /api/v1/analyze", s.analyze)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.opts.Metrics != nil {
		mux.Handle("GET /metrics", s.opts.Metrics)
	}
	if s.opts.Webhook != nil {
		mux.Handle("POST /webhook", s.opts.Webhook)
	}

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// --- Runs ---

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{
		Repo:     q.Get("repo"),
		CommitID: q.Get("commit"),
		Status:   models.RunStatus(q.Get("status")),
	}

	limit, err := intParam(q.Get("limit"), defaultLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit: "+err.Error())
		return
	}
	filter.Limit = min(limit, maxLimit)

	if pr := q.Get("pr"); pr != "" {
		n, err := strconv.Atoi(pr)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid pr: "+pr)
			return
		}
		filter.PRNumber = n
	}
	if since := q.Get("since"); since != "" {
		d, err := time.ParseDuration(since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since: "+err.Error())
			return
		}
		filter.Since = time.Now().Add(-d)
	}
	switch filter.Status {
	case "", models.RunStatusRunning, models.RunStatusCompleted, models.RunStatusCompletedWithIssues, models.RunStatusFailed:
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid status %q", filter.Status))
		return
	}

	runs, err := s.ledger.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []*models.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.ledger.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if store.IsNotFound(err) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) stuckRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.ledger.Stuck(r.Context(), s.opts.StuckAfter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []*models.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) retryRun(w http.ResponseWriter, r *http.Request) {
	if s.opts.Retrier == nil {
		writeError(w, http.StatusNotImplemented, "retry is not configured")
		return
	}
	id := r.PathValue("id")

	// The retried run must finish even if the client goes away.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), retryTimeout)
	defer cancel()

	res, err := s.opts.Retrier.Retry(ctx, id)
	if err != nil {
		if store.IsNotFound(err) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.log.Error(ctx, "retry failed", zap.String("run_id", id), zap.Error(err))
		if errors.Is(err, orchestrator.ErrAbandoned) && res != nil {
			writeJSON(w, http.StatusServiceUnavailable, res)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Status ---

type statusResponse struct {
	Active  int                      `json:"active"`
	Counts  map[models.RunStatus]int `json:"counts"`
	Stuck   []*models.Run            `json:"stuck"`
	Health  *health.HealthScore      `json:"health"`
	Since   time.Time                `json:"since"`
	Checked time.Time                `json:"checked"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	window := 24 * time.Hour
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid window: "+err.Error())
			return
		}
		window = d
	}
	now := time.Now().UTC()
	since := now.Add(-window)

	counts, err := s.ledger.StatusCounts(ctx, since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	stuck, err := s.ledger.Stuck(ctx, s.opts.StuckAfter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	recent, err := s.ledger.List(ctx, store.RunFilter{Since: since, Limit: maxLimit})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if stuck == nil {
		stuck = []*models.Run{}
	}

	writeJSON(w, http.StatusOK, statusResponse{
		Active:  s.ledger.ActiveCount(),
		Counts:  counts,
		Stuck:   stuck,
		Health:  s.scorer.Score(recent, len(stuck)),
		Since:   since,
		Checked: now,
	})
}

// --- Analyze ---

// AnalyzeRequest is the JSON body for POST /api/v1/analyze.
type AnalyzeRequest struct {
	Diff  string `json:"diff"`
	Event string `json:"event"` // event kind, defaults to pull_request_opened
}

// AnalyzeResponse previews what a diff would trigger without running anything.
type AnalyzeResponse struct {
	Analysis *diff.Analysis          `json:"analysis"`
	Decision trigger.RoutingDecision `json:"decision"`
}

func (s *Server) analyze(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxAnalyzeBytes)
	var req AnalyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	kind := models.EventKind(req.Event)
	if kind == "" {
		kind = models.EventPullRequestOpened
	}
	tag := trigger.TagForKind(kind)
	if tag == trigger.TagUnsupported {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported event %q", req.Event))
		return
	}

	a := s.analyzer.Analyze(req.Diff)
	writeJSON(w, http.StatusOK, AnalyzeResponse{Analysis: a, Decision: trigger.Route(tag, a)})
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("must be positive: %d", n)
	}
	return n, nil
}
