package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/progress-pubsub/internal/messaging"
	"github.com/JakeFAU/progress-pubsub/internal/store"
)

const (
	defaultRunLimit = 50
	maxRunLimit     = 500
	runLookupBudget = 3 * time.Second
)

// RunHandler serves the run history written by the store sink: one entry per
// initialise-to-finish pass of a progress publisher.
type RunHandler struct {
	runs    store.ProgressRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewRunHandler serves runs from repo. A nil repo answers 503.
func NewRunHandler(repo store.ProgressRepository, logger *zap.Logger) *RunHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunHandler{runs: repo, timeout: runLookupBudget, logger: logger}
}

// runQuery is the parsed form of GET /v1/runs?status=&limit=&offset=.
type runQuery struct {
	status *store.RunStatus
	limit  int
	offset int
}

func parseRunQuery(q url.Values) (runQuery, error) {
	rq := runQuery{limit: defaultRunLimit}
	if v := q.Get("status"); v != "" {
		status, err := store.ParseRunStatus(v)
		if err != nil {
			return runQuery{}, err
		}
		rq.status = &status
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return runQuery{}, fmt.Errorf("limit must be a positive integer, got %q", v)
		}
		rq.limit = min(n, maxRunLimit)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return runQuery{}, fmt.Errorf("offset must be a non-negative integer, got %q", v)
		}
		rq.offset = n
	}
	return rq, nil
}

// List answers {"runs": [...], "page": {...}}, newest run first. page.next is
// the offset of the following page and is omitted on the last one.
func (h *RunHandler) List(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run history unavailable")
		return
	}
	rq, err := parseRunQuery(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	runs, err := h.runs.ListRuns(ctx, rq.status, rq.limit, rq.offset)
	if err != nil {
		h.fail(w, "list runs", err)
		return
	}
	views := make([]runView, 0, len(runs))
	for _, run := range runs {
		views = append(views, newRunView(run))
	}
	pg := page{Limit: rq.limit, Offset: rq.offset}
	if len(runs) == rq.limit {
		next := rq.offset + len(runs)
		pg.Next = &next
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": views, "page": pg})
}

// Get answers {"run": {...}} for /v1/runs/{run_id}.
func (h *RunHandler) Get(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run history unavailable")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "run_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "run_id must be a UUID")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	run, err := h.runs.GetRun(ctx, id)
	if err != nil {
		h.fail(w, "get run", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": newRunView(run)})
}

func (h *RunHandler) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "run not found")
	case errors.Is(err, context.DeadlineExceeded):
		h.logger.Warn(op+" timed out", zap.Error(err))
		writeError(w, http.StatusGatewayTimeout, "run history timed out")
	default:
		h.logger.Error(op+" failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "run history failed")
	}
}

type page struct {
	Limit  int  `json:"limit"`
	Offset int  `json:"offset"`
	Next   *int `json:"next,omitempty"`
}

// progressView spells out what the counters of a run mean.
type progressView struct {
	Current   uint64  `json:"current"`
	Total     uint64  `json:"total"`
	Remaining uint64  `json:"remaining"`
	Fraction  float64 `json:"fraction"`
	Done      bool    `json:"done"`
	Overrun   bool    `json:"overrun"`
}

type runView struct {
	ID             string       `json:"id"`
	Publisher      string       `json:"publisher"`
	Status         string       `json:"status"`
	Terminal       bool         `json:"terminal"`
	Progress       progressView `json:"progress"`
	StartedAt      time.Time    `json:"started_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
	FinishedAt     *time.Time   `json:"finished_at,omitempty"`
	ElapsedSeconds float64      `json:"elapsed_seconds"`
	Error          *string      `json:"error,omitempty"`
}

func newRunView(run store.Run) runView {
	p := messaging.ProgressEvent{Current: run.Current, Total: run.Total}
	end := run.UpdatedAt
	if run.FinishedAt != nil {
		end = *run.FinishedAt
	}
	return runView{
		ID:        run.ID.String(),
		Publisher: run.Publisher,
		Status:    string(run.Status),
		Terminal:  run.Status.Terminal(),
		Progress: progressView{
			Current:   p.Current,
			Total:     p.Total,
			Remaining: p.Remaining(),
			Fraction:  p.Fraction(),
			Done:      p.Done(),
			Overrun:   p.Overrun(),
		},
		StartedAt:      run.StartedAt,
		UpdatedAt:      run.UpdatedAt,
		FinishedAt:     run.FinishedAt,
		ElapsedSeconds: max(end.Sub(run.StartedAt), 0).Seconds(),
		Error:          run.ErrorMessage,
	}
}
