package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/runbox/internal/ratelimit"
	"github.com/jkaninda/runbox/internal/sandbox"
	"github.com/jkaninda/runbox/internal/source"
	"github.com/jkaninda/runbox/internal/storage"
	"github.com/jkaninda/runbox/internal/tools"
)

// RunRequest is the JSON body for POST /v1/run.
type RunRequest struct {
	Script string `json:"script"`
	IsFile bool   `json:"is_file,omitempty"` // Script is a path under the allowed script directories.
}

// RunResponse is the JSON response for POST /v1/run.
type RunResponse struct {
	ID            string              `json:"id"`
	CorrelationID string              `json:"correlation_id"`
	Success       bool                `json:"success"`
	Stdout        string              `json:"stdout"`
	Stderr        string              `json:"stderr"`
	Exception     *string             `json:"exception"`
	ExitCode      *int                `json:"exit_code"`
	Status        sandbox.Status      `json:"status"`
	Truncated     bool                `json:"truncated,omitempty"`
	Violations    []sandbox.Violation `json:"violations,omitempty"`
	Runtime       string              `json:"runtime"`
	DurationMS    int64               `json:"duration_ms"`
}

func newRunResponse(out *sandbox.Outcome, correlationID string) RunResponse {
	return RunResponse{
		ID:            out.ID,
		CorrelationID: correlationID,
		Success:       out.Success,
		Stdout:        out.Stdout,
		Stderr:        out.Stderr,
		Exception:     out.Exception,
		ExitCode:      out.ExitCode,
		Status:        out.Status,
		Truncated:     out.Truncated,
		Violations:    out.Violations,
		Runtime:       out.Runtime,
		DurationMS:    out.Duration.Milliseconds(),
	}
}

func (g *Gateway) handleRun(c *okapi.Context) error {
	userID := c.GetString("userID")

	if err := g.limiter.Allow(userID); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var req RunRequest
	if err := c.BindJSON(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return c.JSON(http.StatusRequestEntityTooLarge, ErrorBody{Error: "request body too large"})
		}
		return c.AbortBadRequest("invalid request body")
	}
	if req.IsFile && req.Script == "" {
		return c.AbortBadRequest("script path is required when is_file is set")
	}

	correlationID := newCorrelationID()
	g.logger.Info("http run",
		slog.String("user_id", userID),
		slog.String("correlation_id", correlationID),
		slog.Bool("is_file", req.IsFile),
	)

	ctx := tools.ContextWithUserID(c.Context(), userID)
	out, err := g.executor.Execute(ctx, sandbox.Request{
		Caller: userID,
		Script: req.Script,
		IsFile: req.IsFile,
	})
	if err != nil {
		return g.executeError(c, correlationID, err)
	}
	return c.OK(newRunResponse(out, correlationID))
}

// executeError maps a request rejection to an HTTP status.
func (g *Gateway) executeError(c *okapi.Context, correlationID string, err error) error {
	var srcErr *source.Error
	if errors.As(err, &srcErr) {
		code := http.StatusBadRequest
		switch srcErr.Reason {
		case source.ReasonNotFound:
			code = http.StatusNotFound
		case source.ReasonTooLarge:
			code = http.StatusRequestEntityTooLarge
		case source.ReasonForbidden:
			code = http.StatusForbidden
		}
		return c.JSON(code, ErrorBody{Error: srcErr.Error(), Reason: string(srcErr.Reason)})
	}

	switch {
	case errors.Is(err, ratelimit.ErrRateLimited):
		return c.AbortTooManyRequests("rate limit exceeded")
	case errors.Is(err, sandbox.ErrRuntimeUnavailable):
		g.logger.Error("guest runtime unavailable",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		return c.JSON(http.StatusServiceUnavailable, ErrorBody{Error: "guest runtime unavailable"})
	}

	g.logger.Error("execution failed",
		slog.String("correlation_id", correlationID),
		slog.String("error", err.Error()),
	)
	return c.AbortInternalServerError("execution failed")
}

// --- Execution history ---

// ExecutionResponse is one stored execution.
type ExecutionResponse struct {
	ID          string              `json:"id"`
	Caller      string              `json:"caller,omitempty"`
	Success     bool                `json:"success"`
	Status      sandbox.Status      `json:"status"`
	Exception   *string             `json:"exception"`
	ExitCode    *int                `json:"exit_code"`
	Truncated   bool                `json:"truncated,omitempty"`
	Violations  []sandbox.Violation `json:"violations,omitempty"`
	Runtime     string              `json:"runtime"`
	Source      sandbox.SourceInfo  `json:"source"`
	StdoutBytes int64               `json:"stdout_bytes"`
	StderrBytes int64               `json:"stderr_bytes"`
	StartedAt   time.Time           `json:"started_at"`
	DurationMS  int64               `json:"duration_ms"`
}

// ExecutionListResponse is the JSON response for GET /v1/executions.
type ExecutionListResponse struct {
	Executions []ExecutionResponse `json:"executions"`
	Limit      int                 `json:"limit"`
	Offset     int                 `json:"offset"`
}

func newExecutionResponse(rec *storage.Record) ExecutionResponse {
	o := rec.Outcome
	return ExecutionResponse{
		ID:          o.ID,
		Caller:      rec.Caller,
		Success:     o.Success,
		Status:      o.Status,
		Exception:   o.Exception,
		ExitCode:    o.ExitCode,
		Truncated:   o.Truncated,
		Violations:  o.Violations,
		Runtime:     o.Runtime,
		Source:      o.Source,
		StdoutBytes: rec.StdoutBytes,
		StderrBytes: rec.StderrBytes,
		StartedAt:   o.StartedAt,
		DurationMS:  o.Duration.Milliseconds(),
	}
}

func (g *Gateway) handleExecutionList(c *okapi.Context) error {
	userID := c.GetString("userID")
	q := c.Request().URL.Query()

	filter := storage.Filter{Caller: userID, Status: sandbox.Status(q.Get("status"))}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return c.AbortBadRequest("limit must be a non-negative integer")
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return c.AbortBadRequest("offset must be a non-negative integer")
		}
		filter.Offset = n
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return c.AbortBadRequest("since must be an RFC 3339 timestamp")
		}
		filter.Since = t
	}

	recs, err := g.records.List(c.Context(), filter)
	if err != nil {
		g.logger.Error("listing executions failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing executions failed")
	}

	resp := ExecutionListResponse{
		Executions: make([]ExecutionResponse, len(recs)),
		Limit:      filter.PageLimit(),
		Offset:     filter.Offset,
	}
	for i := range recs {
		resp.Executions[i] = newExecutionResponse(&recs[i])
	}
	return c.OK(resp)
}

func (g *Gateway) handleExecutionGet(c *okapi.Context) error {
	userID := c.GetString("userID")

	rec, err := g.records.Get(c.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return c.JSON(http.StatusNotFound, ErrorBody{Error: "execution not found"})
		}
		g.logger.Error("getting execution failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("getting execution failed")
	}
	// Another caller's record is indistinguishable from a missing one.
	if rec.Caller != userID {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "execution not found"})
	}
	return c.OK(newExecutionResponse(rec))
}

func (g *Gateway) handleStats(c *okapi.Context) error {
	var since time.Time
	if v := c.Request().URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return c.AbortBadRequest("since must be an RFC 3339 timestamp")
		}
		since = t
	}
	stats, err := g.records.Stats(c.Context(), since)
	if err != nil {
		g.logger.Error("execution stats failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("execution stats failed")
	}
	return c.OK(stats)
}

func (g *Gateway) handlePolicy(c *okapi.Context) error {
	return c.OK(g.policy)
}

// --- Health ---

// HealthResponse is the JSON response for /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}
	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}
