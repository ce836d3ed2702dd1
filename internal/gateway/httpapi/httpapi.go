// Package httpapi implements the HTTP API gateway for runbox.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Request body size limits (default 2 MB)
//   - Per-caller rate limiting via token bucket
//   - Callers only see their own execution records
//   - All requests logged with correlation IDs
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/runbox/internal/observability"
	"github.com/jkaninda/runbox/internal/policy"
	"github.com/jkaninda/runbox/internal/ratelimit"
	"github.com/jkaninda/runbox/internal/sandbox"
	"github.com/jkaninda/runbox/internal/storage"
	"github.com/jkaninda/runbox/internal/tools"
)

// defaultMaxRequestSize leaves room for a 1 MB script after JSON escaping.
const defaultMaxRequestSize = 2 << 20

// ErrorBody is the standard error response.
type ErrorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // API key → user ID mapping.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 2 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

func (c Config) maxRequestSize() int64 {
	if c.MaxRequestSize > 0 {
		return c.MaxRequestSize
	}
	return defaultMaxRequestSize
}

// PolicyInfo is the effective execution policy served on GET /v1/policy.
type PolicyInfo struct {
	policy.Snapshot
	Runtime        string `json:"runtime"`
	TimeoutSeconds int64  `json:"timeout_seconds"`
	MemoryBytes    int64  `json:"memory_bytes"`
	MaxOutputBytes int64  `json:"max_output_bytes"`
	MaxSourceBytes int64  `json:"max_source_bytes"`
}

// NewPolicyInfo describes a policy and the limits applied with it.
func NewPolicyInfo(p *policy.Policy, runtime string, limits sandbox.Limits, maxSourceBytes int64) PolicyInfo {
	return PolicyInfo{
		Snapshot:       p.Snapshot(),
		Runtime:        runtime,
		TimeoutSeconds: int64(limits.Timeout / time.Second),
		MemoryBytes:    limits.MemoryBytes,
		MaxOutputBytes: limits.MaxOutputBytes,
		MaxSourceBytes: maxSourceBytes,
	}
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config   Config
	executor sandbox.Executor
	records  storage.ExecutionStore // nil = execution history endpoints disabled.
	policy   *PolicyInfo            // nil = policy endpoint disabled.
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
	server   *http.Server
	ready    chan struct{}

	// Extra handlers mounted on the HTTP mux (e.g., the MCP endpoint).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
	auth    bool
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, executor sandbox.Executor, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:   cfg,
		executor: executor,
		limiter:  rl,
		logger:   logger,
		ready:    make(chan struct{}),
		okapi:    okapi.New(okapi.WithMaxMultipartMemory(cfg.maxRequestSize())),
	}
}

// WithRecords enables the execution history endpoints.
func (g *Gateway) WithRecords(store storage.ExecutionStore) *Gateway {
	g.records = store
	return g
}

// WithPolicy enables GET /v1/policy.
func (g *Gateway) WithPolicy(info PolicyInfo) *Gateway {
	g.policy = &info
	return g
}

// WithHandler mounts an additional handler at pattern for GET, POST and
// DELETE. When auth is set the handler requires the same API keys as /v1.
func (g *Gateway) WithHandler(pattern string, handler http.Handler, auth bool) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler, auth: auth})
	return g
}

func (g *Gateway) withOpenAPIDocs() {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "runbox",
			Version: "v1",
		},
	)
}

// Ready is closed once routes are registered and the server is about to listen.
func (g *Gateway) Ready() <-chan struct{} { return g.ready }

// Start launches the HTTP server and blocks until it exits.
func (g *Gateway) Start(ctx context.Context) error {
	maxBody := g.config.maxRequestSize()
	g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBody {
				writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBody)
			next.ServeHTTP(w, r)
		})
	})
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Post("/run", g.handleRun,
		okapi.DocSummary("Execute a script in the sandbox"),
		okapi.DocTags("Executions"),
		okapi.DocRequestBody(RunRequest{}),
		okapi.DocResponse(RunResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusForbidden, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusRequestEntityTooLarge, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)

	if g.records != nil {
		g.group.Get("/executions", g.handleExecutionList,
			okapi.DocSummary("List the caller's executions, newest first"),
			okapi.DocTags("Executions"),
			okapi.DocResponse(ExecutionListResponse{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		)
		g.group.Get("/executions/{id}", g.handleExecutionGet,
			okapi.DocSummary("Get one execution record"),
			okapi.DocTags("Executions"),
			okapi.DocPathParam("id", "string", "Execution ID"),
			okapi.DocResponse(ExecutionResponse{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
		g.group.Get("/stats", g.handleStats,
			okapi.DocSummary("Execution counts by status"),
			okapi.DocTags("Executions"),
			okapi.DocResponse(storage.Stats{}),
		)
	}

	if g.policy != nil {
		g.group.Get("/policy", g.handlePolicy,
			okapi.DocSummary("Effective capability policy and resource limits"),
			okapi.DocTags("Policy"),
			okapi.DocResponse(PolicyInfo{}),
		)
	}

	for _, er := range g.extraRoutes {
		h := er.handler
		if er.auth {
			h = g.requireAPIKey(h)
		}
		for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodDelete} {
			g.okapi.HandleStd(method, er.pattern, h.ServeHTTP)
		}
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.withOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute, // Executions may run up to the configured timeout.
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	close(g.ready)
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Authentication ---

// lookupKey maps a bearer token to its user ID, or "" if unknown.
func (g *Gateway) lookupKey(authHeader string) string {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return ""
	}
	apiKey := strings.TrimPrefix(authHeader, "Bearer ")
	userID := ""
	for key, id := range g.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
			userID = id
		}
	}
	return userID
}

// authenticate validates the API key and stores the mapped user ID.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		userID := g.lookupKey(authHeader)
		if userID == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("userID", userID)
		return next(c)
	}
}

// requireAPIKey is authenticate for plain http.Handlers.
func (g *Gateway) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := g.lookupKey(r.Header.Get("Authorization"))
		if userID == "" {
			writeJSONError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next.ServeHTTP(w, r.WithContext(tools.ContextWithUserID(r.Context(), userID)))
	})
}

// --- Helpers ---

func writeJSONError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}` + "\n"))
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
