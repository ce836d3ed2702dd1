package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/runbox/internal/observability"
	"github.com/jkaninda/runbox/internal/policy"
	"github.com/jkaninda/runbox/internal/ratelimit"
	"github.com/jkaninda/runbox/internal/sandbox"
	"github.com/jkaninda/runbox/internal/source"
	"github.com/jkaninda/runbox/internal/storage"
	"github.com/jkaninda/runbox/internal/storage/sqlite"
	"github.com/jkaninda/runbox/internal/tools"
)

const (
	aliceKey = "key-alice"
	bobKey   = "key-bob"
)

type stubExecutor struct {
	mu   sync.Mutex
	out  *sandbox.Outcome
	err  error
	reqs []sandbox.Request
}

func (s *stubExecutor) Execute(_ context.Context, req sandbox.Request) (*sandbox.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	if s.err != nil {
		return nil, s.err
	}
	out := *s.out
	if out.ID == "" {
		out.ID = fmt.Sprintf("exec-%d", len(s.reqs))
	}
	return &out, nil
}

func (s *stubExecutor) calls() []sandbox.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sandbox.Request(nil), s.reqs...)
}

func okOutcome() *sandbox.Outcome {
	zero := 0
	return &sandbox.Outcome{
		Success:  true,
		Stdout:   "hello\n",
		ExitCode: &zero,
		Status:   sandbox.StatusOK,
		Runtime:  "process",
		Duration: 120 * time.Millisecond,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func testConfig(t *testing.T) Config {
	return Config{
		ListenAddr: freeAddr(t),
		APIKeys:    map[string]string{aliceKey: "alice", bobKey: "bob"},
	}
}

// startGateway runs g until the test ends and returns its base URL.
func startGateway(t *testing.T, g *Gateway) string {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- g.Start(context.Background()) }()

	select {
	case <-g.Ready():
	case err := <-errc:
		t.Fatalf("Start: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("gateway not ready")
	}
	base := "http://" + g.config.ListenAddr

	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(base + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("gateway not serving: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	t.Cleanup(func() { _ = g.Stop(context.Background()) })
	return base
}

func newTestGateway(cfg Config, exec sandbox.Executor, rl *ratelimit.Limiter) *Gateway {
	return NewGateway(cfg, exec, rl, discardLogger())
}

func do(t *testing.T, method, url, key string, body any) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		r = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, r)
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, data
}

func TestRunSuccess(t *testing.T) {
	exec := &stubExecutor{out: okOutcome()}
	g := newTestGateway(testConfig(t), exec, nil)
	base := startGateway(t, g)

	resp, body := do(t, http.MethodPost, base+"/v1/run", aliceKey, RunRequest{Script: "print('hello')"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}

	var got RunResponse
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decoding: %v (%s)", err, body)
	}
	if !got.Success || got.Stdout != "hello\n" || got.Status != sandbox.StatusOK {
		t.Errorf("response = %+v", got)
	}
	if got.ExitCode == nil || *got.ExitCode != 0 {
		t.Errorf("exit_code = %v, want 0", got.ExitCode)
	}
	if got.Exception != nil {
		t.Errorf("exception = %q, want null", *got.Exception)
	}
	if got.CorrelationID == "" || got.ID == "" {
		t.Errorf("missing ids: %+v", got)
	}
	if got.DurationMS != 120 {
		t.Errorf("duration_ms = %d", got.DurationMS)
	}

	calls := exec.calls()
	if len(calls) != 1 || calls[0].Caller != "alice" || calls[0].Script != "print('hello')" {
		t.Errorf("requests = %+v", calls)
	}
}

func TestRunFailureIsStillOK(t *testing.T) {
	exc := "ZeroDivisionError: division by zero"
	one := 1
	exec := &stubExecutor{out: &sandbox.Outcome{
		Stderr: "Traceback...", Exception: &exc, ExitCode: &one, Status: sandbox.StatusGuestError,
	}}
	g := newTestGateway(testConfig(t), exec, nil)
	base := startGateway(t, g)

	resp, body := do(t, http.MethodPost, base+"/v1/run", aliceKey, RunRequest{Script: "1/0"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	var got RunResponse
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if got.Success || got.Exception == nil || *got.Exception != exc {
		t.Errorf("response = %+v", got)
	}
}

func TestRunAuthentication(t *testing.T) {
	exec := &stubExecutor{out: okOutcome()}
	g := newTestGateway(testConfig(t), exec, nil)
	base := startGateway(t, g)

	for _, key := range []string{"", "wrong"} {
		resp, _ := do(t, http.MethodPost, base+"/v1/run", key, RunRequest{Script: "pass"})
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("key %q: status = %d, want 401", key, resp.StatusCode)
		}
	}
	if n := len(exec.calls()); n != 0 {
		t.Errorf("executor called %d times", n)
	}
}

func TestRunRateLimited(t *testing.T) {
	exec := &stubExecutor{out: okOutcome()}
	rl := ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: 1, BurstSize: 1})
	g := newTestGateway(testConfig(t), exec, rl)
	base := startGateway(t, g)

	resp, _ := do(t, http.MethodPost, base+"/v1/run", aliceKey, RunRequest{Script: "pass"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first request status = %d", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodPost, base+"/v1/run", aliceKey, RunRequest{Script: "pass"})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want 429", resp.StatusCode)
	}
	// Buckets are per caller.
	resp, _ = do(t, http.MethodPost, base+"/v1/run", bobKey, RunRequest{Script: "pass"})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("bob status = %d, want 200", resp.StatusCode)
	}
}

func TestRunBadRequests(t *testing.T) {
	exec := &stubExecutor{out: okOutcome()}
	cfg := testConfig(t)
	cfg.MaxRequestSize = 1024
	g := newTestGateway(cfg, exec, nil)
	base := startGateway(t, g)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"malformed json", []byte(`{"script":`), http.StatusBadRequest},
		{"wrong field type", []byte(`{"script": 42}`), http.StatusBadRequest},
		{"empty body", []byte(``), http.StatusBadRequest},
		{"empty file path", RunRequest{IsFile: true}, http.StatusBadRequest},
		{"body over limit", RunRequest{Script: strings.Repeat("x", 4096)}, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, http.MethodPost, base+"/v1/run", aliceKey, tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d (%s)", resp.StatusCode, tt.want, body)
			}
		})
	}
	if n := len(exec.calls()); n != 0 {
		t.Errorf("executor called %d times", n)
	}
}

func TestRunRejections(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		want   int
		reason string
	}{
		{"not found", &source.Error{Reason: source.ReasonNotFound, Path: "missing.py"}, http.StatusNotFound, "not_found"},
		{"too large", &source.Error{Reason: source.ReasonTooLarge, Size: 2 << 20, Limit: 1 << 20}, http.StatusRequestEntityTooLarge, "too_large"},
		{"forbidden", &source.Error{Reason: source.ReasonForbidden, Path: "../../etc/passwd"}, http.StatusForbidden, "forbidden"},
		{"invalid", &source.Error{Reason: source.ReasonInvalid, Err: errors.New("contains NUL byte")}, http.StatusBadRequest, "invalid"},
		{"runtime unavailable", fmt.Errorf("%w: python3 not found", sandbox.ErrRuntimeUnavailable), http.StatusServiceUnavailable, ""},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGateway(testConfig(t), &stubExecutor{err: tt.err}, nil)
			base := startGateway(t, g)

			resp, body := do(t, http.MethodPost, base+"/v1/run", aliceKey, RunRequest{Script: "x.py", IsFile: true})
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d (%s)", resp.StatusCode, tt.want, body)
			}
			if tt.reason == "" {
				return
			}
			var eb ErrorBody
			if err := json.Unmarshal(body, &eb); err != nil {
				t.Fatal(err)
			}
			if eb.Reason != tt.reason {
				t.Errorf("reason = %q, want %q", eb.Reason, tt.reason)
			}
		})
	}
}

func openRecords(t *testing.T) storage.ExecutionStore {
	t.Helper()
	s, err := sqlite.Open(sqlite.Config{Path: filepath.Join(t.TempDir(), "runbox.db")}, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	return s.Executions()
}

func seed(t *testing.T, store storage.ExecutionStore, id, caller string, status sandbox.Status, at time.Time) {
	t.Helper()
	out := okOutcome()
	out.ID = id
	out.Status = status
	out.Success = status == sandbox.StatusOK
	out.StartedAt = at
	rec := storage.NewRecord(caller, out)
	rec.RecordedAt = at
	if err := store.Append(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
}

func TestExecutionHistoryScopedToCaller(t *testing.T) {
	store := openRecords(t)
	now := time.Now().UTC()
	seed(t, store, "a-1", "alice", sandbox.StatusOK, now.Add(-3*time.Minute))
	seed(t, store, "a-2", "alice", sandbox.StatusTimeout, now.Add(-2*time.Minute))
	seed(t, store, "b-1", "bob", sandbox.StatusOK, now.Add(-1*time.Minute))

	g := NewGateway(testConfig(t), &stubExecutor{out: okOutcome()}, nil, discardLogger()).WithRecords(store)
	base := startGateway(t, g)

	resp, body := do(t, http.MethodGet, base+"/v1/executions", aliceKey, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d (%s)", resp.StatusCode, body)
	}
	var list ExecutionListResponse
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Executions) != 2 || list.Executions[0].ID != "a-2" || list.Executions[1].ID != "a-1" {
		t.Errorf("executions = %+v", list.Executions)
	}
	if list.Limit != storage.DefaultListLimit {
		t.Errorf("limit = %d", list.Limit)
	}
	if list.Executions[1].StdoutBytes != int64(len("hello\n")) {
		t.Errorf("stdout_bytes = %d", list.Executions[1].StdoutBytes)
	}

	resp, body = do(t, http.MethodGet, base+"/v1/executions?status=timeout", aliceKey, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("filtered status = %d", resp.StatusCode)
	}
	list = ExecutionListResponse{}
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Executions) != 1 || list.Executions[0].ID != "a-2" {
		t.Errorf("filtered executions = %+v", list.Executions)
	}

	resp, _ = do(t, http.MethodGet, base+"/v1/executions?limit=abc", aliceKey, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", resp.StatusCode)
	}

	resp, body = do(t, http.MethodGet, base+"/v1/executions/a-1", aliceKey, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d (%s)", resp.StatusCode, body)
	}
	var one ExecutionResponse
	if err := json.Unmarshal(body, &one); err != nil {
		t.Fatal(err)
	}
	if one.ID != "a-1" || one.Caller != "alice" || one.Status != sandbox.StatusOK {
		t.Errorf("execution = %+v", one)
	}

	resp, _ = do(t, http.MethodGet, base+"/v1/executions/b-1", aliceKey, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("other caller's record: status = %d, want 404", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodGet, base+"/v1/executions/missing", aliceKey, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing record: status = %d, want 404", resp.StatusCode)
	}

	resp, body = do(t, http.MethodGet, base+"/v1/stats", aliceKey, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats status = %d", resp.StatusCode)
	}
	var stats storage.Stats
	if err := json.Unmarshal(body, &stats); err != nil {
		t.Fatal(err)
	}
	if stats.Total != 3 || stats.ByStatus[string(sandbox.StatusOK)] != 2 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestHistoryDisabledWithoutStore(t *testing.T) {
	g := NewGateway(testConfig(t), &stubExecutor{out: okOutcome()}, nil, discardLogger())
	base := startGateway(t, g)

	resp, _ := do(t, http.MethodGet, base+"/v1/executions", aliceKey, nil)
	if resp.StatusCode == http.StatusOK {
		t.Error("executions endpoint served without a store")
	}
}

func TestPolicyEndpoint(t *testing.T) {
	info := NewPolicyInfo(policy.Default(), "process", sandbox.DefaultLimits(), 1<<20)
	g := NewGateway(testConfig(t), &stubExecutor{out: okOutcome()}, nil, discardLogger()).WithPolicy(info)
	base := startGateway(t, g)

	resp, body := do(t, http.MethodGet, base+"/v1/policy", aliceKey, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d (%s)", resp.StatusCode, body)
	}
	var got PolicyInfo
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if got.Runtime != "process" || got.TimeoutSeconds != 30 || got.MemoryBytes != 256<<20 || got.MaxSourceBytes != 1<<20 {
		t.Errorf("policy = %+v", got)
	}
	if len(got.AllowedModules) == 0 || len(got.DeniedOperations) == 0 {
		t.Errorf("policy lists empty: %+v", got.Snapshot)
	}
}

func TestHealthEndpoints(t *testing.T) {
	hc := observability.NewHealthChecker(discardLogger())
	var failing bool
	var mu sync.Mutex
	hc.AddCheck("runtime", func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		if failing {
			return errors.New("python3 not found")
		}
		return nil
	})

	cfg := testConfig(t)
	cfg.HealthChecker = hc
	g := NewGateway(cfg, &stubExecutor{out: okOutcome()}, nil, discardLogger())
	base := startGateway(t, g)

	resp, _ := do(t, http.MethodGet, base+"/readyz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("ready status = %d, want 200", resp.StatusCode)
	}

	mu.Lock()
	failing = true
	mu.Unlock()

	resp, body := do(t, http.MethodGet, base+"/readyz", "", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("degraded status = %d, want 503", resp.StatusCode)
	}
	var status observability.HealthStatus
	if err := json.Unmarshal(body, &status); err != nil {
		t.Fatal(err)
	}
	if status.Status != "degraded" || status.Checks["runtime"].Status != "fail" {
		t.Errorf("readiness = %+v", status)
	}

	resp, _ = do(t, http.MethodGet, base+"/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("liveness status = %d, want 200 while degraded", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	metrics := observability.NewMetricsCollector()
	cfg := testConfig(t)
	cfg.Metrics = metrics
	cfg.MetricsRegistry = metrics.Registry
	g := NewGateway(cfg, &stubExecutor{out: okOutcome()}, nil, discardLogger())
	base := startGateway(t, g)

	do(t, http.MethodPost, base+"/v1/run", aliceKey, RunRequest{Script: "pass"})

	resp, body := do(t, http.MethodGet, base+"/metrics", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "runbox_http_requests_total") {
		t.Errorf("metrics output missing http counter:\n%s", body)
	}
}

func TestExtraHandlerAuth(t *testing.T) {
	var seen string
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = tools.UserIDFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	g := NewGateway(testConfig(t), &stubExecutor{out: okOutcome()}, nil, discardLogger()).
		WithHandler("/mcp", h, true)
	base := startGateway(t, g)

	resp, _ := do(t, http.MethodPost, base+"/mcp", "", []byte(`{}`))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	resp, _ = do(t, http.MethodPost, base+"/mcp", bobKey, []byte(`{}`))
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	if seen != "bob" {
		t.Errorf("caller = %q, want bob", seen)
	}
}
