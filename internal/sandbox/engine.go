package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/jkaninda/runbox/internal/policy"
	"github.com/jkaninda/runbox/internal/source"
)

// EngineConfig wires an Engine.
type EngineConfig struct {
	Runtime Runtime
	Loader  *source.Loader
	Policy  *policy.Policy
	// Checker answers capability checks. Defaults to Policy.
	Checker       policy.Checker
	Limits        Limits
	MaxConcurrent int64
	Logger        *slog.Logger
}

// Engine resolves, runs and classifies execution requests.
// It is safe for concurrent use; each request gets its own guest.
type Engine struct {
	runtime Runtime
	loader  *source.Loader
	policy  *policy.Policy
	checker policy.Checker
	limits  Limits
	sem     *semaphore.Weighted
	logger  *slog.Logger
}

// NewEngine creates an engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Runtime == nil {
		return nil, fmt.Errorf("sandbox engine: runtime is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Policy == nil {
		cfg.Policy = policy.Default()
	}
	if cfg.Checker == nil {
		cfg.Checker = cfg.Policy
	}
	if cfg.Loader == nil {
		cfg.Loader = source.NewLoader(nil, 0, cfg.Logger)
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	return &Engine{
		runtime: cfg.Runtime,
		loader:  cfg.Loader,
		policy:  cfg.Policy,
		checker: cfg.Checker,
		limits:  cfg.Limits.withDefaults(),
		sem:     semaphore.NewWeighted(cfg.MaxConcurrent),
		logger:  cfg.Logger,
	}, nil
}

// Limits returns the effective resource limits.
func (e *Engine) Limits() Limits { return e.limits }

// Policy returns the capability policy.
func (e *Engine) Policy() *policy.Policy { return e.policy }

// RuntimeName returns the guest runtime name.
func (e *Engine) RuntimeName() string { return e.runtime.Name() }

// Ready reports whether guests can be launched.
func (e *Engine) Ready(ctx context.Context) error { return e.runtime.Available(ctx) }

// Execute runs one request. Source rejections, a cancelled wait for a
// slot, and an unavailable runtime are returned as errors; every started
// execution yields an Outcome.
func (e *Engine) Execute(ctx context.Context, req Request) (*Outcome, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	logger := e.logger.With(slog.String("execution_id", req.ID))

	src, err := e.loader.Load(ctx, source.Request{Script: req.Script, IsFile: req.IsFile})
	if err != nil {
		logger.Info("script rejected", slog.String("error", err.Error()))
		return nil, err
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for execution slot: %w", err)
	}
	defer e.sem.Release(1)

	startedAt := time.Now().UTC()
	logger.Info("execution started",
		slog.String("runtime", e.runtime.Name()),
		slog.String("origin", string(src.Origin)),
		slog.Int64("bytes", src.Size),
		slog.String("caller", req.Caller),
	)

	guest, err := e.runtime.Launch(ctx, LaunchSpec{ID: req.ID, Limits: e.limits})
	if err != nil {
		logger.Error("guest launch failed", slog.String("error", err.Error()))
		return nil, err
	}
	defer guest.Close()

	s := &session{
		guest:    guest,
		boundary: newBoundary(e.checker, logger),
		limits:   e.limits,
		logger:   logger,
	}
	res := s.run(ctx, initMessage{
		Source:   src.Text,
		Filename: guestFilename,
		Preload:  e.policy.AllowedModules(),
	})

	out := collect(res, e.limits)
	out.ID = req.ID
	out.Runtime = e.runtime.Name()
	out.Source = SourceInfo{
		Origin: string(src.Origin),
		Path:   src.Path,
		Bytes:  src.Size,
		SHA256: src.SHA256,
	}
	out.StartedAt = startedAt
	out.Duration = time.Since(startedAt)

	attrs := []any{
		slog.String("status", string(out.Status)),
		slog.Bool("success", out.Success),
		slog.Duration("duration", out.Duration),
		slog.Int("stdout_bytes", len(out.Stdout)),
		slog.Int("stderr_bytes", len(out.Stderr)),
	}
	if out.ExitCode != nil {
		attrs = append(attrs, slog.Int("exit_code", *out.ExitCode))
	}
	if len(out.Violations) > 0 {
		attrs = append(attrs, slog.Int("violations", len(out.Violations)))
	}
	logger.Info("execution finished", attrs...)
	return out, nil
}
