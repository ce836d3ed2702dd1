package observability

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/runbox/internal/policy"
	"github.com/jkaninda/runbox/internal/sandbox"
	"github.com/jkaninda/runbox/internal/source"
)

// Compile-time interface checks.
var (
	_ sandbox.Executor = (*InstrumentedExecutor)(nil)
	_ policy.Checker   = (*InstrumentedChecker)(nil)
)

// --- InstrumentedExecutor ---

// InstrumentedExecutor wraps a sandbox.Executor with metrics, tracing, and
// anomaly detection.
type InstrumentedExecutor struct {
	inner   sandbox.Executor
	runtime string
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedExecutor wraps an executor. runtime labels metrics for
// requests rejected before an outcome exists.
func NewInstrumentedExecutor(inner sandbox.Executor, runtime string, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedExecutor {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedExecutor{
		inner:   inner,
		runtime: runtime,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (e *InstrumentedExecutor) Execute(ctx context.Context, req sandbox.Request) (*sandbox.Outcome, error) {
	var span trace.Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "sandbox.execute",
			trace.WithAttributes(
				attribute.String("sandbox.runtime", e.runtime),
				attribute.Bool("sandbox.is_file", req.IsFile),
				attribute.String("sandbox.caller", req.Caller),
			))
		defer span.End()
	}

	if e.metrics != nil {
		e.metrics.ActiveExecutions.Inc()
		defer e.metrics.ActiveExecutions.Dec()
	}

	start := time.Now()
	out, err := e.inner.Execute(ctx, req)
	duration := time.Since(start).Seconds()

	if err != nil {
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		if e.metrics != nil {
			var srcErr *source.Error
			if errors.As(err, &srcErr) {
				e.metrics.SourceRejectionsTotal.WithLabelValues(string(srcErr.Reason)).Inc()
			}
		}
		return nil, err
	}

	if span != nil {
		span.SetAttributes(
			attribute.String("sandbox.execution_id", out.ID),
			attribute.String("sandbox.status", string(out.Status)),
			attribute.Bool("sandbox.success", out.Success),
			attribute.Int("sandbox.violations", len(out.Violations)),
		)
		if !out.Success {
			span.SetStatus(codes.Error, out.ExceptionText())
		}
	}

	if e.metrics != nil {
		e.metrics.ExecutionsTotal.WithLabelValues(e.runtime, string(out.Status)).Inc()
		e.metrics.ExecutionDuration.WithLabelValues(e.runtime).Observe(duration)
		if out.Truncated {
			e.metrics.OutputTruncated.WithLabelValues(e.runtime).Inc()
		}
	}

	e.anomaly.RecordOutcome(e.runtime, out.Status != sandbox.StatusOK, len(out.Violations) > 0)

	return out, nil
}

// --- InstrumentedChecker ---

// InstrumentedChecker wraps a policy.Checker and counts every decision.
type InstrumentedChecker struct {
	inner   policy.Checker
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedChecker wraps a capability checker with observability.
func NewInstrumentedChecker(inner policy.Checker, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedChecker {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedChecker{inner: inner, metrics: metrics, tracer: tracer}
}

func (c *InstrumentedChecker) Check(ctx context.Context, req policy.Request) error {
	if c.tracer != nil {
		var span trace.Span
		ctx, span = c.tracer.Start(ctx, "policy.check",
			trace.WithAttributes(
				attribute.String("capability.kind", string(req.Kind)),
				attribute.String("capability.name", req.Name),
			))
		defer span.End()
	}

	err := c.inner.Check(ctx, req)

	decision := "allow"
	if err != nil {
		decision = "deny"
		if c.tracer != nil {
			trace.SpanFromContext(ctx).SetAttributes(attribute.Bool("capability.denied", true))
		}
	}
	if c.metrics != nil {
		c.metrics.CapabilityChecksTotal.WithLabelValues(string(req.Kind), decision).Inc()
	}
	return err
}

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
