package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/runbox/internal/config"
)

const (
	defaultAnomalyWindow = 300 * time.Second
	minAnomalySamples    = 5
)

// AnomalyDetector watches execution outcomes per runtime over a sliding
// window and warns when failures or capability violations exceed the
// configured share of executions.
type AnomalyDetector struct {
	mu         sync.Mutex
	total      map[string]*slidingWindow
	failures   map[string]*slidingWindow
	violations map[string]*slidingWindow
	alerting   map[string]bool
	window     time.Duration
	cfg        *config.AnomalyConfig
	logger     *slog.Logger
	now        func() time.Time
}

// Rates is a point-in-time view of one runtime's window.
type Rates struct {
	Executions    float64 `json:"executions"`
	FailureRate   float64 `json:"failure_rate"`
	ViolationRate float64 `json:"violation_rate"`
}

type slidingWindow struct {
	entries []time.Time
	window  time.Duration
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	window := defaultAnomalyWindow
	if cfg.WindowSeconds > 0 {
		window = time.Duration(cfg.WindowSeconds) * time.Second
	}
	return &AnomalyDetector{
		total:      make(map[string]*slidingWindow),
		failures:   make(map[string]*slidingWindow),
		violations: make(map[string]*slidingWindow),
		alerting:   make(map[string]bool),
		window:     window,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// RecordOutcome counts one finished execution. failed covers every status
// other than a clean exit; violation marks a capability violation.
func (a *AnomalyDetector) RecordOutcome(runtime string, failed, violation bool) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	a.windowFor(a.total, runtime).add(now)
	if failed {
		a.windowFor(a.failures, runtime).add(now)
	}
	if violation {
		a.windowFor(a.violations, runtime).add(now)
	}
	a.check(runtime, now)
}

// Rates returns the current window for a runtime.
func (a *AnomalyDetector) Rates(runtime string) Rates {
	if a == nil {
		return Rates{}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rates(runtime, a.now())
}

// Must be called with a.mu held.
func (a *AnomalyDetector) rates(runtime string, now time.Time) Rates {
	total := float64(a.windowFor(a.total, runtime).count(now))
	if total == 0 {
		return Rates{}
	}
	return Rates{
		Executions:    total,
		FailureRate:   float64(a.windowFor(a.failures, runtime).count(now)) / total,
		ViolationRate: float64(a.windowFor(a.violations, runtime).count(now)) / total,
	}
}

// check warns once per excursion above a threshold and logs recovery.
// Must be called with a.mu held.
func (a *AnomalyDetector) check(runtime string, now time.Time) {
	r := a.rates(runtime, now)
	if r.Executions < minAnomalySamples {
		return
	}

	failing := a.cfg.ErrorRateThreshold > 0 && r.FailureRate > a.cfg.ErrorRateThreshold
	violating := a.cfg.ViolationThreshold > 0 && r.ViolationRate > a.cfg.ViolationThreshold
	anomalous := failing || violating

	if anomalous == a.alerting[runtime] {
		return
	}
	a.alerting[runtime] = anomalous
	if a.logger == nil {
		return
	}
	if !anomalous {
		a.logger.Info("anomaly cleared", slog.String("runtime", runtime))
		return
	}
	a.logger.Warn("anomaly detected: execution failures above threshold",
		slog.String("runtime", runtime),
		slog.Float64("failure_rate", r.FailureRate),
		slog.Float64("violation_rate", r.ViolationRate),
		slog.Float64("error_rate_threshold", a.cfg.ErrorRateThreshold),
		slog.Float64("violation_threshold", a.cfg.ViolationThreshold),
		slog.Float64("executions", r.Executions),
	)
}

// Anomalous reports whether the runtime is currently above a threshold.
func (a *AnomalyDetector) Anomalous(runtime string) bool {
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.alerting[runtime]
}

func (a *AnomalyDetector) windowFor(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.window}
		m[key] = w
	}
	return w
}

func (w *slidingWindow) add(now time.Time) {
	w.entries = append(w.entries, now)
	w.prune(now)
}

func (w *slidingWindow) count(now time.Time) int {
	w.prune(now)
	return len(w.entries)
}

// prune drops entries older than the window.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
