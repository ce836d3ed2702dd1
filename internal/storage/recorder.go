package storage

import (
	"context"
	"log/slog"
	"time"

	"github.com/jkaninda/runbox/internal/sandbox"
)

// RecordingExecutor appends every outcome to an ExecutionStore. A failed
// write is logged and never changes the outcome returned to the caller.
type RecordingExecutor struct {
	inner   sandbox.Executor
	store   ExecutionStore
	logger  *slog.Logger
	onWrite func(err error)
}

// NewRecordingExecutor wraps inner. onWrite, when set, is called after every
// write attempt with its error.
func NewRecordingExecutor(inner sandbox.Executor, store ExecutionStore, logger *slog.Logger, onWrite func(error)) *RecordingExecutor {
	return &RecordingExecutor{inner: inner, store: store, logger: logger, onWrite: onWrite}
}

var _ sandbox.Executor = (*RecordingExecutor)(nil)

func (r *RecordingExecutor) Execute(ctx context.Context, req sandbox.Request) (*sandbox.Outcome, error) {
	out, err := r.inner.Execute(ctx, req)
	if err != nil || out == nil {
		return out, err
	}

	rec := NewRecord(req.Caller, out)
	// The caller's context may already be cancelled; the record must still land.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	werr := r.store.Append(writeCtx, rec)
	if werr != nil {
		r.logger.Error("failed to record execution",
			slog.String("execution_id", out.ID),
			slog.String("error", werr.Error()),
		)
	}
	if r.onWrite != nil {
		r.onWrite(werr)
	}
	return out, nil
}

// Pruner deletes records older than the retention period on an interval.
type Pruner struct {
	store     ExecutionStore
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
}

// NewPruner returns nil when retention is zero (keep forever).
func NewPruner(store ExecutionStore, retention time.Duration, logger *slog.Logger) *Pruner {
	if retention <= 0 {
		return nil
	}
	interval := retention / 24
	if interval < time.Minute {
		interval = time.Minute
	}
	if interval > time.Hour {
		interval = time.Hour
	}
	return &Pruner{store: store, retention: retention, interval: interval, logger: logger}
}

// Run prunes once immediately and then on every tick until ctx is done.
func (p *Pruner) Run(ctx context.Context) error {
	if p == nil {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		p.PruneOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// PruneOnce removes records older than the retention period.
func (p *Pruner) PruneOnce(ctx context.Context) {
	before := time.Now().UTC().Add(-p.retention)
	n, err := p.store.Prune(ctx, before)
	if err != nil {
		p.logger.Warn("pruning execution records failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		p.logger.Info("pruned execution records",
			slog.Int64("deleted", n),
			slog.Time("before", before),
		)
	}
}
