package sandbox

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/jkaninda/runbox/internal/policy"
)

// boundaryOperations are refused whatever the policy says: they would let
// guest code observe the host or reach the guest runtime's own machinery.
var boundaryOperations = map[string]struct{}{
	"introspect": {},
	"filesystem": {},
	"network":    {},
	"native":     {},
	"signal":     {},
	"environ":    {},
}

// maxRecordedViolations bounds memory for guests that deny-loop.
const maxRecordedViolations = 64

// boundary answers capability checks raised by one guest and remembers every
// denial, so a guest that swallows the raised error is still reported.
type boundary struct {
	checker policy.Checker
	logger  *slog.Logger

	mu         sync.Mutex
	violations []Violation
	denied     int
}

func newBoundary(checker policy.Checker, logger *slog.Logger) *boundary {
	return &boundary{checker: checker, logger: logger}
}

func (b *boundary) check(ctx context.Context, f frame) verdict {
	req := policy.Request{Kind: policy.Kind(f.Kind), Name: f.Name, Event: f.Event}

	var err error
	if _, guarded := boundaryOperations[f.Name]; guarded && req.Kind == policy.KindOperation {
		err = &policy.CapabilityError{Kind: req.Kind, Name: req.Name}
	} else {
		err = b.checker.Check(ctx, req)
	}

	v := verdict{ID: f.ID, Kind: f.Kind, Name: f.Name, Allow: err == nil}
	if err == nil {
		return v
	}

	var capErr *policy.CapabilityError
	if !errors.As(err, &capErr) {
		// Checker failures deny.
		b.logger.Warn("capability check failed",
			slog.String("kind", f.Kind),
			slog.String("name", f.Name),
			slog.String("error", err.Error()),
		)
	}
	v.Reason = err.Error()
	b.record(Violation{Kind: req.Kind, Name: req.Name, Event: req.Event})

	b.logger.Info("capability denied",
		slog.String("kind", f.Kind),
		slog.String("name", f.Name),
		slog.String("event", f.Event),
	)
	return v
}

func (b *boundary) record(v Violation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.denied++
	if len(b.violations) < maxRecordedViolations {
		b.violations = append(b.violations, v)
	}
}

// Violations returns a copy of the recorded denials in order.
func (b *boundary) Violations() []Violation {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Violation, len(b.violations))
	copy(out, b.violations)
	return out
}
