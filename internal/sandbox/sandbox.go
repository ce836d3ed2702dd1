// Package sandbox executes untrusted scripts in an isolated interpreter
// process under capability and resource restrictions, and turns every way an
// execution can end into a structured Outcome.
// Guest code never runs in the host process.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jkaninda/runbox/internal/policy"
)

// ErrRuntimeUnavailable is returned when the guest runtime cannot be started
// (interpreter missing, container engine unreachable). No outcome exists in
// that case: the request was never executed.
var ErrRuntimeUnavailable = errors.New("guest runtime unavailable")

// ErrMemoryUnsupported is returned by Guest.MemoryUsage when the runtime
// enforces the memory ceiling itself.
var ErrMemoryUnsupported = errors.New("memory sampling not supported by this runtime")

// Executor runs one request to completion.
// Source rejections are returned as errors; everything after that is an Outcome.
type Executor interface {
	Execute(ctx context.Context, req Request) (*Outcome, error)
}

// Request is a single execution request.
type Request struct {
	ID     string `json:"id,omitempty"`     // Assigned when empty.
	Caller string `json:"caller,omitempty"` // Authenticated user or channel, for audit only.
	Script string `json:"script"`
	IsFile bool   `json:"is_file,omitempty"`
}

// Limits are the process-wide resource limits applied to every execution.
type Limits struct {
	Timeout        time.Duration
	MemoryBytes    int64
	MaxOutputBytes int64         // Per stream.
	PollInterval   time.Duration // Memory sampling interval.
}

const (
	defaultTimeout      = 30 * time.Second
	defaultMemoryBytes  = 256 << 20
	defaultOutputBytes  = 1 << 20
	defaultPollInterval = 50 * time.Millisecond
)

// DefaultLimits returns 30s, 256 MB, 1 MB of output per stream.
func DefaultLimits() Limits {
	return Limits{
		Timeout:        defaultTimeout,
		MemoryBytes:    defaultMemoryBytes,
		MaxOutputBytes: defaultOutputBytes,
		PollInterval:   defaultPollInterval,
	}
}

func (l Limits) withDefaults() Limits {
	if l.Timeout <= 0 {
		l.Timeout = defaultTimeout
	}
	if l.MemoryBytes <= 0 {
		l.MemoryBytes = defaultMemoryBytes
	}
	if l.MaxOutputBytes <= 0 {
		l.MaxOutputBytes = defaultOutputBytes
	}
	if l.PollInterval <= 0 {
		l.PollInterval = defaultPollInterval
	}
	return l
}

// State is the lifecycle state of an execution.
type State int

const (
	StateCreated State = iota
	StateRunning
	StateCompleted
	StateTimedOut
	StateMemoryExceeded
	StateCapabilityViolation
	StateCrashedOrSignaled
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateTimedOut:
		return "timed_out"
	case StateMemoryExceeded:
		return "memory_exceeded"
	case StateCapabilityViolation:
		return "capability_violation"
	case StateCrashedOrSignaled:
		return "crashed_or_signaled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s >= StateCompleted }

// Status is the fine-grained classification reported to callers. It lets a
// caller tell a retryable failure (timeout) from a permanent one (violation).
type Status string

const (
	StatusOK                  Status = "ok"
	StatusNonZeroExit         Status = "nonzero_exit"
	StatusGuestError          Status = "guest_error"
	StatusTimeout             Status = "timeout"
	StatusMemoryExceeded      Status = "memory_exceeded"
	StatusCapabilityViolation Status = "capability_violation"
	StatusOutputLimit         Status = "output_limit"
	StatusCrashed             Status = "crashed"
)

// State maps a status onto the lifecycle state machine.
func (s Status) State() State {
	switch s {
	case StatusOK, StatusNonZeroExit:
		return StateCompleted
	case StatusTimeout:
		return StateTimedOut
	case StatusMemoryExceeded:
		return StateMemoryExceeded
	case StatusCapabilityViolation:
		return StateCapabilityViolation
	default:
		return StateCrashedOrSignaled
	}
}

// Violation is one denied capability request.
type Violation struct {
	Kind  policy.Kind `json:"kind"`
	Name  string      `json:"name"`
	Event string      `json:"event,omitempty"`
}

// Exception returns the caller-facing text for the violation.
func (v Violation) Exception() string {
	return (&policy.CapabilityError{Kind: v.Kind, Name: v.Name}).Exception()
}

// SourceInfo describes the executed source without carrying it.
type SourceInfo struct {
	Origin string `json:"origin"`
	Path   string `json:"path,omitempty"`
	Bytes  int64  `json:"bytes"`
	SHA256 string `json:"sha256"`
}

// Outcome is the structured result of one execution. It has two shapes:
// normal completion (ExitCode set, Exception nil) and abnormal termination
// (Exception set, Success false, ExitCode nil when no exit was observed).
type Outcome struct {
	ID         string        `json:"id"`
	Success    bool          `json:"success"`
	Stdout     string        `json:"stdout"`
	Stderr     string        `json:"stderr"`
	Exception  *string       `json:"exception"`
	ExitCode   *int          `json:"exit_code"`
	Status     Status        `json:"status"`
	Truncated  bool          `json:"truncated,omitempty"`
	Violations []Violation   `json:"violations,omitempty"`
	Runtime    string        `json:"runtime"`
	Source     SourceInfo    `json:"source"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"-"`
}

// State returns the terminal lifecycle state of the outcome.
func (o *Outcome) State() State { return o.Status.State() }

// ExceptionText returns the exception or "".
func (o *Outcome) ExceptionText() string {
	if o.Exception == nil {
		return ""
	}
	return *o.Exception
}

// MarshalJSON adds duration_ms.
func (o Outcome) MarshalJSON() ([]byte, error) {
	type plain Outcome
	return json.Marshal(struct {
		plain
		DurationMS int64 `json:"duration_ms"`
	}{plain(o), o.Duration.Milliseconds()})
}

// UnmarshalJSON restores Duration from duration_ms.
func (o *Outcome) UnmarshalJSON(data []byte) error {
	type plain Outcome
	var aux struct {
		plain
		DurationMS int64 `json:"duration_ms"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*o = Outcome(aux.plain)
	o.Duration = time.Duration(aux.DurationMS) * time.Millisecond
	return nil
}

func stringPtr(s string) *string { return &s }

func intPtr(i int) *int { return &i }
