package sandbox

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// capture accumulates one output stream up to a byte ceiling. The first
// write past the ceiling keeps the prefix that fits and fires onOverflow.
type capture struct {
	mu         sync.Mutex
	buf        bytes.Buffer
	remaining  int64
	truncated  bool
	onOverflow func()
}

func newCapture(limit int64, onOverflow func()) *capture {
	return &capture{remaining: limit, onOverflow: onOverflow}
}

func (c *capture) add(s string) {
	c.mu.Lock()
	if c.truncated {
		c.mu.Unlock()
		return
	}
	overflow := false
	if int64(len(s)) > c.remaining {
		cut := int(c.remaining)
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
		c.truncated = true
		overflow = true
	}
	c.buf.WriteString(s)
	c.remaining -= int64(len(s))
	c.mu.Unlock()

	if overflow && c.onOverflow != nil {
		c.onOverflow()
	}
}

// Write implements io.Writer for raw streams. It never fails.
func (c *capture) Write(p []byte) (int, error) {
	c.add(string(p))
	return len(p), nil
}

func (c *capture) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func (c *capture) Truncated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.truncated
}

// guestException is an uncaught exception reported by the guest.
type guestException struct {
	Type string
	Msg  string
}

func (e *guestException) text() string {
	if e.Msg == "" {
		return e.Type
	}
	return e.Type + ": " + e.Msg
}

// sessionResult is everything observed about one guest run.
type sessionResult struct {
	Stdout     string
	Stderr     string
	Truncated  bool
	Exit       *Exit // nil when no exit was observed
	WaitErr    error
	Killed     killReason
	ProtoErr   error
	ExitFrame  *int
	Exception  *guestException
	Violations []Violation
}

// collect classifies a session into an Outcome. It never fails: every
// combination of observations maps to exactly one status.
func collect(r sessionResult, limits Limits) *Outcome {
	out := &Outcome{
		Stdout:     r.Stdout,
		Stderr:     r.Stderr,
		Truncated:  r.Truncated,
		Violations: r.Violations,
	}

	// Exit codes are only reported for a clean, unforced exit.
	var observed *int
	if r.Exit != nil && !r.Exit.Signaled && r.Killed == killNone && !r.Exit.OOMKilled {
		observed = intPtr(r.Exit.Code)
	}

	fail := func(status Status, exception string, code *int) *Outcome {
		out.Status = status
		out.Success = false
		out.Exception = stringPtr(exception)
		out.ExitCode = code
		return out
	}

	if len(r.Violations) > 0 {
		return fail(StatusCapabilityViolation, r.Violations[0].Exception(), observed)
	}

	switch r.Killed {
	case killTimeout:
		return fail(StatusTimeout, timeoutText(limits.Timeout), nil)
	case killMemory:
		return fail(StatusMemoryExceeded, memoryText(limits.MemoryBytes), nil)
	case killOutput:
		return fail(StatusOutputLimit, fmt.Sprintf("OutputLimitError: output exceeded the %s limit per stream", formatBytes(limits.MaxOutputBytes)), nil)
	case killCancelled:
		return fail(StatusCrashed, "ExecutionCancelled: execution was cancelled before completion", nil)
	case killProtocol:
		return fail(StatusCrashed, fmt.Sprintf("ProcessError: %v", r.ProtoErr), nil)
	}

	if r.Exit == nil {
		msg := "ProcessError: interpreter exit status was not observed"
		if r.WaitErr != nil {
			msg = fmt.Sprintf("ProcessError: %v", r.WaitErr)
		}
		return fail(StatusCrashed, msg, nil)
	}

	if r.Exit.OOMKilled {
		return fail(StatusMemoryExceeded, memoryText(limits.MemoryBytes), nil)
	}
	if r.Exception != nil && r.Exception.Type == "MemoryError" {
		return fail(StatusMemoryExceeded, memoryText(limits.MemoryBytes), observed)
	}

	if r.Exit.Signaled {
		switch {
		case strings.Contains(r.Stderr, "MemoryError"):
			return fail(StatusMemoryExceeded, memoryText(limits.MemoryBytes), nil)
		case r.Exit.Signal == "SIGXCPU":
			return fail(StatusTimeout, timeoutText(limits.Timeout), nil)
		default:
			return fail(StatusCrashed, fmt.Sprintf("ProcessError: interpreter terminated by signal %s", r.Exit.Signal), nil)
		}
	}

	if r.Exception != nil {
		return fail(StatusGuestError, r.Exception.text(), observed)
	}

	if r.ExitFrame == nil && r.Exit.Code != 0 {
		return fail(StatusCrashed, fmt.Sprintf("ProcessError: interpreter exited with status %d before completing", r.Exit.Code), observed)
	}

	out.ExitCode = observed
	if r.Exit.Code == 0 {
		out.Status = StatusOK
		out.Success = true
	} else {
		out.Status = StatusNonZeroExit
	}
	return out
}

func timeoutText(d time.Duration) string {
	return fmt.Sprintf("TimeoutError: execution exceeded the %s time limit", d)
}

func memoryText(limit int64) string {
	return fmt.Sprintf("MemoryError: execution exceeded the %s memory limit", formatBytes(limit))
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<20 && n%(1<<20) == 0:
		return fmt.Sprintf("%d MB", n>>20)
	case n >= 1<<10 && n%(1<<10) == 0:
		return fmt.Sprintf("%d KB", n>>10)
	default:
		return fmt.Sprintf("%d bytes", n)
	}
}
