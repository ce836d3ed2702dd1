package sandbox

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/runbox/internal/policy"
)

func TestCollect(t *testing.T) {
	limits := DefaultLimits()
	zero, one, two := 0, 1, 2

	tests := []struct {
		name      string
		res       sessionResult
		status    Status
		success   bool
		exception string
		exitCode  *int
	}{
		{
			name:     "clean exit",
			res:      sessionResult{Stdout: "ok\n", Exit: &Exit{Code: 0}, ExitFrame: &zero},
			status:   StatusOK,
			success:  true,
			exitCode: &zero,
		},
		{
			name:     "sys.exit(2)",
			res:      sessionResult{Exit: &Exit{Code: 2}, ExitFrame: &two},
			status:   StatusNonZeroExit,
			exitCode: &two,
		},
		{
			name:      "guest exception",
			res:       sessionResult{Exit: &Exit{Code: 1}, ExitFrame: &one, Exception: &guestException{Type: "ZeroDivisionError", Msg: "division by zero"}},
			status:    StatusGuestError,
			exception: "ZeroDivisionError: division by zero",
			exitCode:  &one,
		},
		{
			name:      "exception without message",
			res:       sessionResult{Exit: &Exit{Code: 1}, ExitFrame: &one, Exception: &guestException{Type: "KeyboardInterrupt"}},
			status:    StatusGuestError,
			exception: "KeyboardInterrupt",
			exitCode:  &one,
		},
		{
			name: "violation wins over guest exception",
			res: sessionResult{
				Exit:       &Exit{Code: 1},
				ExitFrame:  &one,
				Exception:  &guestException{Type: "CapabilityError", Msg: "import of module 'os' is not allowed"},
				Violations: []Violation{{Kind: policy.KindModule, Name: "os"}},
			},
			status:    StatusCapabilityViolation,
			exception: "CapabilityError: import of module 'os' is not allowed",
			exitCode:  &one,
		},
		{
			name: "violation wins over kill",
			res: sessionResult{
				Exit:       &Exit{Code: -1, Signaled: true, Signal: "SIGKILL"},
				Killed:     killTimeout,
				Violations: []Violation{{Kind: policy.KindOperation, Name: "open"}},
			},
			status:    StatusCapabilityViolation,
			exception: "CapabilityError: operation 'open' is not allowed",
		},
		{
			name:      "timeout",
			res:       sessionResult{Stdout: "partial", Exit: &Exit{Code: -1, Signaled: true, Signal: "SIGKILL"}, Killed: killTimeout},
			status:    StatusTimeout,
			exception: "TimeoutError: execution exceeded the 30s time limit",
		},
		{
			name:      "memory kill",
			res:       sessionResult{Exit: &Exit{Code: -1, Signaled: true, Signal: "SIGKILL"}, Killed: killMemory},
			status:    StatusMemoryExceeded,
			exception: "MemoryError: execution exceeded the 256 MB memory limit",
		},
		{
			name:      "output limit",
			res:       sessionResult{Truncated: true, Exit: &Exit{Code: -1, Signaled: true, Signal: "SIGKILL"}, Killed: killOutput},
			status:    StatusOutputLimit,
			exception: "OutputLimitError: output exceeded the 1 MB limit per stream",
		},
		{
			name:      "cancelled",
			res:       sessionResult{Exit: &Exit{Code: -1, Signaled: true, Signal: "SIGKILL"}, Killed: killCancelled},
			status:    StatusCrashed,
			exception: "ExecutionCancelled: execution was cancelled before completion",
		},
		{
			name:      "protocol failure",
			res:       sessionResult{Exit: &Exit{Code: -1, Signaled: true, Signal: "SIGKILL"}, Killed: killProtocol, ProtoErr: errors.New("token too long")},
			status:    StatusCrashed,
			exception: "ProcessError: token too long",
		},
		{
			name:      "exit not observed",
			res:       sessionResult{WaitErr: errors.New("wait: no child processes")},
			status:    StatusCrashed,
			exception: "ProcessError: wait: no child processes",
		},
		{
			name:      "container oom",
			res:       sessionResult{Exit: &Exit{Code: 137, OOMKilled: true}},
			status:    StatusMemoryExceeded,
			exception: "MemoryError: execution exceeded the 256 MB memory limit",
		},
		{
			name:      "guest MemoryError",
			res:       sessionResult{Exit: &Exit{Code: 1}, ExitFrame: &one, Exception: &guestException{Type: "MemoryError"}},
			status:    StatusMemoryExceeded,
			exception: "MemoryError: execution exceeded the 256 MB memory limit",
			exitCode:  &one,
		},
		{
			name:      "signal after MemoryError on stderr",
			res:       sessionResult{Stderr: "MemoryError\n", Exit: &Exit{Code: -1, Signaled: true, Signal: "SIGABRT"}},
			status:    StatusMemoryExceeded,
			exception: "MemoryError: execution exceeded the 256 MB memory limit",
		},
		{
			name:      "cpu limit signal",
			res:       sessionResult{Exit: &Exit{Code: -1, Signaled: true, Signal: "SIGXCPU"}},
			status:    StatusTimeout,
			exception: "TimeoutError: execution exceeded the 30s time limit",
		},
		{
			name:      "segfault",
			res:       sessionResult{Exit: &Exit{Code: -1, Signaled: true, Signal: "SIGSEGV"}},
			status:    StatusCrashed,
			exception: "ProcessError: interpreter terminated by signal SIGSEGV",
		},
		{
			name:      "exit before completing",
			res:       sessionResult{Exit: &Exit{Code: 120}},
			status:    StatusCrashed,
			exception: "ProcessError: interpreter exited with status 120 before completing",
			exitCode:  intPtr(120),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := collect(tt.res, limits)
			if out.Status != tt.status {
				t.Errorf("status = %s, want %s", out.Status, tt.status)
			}
			if out.Success != tt.success {
				t.Errorf("success = %v, want %v", out.Success, tt.success)
			}
			if out.ExceptionText() != tt.exception {
				t.Errorf("exception = %q, want %q", out.ExceptionText(), tt.exception)
			}
			if tt.exception == "" && out.Exception != nil {
				t.Errorf("exception = %q, want nil", *out.Exception)
			}
			switch {
			case tt.exitCode == nil && out.ExitCode != nil:
				t.Errorf("exit code = %d, want nil", *out.ExitCode)
			case tt.exitCode != nil && (out.ExitCode == nil || *out.ExitCode != *tt.exitCode):
				t.Errorf("exit code = %v, want %d", out.ExitCode, *tt.exitCode)
			}
			if out.Stdout != tt.res.Stdout {
				t.Errorf("stdout = %q, want %q", out.Stdout, tt.res.Stdout)
			}
		})
	}
}

func TestCapture_TruncatesAtLimit(t *testing.T) {
	fired := 0
	c := newCapture(5, func() { fired++ })
	c.add("abc")
	c.add("defgh")
	c.add("ijk")

	if got := c.String(); got != "abcde" {
		t.Errorf("String() = %q, want %q", got, "abcde")
	}
	if !c.Truncated() {
		t.Error("Truncated() = false, want true")
	}
	if fired != 1 {
		t.Errorf("overflow fired %d times, want 1", fired)
	}
}

func TestCapture_KeepsRuneBoundary(t *testing.T) {
	c := newCapture(4, nil)
	c.add("ab€") // € is 3 bytes

	if got := c.String(); got != "ab" {
		t.Errorf("String() = %q, want %q", got, "ab")
	}
}

func TestCapture_ExactLimitNotTruncated(t *testing.T) {
	c := newCapture(3, func() { t.Error("overflow fired") })
	if _, err := c.Write([]byte("abc")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if c.Truncated() {
		t.Error("Truncated() = true, want false")
	}
}

func TestFormatBytes(t *testing.T) {
	tests := map[int64]string{
		256 << 20: "256 MB",
		1 << 20:   "1 MB",
		64 << 10:  "64 KB",
		1000:      "1000 bytes",
	}
	for in, want := range tests {
		if got := formatBytes(in); got != want {
			t.Errorf("formatBytes(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestTimeoutText(t *testing.T) {
	got := timeoutText(1500 * time.Millisecond)
	if !strings.Contains(got, "1.5s") {
		t.Errorf("timeoutText = %q", got)
	}
}
