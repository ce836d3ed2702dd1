package sandbox

import (
	"context"
	_ "embed"
	"io"
)

//go:embed guest/bootstrap.py
var bootstrapSource string

// guestArgs is the interpreter command line: isolated mode (no user site,
// no PYTHON* env), no site import, no bytecode writes.
func guestArgs(interpreter string) []string {
	return []string{interpreter, "-I", "-S", "-B", "-c", bootstrapSource}
}

// Runtime launches guest interpreters.
type Runtime interface {
	// Name identifies the runtime in logs, metrics and records.
	Name() string
	// Available returns nil when guests can be launched.
	Available(ctx context.Context) error
	// Launch starts a guest interpreter running the bootstrap. The guest
	// waits for the init message on Stdin before running anything.
	Launch(ctx context.Context, spec LaunchSpec) (Guest, error)
}

// LaunchSpec carries per-launch settings.
type LaunchSpec struct {
	ID     string
	Limits Limits
}

// Guest is one running interpreter.
//
// Stdout carries the control protocol; Stderr carries raw interpreter
// diagnostics. Wait must only be called once both streams reached EOF or
// the guest was killed.
type Guest interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	Wait() (Exit, error)
	Kill() error
	// MemoryUsage returns resident memory in bytes, or ErrMemoryUnsupported.
	MemoryUsage() (uint64, error)
	// Close releases everything the guest held. Safe to call more than once.
	Close() error
}

// Exit is the observed termination of a guest process.
type Exit struct {
	Code      int
	Signaled  bool
	Signal    string // e.g. "SIGSEGV"
	OOMKilled bool
}
