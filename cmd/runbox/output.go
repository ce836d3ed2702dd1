package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/jkaninda/runbox/internal/sandbox"
	"github.com/jkaninda/runbox/internal/source"
)

var errIsFileArg = errors.New("--is-file takes exactly one script name and no -c")

// exitError ends the process with code after deferred cleanups have run.
// err, when set, is printed to stderr first.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// outcomeExitCode mirrors an outcome: the script's own exit code when it
// exited nonzero, 0 on success, 1 for every other failure.
func outcomeExitCode(out *sandbox.Outcome) int {
	if out.Success {
		return ExitSuccess
	}
	if out.ExitCode != nil && *out.ExitCode != 0 {
		return *out.ExitCode
	}
	return ExitFailure
}

// executeExitError maps an execution error to an exit code.
func executeExitError(err error) *exitError {
	var srcErr *source.Error
	switch {
	case errors.As(err, &srcErr):
		return &exitError{code: ExitRejected, err: err}
	case errors.Is(err, sandbox.ErrRuntimeUnavailable):
		return &exitError{code: ExitUnavailable, err: err}
	default:
		return &exitError{code: ExitFailure, err: err}
	}
}

// printOutcome writes the guest's streams to stdout and stderr, followed by
// the exception. With asJSON the whole outcome is written to stdout instead.
func printOutcome(stdout, stderr io.Writer, out *sandbox.Outcome, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	if _, err := io.WriteString(stdout, out.Stdout); err != nil {
		return err
	}
	if _, err := io.WriteString(stderr, out.Stderr); err != nil {
		return err
	}
	if out.Exception != nil {
		if out.Stderr != "" && out.Stderr[len(out.Stderr)-1] != '\n' {
			fmt.Fprintln(stderr)
		}
		fmt.Fprintf(stderr, "Exception: %s\n", *out.Exception)
	}
	if out.Truncated {
		fmt.Fprintln(stderr, "[output truncated]")
	}
	return nil
}

// readScript returns the script text from -c, a file argument or stdin ("-").
func readScript(code string, args []string, stdin io.Reader) (string, error) {
	if code != "" {
		if len(args) > 0 {
			return "", fmt.Errorf("use either -c or a file argument, not both")
		}
		return code, nil
	}
	if len(args) == 0 {
		return "", fmt.Errorf("a script is required: pass a file, - for stdin, or -c")
	}
	if args[0] == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("reading stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return "", fmt.Errorf("reading script: %w", err)
	}
	return string(data), nil
}
