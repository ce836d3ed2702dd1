// Package script exposes the sandbox as the run_script tool.
//
// The tool result maps an outcome for agents: captured stdout as output,
// stderr plus the exception line as error, and the exit code as system.
package script

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/jkaninda/runbox/internal/sandbox"
	"github.com/jkaninda/runbox/internal/tools"
)

// Name is the tool identifier.
const Name = "run_script"

// Tool runs a script through a sandbox.Executor.
type Tool struct {
	executor sandbox.Executor
	logger   *slog.Logger
}

// NewTool creates the run_script tool.
func NewTool(executor sandbox.Executor, logger *slog.Logger) *Tool {
	return &Tool{executor: executor, logger: logger}
}

var _ tools.Tool = (*Tool)(nil)

func (t *Tool) Name() string { return Name }

func (t *Tool) Description() string {
	return "Run a Python script in an isolated sandbox. Only allow-listed modules can be imported; " +
		"file access, dynamic code evaluation and process creation are denied. " +
		"Wall time and memory are limited; the result reports stdout, stderr, the exception and the exit code."
}

func (t *Tool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"script":  map[string]any{"type": "string", "description": "Python source, or a file path when is_file is true"},
			"is_file": map[string]any{"type": "boolean", "description": "Treat script as a path inside the allowed script directories"},
		},
		"required": []string{"script"},
	}
}

func (t *Tool) Validate(params map[string]any) error {
	if _, ok := params["script"].(string); !ok {
		return fmt.Errorf("missing required parameter: script")
	}
	_, err := tools.OptionalBool(params, "is_file")
	return err
}

// Execute runs the script. Source rejections are returned as errors; every
// executed script yields a Result.
func (t *Tool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	script, _ := params["script"].(string)
	isFile, _ := tools.OptionalBool(params, "is_file")

	out, err := t.executor.Execute(ctx, sandbox.Request{
		Caller: tools.UserIDFromContext(ctx),
		Script: script,
		IsFile: isFile,
	})
	if err != nil {
		return nil, err
	}

	t.logger.DebugContext(ctx, "run_script finished",
		slog.String("execution_id", out.ID),
		slog.String("status", string(out.Status)),
	)
	return FromOutcome(out), nil
}

// FromOutcome converts an outcome into a tool result.
func FromOutcome(out *sandbox.Outcome) *tools.Result {
	errText := out.Stderr
	if out.Exception != nil {
		errText += "\nException: " + *out.Exception
	}
	system := ""
	if out.ExitCode != nil {
		system = strconv.Itoa(*out.ExitCode)
	}
	return &tools.Result{
		Output:  out.Stdout,
		Error:   errText,
		System:  system,
		Success: out.Success,
		Metadata: map[string]any{
			"execution_id": out.ID,
			"status":       string(out.Status),
			"duration_ms":  out.Duration.Milliseconds(),
			"truncated":    out.Truncated,
		},
	}
}
