package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/cobra"

	"github.com/jkaninda/runbox/internal/gateway/httpapi"
	"github.com/jkaninda/runbox/internal/sandbox"
)

var (
	submitGatewayURL string
	submitAPIKey     string
	submitCode       string
	submitIsFile     bool
	submitJSON       bool
	submitTimeout    int
)

var submitCmd = &cobra.Command{
	Use:   "submit [file | -]",
	Short: "Send a script to a remote runbox server",
	Long: `Send a script to a running "runbox serve" over its HTTP API and print the
outcome. Exit codes follow the run command.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVar(&submitGatewayURL, "gateway-url", "http://localhost:8080", "runbox HTTP API URL (or RUNBOX_GATEWAY_URL env)")
	submitCmd.Flags().StringVar(&submitAPIKey, "api-key", "", "API key (or RUNBOX_API_KEY env)")
	submitCmd.Flags().StringVarP(&submitCode, "code", "c", "", "script text to run")
	submitCmd.Flags().BoolVar(&submitIsFile, "is-file", false, "the argument names a script under the server's allowed directories")
	submitCmd.Flags().BoolVar(&submitJSON, "json", false, "print the full response as JSON")
	submitCmd.Flags().IntVar(&submitTimeout, "timeout", 300, "timeout in seconds")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	apiKey := goutils.Env("RUNBOX_API_KEY", submitAPIKey)
	if apiKey == "" {
		return &exitError{code: ExitRejected, err: fmt.Errorf("API key required (use --api-key or set RUNBOX_API_KEY)")}
	}
	gatewayURL := strings.TrimRight(goutils.Env("RUNBOX_GATEWAY_URL", submitGatewayURL), "/")

	req := httpapi.RunRequest{}
	if submitIsFile {
		if len(args) != 1 || submitCode != "" {
			return &exitError{code: ExitRejected, err: errIsFileArg}
		}
		req.Script, req.IsFile = args[0], true
	} else {
		text, err := readScript(submitCode, args, cmd.InOrStdin())
		if err != nil {
			return &exitError{code: ExitRejected, err: err}
		}
		req.Script = text
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(submitTimeout)*time.Second)
	defer cancel()

	resp, err := submitRun(ctx, http.DefaultClient, gatewayURL, apiKey, req)
	if err != nil {
		return err
	}
	out := resp.outcome()
	if err := printOutcome(os.Stdout, os.Stderr, out, submitJSON); err != nil {
		return err
	}
	if code := outcomeExitCode(out); code != ExitSuccess {
		return &exitError{code: code}
	}
	return nil
}

type runResult struct {
	httpapi.RunResponse
}

func (r runResult) outcome() *sandbox.Outcome {
	return &sandbox.Outcome{
		ID:         r.ID,
		Success:    r.Success,
		Stdout:     r.Stdout,
		Stderr:     r.Stderr,
		Exception:  r.Exception,
		ExitCode:   r.ExitCode,
		Status:     r.Status,
		Truncated:  r.Truncated,
		Violations: r.Violations,
		Runtime:    r.Runtime,
		Duration:   time.Duration(r.DurationMS) * time.Millisecond,
	}
}

// submitRun posts a run request. Non-200 answers become exitErrors.
func submitRun(ctx context.Context, client *http.Client, gatewayURL, apiKey string, body httpapi.RunRequest) (*runResult, error) {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, gatewayURL+"/v1/run", bytes.NewReader(reqBody))
	if err != nil {
		return nil, &exitError{code: ExitFailure, err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := client.Do(req)
	if err != nil {
		return nil, &exitError{code: ExitUnavailable, err: fmt.Errorf("cannot reach gateway at %s: %w", gatewayURL, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &exitError{code: ExitUnavailable, err: fmt.Errorf("reading response: %w", err)}
	}

	if resp.StatusCode == http.StatusOK {
		var result runResult
		if err := json.Unmarshal(respBody, &result); err != nil {
			return nil, &exitError{code: ExitFailure, err: fmt.Errorf("decoding response: %w", err)}
		}
		return &result, nil
	}

	msg := strings.TrimSpace(string(respBody))
	var eb httpapi.ErrorBody
	if err := json.Unmarshal(respBody, &eb); err == nil && eb.Error != "" {
		msg = eb.Error
	}
	return nil, &exitError{
		code: statusExitCode(resp.StatusCode),
		err:  fmt.Errorf("gateway returned %d: %s", resp.StatusCode, msg),
	}
}

// statusExitCode maps a gateway error status to an exit code.
func statusExitCode(status int) int {
	switch status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
		http.StatusNotFound, http.StatusRequestEntityTooLarge, http.StatusTooManyRequests:
		return ExitRejected
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return ExitUnavailable
	default:
		return ExitFailure
	}
}
