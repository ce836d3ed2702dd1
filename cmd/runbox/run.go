package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/runbox/internal/sandbox"
)

var (
	runCode   string
	runIsFile bool
	runJSON   bool
	runRecord bool
)

var runCmd = &cobra.Command{
	Use:   "run [file | -]",
	Short: "Run one script locally and exit with its outcome",
	Long: `Run one script in the sandbox on this machine.

The script comes from -c, a local file, or stdin ("-"). With --is-file the
argument is instead resolved under the allowed script directories, exactly as
a remote is_file request would be.

The exit code mirrors the outcome: 0 on success, the script's own exit code
when it exited nonzero, 1 for other failures, 2 when the script was rejected
and 3 when the guest runtime is unavailable.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runCode, "code", "c", "", "script text to run")
	runCmd.Flags().BoolVar(&runIsFile, "is-file", false, "resolve the argument under the allowed script directories")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the full outcome as JSON")
	runCmd.Flags().BoolVar(&runRecord, "record", false, "record the execution in the configured store")
}

func runRun(cmd *cobra.Command, args []string) error {
	logger := newLogger(slog.LevelWarn)

	req := sandbox.Request{Caller: "cli"}
	if runIsFile {
		if len(args) != 1 || runCode != "" {
			return &exitError{code: ExitRejected, err: errIsFileArg}
		}
		req.Script, req.IsFile = args[0], true
	} else {
		text, err := readScript(runCode, args, cmd.InOrStdin())
		if err != nil {
			return &exitError{code: ExitRejected, err: err}
		}
		req.Script = text
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sc, err := initShared(cfg, logger, sharedOptions{record: runRecord})
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out, err := sc.Executor.Execute(ctx, req)
	if err != nil {
		return executeExitError(err)
	}
	if err := printOutcome(os.Stdout, os.Stderr, out, runJSON); err != nil {
		return err
	}
	if code := outcomeExitCode(out); code != ExitSuccess {
		return &exitError{code: code}
	}
	return nil
}
