// runbox runs untrusted Python scripts in a sandboxed interpreter and reports
// structured outcomes over HTTP, MCP and Kafka.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jkaninda/runbox/internal/sandbox"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "runbox",
	Short: "runbox: a sandboxed script runner for agent frameworks.",
	Long: `runbox executes untrusted Python scripts in an isolated interpreter process
under capability and resource restrictions. Every execution ends in a structured
outcome: success flag, captured output, exception text and exit code.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (or RUNBOX_CONFIG env)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.AddCommand(serveCmd, runCmd, mcpCmd, workerCmd, submitCmd, policyCmd, versionCmd)
	_ = godotenv.Load()
}

// newLogger writes JSON logs to stderr. Commands whose stdout carries results
// pass a quieter default level.
func newLogger(defaultLevel slog.Level) *slog.Logger {
	level := defaultLevel
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func main() {
	sandbox.InitJail()
	if err := rootCmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			if ee.err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", ee.err)
			}
			os.Exit(ee.code)
		}
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(ExitFailure)
	}
}
