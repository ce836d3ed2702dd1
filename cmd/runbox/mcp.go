package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/runbox/internal/gateway/mcpserver"
)

var mcpCaller string

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the run_script tool over MCP on stdin and stdout",
	Long: `Serve the run_script tool to an MCP client over stdio. Logs go to stderr
so stdout carries only the protocol.`,
	RunE: runMCP,
}

func init() {
	mcpCmd.Flags().StringVar(&mcpCaller, "caller", "mcp", "caller name recorded for every execution")
}

func runMCP(_ *cobra.Command, _ []string) error {
	logger := newLogger(slog.LevelWarn)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sc, err := initShared(cfg, logger, sharedOptions{record: true})
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	srv, err := mcpserver.New(sc.ToolReg, version, logger)
	if err != nil {
		return fmt.Errorf("building mcp server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return mcpserver.NewStdio(srv, os.Stdin, os.Stdout, mcpCaller).Start(ctx)
}
