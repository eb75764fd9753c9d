package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MegaGrindStone/mcp-engine/internal/config"
)

var stdioCmd = &cobra.Command{
	Use:   "stdio",
	Short: "Serve the demonstration tools over stdin/stdout",
	Long: `Serve the demonstration tools to a single client over stdin/stdout, one
JSON-RPC message per line. Logs go to stderr.

This is the mode MCP hosts use when they start the server as a subprocess,
and what "mcpengine call -- mcpengine stdio" talks to.`,
	RunE: runStdio,
}

var stdioFiles []string

func init() {
	stdioCmd.Flags().StringSliceVar(&stdioFiles, "file", nil, "expose a file as a resource (repeatable)")
	rootCmd.AddCommand(stdioCmd)
}

func runStdio(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, shutdownTracing, err := setupTracing(ctx, cfg)
	if err != nil {
		return err
	}
	defer flushTracing(logger, shutdownTracing)

	srv := newServer(cfg, logger, tp, nil, stdioFiles)
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.RequestTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
	}()

	if err := srv.ServeStdIO(ctx, os.Stdin, os.Stdout); err != nil {
		return fmt.Errorf("stdio server error: %w", err)
	}
	return nil
}
