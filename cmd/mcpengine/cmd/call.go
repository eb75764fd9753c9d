package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	mcp "github.com/MegaGrindStone/mcp-engine"
	"github.com/MegaGrindStone/mcp-engine/internal/config"
)

var callCmd = &cobra.Command{
	Use:   "call [flags] [-- command [args...]]",
	Short: "Start an MCP server subprocess and call it",
	Long: `Start an MCP server as a subprocess, speak to it over its stdin/stdout, and
either list its tools or call one.

The command comes from the arguments after --, or from client.command in the
config file.

Examples:
  # List the tools of a server
  mcpengine call -- npx @modelcontextprotocol/server-everything

  # Call a tool of this binary's own stdio server
  mcpengine call --tool echo --args '{"text":"hi"}' -- mcpengine stdio`,
	RunE: runCall,
}

func init() {
	addClientFlags(callCmd.Flags())
	rootCmd.AddCommand(callCmd)
}

func runCall(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg.Log)

	command, cmdArgs := cfg.Client.Command, cfg.Client.Args
	if len(args) > 0 {
		command, cmdArgs = args[0], args[1:]
	}
	if command == "" {
		return fmt.Errorf("no server command: pass one after -- or set client.command")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	transport := mcp.NewStdIOClient(command, cmdArgs,
		mcp.WithEnv(cfg.Client.Env),
		mcp.WithStdIORequestTimeout(cfg.Client.RequestTimeout),
		mcp.WithStopGrace(cfg.Client.StopGrace),
		mcp.WithStdIOClientLogger(logger),
	)
	if err := transport.Start(ctx); err != nil {
		return fmt.Errorf("failed to start %s: %w", command, err)
	}

	client := mcp.NewClient(clientInfo(), transport,
		mcp.WithClientRequestTimeout(cfg.Client.RequestTimeout),
		mcp.WithClientLogger(logger),
	)
	defer func() {
		if err := client.Close(); err != nil {
			logger.Warn("failed to stop server", "error", err)
		}
	}()

	return runClient(ctx, cmd.OutOrStdout(), client, logger)
}
