// Package cmd provides the CLI commands for mcpengine.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/MegaGrindStone/mcp-engine/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "mcpengine",
	Short: "mcpengine - MCP tool server and client",
	Long: `mcpengine serves Model Context Protocol tools over HTTP/SSE or stdio, and
talks to MCP servers as a client.

Configuration:
  Config is loaded from mcpengine.yaml in the current directory or
  $HOME/.mcpengine/.

  Environment variables can override config values with the MCP_ENGINE_ prefix.
  Example: MCP_ENGINE_SERVER_PORT=9090

Commands:
  serve       Serve the demonstration tools over HTTP/SSE
  stdio       Serve the demonstration tools over stdin/stdout
  call        Start an MCP server subprocess and call it
  connect     Connect to an MCP server over SSE and call it
  config      Print the effective configuration
  version     Print version information`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./mcpengine.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
