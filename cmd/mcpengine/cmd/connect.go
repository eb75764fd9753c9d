package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	mcp "github.com/MegaGrindStone/mcp-engine"
	"github.com/MegaGrindStone/mcp-engine/internal/config"
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Connect to an MCP server over SSE and call it",
	Long: `Connect to an MCP server's SSE endpoint and either list its tools or call one.

Examples:
  # List the tools of a local mcpengine serve
  mcpengine connect --url http://localhost:8080/sse

  # Call a tool with a bearer token
  mcpengine connect --token secret --tool calculator --args '{"operation":"add","a":1,"b":2}'`,
	RunE: runConnect,
}

var (
	connectURL   string
	connectToken string
)

func init() {
	connectCmd.Flags().StringVar(&connectURL, "url", "", "SSE endpoint (overrides client.url)")
	connectCmd.Flags().StringVar(&connectToken, "token", "", "bearer token sent with every request")
	addClientFlags(connectCmd.Flags())
	rootCmd.AddCommand(connectCmd)
}

func runConnect(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg.Log)

	url := cfg.Client.URL
	if connectURL != "" {
		url = connectURL
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpClient := http.DefaultClient
	if connectToken != "" {
		httpClient = &http.Client{Transport: bearerTransport{token: connectToken, base: http.DefaultTransport}}
	}

	transport := mcp.NewSSEClient(url, httpClient,
		mcp.WithSSEClientRequestTimeout(cfg.Client.RequestTimeout),
		mcp.WithSSEClientLogger(logger),
	)
	if err := transport.Start(ctx); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", url, err)
	}

	client := mcp.NewClient(clientInfo(), transport,
		mcp.WithClientRequestTimeout(cfg.Client.RequestTimeout),
		mcp.WithClientLogger(logger),
	)
	defer client.Close()

	return runClient(ctx, cmd.OutOrStdout(), client, logger)
}

type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (t bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(req)
}
