package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	mcp "github.com/MegaGrindStone/mcp-engine"
	"github.com/MegaGrindStone/mcp-engine/internal/config"
	"github.com/MegaGrindStone/mcp-engine/servers/everything"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the demonstration tools over HTTP/SSE",
	Long: `Serve the echo, calculator, get_time and hello tools over HTTP/SSE.

Clients open the event stream at the SSE endpoint, receive the message URL
of their session in the first "endpoint" event, and POST JSON-RPC messages
to it. Responses arrive on the event stream.

Examples:
  # Serve on the configured address
  mcpengine serve

  # Serve on another port and expose a file as a resource
  mcpengine serve --port 9090 --file ./README.md`,
	RunE: runServe,
}

var (
	servePort  int
	serveFiles []string
)

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (overrides server.port)")
	serveCmd.Flags().StringSliceVar(&serveFiles, "file", nil, "expose a file as a resource (repeatable)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}

	logger := newLogger(cfg.Log)
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, shutdownTracing, err := setupTracing(ctx, cfg)
	if err != nil {
		return err
	}
	defer flushTracing(logger, shutdownTracing)

	var (
		metrics *mcp.Metrics
		sseOpts []mcp.SSEServerOption
	)
	if cfg.Metrics.Enabled {
		reg := mcp.NewMetricsRegistry()
		metrics = mcp.NewMetrics(reg)
		sseOpts = append(sseOpts, mcp.WithMetricsHandler(cfg.Metrics.Path, mcp.MetricsHandler(reg)))
	}

	srv := newServer(cfg, logger, tp, metrics, serveFiles)
	sseOpts = append(sseOpts,
		mcp.WithSSEPath(cfg.Server.SSEEndpoint),
		mcp.WithMessagePath(cfg.Server.MessageEndpoint),
		mcp.WithHeartbeat(cfg.Server.HeartbeatInterval, cfg.Server.HeartbeatJitter),
		mcp.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		mcp.WithIdleSweep(cfg.Server.SweepInterval, cfg.Server.SessionIdleTimeout),
		mcp.WithAuthenticator(tokenAuthenticator(cfg.Server.AuthTokens)),
		mcp.WithHealthPath("/health"),
		mcp.WithSSEServerLogger(logger),
	)

	logger.Info("starting mcpengine",
		slog.String("version", Version),
		slog.String("addr", cfg.Server.Addr()),
		slog.Int("workers", cfg.Server.Workers),
		slog.Bool("auth", len(cfg.Server.AuthTokens) > 0))

	if err := mcp.NewSSEServer(srv, sseOpts...).Serve(ctx, cfg.Server.Addr()); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

// newServer builds the request engine with the demonstration tools registered.
func newServer(
	cfg *config.Config,
	logger *slog.Logger,
	tp trace.TracerProvider,
	metrics *mcp.Metrics,
	files []string,
) *mcp.Server {
	opts := []mcp.ServerOption{
		mcp.WithInstructions(cfg.Server.Instructions),
		mcp.WithWorkers(cfg.Server.Workers),
		mcp.WithRequestTimeout(cfg.Server.RequestTimeout),
		mcp.WithSessionOptions(mcp.WithMailboxCapacity(cfg.Server.MailboxCapacity)),
		mcp.WithTracerProvider(tp),
		mcp.WithServerLogger(logger),
	}
	if metrics != nil {
		opts = append(opts, mcp.WithServerMetrics(metrics))
	}

	srv := mcp.NewServer(mcp.Info{Name: cfg.Server.Name, Version: cfg.Server.Version}, opts...)
	everything.Register(srv, everything.WithLogger(logger), everything.WithFiles(files...))
	return srv
}

func flushTracing(logger *slog.Logger, shutdown func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		logger.Warn("failed to flush traces", "error", err)
	}
}
