// Package everything registers a demonstration set of tools and resources on an mcp.Server.
// It is what the mcpengine command serves, and it doubles as an end-to-end fixture for
// client tests.
package everything

import (
	"log/slog"

	mcp "github.com/MegaGrindStone/mcp-engine"
	"github.com/jonboulle/clockwork"
)

// Option configures Register.
type Option func(*options)

type options struct {
	clock  clockwork.Clock
	logger *slog.Logger
	files  []string
}

// WithClock sets the clock read by the get_time tool.
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// WithLogger sets the logger used by the tools.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger.With(
			slog.String("package", "mcp-engine"),
			slog.String("component", "everything"),
		)
	}
}

// WithFiles exposes each path as a file:// resource.
func WithFiles(paths ...string) Option {
	return func(o *options) {
		o.files = append(o.files, paths...)
	}
}

// Register installs the echo, calculator, get_time and hello tools and the info://server
// resource on srv.
func Register(srv *mcp.Server, opts ...Option) {
	o := options{
		clock:  clockwork.NewRealClock(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	t := tools{clock: o.clock, logger: o.logger}
	srv.RegisterTool(getTimeTool, t.getTime)
	srv.RegisterTool(echoTool, t.echo)
	srv.RegisterTool(calculatorTool, t.calculator)
	srv.RegisterTool(helloTool, t.hello)

	registerResources(srv, o.files)
}
