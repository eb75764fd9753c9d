package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ClientTransport carries client messages to an MCP server. StdIOClient and SSEClient
// implement it.
type ClientTransport interface {
	// Call sends a request and returns the raw result. A JSON-RPC error response is returned
	// as a JSONRPCError.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	// Notify sends a notification without waiting for any reply.
	Notify(ctx context.Context, method string, params any) error
	Close() error
}

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// Client is a typed MCP client. It performs the initialize handshake and exposes the tools
// and resources methods of the server on the other side of its transport.
//
// A Client must be created using NewClient and requires Initialize to be called before any
// other operation. Close releases the transport.
type Client struct {
	info         Info
	capabilities ClientCapabilities
	transport    ClientTransport
	logger       *slog.Logger
	timeout      time.Duration

	mu                 sync.RWMutex
	initialized        bool
	serverInfo         Info
	serverCapabilities ServerCapabilities
	instructions       string
}

var defaultClientRequestTimeout = 30 * time.Second

// NewClient creates a client that identifies itself with info.
func NewClient(info Info, transport ClientTransport, options ...ClientOption) *Client {
	c := &Client{
		info:      info,
		transport: transport,
		logger:    slog.Default(),
		timeout:   defaultClientRequestTimeout,
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// WithClientCapabilities sets the capabilities announced in initialize.
func WithClientCapabilities(caps ClientCapabilities) ClientOption {
	return func(c *Client) {
		c.capabilities = caps
	}
}

// WithClientRequestTimeout bounds every call whose ctx has no deadline.
func WithClientRequestTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = timeout
	}
}

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger.With(
			slog.String("package", "mcp-engine"),
			slog.String("component", "client"),
		)
	}
}

// Initialize performs the handshake: it sends initialize, checks the negotiated protocol
// version, and completes with the initialized notification.
func (c *Client) Initialize(ctx context.Context) (InitializeResult, error) {
	var result InitializeResult
	err := c.call(ctx, MethodInitialize, initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    c.capabilities,
		ClientInfo:      c.info,
	}, &result)
	if err != nil {
		return InitializeResult{}, fmt.Errorf("failed to initialize: %w", err)
	}
	if result.ProtocolVersion != ProtocolVersion {
		return InitializeResult{}, fmt.Errorf("failed to initialize: unsupported protocol version %q, want %q",
			result.ProtocolVersion, ProtocolVersion)
	}

	if err := c.transport.Notify(ctx, MethodNotificationsInitialized, nil); err != nil {
		return InitializeResult{}, fmt.Errorf("failed to send initialized notification: %w", err)
	}

	c.mu.Lock()
	c.initialized = true
	c.serverInfo = result.ServerInfo
	c.serverCapabilities = result.Capabilities
	c.instructions = result.Instructions
	c.mu.Unlock()

	c.logger.Info("initialized",
		slog.String("server", result.ServerInfo.Name),
		slog.String("serverVersion", result.ServerInfo.Version))
	return result, nil
}

// Ping checks that the server is alive. It works before Initialize.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.call(ctx, MethodPing, nil, nil); err != nil {
		return fmt.Errorf("failed to ping: %w", err)
	}
	return nil
}

// ListTools lists the tools of the server.
func (c *Client) ListTools(ctx context.Context) (ListToolsResult, error) {
	var result ListToolsResult
	if err := c.initializedCall(ctx, MethodToolsList, nil, &result); err != nil {
		return ListToolsResult{}, fmt.Errorf("failed to list tools: %w", err)
	}
	return result, nil
}

// CallTool runs a tool. A failing tool is not an error: the result has IsError set and the
// failure message as content.
func (c *Client) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	var result CallToolResult
	if err := c.initializedCall(ctx, MethodToolsCall, params, &result); err != nil {
		return CallToolResult{}, fmt.Errorf("failed to call tool %s: %w", params.Name, err)
	}
	return result, nil
}

// ListResources lists the resources of the server.
func (c *Client) ListResources(ctx context.Context, params ListResourcesParams) (ListResourcesResult, error) {
	var result ListResourcesResult
	if err := c.initializedCall(ctx, MethodResourcesList, params, &result); err != nil {
		return ListResourcesResult{}, fmt.Errorf("failed to list resources: %w", err)
	}
	return result, nil
}

// ReadResource reads the contents of a resource.
func (c *Client) ReadResource(ctx context.Context, uri string) (ReadResourceResult, error) {
	var result ReadResourceResult
	if err := c.initializedCall(ctx, MethodResourcesRead, ReadResourceParams{URI: uri}, &result); err != nil {
		return ReadResourceResult{}, fmt.Errorf("failed to read resource %s: %w", uri, err)
	}
	return result, nil
}

// SubscribeResource subscribes to updates of a resource.
func (c *Client) SubscribeResource(ctx context.Context, uri string) error {
	if err := c.initializedCall(ctx, MethodResourcesSubscribe, SubscribeResourceParams{URI: uri}, nil); err != nil {
		return fmt.Errorf("failed to subscribe to resource %s: %w", uri, err)
	}
	return nil
}

// ListResourceTemplates lists the resource templates of the server.
func (c *Client) ListResourceTemplates(ctx context.Context) (ListResourceTemplatesResult, error) {
	var result ListResourceTemplatesResult
	if err := c.initializedCall(ctx, MethodResourcesTemplatesList, nil, &result); err != nil {
		return ListResourceTemplatesResult{}, fmt.Errorf("failed to list resource templates: %w", err)
	}
	return result, nil
}

// ServerInfo returns the server name and version learned during Initialize.
func (c *Client) ServerInfo() Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// ServerCapabilities returns the capabilities learned during Initialize.
func (c *Client) ServerCapabilities() ServerCapabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverCapabilities
}

// ToolServerSupported reports whether the server exposes tools.
func (c *Client) ToolServerSupported() bool {
	return c.ServerCapabilities().Tools != nil
}

// ResourceServerSupported reports whether the server exposes resources.
func (c *Client) ResourceServerSupported() bool {
	return c.ServerCapabilities().Resources != nil
}

// Close closes the transport.
func (c *Client) Close() error {
	return c.transport.Close()
}

func (c *Client) initializedCall(ctx context.Context, method string, params, result any) error {
	c.mu.RLock()
	initialized := c.initialized
	c.mu.RUnlock()
	if !initialized {
		return fmt.Errorf("client not initialized, call Initialize first")
	}
	return c.call(ctx, method, params, result)
}

func (c *Client) call(ctx context.Context, method string, params, result any) error {
	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	raw, err := c.transport.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("failed to unmarshal %s result: %w", method, err)
	}
	return nil
}
