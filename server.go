package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel/trace"
)

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// MethodHandler handles one request method. The returned value is marshaled as the result;
// return a *ProtocolError to choose the JSON-RPC error code, any other error is reported as an
// internal error.
type MethodHandler func(ctx context.Context, sessionID string, params json.RawMessage) (any, error)

// NotificationHandler handles one notification method. Notifications never get a response.
type NotificationHandler func(ctx context.Context, sessionID string, params json.RawMessage)

// ToolHandler runs a tool. An error is reported to the caller as a successful tools/call
// response with isError set, not as a JSON-RPC error.
type ToolHandler func(ctx context.Context, sessionID string, arguments json.RawMessage) ([]Content, error)

// ResourceSubscriptionHandler is called when a client subscribes to a registered resource.
type ResourceSubscriptionHandler func(ctx context.Context, sessionID, uri string) error

// Server is the MCP request processor. It enforces the initialize handshake per session,
// routes requests to registered method and tool handlers on a WorkerPool, and turns handler
// outcomes into JSON-RPC responses.
//
// Transports feed it messages: SSEServer for HTTP clients and ServeStdIO for a parent process
// on a pipe. A Server must be created with NewServer and released with Shutdown.
type Server struct {
	info           Info
	instructions   string
	logger         *slog.Logger
	metrics        *Metrics
	tracer         trace.Tracer
	requestTimeout time.Duration
	sendTimeout    time.Duration

	poolSize       int
	sessionOptions []SessionManagerOption

	sessions  *SessionManager
	pool      *WorkerPool
	resources *ResourceRegistry
	outbound  *PendingRequests
	nextID    atomic.Int64

	targetsMu sync.Mutex
	targets   map[RequestID]string

	mu                 sync.RWMutex
	methods            map[string]MethodHandler
	notifications      map[string]NotificationHandler
	tools              map[string]registeredTool
	toolOrder          []string
	toolsInstalled     bool
	resourcesInstalled bool
	subscriptionHook   ResourceSubscriptionHandler

	lifecycle    sync.Mutex
	shuttingDown bool
	inflight     sync.WaitGroup
}

type registeredTool struct {
	tool    Tool
	handler ToolHandler
}

var (
	defaultServerRequestTimeout = 30 * time.Second
	defaultServerSendTimeout    = 30 * time.Second
)

// NewServer creates a server that identifies itself with info.
func NewServer(info Info, options ...ServerOption) *Server {
	s := &Server{
		info:           info,
		logger:         slog.Default(),
		requestTimeout: defaultServerRequestTimeout,
		sendTimeout:    defaultServerSendTimeout,
		methods:        make(map[string]MethodHandler),
		notifications:  make(map[string]NotificationHandler),
		tools:          make(map[string]registeredTool),
	}
	for _, opt := range options {
		opt(s)
	}

	if s.tracer == nil {
		s.tracer = defaultTracer()
	}
	if s.resources == nil {
		s.resources = NewResourceRegistry()
	}
	if s.resources.Len() > 0 {
		s.installResourceMethods()
	}
	s.pool = NewWorkerPool(s.poolSize, WithPoolLogger(s.logger), WithPoolMetrics(s.metrics))
	s.sessions = NewSessionManager(append([]SessionManagerOption{
		WithSessionLogger(s.logger),
		WithSessionMetrics(s.metrics),
	}, s.sessionOptions...)...)
	s.outbound = NewPendingRequests(s.logger, s.metrics)
	s.targets = make(map[RequestID]string)

	return s
}

// WithInstructions returns a ServerOption that configures the server instructions.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithWorkers sets the number of worker goroutines that run handlers. The default is the
// number of CPUs.
func WithWorkers(n int) ServerOption {
	return func(s *Server) {
		s.poolSize = n
	}
}

// WithRequestTimeout bounds how long a request waits for its handler.
func WithRequestTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.requestTimeout = timeout
	}
}

// WithServerSendTimeout returns a ServerOption that configures how long a response waits for
// room in a session's mailbox.
func WithServerSendTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.sendTimeout = timeout
	}
}

// WithSessionOptions passes options to the server's SessionManager.
func WithSessionOptions(options ...SessionManagerOption) ServerOption {
	return func(s *Server) {
		s.sessionOptions = append(s.sessionOptions, options...)
	}
}

// WithResourceRegistry makes the server serve resources from reg instead of a fresh registry.
func WithResourceRegistry(reg *ResourceRegistry) ServerOption {
	return func(s *Server) {
		s.resources = reg
	}
}

// WithResourceSubscriptionHandler returns a ServerOption that configures the hook called on
// resources/subscribe.
func WithResourceSubscriptionHandler(handler ResourceSubscriptionHandler) ServerOption {
	return func(s *Server) {
		s.subscriptionHook = handler
	}
}

// WithServerMetrics records request, session and pool metrics.
func WithServerMetrics(metrics *Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = metrics
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "mcp-engine"),
			slog.String("component", "server"),
		)
	}
}

// Info returns the server name and version.
func (s *Server) Info() Info { return s.info }

// Sessions returns the server's session manager.
func (s *Server) Sessions() *SessionManager { return s.sessions }

// Pool returns the worker pool that runs handlers.
func (s *Server) Pool() *WorkerPool { return s.pool }

// Resources returns the server's resource registry.
func (s *Server) Resources() *ResourceRegistry { return s.resources }

// RegisterMethod installs handler for method, replacing any previous handler. initialize and
// ping are answered by the server itself and cannot be overridden.
func (s *Server) RegisterMethod(method string, handler MethodHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods[method] = handler
}

// RegisterNotification installs handler for the notification method.
func (s *Server) RegisterNotification(method string, handler NotificationHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications[method] = handler
}

// RegisterTool adds a tool. The first registration installs tools/list and tools/call, which
// always reflect the live tool table.
func (s *Server) RegisterTool(tool Tool, handler ToolHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tools[tool.Name]; !ok {
		s.toolOrder = append(s.toolOrder, tool.Name)
	}
	s.tools[tool.Name] = registeredTool{tool: tool, handler: handler}

	if !s.toolsInstalled {
		s.methods[MethodToolsList] = s.handleListTools
		s.methods[MethodToolsCall] = s.handleCallTool
		s.toolsInstalled = true
	}
}

// RegisterResource adds a resource to the registry. The first registration installs the
// resources methods.
func (s *Server) RegisterResource(res ResourceProvider) {
	s.resources.Register(res)
	s.installResourceMethods()
}

// Tools returns the registered tools in registration order.
func (s *Server) Tools() []Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tools := make([]Tool, 0, len(s.toolOrder))
	for _, name := range s.toolOrder {
		tools = append(tools, s.tools[name].tool)
	}
	return tools
}

// Capabilities returns the capabilities advertised in the initialize result.
func (s *Server) Capabilities() ServerCapabilities {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var caps ServerCapabilities
	if s.toolsInstalled {
		caps.Tools = &ToolsCapability{}
	}
	if s.resourcesInstalled {
		caps.Resources = &ResourcesCapability{Subscribe: true}
	}
	return caps
}

// HandleMessage processes one inbound message on behalf of a session and returns the response
// to send back, if any. Notifications and responses produce no reply. HandleMessage blocks
// until the handler finishes or the request timeout fires; transports call it off their
// accepting goroutine.
func (s *Server) HandleMessage(ctx context.Context, sessionID string, msg JSONRPCMessage) (JSONRPCMessage, bool) {
	switch {
	case msg.IsResponse():
		s.resolveOutbound(sessionID, msg)
		return JSONRPCMessage{}, false
	case msg.IsNotification():
		s.handleNotification(ctx, sessionID, msg)
		return JSONRPCMessage{}, false
	case !msg.IsRequest():
		if msg.ID.IsZero() {
			s.logger.Warn("dropping message without method or id", slog.String("sessionID", sessionID))
			return JSONRPCMessage{}, false
		}
		return newErrorResponse(msg.ID, NewProtocolError(ErrKindInvalidRequest, "Invalid request")), true
	}

	ctx, span := s.startSpan(ctx, sessionID, msg)
	start := time.Now()

	result, err := s.dispatch(ctx, sessionID, msg)

	var resp JSONRPCMessage
	if err == nil {
		resp, err = newResponse(msg.ID, result)
	}
	if err != nil {
		resp = newErrorResponse(msg.ID, err)
		s.logger.Debug("request failed",
			slog.String("sessionID", sessionID),
			slog.String("method", msg.Method),
			slog.String("id", msg.ID.String()),
			slog.String("err", err.Error()))
	}

	s.metrics.observeRequest(msg.Method, err != nil, time.Since(start))
	endSpan(span, err)
	return resp, true
}

// Notify pushes a notification to a session's client.
func (s *Server) Notify(ctx context.Context, sessionID, method string, params any) error {
	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}
	return s.deliver(ctx, sess, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  raw,
	})
}

// Request sends a request to a session's client and waits for the client to answer it.
func (s *Server) Request(ctx context.Context, sessionID, method string, params any) (json.RawMessage, error) {
	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	id := NewStringID(fmt.Sprintf("srv-%d", s.nextID.Add(1)))
	call, err := s.outbound.Register(id)
	if err != nil {
		return nil, err
	}
	s.targetsMu.Lock()
	s.targets[id] = sessionID
	s.targetsMu.Unlock()
	defer func() {
		s.targetsMu.Lock()
		delete(s.targets, id)
		s.targetsMu.Unlock()
	}()

	if err := s.deliver(ctx, sess, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  method,
		Params:  raw,
	}); err != nil {
		s.outbound.Forget(id)
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.requestTimeout)
		defer cancel()
	}
	return call.Wait(ctx)
}

// resolveOutbound hands a client response to the Request waiting for it. Only the session the
// request was sent to may answer it.
func (s *Server) resolveOutbound(sessionID string, msg JSONRPCMessage) {
	s.targetsMu.Lock()
	target, ok := s.targets[msg.ID]
	s.targetsMu.Unlock()
	if !ok || target != sessionID {
		s.logger.Warn("dropping response for unknown request",
			slog.String("sessionID", sessionID),
			slog.String("id", msg.ID.String()))
		return
	}
	s.outbound.Resolve(msg)
}

// Shutdown stops accepting messages, closes every session, waits for in-flight requests, and
// drains the worker pool.
func (s *Server) Shutdown(ctx context.Context) error {
	s.lifecycle.Lock()
	s.shuttingDown = true
	s.lifecycle.Unlock()

	var errs []error
	if err := s.sessions.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	inflightDone := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(inflightDone)
	}()
	select {
	case <-inflightDone:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("failed to wait for in-flight requests: %w", ctx.Err()))
	}

	if err := s.pool.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	s.outbound.Close(ErrShuttingDown)

	return errors.Join(errs...)
}

// process handles a request on its own goroutine and delivers the response to the session's
// mailbox. It is the asynchronous path used by the SSE transport. Notifications and responses
// are handled before process returns, so a request that follows them sees their effect.
func (s *Server) process(sess *Session, msg JSONRPCMessage) error {
	s.lifecycle.Lock()
	if s.shuttingDown {
		s.lifecycle.Unlock()
		return ErrShuttingDown
	}
	s.inflight.Add(1)
	s.lifecycle.Unlock()

	if !msg.IsRequest() {
		defer s.inflight.Done()
		if resp, ok := s.HandleMessage(sess.Context(), sess.ID(), msg); ok {
			if err := s.deliver(context.Background(), sess, resp); err != nil {
				s.logger.Warn("failed to deliver response",
					slog.String("sessionID", sess.ID()),
					slog.String("err", err.Error()))
			}
		}
		return nil
	}

	go func() {
		defer s.inflight.Done()

		resp, ok := s.HandleMessage(sess.Context(), sess.ID(), msg)
		if !ok {
			return
		}
		if err := s.deliver(context.Background(), sess, resp); err != nil {
			s.logger.Warn("failed to deliver response",
				slog.String("sessionID", sess.ID()),
				slog.String("method", msg.Method),
				slog.String("err", err.Error()))
		}
	}()
	return nil
}

func (s *Server) deliver(ctx context.Context, sess *Session, msg JSONRPCMessage) error {
	bs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	defer cancel()

	if err := sess.mailbox.Enqueue(ctx, Frame{Event: sseEventMessage, Data: string(bs)}); err != nil {
		return fmt.Errorf("failed to enqueue message: %w", err)
	}
	return nil
}

func (s *Server) dispatch(ctx context.Context, sessionID string, msg JSONRPCMessage) (any, error) {
	if msg.JSONRPC != JSONRPCVersion {
		return nil, NewProtocolError(ErrKindInvalidRequest, "Invalid JSON-RPC version: %q", msg.JSONRPC)
	}

	switch msg.Method {
	case MethodInitialize:
		return s.initialize(sessionID, msg.Params)
	case MethodPing:
		return struct{}{}, nil
	}

	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		return nil, NewProtocolError(ErrKindInvalidRequest, "Session not found: %s", sessionID)
	}
	if sess.State() != SessionReady {
		return nil, NewProtocolError(ErrKindInvalidRequest, errMsgSessionNotInitialized)
	}

	s.mu.RLock()
	handler, ok := s.methods[msg.Method]
	s.mu.RUnlock()
	if !ok {
		return nil, NewProtocolError(ErrKindMethodNotFound, "Method not found: %s", msg.Method)
	}

	fut, err := Submit(s.pool, func() (any, error) {
		return handler(ctx, sessionID, msg.Params)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dispatch %s: %w", msg.Method, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	res, err := fut.Wait(waitCtx)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded) && errors.Is(waitCtx.Err(), context.DeadlineExceeded):
			return nil, fmt.Errorf("%w: %s", ErrRequestTimeout, msg.Method)
		case errors.Is(err, context.Canceled) && errors.Is(waitCtx.Err(), context.Canceled):
			return nil, fmt.Errorf("%w: %s", ErrRequestCancelled, msg.Method)
		}
		return nil, err
	}
	return res, nil
}

func (s *Server) initialize(sessionID string, rawParams json.RawMessage) (InitializeResult, error) {
	var params initializeParams
	if err := json.Unmarshal(nonEmpty(rawParams), &params); err != nil {
		return InitializeResult{}, NewProtocolError(ErrKindInvalidParams, "Invalid initialize params: %s", err)
	}

	if params.ProtocolVersion != ProtocolVersion {
		return InitializeResult{}, NewProtocolError(ErrKindInvalidParams, "Unsupported protocol version").
			WithData(map[string]any{
				"supported": []string{ProtocolVersion},
				"requested": params.ProtocolVersion,
			})
	}

	client := params.ClientInfo
	if client.Name == "" {
		client.Name = defaultClientName
	}
	if client.Version == "" {
		client.Version = defaultClientVersion
	}
	if !s.sessions.MarkInitializing(sessionID, client) {
		return InitializeResult{}, NewProtocolError(ErrKindInvalidRequest, "Session not found: %s", sessionID)
	}

	return InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    s.Capabilities(),
		ServerInfo:      s.info,
		Instructions:    s.instructions,
	}, nil
}

func (s *Server) handleNotification(ctx context.Context, sessionID string, msg JSONRPCMessage) {
	if msg.Method == MethodNotificationInitialized || msg.Method == MethodNotificationsInitialized {
		s.sessions.MarkInitialized(sessionID)
		return
	}

	if !s.sessions.IsInitialized(sessionID) {
		s.logger.Debug("dropping notification before initialization",
			slog.String("sessionID", sessionID),
			slog.String("method", msg.Method))
		return
	}

	s.mu.RLock()
	handler, ok := s.notifications[msg.Method]
	s.mu.RUnlock()
	if !ok {
		s.logger.Debug("no handler for notification",
			slog.String("sessionID", sessionID),
			slog.String("method", msg.Method))
		return
	}

	if _, err := Submit(s.pool, func() (struct{}, error) {
		handler(ctx, sessionID, msg.Params)
		return struct{}{}, nil
	}); err != nil {
		s.logger.Warn("failed to dispatch notification",
			slog.String("method", msg.Method),
			slog.String("err", err.Error()))
	}
}

func (s *Server) handleListTools(context.Context, string, json.RawMessage) (any, error) {
	return ListToolsResult{Tools: s.Tools()}, nil
}

func (s *Server) handleCallTool(ctx context.Context, sessionID string, rawParams json.RawMessage) (any, error) {
	var params CallToolParams
	if err := json.Unmarshal(nonEmpty(rawParams), &params); err != nil {
		return nil, NewProtocolError(ErrKindInvalidParams, "Invalid tools/call params: %s", err)
	}
	if params.Name == "" {
		return nil, NewProtocolError(ErrKindInvalidParams, "Missing 'name' parameter")
	}

	s.mu.RLock()
	rt, ok := s.tools[params.Name]
	s.mu.RUnlock()
	if !ok {
		return nil, NewProtocolError(ErrKindInvalidParams, "Tool not found: %s", params.Name)
	}

	args, err := normalizeArguments(params.Arguments)
	if err != nil {
		return nil, NewProtocolError(ErrKindInvalidParams, "Invalid arguments: %s", err)
	}

	var content []Content
	var callErr error
	var pc panics.Catcher
	pc.Try(func() {
		content, callErr = rt.handler(ctx, sessionID, args)
	})
	if r := pc.Recovered(); r != nil {
		s.logger.Error("tool panicked",
			slog.String("tool", params.Name),
			slog.Any("panic", r.Value))
		callErr = fmt.Errorf("tool %s panicked: %v", params.Name, r.Value)
	}

	s.metrics.observeToolCall(params.Name, callErr != nil)

	if callErr != nil {
		return CallToolResult{
			Content: []Content{{Type: ContentTypeText, Text: callErr.Error()}},
			IsError: true,
		}, nil
	}
	if content == nil {
		content = []Content{}
	}
	return CallToolResult{Content: content}, nil
}

func (s *Server) installResourceMethods() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.resourcesInstalled {
		return
	}
	s.methods[MethodResourcesList] = s.handleListResources
	s.methods[MethodResourcesRead] = s.handleReadResource
	s.methods[MethodResourcesSubscribe] = s.handleSubscribeResource
	s.methods[MethodResourcesTemplatesList] = s.handleListResourceTemplates
	s.resourcesInstalled = true
}

func (s *Server) handleListResources(_ context.Context, _ string, rawParams json.RawMessage) (any, error) {
	var params ListResourcesParams
	if err := json.Unmarshal(nonEmpty(rawParams), &params); err != nil {
		return nil, NewProtocolError(ErrKindInvalidParams, "Invalid resources/list params: %s", err)
	}

	result := ListResourcesResult{Resources: s.resources.List()}
	if params.Cursor != nil {
		next := ""
		result.NextCursor = &next
	}
	return result, nil
}

func (s *Server) handleReadResource(ctx context.Context, _ string, rawParams json.RawMessage) (any, error) {
	var params ReadResourceParams
	if err := json.Unmarshal(nonEmpty(rawParams), &params); err != nil {
		return nil, NewProtocolError(ErrKindInvalidParams, "Invalid resources/read params: %s", err)
	}
	if params.URI == "" {
		return nil, NewProtocolError(ErrKindInvalidParams, "Missing 'uri' parameter")
	}

	res, ok := s.resources.Get(params.URI)
	if !ok {
		return nil, NewProtocolError(ErrKindInvalidParams, "Resource not found: %s", params.URI)
	}

	contents, err := res.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read resource %s: %w", params.URI, err)
	}
	return ReadResourceResult{Contents: contents}, nil
}

func (s *Server) handleSubscribeResource(ctx context.Context, sessionID string, rawParams json.RawMessage) (any, error) {
	var params SubscribeResourceParams
	if err := json.Unmarshal(nonEmpty(rawParams), &params); err != nil {
		return nil, NewProtocolError(ErrKindInvalidParams, "Invalid resources/subscribe params: %s", err)
	}
	if params.URI == "" {
		return nil, NewProtocolError(ErrKindInvalidParams, "Missing 'uri' parameter")
	}
	if _, ok := s.resources.Get(params.URI); !ok {
		return nil, NewProtocolError(ErrKindInvalidParams, "Resource not found: %s", params.URI)
	}

	s.mu.RLock()
	hook := s.subscriptionHook
	s.mu.RUnlock()
	if hook != nil {
		if err := hook(ctx, sessionID, params.URI); err != nil {
			return nil, fmt.Errorf("failed to subscribe to %s: %w", params.URI, err)
		}
	}
	return struct{}{}, nil
}

func (s *Server) handleListResourceTemplates(context.Context, string, json.RawMessage) (any, error) {
	return ListResourceTemplatesResult{Templates: []ResourceTemplate{}}, nil
}

// normalizeArguments returns tool arguments as a JSON object. A JSON string holding an object
// is unwrapped; absent arguments become an empty object.
func normalizeArguments(raw json.RawMessage) (json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return json.RawMessage(`{}`), nil
	}

	if raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, err
		}
		raw = bytes.TrimSpace([]byte(text))
		if !json.Valid(raw) {
			return nil, errors.New("arguments string is not valid JSON")
		}
	}

	if len(raw) == 0 || raw[0] != '{' {
		return nil, errors.New("arguments must be a JSON object")
	}
	return raw, nil
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	bs, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return bs, nil
}

func nonEmpty(raw json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}
