package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tmaxmax/go-sse"
	"golang.org/x/sync/errgroup"
)

// SSEServer exposes a Server over HTTP. Clients open a long-lived event stream on the SSE
// endpoint, learn their message URL from the first "endpoint" event, and POST JSON-RPC
// messages to it. Responses and server-initiated messages come back as "message" events on
// the stream, interleaved with "heartbeat" events.
//
// Each stream runs one delivery loop that drains the session's Mailbox and one heartbeat
// ticker that feeds it. Both stop when the client disconnects or the session is closed.
type SSEServer struct {
	server *Server
	logger *slog.Logger

	ssePath     string
	messagePath string
	healthPath  string
	metricsPath string
	metricsH    http.Handler

	heartbeatInterval time.Duration
	heartbeatJitter   time.Duration
	waitTimeout       time.Duration
	maxBodyBytes      int64
	idleTimeout       time.Duration
	sweepInterval     time.Duration
	shutdownTimeout   time.Duration

	authenticator func(token string) bool
}

// SSEServerOption represents the options for the SSEServer.
type SSEServerOption func(*SSEServer)

// SSEClient is a ClientTransport that talks to an SSEServer. Requests are POSTed to the
// message URL announced by the server and answered asynchronously on the event stream, where
// they are matched to their caller by id.
type SSEClient struct {
	httpClient     *http.Client
	connectURL     string
	logger         *slog.Logger
	maxPayloadSize int
	requestTimeout time.Duration
	handler        func(JSONRPCMessage)

	pending *PendingRequests
	nextID  atomic.Int64

	mu         sync.Mutex
	messageURL string
	cancel     context.CancelFunc
	readerDone chan struct{}
}

// SSEClientOption represents the options for the SSEClient.
type SSEClientOption func(*SSEClient)

const (
	sseEventEndpoint  = "endpoint"
	sseEventMessage   = "message"
	sseEventHeartbeat = "heartbeat"
)

var (
	defaultSSEPath              = "/sse"
	defaultMessagePath          = "/message"
	defaultHeartbeatInterval    = 5 * time.Second
	defaultHeartbeatJitter      = 500 * time.Millisecond
	defaultSSEWaitTimeout       = 10 * time.Second
	defaultMaxBodyBytes   int64 = 1 << 20
	defaultSSEShutdownTimeout   = 2 * time.Second
	defaultSSEClientTimeout     = 60 * time.Second
)

// NewSSEServer creates the HTTP front end of server.
func NewSSEServer(server *Server, options ...SSEServerOption) *SSEServer {
	s := &SSEServer{
		server:            server,
		logger:            slog.Default(),
		ssePath:           defaultSSEPath,
		messagePath:       defaultMessagePath,
		heartbeatInterval: defaultHeartbeatInterval,
		heartbeatJitter:   defaultHeartbeatJitter,
		waitTimeout:       defaultSSEWaitTimeout,
		maxBodyBytes:      defaultMaxBodyBytes,
		idleTimeout:       defaultSessionIdleTimeout,
		sweepInterval:     defaultSessionSweepInterval,
		shutdownTimeout:   defaultSSEShutdownTimeout,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// WithSSEPath sets the path of the event stream endpoint.
func WithSSEPath(path string) SSEServerOption {
	return func(s *SSEServer) {
		s.ssePath = path
	}
}

// WithMessagePath sets the path clients POST messages to. It is announced to every client in
// the endpoint event.
func WithMessagePath(path string) SSEServerOption {
	return func(s *SSEServer) {
		s.messagePath = path
	}
}

// WithHeartbeat sets the heartbeat period. Each beat waits interval plus a random delay of up
// to jitter.
func WithHeartbeat(interval, jitter time.Duration) SSEServerOption {
	return func(s *SSEServer) {
		s.heartbeatInterval = interval
		s.heartbeatJitter = jitter
	}
}

// WithSSEWaitTimeout bounds a single mailbox wait of the delivery loop. The loop re-checks
// the connection after every timeout.
func WithSSEWaitTimeout(timeout time.Duration) SSEServerOption {
	return func(s *SSEServer) {
		s.waitTimeout = timeout
	}
}

// WithMaxBodyBytes limits the size of a POSTed message.
func WithMaxBodyBytes(n int64) SSEServerOption {
	return func(s *SSEServer) {
		s.maxBodyBytes = n
	}
}

// WithIdleSweep configures the idle session sweep run by Serve.
func WithIdleSweep(interval, idleTimeout time.Duration) SSEServerOption {
	return func(s *SSEServer) {
		s.sweepInterval = interval
		s.idleTimeout = idleTimeout
	}
}

// WithSSEShutdownTimeout bounds the graceful shutdown performed by Serve.
func WithSSEShutdownTimeout(timeout time.Duration) SSEServerOption {
	return func(s *SSEServer) {
		s.shutdownTimeout = timeout
	}
}

// WithAuthenticator requires every SSE and message request to carry a bearer token accepted
// by authenticate.
func WithAuthenticator(authenticate func(token string) bool) SSEServerOption {
	return func(s *SSEServer) {
		s.authenticator = authenticate
	}
}

// WithHealthPath serves the server's HealthHandler at path.
func WithHealthPath(path string) SSEServerOption {
	return func(s *SSEServer) {
		s.healthPath = path
	}
}

// WithMetricsHandler serves h, usually MetricsHandler, at path.
func WithMetricsHandler(path string, h http.Handler) SSEServerOption {
	return func(s *SSEServer) {
		s.metricsPath = path
		s.metricsH = h
	}
}

// WithSSEServerLogger sets the logger for the SSE server.
func WithSSEServerLogger(logger *slog.Logger) SSEServerOption {
	return func(s *SSEServer) {
		s.logger = logger.With(
			slog.String("package", "mcp-engine"),
			slog.String("component", "sse-server"),
		)
	}
}

// Handler returns the routes of the server, wrapped with the HTTP metrics middleware.
func (s *SSEServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.ssePath, s.HandleSSE())
	mux.Handle(s.messagePath, s.HandleMessage())
	if s.healthPath != "" {
		mux.Handle(s.healthPath, s.server.HealthHandler())
	}
	if s.metricsH != nil {
		mux.Handle(s.metricsPath, s.metricsH)
	}
	var skip []string
	if s.healthPath != "" {
		skip = append(skip, s.healthPath)
	}
	if s.metricsH != nil {
		skip = append(skip, s.metricsPath)
	}
	return MetricsMiddleware(s.server.metrics, skip...)(mux)
}

// Serve listens on addr and runs the idle sweeper until ctx is done, then shuts the server
// down. Sessions are closed before the listener so open event streams can finish.
func (s *SSEServer) Serve(ctx context.Context, addr string) error {
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("listening", slog.String("addr", addr), slog.String("sse", s.ssePath))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return s.server.sessions.RunSweeper(gctx, s.sweepInterval, s.idleTimeout)
	})
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()

		return errors.Join(s.server.Shutdown(sctx), httpSrv.Shutdown(sctx))
	})
	return g.Wait()
}

// HandleSSE returns the handler of the event stream endpoint. It creates a session, announces
// the session's message URL, and streams the session's mailbox until the client goes away or
// the session is closed.
func (s *SSEServer) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			writeJSONError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		sess, err := s.server.sessions.Create()
		if err != nil {
			writeJSONError(w, http.StatusServiceUnavailable, "Server shutting down")
			return
		}
		finish := sess.attachLoop()
		defer finish()
		defer s.server.sessions.Close(sess.ID())

		w.Header().Set("Access-Control-Allow-Origin", "*")
		stream, err := sse.Upgrade(w, r)
		if err != nil {
			s.logger.Error("failed to upgrade session", slog.String("err", err.Error()))
			http.Error(w, fmt.Sprintf("failed to upgrade session: %s", err), http.StatusInternalServerError)
			return
		}

		endpoint := sse.Message{Type: sse.Type(sseEventEndpoint)}
		endpoint.AppendData(s.messagePath + "?session_id=" + url.QueryEscape(sess.ID()))
		if err := stream.Send(&endpoint); err != nil {
			s.logger.Warn("failed to write endpoint event", slog.String("sessionID", sess.ID()), slog.String("err", err.Error()))
			return
		}
		if err := stream.Flush(); err != nil {
			s.logger.Warn("failed to flush endpoint event", slog.String("sessionID", sess.ID()), slog.String("err", err.Error()))
			return
		}
		sess.mailbox.Touch()

		ctx, cancel := context.WithCancel(r.Context())
		heartbeatDone := make(chan struct{})
		go func() {
			defer close(heartbeatDone)
			s.heartbeat(ctx, sess)
		}()

		s.deliver(ctx, stream, sess)

		cancel()
		<-heartbeatDone
	})
}

// HandleMessage returns the handler of the message endpoint. Accepted messages are processed
// asynchronously; the reply, if any, arrives on the session's event stream.
func (s *SSEServer) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Method != http.MethodPost {
			writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		if !s.authorized(r) {
			writeJSONError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				writeJSONError(w, http.StatusRequestEntityTooLarge, "Request too large")
				return
			}
			writeJSONError(w, http.StatusBadRequest, "Invalid JSON")
			return
		}
		if !json.Valid(body) {
			s.logger.Warn("rejecting malformed JSON")
			writeJSONError(w, http.StatusBadRequest, "Invalid JSON")
			return
		}

		var msg JSONRPCMessage
		decodeErr := json.Unmarshal(body, &msg)

		sessID := r.URL.Query().Get("session_id")
		sess, ok := s.server.sessions.Get(sessID)
		if !ok {
			if decodeErr == nil && msg.Method == MethodPing {
				writeAccepted(w)
				return
			}
			s.logger.Warn("message for unknown session", slog.String("sessionID", sessID))
			writeJSONError(w, http.StatusNotFound, "Session not found")
			return
		}
		sess.mailbox.Touch()

		if decodeErr != nil || !wellFormed(msg) {
			writeJSONError(w, http.StatusBadRequest, "Invalid request format")
			return
		}

		if err := s.server.process(sess, msg); err != nil {
			writeJSONError(w, http.StatusServiceUnavailable, "Server shutting down")
			return
		}
		writeAccepted(w)
	})
}

func (s *SSEServer) deliver(ctx context.Context, stream *sse.Session, sess *Session) {
	for {
		waitCtx, cancel := context.WithTimeout(ctx, s.waitTimeout)
		frame, ok, err := sess.mailbox.WaitNext(waitCtx)
		cancel()

		switch {
		case errors.Is(err, ErrMailboxClosed):
			return
		case err != nil:
			if ctx.Err() != nil {
				s.logger.Debug("client disconnected", slog.String("sessionID", sess.ID()))
				return
			}
			continue
		case !ok:
			continue
		}

		msg := sse.Message{Type: sse.Type(frame.Event)}
		msg.AppendData(frame.Data)
		if err := stream.Send(&msg); err != nil {
			s.logger.Warn("failed to write event", slog.String("sessionID", sess.ID()), slog.String("err", err.Error()))
			return
		}
		if err := stream.Flush(); err != nil {
			s.logger.Warn("failed to flush event", slog.String("sessionID", sess.ID()), slog.String("err", err.Error()))
			return
		}
		sess.mailbox.Touch()
	}
}

func (s *SSEServer) heartbeat(ctx context.Context, sess *Session) {
	count := 0
	for {
		delay := s.heartbeatInterval
		if s.heartbeatJitter > 0 {
			delay += rand.N(s.heartbeatJitter)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-sess.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if !sess.mailbox.Push(Frame{Event: sseEventHeartbeat, Data: strconv.Itoa(count)}) {
			return
		}
		count++
	}
}

func (s *SSEServer) authorized(r *http.Request) bool {
	if s.authenticator == nil {
		return true
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return false
	}
	return s.authenticator(token)
}

// wellFormed reports whether msg has the shape of a request, notification or response.
func wellFormed(msg JSONRPCMessage) bool {
	if msg.JSONRPC == "" {
		return false
	}
	return msg.Method != "" || msg.IsResponse()
}

func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
}

func writeAccepted(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte("Accepted"))
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// NewSSEClient creates an SSE client that connects to connectURL. If httpClient is nil,
// http.DefaultClient is used. Call Start before sending anything.
func NewSSEClient(connectURL string, httpClient *http.Client, options ...SSEClientOption) *SSEClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	s := &SSEClient{
		httpClient:     cli,
		connectURL:     connectURL,
		logger:         slog.Default(),
		requestTimeout: defaultSSEClientTimeout,
	}
	for _, opt := range options {
		opt(s)
	}
	s.pending = NewPendingRequests(s.logger, nil)
	return s
}

// WithSSEClientMaxPayloadSize sets the maximum size of a single event received from the
// server. A larger event ends the stream.
func WithSSEClientMaxPayloadSize(size int) SSEClientOption {
	return func(s *SSEClient) {
		s.maxPayloadSize = size
	}
}

// WithSSEClientRequestTimeout bounds how long Call waits for a response when ctx has no
// deadline.
func WithSSEClientRequestTimeout(timeout time.Duration) SSEClientOption {
	return func(s *SSEClient) {
		s.requestTimeout = timeout
	}
}

// WithSSEClientHandler receives server-initiated notifications and requests. Server pings
// are answered automatically before the handler is called. The handler runs on its own
// goroutine in arrival order, off the event reader.
func WithSSEClientHandler(handler func(JSONRPCMessage)) SSEClientOption {
	return func(s *SSEClient) {
		s.handler = handler
	}
}

// WithSSEClientLogger sets the logger for the SSE client.
func WithSSEClientLogger(logger *slog.Logger) SSEClientOption {
	return func(s *SSEClient) {
		s.logger = logger.With(
			slog.String("package", "mcp-engine"),
			slog.String("component", "sse-client"),
		)
	}
}

// Start opens the event stream and blocks until the server announces the message URL or ctx
// is done. The stream stays open until Close.
func (s *SSEClient) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.readerDone != nil {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	streamCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.readerDone = make(chan struct{})
	s.mu.Unlock()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, s.connectURL, nil)
	if err != nil {
		cancel()
		close(s.readerDone)
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		cancel()
		close(s.readerDone)
		return fmt.Errorf("failed to connect to SSE server: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		close(s.readerDone)
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	ready := make(chan error, 1)
	go s.readEvents(resp.Body, ready)

	select {
	case err := <-ready:
		if err != nil {
			_ = s.Close()
			return err
		}
		return nil
	case <-ctx.Done():
		_ = s.Close()
		return fmt.Errorf("failed to receive endpoint event: %w", ctx.Err())
	}
}

// Call sends a request and waits for its response.
func (s *SSEClient) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	id := NewNumberID(s.nextID.Add(1))
	call, err := s.pending.Register(id)
	if err != nil {
		return nil, err
	}

	if err := s.post(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  method,
		Params:  raw,
	}); err != nil {
		s.pending.Forget(id)
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.requestTimeout)
		defer cancel()
	}
	return call.Wait(ctx)
}

// Notify sends a notification. It returns once the server accepted the message.
func (s *SSEClient) Notify(ctx context.Context, method string, params any) error {
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}
	return s.post(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  raw,
	})
}

// Close ends the event stream and fails every pending call with ErrTransportClosed.
func (s *SSEClient) Close() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.readerDone
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	s.pending.Close(ErrTransportClosed)
	return nil
}

// MessageURL returns the message URL announced by the server, or "" before Start succeeds.
func (s *SSEClient) MessageURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messageURL
}

func (s *SSEClient) post(ctx context.Context, msg JSONRPCMessage) error {
	target := s.MessageURL()
	if target == "" {
		return ErrNotRunning
	}

	bs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(bs))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, strings.TrimSpace(string(body)))
		}
		return fmt.Errorf("unexpected status code: %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func (s *SSEClient) readEvents(body io.ReadCloser, ready chan<- error) {
	var in *inbox
	if s.handler != nil {
		in = startInbox(s.handler, s.logger)
	}
	defer func() {
		body.Close()
		s.pending.Close(ErrTransportClosed)
		if in != nil {
			in.close()
		}
		close(s.readerDone)
	}()

	var config *sse.ReadConfig
	if s.maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: s.maxPayloadSize,
		}
	}

	announced := false
	for ev, err := range sse.Read(body, config) {
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.logger.Error("failed to read SSE event", slog.String("err", err.Error()))
			}
			if !announced {
				ready <- fmt.Errorf("failed to read endpoint event: %w", err)
			}
			return
		}

		switch ev.Type {
		case sseEventEndpoint:
			target, err := s.resolveEndpoint(ev.Data)
			if err != nil {
				if !announced {
					ready <- err
				}
				return
			}
			s.mu.Lock()
			s.messageURL = target
			s.mu.Unlock()
			if !announced {
				announced = true
				close(ready)
			}
		case sseEventMessage:
			var msg JSONRPCMessage
			if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
				s.logger.Error("failed to unmarshal message", slog.String("err", err.Error()))
				continue
			}
			s.dispatch(msg, in)
		case sseEventHeartbeat:
		default:
			s.logger.Warn("unhandled event type", slog.String("type", ev.Type))
		}
	}

	if !announced {
		ready <- fmt.Errorf("%w: stream ended before endpoint event", ErrTransportClosed)
	}
}

func (s *SSEClient) dispatch(msg JSONRPCMessage, in *inbox) {
	if msg.IsResponse() {
		s.pending.Resolve(msg)
		return
	}

	if msg.IsRequest() && msg.Method == MethodPing {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
			defer cancel()
			if err := s.post(ctx, JSONRPCMessage{
				JSONRPC: JSONRPCVersion,
				ID:      msg.ID,
				Result:  json.RawMessage(`{}`),
			}); err != nil {
				s.logger.Warn("failed to answer ping", slog.String("err", err.Error()))
			}
		}()
	}

	if in != nil {
		in.post(msg)
		return
	}
	s.logger.Info("unsolicited message from server", slog.String("method", msg.Method))
}

func (s *SSEClient) resolveEndpoint(data string) (string, error) {
	base, err := url.Parse(s.connectURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse connect URL: %w", err)
	}
	ref, err := url.Parse(strings.TrimSpace(data))
	if err != nil {
		return "", fmt.Errorf("failed to parse endpoint URL: %w", err)
	}
	if ref.String() == "" {
		return "", errors.New("empty endpoint URL")
	}
	return base.ResolveReference(ref).String(), nil
}
