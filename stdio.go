package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"golang.org/x/sys/unix"
)

// ProcessState is the lifecycle state of a StdIOClient's child process.
type ProcessState int32

// Process states. A client moves Stopped → Starting → Running → Stopping → Stopped; a failed
// start goes back to Stopped.
const (
	ProcessStopped ProcessState = iota
	ProcessStarting
	ProcessRunning
	ProcessStopping
)

// StdIOClient is a ClientTransport that spawns an MCP server as a child process and talks to
// it over the child's stdin and stdout, one JSON-RPC message per line.
//
// Calls are matched to responses by id through a PendingRequests registry that a dedicated
// reader goroutine resolves. Stop closes the pipes, then asks the child to exit with SIGTERM
// and kills it if it is still alive after the grace period.
type StdIOClient struct {
	command        string
	args           []string
	env            map[string]string
	dir            string
	stderr         io.Writer
	logger         *slog.Logger
	requestTimeout time.Duration
	writeTimeout   time.Duration
	stopGrace      time.Duration
	startupCheck   time.Duration
	handler        func(JSONRPCMessage)

	nextID atomic.Int64

	// writeMu serializes whole lines on stdin.
	writeMu sync.Mutex

	mu         sync.Mutex
	state      ProcessState
	cmd        *exec.Cmd
	stdin      *os.File
	stdout     *os.File
	pending    *PendingRequests
	readerDone chan struct{}
	waitDone   chan struct{}
	waitErr    error
}

// StdIOClientOption represents the options for the StdIOClient.
type StdIOClientOption func(*StdIOClient)

var (
	defaultStdIORequestTimeout = 60 * time.Second
	defaultStdIOWriteTimeout   = 10 * time.Second
	defaultStdIOStopGrace      = 2 * time.Second
	defaultStdIOStartupCheck   = 100 * time.Millisecond
)

// NewStdIOClient creates a client for the server started by running command with args. The
// process is not started until Start.
func NewStdIOClient(command string, args []string, options ...StdIOClientOption) *StdIOClient {
	c := &StdIOClient{
		command:        command,
		args:           args,
		stderr:         os.Stderr,
		logger:         slog.Default(),
		requestTimeout: defaultStdIORequestTimeout,
		writeTimeout:   defaultStdIOWriteTimeout,
		stopGrace:      defaultStdIOStopGrace,
		startupCheck:   defaultStdIOStartupCheck,
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// WithEnv adds variables to the child's environment. They override inherited variables with
// the same name.
func WithEnv(env map[string]string) StdIOClientOption {
	return func(c *StdIOClient) {
		c.env = env
	}
}

// WithDir sets the working directory of the child.
func WithDir(dir string) StdIOClientOption {
	return func(c *StdIOClient) {
		c.dir = dir
	}
}

// WithStderr redirects the child's stderr. It defaults to the parent's stderr.
func WithStderr(w io.Writer) StdIOClientOption {
	return func(c *StdIOClient) {
		c.stderr = w
	}
}

// WithStdIORequestTimeout bounds how long Call waits for a response when ctx has no deadline.
func WithStdIORequestTimeout(timeout time.Duration) StdIOClientOption {
	return func(c *StdIOClient) {
		c.requestTimeout = timeout
	}
}

// WithStopGrace sets how long Stop waits after SIGTERM before sending SIGKILL.
func WithStopGrace(grace time.Duration) StdIOClientOption {
	return func(c *StdIOClient) {
		c.stopGrace = grace
	}
}

// WithStartupCheck sets how long Start watches the child for an immediate exit.
func WithStartupCheck(d time.Duration) StdIOClientOption {
	return func(c *StdIOClient) {
		c.startupCheck = d
	}
}

// WithStdIOClientHandler receives messages from the child that are not responses. The handler
// runs on its own goroutine in arrival order, so a slow handler never delays responses to
// pending calls. Messages that arrive while it is far behind are dropped.
func WithStdIOClientHandler(handler func(JSONRPCMessage)) StdIOClientOption {
	return func(c *StdIOClient) {
		c.handler = handler
	}
}

// WithStdIOClientLogger sets the logger for the client.
func WithStdIOClientLogger(logger *slog.Logger) StdIOClientOption {
	return func(c *StdIOClient) {
		c.logger = logger.With(
			slog.String("package", "mcp-engine"),
			slog.String("component", "stdio-client"),
		)
	}
}

// Start spawns the child process. It fails with ErrProcessExited if the child exits within
// the startup check window, and with ErrAlreadyStarted unless the client is stopped.
func (c *StdIOClient) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != ProcessStopped {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.state = ProcessStarting
	c.mu.Unlock()

	if err := c.spawn(ctx); err != nil {
		c.setState(ProcessStopped)
		return err
	}
	return nil
}

func (c *StdIOClient) spawn(ctx context.Context) error {
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	cmd := exec.Command(c.command, c.args...)
	cmd.Env = mergeEnv(os.Environ(), c.env)
	cmd.Dir = c.dir
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = c.stderr

	if err := cmd.Start(); err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		return fmt.Errorf("failed to start %s: %w", c.command, err)
	}

	// The child holds its own copies.
	stdinR.Close()
	stdoutW.Close()

	waitDone := make(chan struct{})
	go func() {
		err := cmd.Wait()
		c.mu.Lock()
		c.waitErr = err
		c.mu.Unlock()
		close(waitDone)
	}()

	check := time.NewTimer(c.startupCheck)
	defer check.Stop()

	select {
	case <-waitDone:
		stdinW.Close()
		stdoutR.Close()
		c.mu.Lock()
		waitErr := c.waitErr
		c.mu.Unlock()
		c.logger.Error("server process exited immediately", slog.Int("pid", cmd.Process.Pid), slog.Any("err", waitErr))
		return fmt.Errorf("%w: %s: %v", ErrProcessExited, cmd.ProcessState, waitErr)
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-waitDone
		stdinW.Close()
		stdoutR.Close()
		return fmt.Errorf("failed to start %s: %w", c.command, ctx.Err())
	case <-check.C:
	}

	pending := NewPendingRequests(c.logger, nil)
	readerDone := make(chan struct{})

	c.mu.Lock()
	c.cmd = cmd
	c.stdin = stdinW
	c.stdout = stdoutR
	c.pending = pending
	c.readerDone = readerDone
	c.waitDone = waitDone
	c.state = ProcessRunning
	c.mu.Unlock()

	go c.readLoop(stdoutR, pending, readerDone)

	c.logger.Info("server process started", slog.Int("pid", cmd.Process.Pid), slog.String("command", c.command))
	return nil
}

// Call sends a request to the child and waits for its response.
func (c *StdIOClient) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	pending, err := c.running()
	if err != nil {
		return nil, err
	}
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	id := NewNumberID(c.nextID.Add(1))
	call, err := pending.Register(id)
	if err != nil {
		return nil, err
	}

	if err := c.write(JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  method,
		Params:  raw,
	}); err != nil {
		pending.Forget(id)
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}
	return call.Wait(ctx)
}

// Notify writes a notification to the child. It returns as soon as the line is written.
func (c *StdIOClient) Notify(_ context.Context, method string, params any) error {
	if _, err := c.running(); err != nil {
		return err
	}
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}
	return c.write(JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  raw,
	})
}

// Stop shuts the child down: it closes both pipes, waits for the reader to exit, sends
// SIGTERM, and escalates to SIGKILL after the grace period. Pending calls fail with
// ErrTransportClosed. Stop on a client that is not running is a no-op.
func (c *StdIOClient) Stop() error {
	c.mu.Lock()
	if c.state != ProcessRunning {
		c.mu.Unlock()
		return nil
	}
	c.state = ProcessStopping
	cmd, stdin, stdout := c.cmd, c.stdin, c.stdout
	pending, readerDone, waitDone := c.pending, c.readerDone, c.waitDone
	c.mu.Unlock()

	c.logger.Info("stopping server process", slog.Int("pid", cmd.Process.Pid))

	var errs []error
	if err := stdin.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close stdin: %w", err))
	}
	if err := stdout.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close stdout: %w", err))
	}
	<-readerDone

	if err := c.terminate(cmd.Process.Pid, waitDone); err != nil {
		errs = append(errs, err)
	}
	pending.Close(ErrTransportClosed)

	c.mu.Lock()
	c.state = ProcessStopped
	c.cmd, c.stdin, c.stdout = nil, nil, nil
	c.mu.Unlock()

	c.logger.Info("server process stopped")
	return errors.Join(errs...)
}

// Close stops the child. It implements ClientTransport.
func (c *StdIOClient) Close() error {
	return c.Stop()
}

// State returns the lifecycle state of the child process.
func (c *StdIOClient) State() ProcessState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Pending returns the number of calls waiting for a response.
func (c *StdIOClient) Pending() int {
	c.mu.Lock()
	pending := c.pending
	c.mu.Unlock()
	if pending == nil {
		return 0
	}
	return pending.Len()
}

func (c *StdIOClient) terminate(pid int, waitDone <-chan struct{}) error {
	select {
	case <-waitDone:
		return nil
	default:
	}

	if err := unix.Kill(pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("failed to send SIGTERM to %d: %w", pid, err)
	}

	grace := time.NewTimer(c.stopGrace)
	defer grace.Stop()

	select {
	case <-waitDone:
		return nil
	case <-grace.C:
	}

	c.logger.Warn("server process ignored SIGTERM, sending SIGKILL", slog.Int("pid", pid))
	if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("failed to send SIGKILL to %d: %w", pid, err)
	}
	<-waitDone
	return nil
}

func (c *StdIOClient) running() (*PendingRequests, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != ProcessRunning {
		return nil, ErrNotRunning
	}
	return c.pending, nil
}

func (c *StdIOClient) write(msg JSONRPCMessage) error {
	bs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	bs = append(bs, '\n')

	c.mu.Lock()
	stdin := c.stdin
	c.mu.Unlock()
	if stdin == nil {
		return ErrNotRunning
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = stdin.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	n, err := stdin.Write(bs)
	if n != len(bs) {
		if err == nil {
			err = io.ErrShortWrite
		}
		c.logger.Error("failed to write complete message", slog.Int("written", n), slog.Int("size", len(bs)), slog.String("err", err.Error()))
		return fmt.Errorf("%w: wrote %d of %d bytes: %w", ErrShortWrite, n, len(bs), err)
	}
	if err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (c *StdIOClient) readLoop(r io.Reader, pending *PendingRequests, done chan<- struct{}) {
	defer close(done)
	defer pending.Close(ErrTransportClosed)

	var in *inbox
	if c.handler != nil {
		in = startInbox(c.handler, c.logger)
		defer in.close()
	}

	// bufio.Reader rather than bufio.Scanner, so long lines have no size cap.
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadBytes('\n')
		if line = bytes.TrimSpace(line); len(line) > 0 {
			c.handleLine(line, pending, in)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				c.logger.Error("failed to read from server process", slog.String("err", err.Error()))
			} else {
				c.logger.Debug("server process closed its output")
			}
			return
		}
	}
}

func (c *StdIOClient) handleLine(line []byte, pending *PendingRequests, in *inbox) {
	var msg JSONRPCMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		c.logger.Info("non-JSON output from server process", slog.String("line", string(line)))
		return
	}

	switch {
	case msg.IsResponse():
		pending.Resolve(msg)
	case msg.Method != "":
		c.logger.Info("unsolicited message from server process", slog.String("method", msg.Method))
		if in != nil {
			in.post(msg)
		}
	default:
		c.logger.Warn("dropping malformed message from server process", slog.String("line", string(line)))
	}
}

func (c *StdIOClient) setState(state ProcessState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

// mergeEnv returns base with the variables in extra added, replacing inherited entries with
// the same name.
func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	env := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		name, _, _ := strings.Cut(kv, "=")
		if _, ok := extra[name]; ok {
			continue
		}
		env = append(env, kv)
	}
	for _, name := range slices.Sorted(maps.Keys(extra)) {
		env = append(env, name+"="+extra[name])
	}
	return env
}

func (s ProcessState) String() string {
	switch s {
	case ProcessStopped:
		return "stopped"
	case ProcessStarting:
		return "starting"
	case ProcessRunning:
		return "running"
	case ProcessStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// ServeStdIO serves the server to a single client over r and w, one JSON-RPC message per
// line, until r is exhausted or ctx is done. The client gets one implicit session. Responses
// are written straight to w; server-initiated messages are drained from the session mailbox.
func (s *Server) ServeStdIO(ctx context.Context, r io.Reader, w io.Writer) error {
	sess, err := s.sessions.Create()
	if err != nil {
		return err
	}
	defer s.sessions.Close(sess.ID())

	out := &lineWriter{w: w}

	ctx, cancel := context.WithCancel(ctx)

	// In-flight requests finish and write their responses before the session closes.
	var wg conc.WaitGroup
	defer wg.Wait()
	defer cancel()

	wg.Go(func() {
		for {
			frame, ok, err := sess.mailbox.WaitNext(ctx)
			if err != nil {
				return
			}
			if !ok || frame.Event != sseEventMessage {
				continue
			}
			if err := out.writeLine([]byte(frame.Data)); err != nil {
				s.logger.Error("failed to write message", slog.String("err", err.Error()))
				return
			}
		}
	})

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		reader := bufio.NewReader(r)
		for {
			line, err := reader.ReadBytes('\n')
			if len(bytes.TrimSpace(line)) > 0 {
				select {
				case lines <- line:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			cancel()
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read message: %w", err)
		case line := <-lines:
			sess.mailbox.Touch()

			var msg JSONRPCMessage
			if err := json.Unmarshal(line, &msg); err != nil {
				s.logger.Warn("failed to parse message", slog.String("err", err.Error()))
				if err := out.writeParseError(err); err != nil {
					return err
				}
				continue
			}

			if !msg.IsRequest() {
				if resp, ok := s.HandleMessage(sess.Context(), sess.ID(), msg); ok {
					if err := out.writeMessage(resp); err != nil {
						return err
					}
				}
				continue
			}

			wg.Go(func() {
				resp, ok := s.HandleMessage(sess.Context(), sess.ID(), msg)
				if !ok {
					return
				}
				if err := out.writeMessage(resp); err != nil {
					s.logger.Error("failed to write response", slog.String("err", err.Error()))
				}
			})
		}
	}
}

// lineWriter writes whole lines to a shared writer.
type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

type parseErrorEnvelope struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      *RequestID    `json:"id"`
	Error   *JSONRPCError `json:"error"`
}

func (l *lineWriter) writeLine(bs []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	line := make([]byte, 0, len(bs)+1)
	line = append(line, bs...)
	line = append(line, '\n')
	if _, err := l.w.Write(line); err != nil {
		return fmt.Errorf("failed to write line: %w", err)
	}
	return nil
}

func (l *lineWriter) writeMessage(msg JSONRPCMessage) error {
	bs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return l.writeLine(bs)
}

func (l *lineWriter) writeParseError(cause error) error {
	bs, err := json.Marshal(parseErrorEnvelope{
		JSONRPC: JSONRPCVersion,
		Error:   toJSONRPCError(NewProtocolError(ErrKindParse, "Parse error: %s", cause)),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal parse error: %w", err)
	}
	return l.writeLine(bs)
}
