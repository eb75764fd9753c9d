package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sourcegraph/conc/panics"
)

// SessionState is the position of a session in the initialization handshake.
type SessionState int32

// Session states. A session starts Unauthenticated, becomes Initializing once an initialize
// request succeeds, and Ready when the initialized notification follows.
const (
	SessionUnauthenticated SessionState = iota
	SessionInitializing
	SessionReady
)

// Session is the server-side state of one logical connection: its mailbox, handshake state
// and activity. Sessions are created and owned by a SessionManager.
type Session struct {
	id      string
	mailbox *Mailbox

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    SessionState
	client   Info
	loopDone chan struct{}
}

// SessionManager owns the set of live sessions. It creates them, evicts idle ones, and tears
// all of them down on shutdown.
type SessionManager struct {
	clock           clockwork.Clock
	logger          *slog.Logger
	metrics         *Metrics
	mailboxCapacity int
	shutdownTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
	hooks    map[string]func(sessionID string)
	closed   bool
}

// SessionManagerOption represents the options for the SessionManager.
type SessionManagerOption func(*SessionManager)

var (
	defaultSessionIdleTimeout     = 60 * time.Minute
	defaultSessionSweepInterval   = time.Minute
	defaultSessionShutdownTimeout = 2 * time.Second
)

// NewSessionManager creates an empty session table.
func NewSessionManager(options ...SessionManagerOption) *SessionManager {
	m := &SessionManager{
		clock:           clockwork.NewRealClock(),
		logger:          slog.Default(),
		mailboxCapacity: defaultMailboxCapacity,
		shutdownTimeout: defaultSessionShutdownTimeout,
		sessions:        make(map[string]*Session),
		hooks:           make(map[string]func(string)),
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// WithSessionClock sets the clock used for activity timestamps and the idle sweep.
func WithSessionClock(clock clockwork.Clock) SessionManagerOption {
	return func(m *SessionManager) {
		m.clock = clock
	}
}

// WithSessionLogger sets the logger for the session manager.
func WithSessionLogger(logger *slog.Logger) SessionManagerOption {
	return func(m *SessionManager) {
		m.logger = logger.With(
			slog.String("package", "mcp-engine"),
			slog.String("component", "sessions"),
		)
	}
}

// WithSessionMetrics makes the manager report active and swept sessions.
func WithSessionMetrics(metrics *Metrics) SessionManagerOption {
	return func(m *SessionManager) {
		m.metrics = metrics
	}
}

// WithMailboxCapacity sets the response lane capacity of every new session's mailbox.
func WithMailboxCapacity(capacity int) SessionManagerOption {
	return func(m *SessionManager) {
		m.mailboxCapacity = capacity
	}
}

// WithSessionShutdownTimeout bounds how long Shutdown waits for delivery loops to exit.
func WithSessionShutdownTimeout(timeout time.Duration) SessionManagerOption {
	return func(m *SessionManager) {
		m.shutdownTimeout = timeout
	}
}

// Create registers a new session with a fresh random id and an empty mailbox.
func (m *SessionManager) Create() (*Session, error) {
	ctx, cancel := context.WithCancel(context.Background())
	mb := NewMailbox(m.mailboxCapacity, m.clock)
	mb.onCoalesce = m.metrics.heartbeatCoalesced

	sess := &Session{
		id:      uuid.NewString(),
		mailbox: mb,
		ctx:     ctx,
		cancel:  cancel,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return nil, ErrShuttingDown
	}
	m.sessions[sess.id] = sess
	n := len(m.sessions)
	m.mu.Unlock()

	m.metrics.setActiveSessions(n)
	m.logger.Debug("session created", slog.String("sessionID", sess.id))
	return sess, nil
}

// Get returns the live session with the given id.
func (m *SessionManager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	return sess, ok
}

// Touch records activity on the session. It reports false if the id is unknown.
func (m *SessionManager) Touch(id string) bool {
	sess, ok := m.Get(id)
	if !ok {
		return false
	}
	sess.mailbox.Touch()
	return true
}

// MarkInitializing records a successful initialize request and the client that sent it.
func (m *SessionManager) MarkInitializing(id string, client Info) bool {
	sess, ok := m.Get(id)
	if !ok {
		m.logger.Warn("initialize for unknown session", slog.String("sessionID", id))
		return false
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	sess.client = client
	if sess.state == SessionUnauthenticated {
		sess.state = SessionInitializing
	}
	return true
}

// MarkInitialized completes the handshake. It is a logged no-op for unknown ids and for
// sessions whose initialize request has not succeeded.
func (m *SessionManager) MarkInitialized(id string) bool {
	sess, ok := m.Get(id)
	if !ok {
		m.logger.Warn("initialized notification for unknown session", slog.String("sessionID", id))
		return false
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	switch sess.state {
	case SessionInitializing:
		sess.state = SessionReady
		m.logger.Info("session initialized",
			slog.String("sessionID", id),
			slog.String("client", sess.client.Name),
			slog.String("clientVersion", sess.client.Version))
		return true
	case SessionReady:
		return true
	default:
		m.logger.Warn("initialized notification before initialize", slog.String("sessionID", id))
		return false
	}
}

// IsInitialized reports whether the session completed the handshake. Unknown ids are false.
func (m *SessionManager) IsInitialized(id string) bool {
	sess, ok := m.Get(id)
	if !ok {
		return false
	}
	return sess.State() == SessionReady
}

// RegisterCleanup installs a hook that runs with the session id whenever a session closes.
// Registering the same tag again replaces the previous hook.
func (m *SessionManager) RegisterCleanup(tag string, hook func(sessionID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks[tag] = hook
}

// UnregisterCleanup removes the hook registered under tag.
func (m *SessionManager) UnregisterCleanup(tag string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.hooks, tag)
}

// Close removes the session, runs the cleanup hooks, and closes its mailbox so the delivery
// loop observes the closure. It reports false if the id is unknown.
func (m *SessionManager) Close(id string) bool {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.sessions, id)
	hooks := make(map[string]func(string), len(m.hooks))
	for tag, hook := range m.hooks {
		hooks[tag] = hook
	}
	n := len(m.sessions)
	m.mu.Unlock()

	for tag, hook := range hooks {
		var pc panics.Catcher
		pc.Try(func() { hook(id) })
		if r := pc.Recovered(); r != nil {
			m.logger.Error("session cleanup hook panicked",
				slog.String("sessionID", id),
				slog.String("tag", tag),
				slog.Any("panic", r.Value))
		}
	}

	sess.cancel()
	sess.mailbox.Close()

	m.metrics.setActiveSessions(n)
	m.logger.Debug("session closed", slog.String("sessionID", id))
	return true
}

// SweepIdle closes every session whose last activity is older than threshold and returns
// how many were closed.
func (m *SessionManager) SweepIdle(threshold time.Duration) int {
	now := m.clock.Now()

	m.mu.Lock()
	var idle []string
	for id, sess := range m.sessions {
		if now.Sub(sess.mailbox.LastActivity()) > threshold {
			idle = append(idle, id)
		}
	}
	m.mu.Unlock()

	closed := 0
	for _, id := range idle {
		if m.Close(id) {
			closed++
		}
	}
	if closed > 0 {
		m.metrics.sessionsSwept(closed)
		m.logger.Info("closed idle sessions", slog.Int("count", closed), slog.Duration("threshold", threshold))
	}
	return closed
}

// RunSweeper calls SweepIdle every interval until ctx is done.
func (m *SessionManager) RunSweeper(ctx context.Context, interval, threshold time.Duration) error {
	if interval <= 0 {
		interval = defaultSessionSweepInterval
	}
	if threshold <= 0 {
		threshold = defaultSessionIdleTimeout
	}

	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			m.SweepIdle(threshold)
		}
	}
}

// Len returns the number of live sessions.
func (m *SessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown closes every live session and waits for their delivery loops to exit. Loops that
// are still running after the shutdown timeout, or when ctx is done, are detached and logged.
func (m *SessionManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.Unlock()

	var loops []chan struct{}
	for _, sess := range sessions {
		if done, ok := sess.runningLoop(); ok {
			loops = append(loops, done)
		}
		m.Close(sess.id)
	}

	deadline := time.NewTimer(m.shutdownTimeout)
	defer deadline.Stop()

	var detached int
	for _, done := range loops {
		select {
		case <-done:
		case <-deadline.C:
			detached++
		case <-ctx.Done():
			detached++
		}
	}

	if detached > 0 {
		m.logger.Warn("detaching delivery loops that did not exit in time", slog.Int("count", detached))
		return fmt.Errorf("failed to stop %d delivery loops: %w", detached, context.DeadlineExceeded)
	}
	return nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Mailbox returns the session's outbound mailbox.
func (s *Session) Mailbox() *Mailbox { return s.mailbox }

// Done is closed when the session is closed.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Context returns a context that is cancelled when the session closes.
func (s *Session) Context() context.Context { return s.ctx }

// State returns the handshake state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ClientInfo returns the client name and version captured by initialize.
func (s *Session) ClientInfo() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// attachLoop marks a delivery loop as running on the session. The returned func must be
// called when the loop exits.
func (s *Session) attachLoop() func() {
	done := make(chan struct{})

	s.mu.Lock()
	s.loopDone = done
	s.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

func (s *Session) runningLoop() (chan struct{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loopDone == nil {
		return nil, false
	}
	select {
	case <-s.loopDone:
		return nil, false
	default:
		return s.loopDone, true
	}
}

func (s SessionState) String() string {
	switch s {
	case SessionUnauthenticated:
		return "unauthenticated"
	case SessionInitializing:
		return "initializing"
	case SessionReady:
		return "ready"
	default:
		return "unknown"
	}
}
