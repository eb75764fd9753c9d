package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// PendingRequests correlates responses that arrive on a reader goroutine with the callers that
// sent the matching requests. Both client transports and the server's own outbound requests
// use it.
//
// Each in-flight id has exactly one entry. An entry is removed when it is resolved, when its
// caller stops waiting, or when the registry is closed, so a late response for an evicted id
// finds nothing and is dropped.
type PendingRequests struct {
	logger  *slog.Logger
	metrics *Metrics

	mu      sync.Mutex
	pending map[RequestID]*PendingCall
	closed  error
}

// PendingCall is the completion handle returned by Register.
type PendingCall struct {
	id       RequestID
	registry *PendingRequests
	result   chan JSONRPCMessage
	failed   chan struct{}
	err      error
}

// NewPendingRequests creates an empty registry. A nil logger uses slog.Default.
func NewPendingRequests(logger *slog.Logger, metrics *Metrics) *PendingRequests {
	if logger == nil {
		logger = slog.Default()
	}
	return &PendingRequests{
		logger:  logger,
		metrics: metrics,
		pending: make(map[RequestID]*PendingCall),
	}
}

// Register records a pending entry for id. Reusing an id that is still in flight is rejected
// with ErrDuplicateID so the first caller's wait is never lost.
func (p *PendingRequests) Register(id RequestID) (*PendingCall, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed != nil {
		return nil, p.closed
	}
	if _, ok := p.pending[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	call := &PendingCall{
		id:       id,
		registry: p,
		result:   make(chan JSONRPCMessage, 1),
		failed:   make(chan struct{}),
	}
	p.pending[id] = call
	p.metrics.setPending(len(p.pending))
	return call, nil
}

// Resolve delivers msg to the caller waiting on msg.ID and removes the entry. A response with
// no matching entry is logged and dropped; Resolve reports whether a caller was found.
func (p *PendingRequests) Resolve(msg JSONRPCMessage) bool {
	p.mu.Lock()
	call, ok := p.pending[msg.ID]
	if ok {
		delete(p.pending, msg.ID)
		p.metrics.setPending(len(p.pending))
	}
	p.mu.Unlock()

	if !ok {
		p.logger.Warn("dropping response for unknown request id", slog.String("id", msg.ID.String()))
		return false
	}
	call.result <- msg
	return true
}

// Forget removes the entry for id without resolving it.
func (p *PendingRequests) Forget(id RequestID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.pending[id]; ok {
		delete(p.pending, id)
		p.metrics.setPending(len(p.pending))
	}
}

func (p *PendingRequests) evict(call *PendingCall) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pending[call.id] == call {
		delete(p.pending, call.id)
		p.metrics.setPending(len(p.pending))
	}
}

// Close fails every pending call with err and makes future Register calls fail with it too.
func (p *PendingRequests) Close(err error) {
	p.mu.Lock()
	if p.closed != nil {
		p.mu.Unlock()
		return
	}
	p.closed = err
	calls := p.pending
	p.pending = make(map[RequestID]*PendingCall)
	p.metrics.setPending(0)
	p.mu.Unlock()

	for _, call := range calls {
		call.err = err
		close(call.failed)
	}
}

// Len returns the number of requests in flight.
func (p *PendingRequests) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// ID returns the request id this call waits for.
func (c *PendingCall) ID() RequestID {
	return c.id
}

// Wait blocks until the response arrives, the registry is closed, or ctx is done. On ctx
// expiry the entry is evicted and the returned error wraps ErrRequestTimeout. A response
// carrying a JSON-RPC error is returned as a JSONRPCError.
func (c *PendingCall) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case msg := <-c.result:
		if msg.Error != nil {
			return nil, *msg.Error
		}
		return msg.Result, nil
	case <-c.failed:
		return nil, c.err
	case <-ctx.Done():
		c.registry.evict(c)
		// The response may have raced with the deadline.
		select {
		case msg := <-c.result:
			if msg.Error != nil {
				return nil, *msg.Error
			}
			return msg.Result, nil
		default:
		}
		return nil, fmt.Errorf("%w: id %s: %w", ErrRequestTimeout, c.id, ctx.Err())
	}
}
