package mcp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Frame is one outbound server-sent event: an event type and its data line.
type Frame struct {
	Event string
	Data  string
}

// Mailbox hands outbound frames from producers to the single delivery loop of one session.
//
// It has two lanes. The keepalive lane is a single coalescing slot: Push overwrites an unread
// frame, so a burst of heartbeats collapses into the latest one. The response lane is a bounded
// FIFO: Enqueue never overwrites and waits for room instead, so concurrent handler completions
// for the same session are all delivered. WaitNext drains the response lane before the slot.
//
// Every Push or Enqueue advances an internal sequence counter that waiters observe. Once
// Close is called, producers fail with ErrMailboxClosed and every waiter, present or future,
// returns ErrMailboxClosed even if frames are still pending.
type Mailbox struct {
	clock    clockwork.Clock
	capacity int

	mu           sync.Mutex
	slot         *Frame
	queue        []Frame
	seq          uint64
	closed       bool
	changed      chan struct{}
	lastActivity time.Time

	onCoalesce func()
}

var defaultMailboxCapacity = 16

// NewMailbox creates an open mailbox whose response lane holds up to capacity frames. A
// non-positive capacity selects the default of 16. A nil clock uses the real clock.
func NewMailbox(capacity int, clock clockwork.Clock) *Mailbox {
	if capacity <= 0 {
		capacity = defaultMailboxCapacity
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Mailbox{
		clock:        clock,
		capacity:     capacity,
		changed:      make(chan struct{}),
		lastActivity: clock.Now(),
	}
}

// Push places f in the keepalive slot, replacing any frame that has not been read yet.
// It reports false if the mailbox is closed.
func (m *Mailbox) Push(f Frame) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	if m.slot != nil && m.onCoalesce != nil {
		m.onCoalesce()
	}
	m.slot = &f
	m.advanceLocked()
	return true
}

// Enqueue appends f to the response lane. When the lane is full it waits for the delivery
// loop to make room, giving up with ErrMailboxFull once ctx is done.
func (m *Mailbox) Enqueue(ctx context.Context, f Frame) error {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return ErrMailboxClosed
		}
		if len(m.queue) < m.capacity {
			m.queue = append(m.queue, f)
			m.advanceLocked()
			m.mu.Unlock()
			return nil
		}
		wait := m.changed
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrMailboxFull, ctx.Err())
		case <-wait:
		}
	}
}

// WaitNext returns the next frame. If nothing is pending it blocks until a producer adds a
// frame, the mailbox closes, or ctx is done, in which case ctx.Err() is returned.
//
// A false ok with a nil error means the waiter was woken but found nothing to take; the
// caller should simply wait again.
func (m *Mailbox) WaitNext(ctx context.Context) (Frame, bool, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Frame{}, false, ErrMailboxClosed
	}
	if f, ok := m.takeLocked(); ok {
		m.mu.Unlock()
		return f, true, nil
	}
	seen := m.seq
	wait := m.changed
	m.mu.Unlock()

	select {
	case <-ctx.Done():
		return Frame{}, false, ctx.Err()
	case <-wait:
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Frame{}, false, ErrMailboxClosed
	}
	if m.seq == seen {
		return Frame{}, false, nil
	}
	f, ok := m.takeLocked()
	return f, ok, nil
}

// Close closes the mailbox and wakes every waiter. It is safe to call more than once.
func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	close(m.changed)
}

// Closed reports whether Close has been called.
func (m *Mailbox) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Touch records activity without transferring any frame.
func (m *Mailbox) Touch() {
	m.mu.Lock()
	m.lastActivity = m.clock.Now()
	m.mu.Unlock()
}

// LastActivity returns the time of the last Touch, or the creation time.
func (m *Mailbox) LastActivity() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastActivity
}

// Pending returns the number of frames waiting in both lanes.
func (m *Mailbox) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.queue)
	if m.slot != nil {
		n++
	}
	return n
}

func (m *Mailbox) takeLocked() (Frame, bool) {
	if len(m.queue) > 0 {
		f := m.queue[0]
		m.queue[0] = Frame{}
		m.queue = m.queue[1:]
		// Wake producers blocked on a full lane. The sequence is left alone so waiters
		// can tell a drain from a new frame.
		m.notifyLocked()
		return f, true
	}
	if m.slot != nil {
		f := *m.slot
		m.slot = nil
		return f, true
	}
	return Frame{}, false
}

func (m *Mailbox) advanceLocked() {
	m.seq++
	m.notifyLocked()
}

func (m *Mailbox) notifyLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}
