// Package session tracks short-lived in-memory per-user state: a
// last-activity timestamp and a per-user serialization lock. Nothing here
// is durable; the manager rebuilds from empty on restart and idle sessions
// are evicted without touching conversation history.
//
// The lock serializes message handling per user: at most one in-flight
// request mutates a user's conversation state at a time, and waiters for
// the same user are granted in FIFO arrival order. Requests for different
// users proceed independently.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultIdleTimeout is the eviction age for inactive sessions.
const DefaultIdleTimeout = 30 * time.Minute

// entry is the in-memory state for one user.
type entry struct {
	held       bool
	queue      []chan struct{} // FIFO handoff channels for waiters
	lastActive time.Time
}

// Manager owns all session entries.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*entry
	idle     time.Duration
	logger   *slog.Logger
	now      func() time.Time // injectable for tests
}

// NewManager creates a session manager. idle <= 0 selects
// DefaultIdleTimeout; a nil logger selects slog.Default().
func NewManager(idle time.Duration, logger *slog.Logger) *Manager {
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions: make(map[string]*entry),
		idle:     idle,
		logger:   logger,
		now:      time.Now,
	}
}

// Acquire blocks until the caller holds the user's serialization lock or
// ctx is done. Waiters are granted strictly in arrival order.
func (m *Manager) Acquire(ctx context.Context, userID string) error {
	m.mu.Lock()
	e := m.entry(userID)
	e.lastActive = m.now()
	if !e.held {
		e.held = true
		m.mu.Unlock()
		return nil
	}

	ch := make(chan struct{})
	e.queue = append(e.queue, ch)
	m.mu.Unlock()

	select {
	case <-ch:
		// Release handed the lock over; held is still true.
		return nil
	case <-ctx.Done():
		m.mu.Lock()
		select {
		case <-ch:
			// The handoff raced the cancellation and we now own the
			// lock; pass it straight to the next waiter.
			m.handoffLocked(e)
		default:
			m.dropWaiterLocked(e, ch)
		}
		m.mu.Unlock()
		return ctx.Err()
	}
}

// Release hands the user's lock to the oldest waiter, or marks it free.
// Releasing a lock that is not held is a no-op.
func (m *Manager) Release(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[userID]
	if !ok || !e.held {
		return
	}
	e.lastActive = m.now()
	m.handoffLocked(e)
}

// Touch refreshes the user's last-activity timestamp so an active
// conversation is not evicted between messages.
func (m *Manager) Touch(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[userID]; ok {
		e.lastActive = m.now()
	}
}

// Active returns the number of tracked sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Start runs the eviction janitor until ctx is canceled.
func (m *Manager) Start(ctx context.Context) {
	interval := m.idle / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.EvictIdle()
		}
	}
}

// EvictIdle drops sessions that are unheld, unqueued, and older than the
// idle timeout. Eviction only discards in-memory bookkeeping, so it is
// always safe; the next message for the user recreates the entry.
func (m *Manager) EvictIdle() int {
	cutoff := m.now().Add(-m.idle)
	m.mu.Lock()
	defer m.mu.Unlock()
	evicted := 0
	for id, e := range m.sessions {
		if !e.held && len(e.queue) == 0 && e.lastActive.Before(cutoff) {
			delete(m.sessions, id)
			evicted++
		}
	}
	if evicted > 0 {
		m.logger.Debug("evicted idle sessions", "count", evicted, "remaining", len(m.sessions))
	}
	return evicted
}

// entry returns the session for a user, creating it if absent.
// Caller holds mu.
func (m *Manager) entry(userID string) *entry {
	e, ok := m.sessions[userID]
	if !ok {
		e = &entry{}
		m.sessions[userID] = e
	}
	return e
}

// handoffLocked grants the lock to the oldest waiter or frees it.
// Caller holds mu.
func (m *Manager) handoffLocked(e *entry) {
	if len(e.queue) > 0 {
		ch := e.queue[0]
		e.queue = e.queue[1:]
		close(ch)
		return
	}
	e.held = false
}

// dropWaiterLocked removes a canceled waiter's channel from the queue.
// Caller holds mu.
func (m *Manager) dropWaiterLocked(e *entry, ch chan struct{}) {
	for i, w := range e.queue {
		if w == ch {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			return
		}
	}
}
