package session

import (
	"context"
	"sync"
	"testing"
	"time"
)

// waiters reports the queue depth for a user. Test helper.
func (m *Manager) waiters(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[userID]
	if !ok {
		return 0
	}
	return len(e.queue)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestAcquireRelease(t *testing.T) {
	m := NewManager(time.Minute, nil)
	ctx := context.Background()

	if err := m.Acquire(ctx, "u1"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	m.Release("u1")
	if err := m.Acquire(ctx, "u1"); err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	m.Release("u1")
}

func TestDifferentUsersDoNotBlock(t *testing.T) {
	m := NewManager(time.Minute, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := m.Acquire(ctx, "u1"); err != nil {
		t.Fatalf("Acquire u1: %v", err)
	}
	if err := m.Acquire(ctx, "u2"); err != nil {
		t.Fatalf("Acquire u2 blocked by u1's lock: %v", err)
	}
	m.Release("u1")
	m.Release("u2")
}

func TestSameUserSerialized(t *testing.T) {
	m := NewManager(time.Minute, nil)
	ctx := context.Background()

	var mu sync.Mutex
	inCritical := false
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Acquire(ctx, "u1"); err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			mu.Lock()
			if inCritical {
				t.Error("two holders inside the critical section")
			}
			inCritical = true
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inCritical = false
			mu.Unlock()
			m.Release("u1")
		}()
	}
	wg.Wait()
}

func TestWaitersGrantedFIFO(t *testing.T) {
	m := NewManager(time.Minute, nil)
	ctx := context.Background()

	if err := m.Acquire(ctx, "u1"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	var mu sync.Mutex
	var order []string

	start := func(tag string) {
		go func() {
			if err := m.Acquire(ctx, "u1"); err != nil {
				t.Errorf("Acquire %s: %v", tag, err)
				return
			}
			mu.Lock()
			order = append(order, tag)
			mu.Unlock()
			m.Release("u1")
		}()
	}

	start("second")
	waitFor(t, func() bool { return m.waiters("u1") == 1 })
	start("third")
	waitFor(t, func() bool { return m.waiters("u1") == 2 })

	m.Release("u1")
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	if order[0] != "second" || order[1] != "third" {
		t.Fatalf("grant order = %v, want [second third]", order)
	}
}

func TestAcquireCanceledWhileQueued(t *testing.T) {
	m := NewManager(time.Minute, nil)
	ctx := context.Background()

	if err := m.Acquire(ctx, "u1"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	waitCtx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- m.Acquire(waitCtx, "u1") }()
	waitFor(t, func() bool { return m.waiters("u1") == 1 })

	cancel()
	if err := <-errc; err != context.Canceled {
		t.Fatalf("Acquire after cancel = %v, want context.Canceled", err)
	}
	if n := m.waiters("u1"); n != 0 {
		t.Fatalf("canceled waiter left in queue, depth %d", n)
	}

	// The lock still works for the next caller.
	m.Release("u1")
	quick, quickCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer quickCancel()
	if err := m.Acquire(quick, "u1"); err != nil {
		t.Fatalf("Acquire after canceled waiter: %v", err)
	}
	m.Release("u1")
}

func TestEvictIdle(t *testing.T) {
	m := NewManager(time.Minute, nil)
	ctx := context.Background()

	now := time.Now()
	m.now = func() time.Time { return now }

	if err := m.Acquire(ctx, "stale"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	m.Release("stale")
	if err := m.Acquire(ctx, "held"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	now = now.Add(2 * time.Minute)
	if n := m.EvictIdle(); n != 1 {
		t.Fatalf("EvictIdle = %d, want 1", n)
	}
	if m.Active() != 1 {
		t.Fatalf("Active = %d, want the held session to survive", m.Active())
	}
	m.Release("held")
}

func TestTouchPreventsEviction(t *testing.T) {
	m := NewManager(time.Minute, nil)
	ctx := context.Background()

	now := time.Now()
	m.now = func() time.Time { return now }

	if err := m.Acquire(ctx, "u1"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	m.Release("u1")

	now = now.Add(50 * time.Second)
	m.Touch("u1")
	now = now.Add(50 * time.Second)

	if n := m.EvictIdle(); n != 0 {
		t.Fatalf("EvictIdle = %d, want touched session kept", n)
	}
	if m.Active() != 1 {
		t.Fatalf("Active = %d, want 1", m.Active())
	}
}
