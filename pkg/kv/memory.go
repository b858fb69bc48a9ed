package kv

import (
	"bytes"
	"context"
	"iter"
	"sort"
	"sync"
)

// Memory is an in-memory Store implementation backed by a sorted snapshot
// over a map. It is safe for concurrent use and intended primarily for
// testing.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
	opts *Options

	// failNext, when > 0, makes the next writes fail with failErr.
	// Test hook for exercising retry paths.
	failNext int
	failErr  error
}

// NewMemory creates a new in-memory Store. Pass nil for default options.
func NewMemory(opts *Options) *Memory {
	return &Memory{
		data: make(map[string][]byte),
		opts: opts,
	}
}

// FailNext makes the next n Set/Delete/BatchDelete calls return err.
// Used by tests to simulate a transiently unavailable store.
func (m *Memory) FailNext(n int, err error) {
	m.mu.Lock()
	m.failNext = n
	m.failErr = err
	m.mu.Unlock()
}

// takeFailure consumes one injected failure if armed. Caller holds mu.
func (m *Memory) takeFailure() error {
	if m.failNext > 0 {
		m.failNext--
		return m.failErr
	}
	return nil
}

func (m *Memory) Get(_ context.Context, key Key) ([]byte, error) {
	k := string(m.opts.encode(key))
	m.mu.RLock()
	v, ok := m.data[k]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

func (m *Memory) Set(_ context.Context, key Key, value []byte) error {
	k := string(m.opts.encode(key))
	cp := make([]byte, len(value))
	copy(cp, value)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	m.data[k] = cp
	return nil
}

func (m *Memory) Delete(_ context.Context, key Key) error {
	k := string(m.opts.encode(key))
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	delete(m.data, k)
	return nil
}

func (m *Memory) List(_ context.Context, prefix Key) iter.Seq2[Entry, error] {
	return m.list(prefix, false)
}

func (m *Memory) ListReverse(_ context.Context, prefix Key) iter.Seq2[Entry, error] {
	return m.list(prefix, true)
}

func (m *Memory) list(prefix Key, reverse bool) iter.Seq2[Entry, error] {
	p := m.opts.encode(prefix)
	// Append separator so "a:b" prefix doesn't match "a:bc".
	// An empty prefix scans everything.
	var prefixBytes []byte
	if len(p) > 0 {
		prefixBytes = append(p, m.opts.sep())
	}

	// Snapshot matching keys under read lock.
	m.mu.RLock()
	type pair struct {
		key string
		val []byte
	}
	var matches []pair
	for k, v := range m.data {
		if len(prefixBytes) == 0 || bytes.HasPrefix([]byte(k), prefixBytes) {
			cp := make([]byte, len(v))
			copy(cp, v)
			matches = append(matches, pair{k, cp})
		}
	}
	m.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if reverse {
			return matches[i].key > matches[j].key
		}
		return matches[i].key < matches[j].key
	})

	return func(yield func(Entry, error) bool) {
		for _, p := range matches {
			entry := Entry{
				Key:   m.opts.decode([]byte(p.key)),
				Value: p.val,
			}
			if !yield(entry, nil) {
				return
			}
		}
	}
}

func (m *Memory) BatchDelete(_ context.Context, keys []Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	for _, key := range keys {
		k := string(m.opts.encode(key))
		delete(m.data, k)
	}
	return nil
}

func (m *Memory) Close() error {
	return nil
}
