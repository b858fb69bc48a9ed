package kv_test

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/nocturnehq/confidant/pkg/kv"
)

// newBadgerStore creates an in-memory badger Store for testing.
func newBadgerStore(t *testing.T, opts *kv.Options) kv.Store {
	t.Helper()
	s, err := kv.NewBadger(kv.BadgerOptions{
		Options:  opts,
		InMemory: true,
	})
	if err != nil {
		t.Fatalf("NewBadger: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBadgerGetSetDelete(t *testing.T) {
	ctx := context.Background()
	s := newBadgerStore(t, nil)

	key := kv.Key{"turn", "u1", "100"}

	_, err := s.Get(ctx, key)
	if !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.Set(ctx, key, []byte("hello")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("Get = %q, want %q", got, "hello")
	}

	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, err = s.Get(ctx, key)
	if !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestBadgerListOrdering(t *testing.T) {
	ctx := context.Background()
	s := newBadgerStore(t, nil)

	// Insert out of order; both scans must come back sorted by key.
	for _, ts := range []string{"200", "100", "300"} {
		if err := s.Set(ctx, kv.Key{"turn", "u1", ts}, []byte(ts)); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}
	// A neighbouring user must not leak into the scan.
	if err := s.Set(ctx, kv.Key{"turn", "u10", "100"}, []byte("other")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	var asc []string
	for entry, err := range s.List(ctx, kv.Key{"turn", "u1"}) {
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		asc = append(asc, string(entry.Value))
	}
	if want := []string{"100", "200", "300"}; !slices.Equal(asc, want) {
		t.Fatalf("List = %v, want %v", asc, want)
	}

	var desc []string
	for entry, err := range s.ListReverse(ctx, kv.Key{"turn", "u1"}) {
		if err != nil {
			t.Fatalf("ListReverse: %v", err)
		}
		desc = append(desc, string(entry.Value))
	}
	if want := []string{"300", "200", "100"}; !slices.Equal(desc, want) {
		t.Fatalf("ListReverse = %v, want %v", desc, want)
	}
}

func TestBadgerBatchDelete(t *testing.T) {
	ctx := context.Background()
	s := newBadgerStore(t, nil)

	var keys []kv.Key
	for _, ts := range []string{"100", "200", "300"} {
		k := kv.Key{"turn", "u1", ts}
		keys = append(keys, k)
		if err := s.Set(ctx, k, []byte(ts)); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}

	if err := s.BatchDelete(ctx, keys); err != nil {
		t.Fatalf("BatchDelete: %v", err)
	}

	for entry, err := range s.List(ctx, kv.Key{"turn", "u1"}) {
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		t.Fatalf("unexpected surviving entry %v", entry.Key)
	}
}
