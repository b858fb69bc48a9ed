// Package profile persists per-user profile facts in the document store:
// small key-value observations about a person ("likes": "dinosaurs") that
// personalize replies across conversations. One msgpack document per user;
// updates merge into the existing facts rather than replacing them.
package profile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/nocturnehq/confidant/pkg/kv"
)

type document struct {
	Facts     map[string]string `msgpack:"facts"`
	UpdatedAt int64             `msgpack:"updated_at"`
}

// Store reads and writes profile fact documents.
type Store struct {
	docs kv.Store
	now  func() time.Time
}

// NewStore creates a profile store over the document store.
func NewStore(docs kv.Store) *Store {
	return &Store{docs: docs, now: time.Now}
}

func factsKey(userID string) kv.Key {
	return kv.Key{"facts", userID}
}

// Get returns the user's facts, or an empty map if none are stored.
func (s *Store) Get(ctx context.Context, userID string) (map[string]string, error) {
	doc, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if doc.Facts == nil {
		return map[string]string{}, nil
	}
	return doc.Facts, nil
}

// Merge adds or updates facts, keeping existing keys that are not named.
func (s *Store) Merge(ctx context.Context, userID string, facts map[string]string) error {
	if len(facts) == 0 {
		return nil
	}
	doc, err := s.load(ctx, userID)
	if err != nil {
		return err
	}
	if doc.Facts == nil {
		doc.Facts = make(map[string]string, len(facts))
	}
	for k, v := range facts {
		if k == "" {
			return fmt.Errorf("profile: empty fact key")
		}
		doc.Facts[k] = v
	}
	return s.save(ctx, userID, doc)
}

// Unset removes the named facts. Unknown keys are ignored.
func (s *Store) Unset(ctx context.Context, userID string, keys ...string) error {
	doc, err := s.load(ctx, userID)
	if err != nil {
		return err
	}
	if len(doc.Facts) == 0 {
		return nil
	}
	for _, k := range keys {
		delete(doc.Facts, k)
	}
	if len(doc.Facts) == 0 {
		return s.Delete(ctx, userID)
	}
	return s.save(ctx, userID, doc)
}

// Delete removes the user's whole fact document.
func (s *Store) Delete(ctx context.Context, userID string) error {
	if err := s.docs.Delete(ctx, factsKey(userID)); err != nil {
		return fmt.Errorf("profile: delete facts for %s: %w", userID, err)
	}
	return nil
}

func (s *Store) load(ctx context.Context, userID string) (document, error) {
	raw, err := s.docs.Get(ctx, factsKey(userID))
	if errors.Is(err, kv.ErrNotFound) {
		return document{}, nil
	}
	if err != nil {
		return document{}, fmt.Errorf("profile: read facts for %s: %w", userID, err)
	}
	var doc document
	if err := msgpack.Unmarshal(raw, &doc); err != nil {
		return document{}, fmt.Errorf("profile: decode facts for %s: %w", userID, err)
	}
	return doc, nil
}

func (s *Store) save(ctx context.Context, userID string, doc document) error {
	doc.UpdatedAt = s.now().UTC().UnixNano()
	raw, err := msgpack.Marshal(doc)
	if err != nil {
		return fmt.Errorf("profile: encode facts for %s: %w", userID, err)
	}
	if err := s.docs.Set(ctx, factsKey(userID), raw); err != nil {
		return fmt.Errorf("profile: write facts for %s: %w", userID, err)
	}
	return nil
}
