// Package research persists research notes in the document store: findings
// saved under a topic, retrieved newest-first when the topic comes up again.
// A note is either scoped to the user it was gathered for or shared (no
// user), matching how an assistant keeps both personal and general notes.
package research

import (
	"context"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/nocturnehq/confidant/pkg/kv"
)

// Note is one saved research finding.
type Note struct {
	Topic     string `msgpack:"-"`
	Content   string `msgpack:"content"`
	UserID    string `msgpack:"user_id,omitempty"` // empty for shared notes
	Timestamp int64  `msgpack:"ts"`                // Unix nanoseconds
}

// Time returns the note's timestamp as a time.Time.
func (n Note) Time() time.Time {
	return time.Unix(0, n.Timestamp)
}

// Store reads and writes research notes.
type Store struct {
	docs kv.Store
	now  func() time.Time
}

// NewStore creates a research store over the document store.
func NewStore(docs kv.Store) *Store {
	return &Store{docs: docs, now: time.Now}
}

func noteKey(topic string, ts int64) kv.Key {
	return kv.Key{"research", topic, fmt.Sprintf("%020d", ts)}
}

func topicPrefix(topic string) kv.Key {
	return kv.Key{"research", topic}
}

// Save stores a note under a topic. An empty userID marks the note shared.
func (s *Store) Save(ctx context.Context, topic, content, userID string, at time.Time) error {
	if topic == "" {
		return fmt.Errorf("research: topic is required")
	}
	if content == "" {
		return fmt.Errorf("research: content is required")
	}
	if at.IsZero() {
		at = s.now()
	}
	note := Note{Content: content, UserID: userID, Timestamp: at.UTC().UnixNano()}
	raw, err := msgpack.Marshal(note)
	if err != nil {
		return fmt.Errorf("research: encode note: %w", err)
	}
	if err := s.docs.Set(ctx, noteKey(topic, note.Timestamp), raw); err != nil {
		return fmt.Errorf("research: write note for %s: %w", topic, err)
	}
	return nil
}

// Search returns a topic's notes newest-first. A non-empty userID restricts
// the result to that user's notes; an empty userID returns every note on
// the topic, shared and personal alike.
func (s *Store) Search(ctx context.Context, topic, userID string) ([]Note, error) {
	if topic == "" {
		return nil, fmt.Errorf("research: topic is required")
	}
	var notes []Note
	for entry, err := range s.docs.ListReverse(ctx, topicPrefix(topic)) {
		if err != nil {
			return nil, fmt.Errorf("research: list notes for %s: %w", topic, err)
		}
		note, err := decodeNote(topic, entry)
		if err != nil {
			return nil, err
		}
		if userID != "" && note.UserID != userID {
			continue
		}
		notes = append(notes, note)
	}
	return notes, nil
}

// DeleteUser removes every note scoped to the user. Shared notes stay.
func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("research: user id is required")
	}
	var keys []kv.Key
	for entry, err := range s.docs.List(ctx, kv.Key{"research"}) {
		if err != nil {
			return fmt.Errorf("research: list notes: %w", err)
		}
		note, err := decodeNote("", entry)
		if err != nil {
			return err
		}
		if note.UserID == userID {
			keys = append(keys, entry.Key)
		}
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.docs.BatchDelete(ctx, keys); err != nil {
		return fmt.Errorf("research: delete notes for %s: %w", userID, err)
	}
	return nil
}

func decodeNote(topic string, entry kv.Entry) (Note, error) {
	var note Note
	if err := msgpack.Unmarshal(entry.Value, &note); err != nil {
		return Note{}, fmt.Errorf("research: decode note %s: %w", entry.Key, err)
	}
	if topic == "" && len(entry.Key) >= 2 {
		topic = entry.Key[1]
	}
	note.Topic = topic
	return note, nil
}
