// Package convo implements the append-only conversation log.
//
// Turn content lives in the document store (kv) under keys ordered by a
// monotonic nanosecond timestamp; user metadata lives in the structured
// store (identity). The two stores are only eventually consistent, so the
// log enforces one write-order discipline: a user record must exist in the
// structured store before any turn referencing it is written, and on delete
// the turn content is removed before the user record. A turn is therefore
// never visible without its owning user.
//
// Appended turns are immutable. A successful Append means the turn is
// durable in the document store. Transient store failures are retried with
// exponential backoff up to a bounded number of attempts and then surfaced
// wrapped in ErrStorageUnavailable.
package convo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/nocturnehq/confidant/pkg/identity"
	"github.com/nocturnehq/confidant/pkg/kv"
)

// Sentinel errors.
var (
	// ErrStorageUnavailable wraps a store error that persisted through the
	// bounded retry window.
	ErrStorageUnavailable = errors.New("convo: storage unavailable")

	// ErrUnknownUser is returned when a turn references an internal id
	// that has no user record. Callers must resolve identity first.
	ErrUnknownUser = errors.New("convo: unknown user")
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the three known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Turn is one immutable conversation message. Timestamp is Unix nanoseconds
// and doubles as the turn id: the store guarantees it is strictly increasing
// per process, so (timestamp, insertion sequence) ordering collapses into
// the timestamp alone.
type Turn struct {
	UserID    string `msgpack:"-"`
	Role      Role   `msgpack:"role"`
	Text      string `msgpack:"text"`
	Timestamp int64  `msgpack:"ts"`
}

// Time returns the turn timestamp as a time.Time.
func (t Turn) Time() time.Time {
	return time.Unix(0, t.Timestamp).UTC()
}

// Users is the slice of the identity store the log needs: existence checks
// on append and the structured-store half of a cascading delete.
type Users interface {
	UserByID(ctx context.Context, id string) (*identity.User, error)
	DeleteUser(ctx context.Context, id string) error
}

// Options configures the log's retry behavior.
type Options struct {
	// Attempts is the total number of tries for each store operation,
	// including the first. Default 4.
	Attempts int

	// BaseDelay is the backoff after the first failed attempt; it doubles
	// per attempt. Default 50ms.
	BaseDelay time.Duration
}

func (o *Options) attempts() int {
	if o != nil && o.Attempts > 0 {
		return o.Attempts
	}
	return 4
}

func (o *Options) baseDelay() time.Duration {
	if o != nil && o.BaseDelay > 0 {
		return o.BaseDelay
	}
	return 50 * time.Millisecond
}

// Log is the append-only conversation store.
type Log struct {
	docs  kv.Store
	users Users
	opts  *Options
}

// NewLog creates a conversation log over the given document and structured
// stores. Pass nil opts for defaults.
func NewLog(docs kv.Store, users Users, opts *Options) *Log {
	return &Log{docs: docs, users: users, opts: opts}
}

// turnKey builds the document-store key for a turn. The timestamp is
// zero-padded so lexicographic key order matches numeric timestamp order.
func turnKey(userID string, ts int64) kv.Key {
	return kv.Key{"turn", userID, fmt.Sprintf("%020d", ts)}
}

// turnPrefix is the scan prefix for all of one user's turns.
func turnPrefix(userID string) kv.Key {
	return kv.Key{"turn", userID}
}

// Append writes one immutable turn and returns its id (the stored
// timestamp in Unix nanoseconds). If at is the zero time the current time
// is used. Timestamps are forced monotonically increasing per process, so
// two appends under the same user lock can never collide or reorder.
//
// The owning user must already exist in the structured store; Append
// returns ErrUnknownUser otherwise, preserving the write-order discipline.
func (l *Log) Append(ctx context.Context, userID string, role Role, text string, at time.Time) (int64, error) {
	if !role.Valid() {
		return 0, fmt.Errorf("convo: invalid role %q", role)
	}

	if err := l.retry(ctx, func() error {
		_, err := l.users.UserByID(ctx, userID)
		return err
	}); err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return 0, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
		}
		return 0, err
	}

	ts := monotonicNano(at)
	turn := Turn{Role: role, Text: text, Timestamp: ts}
	data, err := msgpack.Marshal(turn)
	if err != nil {
		return 0, fmt.Errorf("convo: encode turn: %w", err)
	}

	if err := l.retry(ctx, func() error {
		return l.docs.Set(ctx, turnKey(userID, ts), data)
	}); err != nil {
		return 0, err
	}
	return ts, nil
}

// Recent returns up to limit turns in chronological order, most recent
// last. An empty history yields an empty slice, never an error.
func (l *Log) Recent(ctx context.Context, userID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		return []Turn{}, nil
	}

	var newestFirst []Turn
	err := l.retry(ctx, func() error {
		newestFirst = newestFirst[:0]
		for entry, err := range l.docs.ListReverse(ctx, turnPrefix(userID)) {
			if err != nil {
				return err
			}
			turn, err := decodeTurn(userID, entry)
			if err != nil {
				return err
			}
			newestFirst = append(newestFirst, turn)
			if len(newestFirst) == limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Reverse into chronological order.
	out := make([]Turn, len(newestFirst))
	for i, t := range newestFirst {
		out[len(out)-1-i] = t
	}
	return out, nil
}

// Since returns all turns with timestamp at or after the given time, in
// chronological order. Used for incremental reads.
func (l *Log) Since(ctx context.Context, userID string, since time.Time) ([]Turn, error) {
	cutoff := since.UnixNano()
	out := []Turn{}
	err := l.retry(ctx, func() error {
		out = out[:0]
		for entry, err := range l.docs.List(ctx, turnPrefix(userID)) {
			if err != nil {
				return err
			}
			turn, err := decodeTurn(userID, entry)
			if err != nil {
				return err
			}
			if turn.Timestamp < cutoff {
				continue
			}
			out = append(out, turn)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Count returns the number of turns stored for a user.
func (l *Log) Count(ctx context.Context, userID string) (int, error) {
	count := 0
	err := l.retry(ctx, func() error {
		count = 0
		for _, err := range l.docs.List(ctx, turnPrefix(userID)) {
			if err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Clear removes all turns for a user but keeps the user record.
func (l *Log) Clear(ctx context.Context, userID string) error {
	return l.retry(ctx, func() error {
		return l.deleteTurns(ctx, userID)
	})
}

// DeleteUser removes all of a user's turns and then the user record, in
// that order, so no turn is ever visible without its owning user. Each
// side is retried independently; a failure that outlives the retry window
// surfaces as ErrStorageUnavailable with the operation left incomplete on
// the structured-store side only (turns already gone, user row intact),
// which a repeated call converges on.
func (l *Log) DeleteUser(ctx context.Context, userID string) error {
	if err := l.retry(ctx, func() error {
		return l.deleteTurns(ctx, userID)
	}); err != nil {
		return err
	}
	return l.retry(ctx, func() error {
		err := l.users.DeleteUser(ctx, userID)
		if errors.Is(err, identity.ErrNotFound) {
			// Already gone; the cascade is idempotent.
			return nil
		}
		return err
	})
}

// deleteTurns removes every turn under a user's prefix in one batch.
func (l *Log) deleteTurns(ctx context.Context, userID string) error {
	var keys []kv.Key
	for entry, err := range l.docs.List(ctx, turnPrefix(userID)) {
		if err != nil {
			return err
		}
		keys = append(keys, entry.Key)
	}
	if len(keys) == 0 {
		return nil
	}
	return l.docs.BatchDelete(ctx, keys)
}

// retry runs fn with bounded exponential backoff. Context cancellation and
// identity.ErrNotFound pass through untouched; any other error that
// survives all attempts is wrapped in ErrStorageUnavailable.
func (l *Log) retry(ctx context.Context, fn func() error) error {
	var err error
	delay := l.opts.baseDelay()
	for attempt := 0; attempt < l.opts.attempts(); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		err = fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if errors.Is(err, identity.ErrNotFound) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
}

// decodeTurn unpacks one document-store entry into a Turn.
func decodeTurn(userID string, entry kv.Entry) (Turn, error) {
	var turn Turn
	if err := msgpack.Unmarshal(entry.Value, &turn); err != nil {
		return Turn{}, fmt.Errorf("convo: decode turn %s: %w", entry.Key, err)
	}
	turn.UserID = userID
	return turn, nil
}
