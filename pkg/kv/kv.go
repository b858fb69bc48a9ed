// Package kv provides the document-store half of the assistant's split
// persistence: a key-value store with hierarchical path-based keys. Keys are
// represented as string slices (e.g., ["turn", userID, ts]) and encoded
// internally using a configurable separator (default ':').
//
// The package includes a BadgerDB-backed implementation for production use
// and an in-memory implementation for testing. Document payloads —
// conversation turns, profile facts, research notes — live here; user
// metadata lives in the structured store (see the identity package).
package kv

import (
	"context"
	"errors"
	"iter"
	"strings"
)

// Sentinel errors.
var (
	// ErrNotFound is returned when a key does not exist in the store.
	ErrNotFound = errors.New("kv: not found")
)

// Key is a hierarchical path represented as a slice of string segments.
// For example, Key{"turn", "u1", "17123"} encodes to "turn:u1:17123" using
// the default separator ':'.
//
// Segments must not contain the configured separator character.
type Key []string

// String returns the key as a human-readable string using ':' as separator.
// This is for display/debug only; storage encoding goes through Options.
func (k Key) String() string {
	return strings.Join(k, ":")
}

// Entry is a key-value pair yielded by List and ListReverse.
type Entry struct {
	Key   Key
	Value []byte
}

// Store is the interface for a key-value store with path-based keys.
type Store interface {
	// Get retrieves the value for a key. Returns ErrNotFound if not present.
	Get(ctx context.Context, key Key) ([]byte, error)

	// Set stores a key-value pair. Overwrites any existing value.
	Set(ctx context.Context, key Key, value []byte) error

	// Delete removes a key. No error if the key does not exist.
	Delete(ctx context.Context, key Key) error

	// List iterates over all entries whose key starts with the given prefix,
	// in ascending lexicographic order of the encoded key.
	List(ctx context.Context, prefix Key) iter.Seq2[Entry, error]

	// ListReverse iterates the same entries as List but in descending key
	// order. Recency-bounded reads use this to stop early instead of
	// scanning a user's full history.
	ListReverse(ctx context.Context, prefix Key) iter.Seq2[Entry, error]

	// BatchDelete atomically removes multiple keys.
	BatchDelete(ctx context.Context, keys []Key) error

	// Close releases any resources held by the store.
	Close() error
}

// DefaultSeparator is the default separator byte used to encode key segments.
const DefaultSeparator byte = ':'

// Options configures store behavior.
type Options struct {
	// Separator is the byte used to join key segments when encoding to
	// storage. Default is ':' if zero.
	Separator byte
}

// sep returns the effective separator.
func (o *Options) sep() byte {
	if o != nil && o.Separator != 0 {
		return o.Separator
	}
	return DefaultSeparator
}

// encode converts a Key to its byte representation using the separator.
func (o *Options) encode(k Key) []byte {
	s := o.sep()
	n := 0
	for i, seg := range k {
		if i > 0 {
			n++ // separator
		}
		n += len(seg)
	}
	buf := make([]byte, n)
	pos := 0
	for i, seg := range k {
		if i > 0 {
			buf[pos] = s
			pos++
		}
		pos += copy(buf[pos:], seg)
	}
	return buf
}

// decode converts a byte representation back to a Key using the separator.
func (o *Options) decode(b []byte) Key {
	s := o.sep()
	var k Key
	start := 0
	for i := 0; i < len(b); i++ {
		if b[i] == s {
			k = append(k, string(b[start:i]))
			start = i + 1
		}
	}
	k = append(k, string(b[start:]))
	return k
}

// Validate reports an error if any key segment contains the separator.
// Callers that build keys from external input (platform identifiers,
// usernames) should validate before writing.
func (o *Options) Validate(k Key) error {
	s := o.sep()
	for _, seg := range k {
		if strings.IndexByte(seg, s) >= 0 {
			return errors.New("kv: key segment contains separator")
		}
	}
	return nil
}
