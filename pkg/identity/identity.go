// Package identity provides the structured-store half of the assistant's
// split persistence: durable user records and platform bindings in SQLite,
// plus the identity resolver that maps a (platform, external id) pair to a
// stable internal user id.
//
// A binding is unique across all users. Two first-contact messages racing on
// the same never-seen binding are resolved by the UNIQUE constraint on the
// bindings table: the losing writer re-reads and returns the id the winner
// wrote. Only if resolution still cannot converge after a bounded number of
// attempts does Resolve give up with ErrConflict.
//
// This store holds user metadata only. Turn content lives in the document
// store (see the kv and convo packages).
package identity

import (
	"errors"
	"time"
)

// Sentinel errors.
var (
	// ErrNotFound is returned when a user or binding does not exist.
	ErrNotFound = errors.New("identity: not found")

	// ErrConflict is returned when binding resolution cannot converge
	// after bounded retries. This indicates the store is unhealthy, not a
	// logical race; races resolve transparently.
	ErrConflict = errors.New("identity: binding resolution did not converge")

	// ErrBindingTaken is returned by Bind when the (platform, external id)
	// pair already points at a different user.
	ErrBindingTaken = errors.New("identity: binding already taken")

	// ErrNameTaken is returned when a secret name is already in use.
	// Names are unique case-insensitively; they are how operators address
	// users from the CLI.
	ErrNameTaken = errors.New("identity: secret name already taken")
)

// User is a stable internal identity. The ID is immutable once assigned;
// platform bindings live in their own relation (see Binding).
type User struct {
	ID         string
	SecretName string
	Master     bool
	Roles      []string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	UpdatedBy  string
}

// HasRole reports whether the user carries the given role tag.
func (u *User) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Binding points a (platform, platform-local id) pair at exactly one
// internal user id.
type Binding struct {
	Platform   string
	ExternalID string
	UserID     string
	CreatedAt  time.Time
}
