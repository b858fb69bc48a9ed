package identity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// resolveAttempts bounds how many times Resolve retries the read path after
// losing a first-contact race.
const resolveAttempts = 3

// Store is the SQLite-backed identity store.
type Store struct {
	db  *sql.DB
	now func() time.Time // injectable for tests
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id          TEXT PRIMARY KEY,
	secret_name TEXT NOT NULL,
	is_master   INTEGER NOT NULL DEFAULT 0,
	roles       TEXT NOT NULL DEFAULT '[]',
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	updated_by  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS bindings (
	platform    TEXT NOT NULL,
	external_id TEXT NOT NULL,
	user_id     TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	created_at  INTEGER NOT NULL,
	PRIMARY KEY (platform, external_id)
);

CREATE INDEX IF NOT EXISTS idx_bindings_user ON bindings(user_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_users_secret_name ON users(secret_name COLLATE NOCASE);
`

// Open opens (creating if necessary) the identity database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("identity: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("identity: open database: %w", err)
	}
	// SQLite allows one writer; a single pooled connection avoids
	// SQLITE_BUSY churn and keeps the per-connection pragmas in effect.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("identity: %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("identity: initialize schema: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Resolve maps a (platform, external id) binding to an internal user id,
// creating a new user on first contact. Resolving an existing binding is
// idempotent and side-effect-free.
//
// A lost creation race (another writer inserted the same binding first) is
// retried transparently by re-reading; ErrConflict surfaces only if the
// store cannot converge within resolveAttempts.
func (s *Store) Resolve(ctx context.Context, platform, externalID string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < resolveAttempts; attempt++ {
		id, err := s.lookupBinding(ctx, platform, externalID)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("identity: resolve %s/%s: %w", platform, externalID, err)
		}

		id, err = s.createFirstContact(ctx, platform, externalID)
		if err == nil {
			return id, nil
		}
		if !isUniqueViolation(err) {
			return "", fmt.Errorf("identity: resolve %s/%s: %w", platform, externalID, err)
		}
		// Lost the race; the winner's row will show up on re-read.
		lastErr = err
	}
	return "", fmt.Errorf("%w: %s/%s: %v", ErrConflict, platform, externalID, lastErr)
}

func (s *Store) lookupBinding(ctx context.Context, platform, externalID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		"SELECT user_id FROM bindings WHERE platform = ? AND external_id = ?",
		platform, externalID).Scan(&id)
	return id, err
}

// createFirstContact inserts a fresh user and its binding in one
// transaction, so the user row is never visible without its binding and
// the binding never references a missing user.
func (s *Store) createFirstContact(ctx context.Context, platform, externalID string) (string, error) {
	id := uuid.NewString()
	now := s.now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	// Auto-created users get a placeholder secret name derived from the
	// internal id; an operator renames it later via the CLI.
	secretName := "user-" + id[:8]
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO users (id, secret_name, is_master, roles, created_at, updated_at, updated_by) VALUES (?, ?, 0, '[]', ?, ?, ?)",
		id, secretName, now.UnixNano(), now.UnixNano(), "resolver"); err != nil {
		return "", err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO bindings (platform, external_id, user_id, created_at) VALUES (?, ?, ?, ?)",
		platform, externalID, id, now.UnixNano()); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

// CreateUser inserts an administratively seeded user. If u.ID is empty a
// new id is generated. Returns the stored user.
func (s *Store) CreateUser(ctx context.Context, u User) (User, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.SecretName == "" {
		return User{}, fmt.Errorf("identity: create user: secret name is required")
	}
	if u.UpdatedBy == "" {
		return User{}, fmt.Errorf("identity: create user: updated-by is required")
	}
	if u.Roles == nil {
		u.Roles = []string{}
	}
	roles, err := json.Marshal(u.Roles)
	if err != nil {
		return User{}, fmt.Errorf("identity: encode roles: %w", err)
	}

	now := s.now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO users (id, secret_name, is_master, roles, created_at, updated_at, updated_by) VALUES (?, ?, ?, ?, ?, ?, ?)",
		u.ID, u.SecretName, boolToInt(u.Master), string(roles),
		now.UnixNano(), now.UnixNano(), u.UpdatedBy)
	if err != nil {
		if isUniqueViolation(err) {
			return User{}, fmt.Errorf("%w: %s", ErrNameTaken, u.SecretName)
		}
		return User{}, fmt.Errorf("identity: create user: %w", err)
	}
	return u, nil
}

// Bind attaches a (platform, external id) binding to an existing user.
// This is the primitive an administrative identity merge would build on.
func (s *Store) Bind(ctx context.Context, platform, externalID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO bindings (platform, external_id, user_id, created_at) VALUES (?, ?, ?, ?)",
		platform, externalID, userID, s.now().UTC().UnixNano())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s/%s", ErrBindingTaken, platform, externalID)
		}
		return fmt.Errorf("identity: bind %s/%s: %w", platform, externalID, err)
	}
	return nil
}

// Bindings returns all bindings pointing at a user.
func (s *Store) Bindings(ctx context.Context, userID string) ([]Binding, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT platform, external_id, user_id, created_at FROM bindings WHERE user_id = ? ORDER BY platform, external_id",
		userID)
	if err != nil {
		return nil, fmt.Errorf("identity: list bindings: %w", err)
	}
	defer rows.Close()

	var out []Binding
	for rows.Next() {
		var b Binding
		var created int64
		if err := rows.Scan(&b.Platform, &b.ExternalID, &b.UserID, &created); err != nil {
			return nil, fmt.Errorf("identity: scan binding: %w", err)
		}
		b.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}

// UserByID fetches a user record by internal id.
func (s *Store) UserByID(ctx context.Context, id string) (*User, error) {
	return s.queryUser(ctx,
		"SELECT id, secret_name, is_master, roles, created_at, updated_at, updated_by FROM users WHERE id = ?", id)
}

// UserBySecretName fetches a user record by secret display name
// (case-insensitive, matching the source system's lookup).
func (s *Store) UserBySecretName(ctx context.Context, name string) (*User, error) {
	return s.queryUser(ctx,
		"SELECT id, secret_name, is_master, roles, created_at, updated_at, updated_by FROM users WHERE secret_name = ? COLLATE NOCASE", name)
}

func (s *Store) queryUser(ctx context.Context, query string, arg any) (*User, error) {
	row := s.db.QueryRowContext(ctx, query, arg)
	u, err := scanUser(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("identity: query user: %w", err)
	}
	return u, nil
}

// Users lists all user records ordered by creation time.
func (s *Store) Users(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, secret_name, is_master, roles, created_at, updated_at, updated_by FROM users ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("identity: list users: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		u, err := scanUser(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("identity: scan user: %w", err)
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

// SetMaster flips the master flag on a user and stamps the audit fields.
func (s *Store) SetMaster(ctx context.Context, id string, master bool, updatedBy string) error {
	return s.updateUser(ctx, id,
		"UPDATE users SET is_master = ?, updated_at = ?, updated_by = ? WHERE id = ?",
		boolToInt(master), s.now().UTC().UnixNano(), updatedBy, id)
}

// SetRoles replaces a user's role tags and stamps the audit fields.
func (s *Store) SetRoles(ctx context.Context, id string, roles []string, updatedBy string) error {
	if roles == nil {
		roles = []string{}
	}
	data, err := json.Marshal(roles)
	if err != nil {
		return fmt.Errorf("identity: encode roles: %w", err)
	}
	return s.updateUser(ctx, id,
		"UPDATE users SET roles = ?, updated_at = ?, updated_by = ? WHERE id = ?",
		string(data), s.now().UTC().UnixNano(), updatedBy, id)
}

// SetSecretName renames a user's secret display name.
func (s *Store) SetSecretName(ctx context.Context, id, name, updatedBy string) error {
	if name == "" {
		return fmt.Errorf("identity: set secret name: name is required")
	}
	err := s.updateUser(ctx, id,
		"UPDATE users SET secret_name = ?, updated_at = ?, updated_by = ? WHERE id = ?",
		name, s.now().UTC().UnixNano(), updatedBy, id)
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrNameTaken, name)
	}
	return err
}

func (s *Store) updateUser(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("identity: update user %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("identity: update user %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteUser removes a user record. Bindings cascade via the foreign key.
// Callers that own conversation data must remove it first; see
// convo.Log.DeleteUser for the cross-store cascade.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM users WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("identity: delete user %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("identity: delete user %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// scanUser decodes one user row via the given Scan function.
func scanUser(scan func(...any) error) (*User, error) {
	var u User
	var master int
	var roles string
	var created, updated int64
	if err := scan(&u.ID, &u.SecretName, &master, &roles, &created, &updated, &u.UpdatedBy); err != nil {
		return nil, err
	}
	u.Master = master != 0
	if err := json.Unmarshal([]byte(roles), &u.Roles); err != nil {
		return nil, fmt.Errorf("decode roles: %w", err)
	}
	u.CreatedAt = time.Unix(0, created).UTC()
	u.UpdatedAt = time.Unix(0, updated).UTC()
	return &u, nil
}

// isUniqueViolation reports whether err is a SQLite UNIQUE or PRIMARY KEY
// constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
