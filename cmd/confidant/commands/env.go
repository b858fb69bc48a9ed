package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nocturnehq/confidant/cmd/confidant/internal/config"
	"github.com/nocturnehq/confidant/pkg/convo"
	"github.com/nocturnehq/confidant/pkg/identity"
	"github.com/nocturnehq/confidant/pkg/kv"
	"github.com/nocturnehq/confidant/pkg/profile"
	"github.com/nocturnehq/confidant/pkg/research"
)

// docSep is the KV separator for the document store.
// Using ASCII Unit Separator (0x1F) so research topics can contain ':'.
const docSep byte = 0x1F

// env bundles the opened stores for one command invocation.
type env struct {
	cfg      *config.Config
	ids      *identity.Store
	docs     kv.Store
	turns    *convo.Log
	profiles *profile.Store
	research *research.Store
}

// openEnv opens both stores. Commands must defer env.close().
func openEnv() (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	ids, err := identity.Open(cfg.IdentityPath())
	if err != nil {
		return nil, fmt.Errorf("open identity store: %w", err)
	}

	docs, err := kv.NewBadger(kv.BadgerOptions{
		Options: &kv.Options{Separator: docSep},
		Dir:     cfg.TurnsDir(),
		Logger:  slog.Default(),
	})
	if err != nil {
		ids.Close()
		return nil, fmt.Errorf("open document store: %w", err)
	}

	return &env{
		cfg:      cfg,
		ids:      ids,
		docs:     docs,
		turns:    convo.NewLog(docs, ids, nil),
		profiles: profile.NewStore(docs),
		research: research.NewStore(docs),
	}, nil
}

func (e *env) close() {
	if err := e.docs.Close(); err != nil {
		slog.Warn("close document store", "error", err)
	}
	if err := e.ids.Close(); err != nil {
		slog.Warn("close identity store", "error", err)
	}
}

// userBySecretName resolves a secret name to a user or a friendly error.
func (e *env) userBySecretName(ctx context.Context, name string) (*identity.User, error) {
	u, err := e.ids.UserBySecretName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("user %q: %w", name, err)
	}
	return u, nil
}
