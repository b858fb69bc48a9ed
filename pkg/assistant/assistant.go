// Package assistant ties the pieces together: it resolves the sender to an
// internal user, serializes handling per user, records the exchange in the
// conversation log, and generates the reply through a pluggable engine.
//
// The engine gate bounds pressure on the model backend: at most
// MaxConcurrent completions run at once, at most MaxWaiting callers queue
// behind them, and anything beyond that fails fast with ErrEngineBusy
// instead of piling up.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nocturnehq/confidant/pkg/convo"
	"github.com/nocturnehq/confidant/pkg/persona"
	"github.com/nocturnehq/confidant/pkg/session"
)

// ErrEngineBusy is returned when the engine gate is saturated. The user's
// message is not recorded; the caller should ask them to retry.
var ErrEngineBusy = errors.New("assistant: engine busy")

const (
	defaultMaxConcurrent = 2
	defaultMaxWaiting    = 8
	defaultTimeout       = 60 * time.Second
)

// Engine produces a completion for a fully composed prompt.
type Engine interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Resolver maps a platform sender to an internal user id.
type Resolver interface {
	Resolve(ctx context.Context, platform, externalID string) (string, error)
}

// Conversation is the slice of the conversation log the agent uses.
type Conversation interface {
	Append(ctx context.Context, userID string, role convo.Role, text string, at time.Time) (int64, error)
	Count(ctx context.Context, userID string) (int, error)
}

// Composer builds the prompt for a user's next message.
type Composer interface {
	Build(ctx context.Context, userID string, p *persona.Persona, newMessage string) (string, error)
}

// Facts serves per-user profile facts for prompt personalization.
type Facts interface {
	Get(ctx context.Context, userID string) (map[string]string, error)
}

// Config carries the agent's collaborators and limits.
type Config struct {
	Resolver Resolver
	Log      Conversation
	Builder  Composer
	Sessions *session.Manager
	Persona  *persona.Persona
	Engine   Engine

	// Facts optionally personalizes the prompt with stored profile facts.
	Facts Facts

	// MaxConcurrent bounds completions in flight; MaxWaiting bounds
	// callers queued behind them. Zero selects the defaults.
	MaxConcurrent int
	MaxWaiting    int

	// Timeout caps a single completion. Zero selects the default;
	// negative disables the cap.
	Timeout time.Duration

	Logger *slog.Logger
}

// Agent handles one inbound message end to end.
type Agent struct {
	resolver Resolver
	log      Conversation
	builder  Composer
	sessions *session.Manager
	persona  *persona.Persona
	engine   Engine
	facts    Facts

	running *semaphore.Weighted // completions in flight
	tickets *semaphore.Weighted // in flight + queued

	timeout time.Duration
	logger  *slog.Logger
}

// NewAgent validates cfg and builds an Agent.
func NewAgent(cfg Config) (*Agent, error) {
	switch {
	case cfg.Resolver == nil:
		return nil, errors.New("assistant: nil resolver")
	case cfg.Log == nil:
		return nil, errors.New("assistant: nil conversation log")
	case cfg.Builder == nil:
		return nil, errors.New("assistant: nil prompt builder")
	case cfg.Sessions == nil:
		return nil, errors.New("assistant: nil session manager")
	case cfg.Persona == nil:
		return nil, errors.New("assistant: nil persona")
	case cfg.Engine == nil:
		return nil, errors.New("assistant: nil engine")
	}
	concurrent := cfg.MaxConcurrent
	if concurrent <= 0 {
		concurrent = defaultMaxConcurrent
	}
	waiting := cfg.MaxWaiting
	if waiting <= 0 {
		waiting = defaultMaxWaiting
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		resolver: cfg.Resolver,
		log:      cfg.Log,
		builder:  cfg.Builder,
		sessions: cfg.Sessions,
		persona:  cfg.Persona,
		engine:   cfg.Engine,
		facts:    cfg.Facts,
		running:  semaphore.NewWeighted(int64(concurrent)),
		tickets:  semaphore.NewWeighted(int64(concurrent + waiting)),
		timeout:  timeout,
		logger:   logger,
	}, nil
}

// HandleMessage processes one inbound message and returns the reply text.
//
// The prompt is composed before the inbound turn is recorded: the builder
// reads history from the same log the agent writes to, and composing first
// keeps the new message out of the history segment so it appears in the
// prompt exactly once. The user turn is still recorded before the engine
// runs, so a completion that fails or is canceled loses only the assistant
// turn. ErrEngineBusy is checked before anything is written.
func (a *Agent) HandleMessage(ctx context.Context, platform, externalID, text string, at time.Time) (string, error) {
	userID, err := a.resolver.Resolve(ctx, platform, externalID)
	if err != nil {
		return "", fmt.Errorf("assistant: resolve %s/%s: %w", platform, externalID, err)
	}

	if err := a.sessions.Acquire(ctx, userID); err != nil {
		return "", fmt.Errorf("assistant: acquire session: %w", err)
	}
	defer a.sessions.Release(userID)

	if !a.tickets.TryAcquire(1) {
		a.logger.Warn("engine gate saturated", "user", userID, "platform", platform)
		return "", ErrEngineBusy
	}
	defer a.tickets.Release(1)

	p, err := a.personaFor(ctx, userID)
	if err != nil {
		return "", err
	}
	promptText, err := a.builder.Build(ctx, userID, p, text)
	if err != nil {
		return "", fmt.Errorf("assistant: build prompt: %w", err)
	}

	if _, err := a.log.Append(ctx, userID, convo.RoleUser, text, at); err != nil {
		return "", fmt.Errorf("assistant: record user turn: %w", err)
	}

	started := time.Now()
	reply, err := a.complete(ctx, promptText)
	if err != nil {
		return "", err
	}

	if _, err := a.log.Append(ctx, userID, convo.RoleAssistant, reply, time.Time{}); err != nil {
		return "", fmt.Errorf("assistant: record assistant turn: %w", err)
	}

	a.logger.Info("handled message",
		"user", userID,
		"platform", platform,
		"latency", time.Since(started),
	)
	return reply, nil
}

// Greet returns the persona's greeting. Only a true first contact records
// it as an assistant turn; for a user with history the greeting is display
// text only, so reconnecting does not pile identical turns into the log.
func (a *Agent) Greet(ctx context.Context, platform, externalID string) (string, error) {
	userID, err := a.resolver.Resolve(ctx, platform, externalID)
	if err != nil {
		return "", fmt.Errorf("assistant: resolve %s/%s: %w", platform, externalID, err)
	}

	if err := a.sessions.Acquire(ctx, userID); err != nil {
		return "", fmt.Errorf("assistant: acquire session: %w", err)
	}
	defer a.sessions.Release(userID)

	greeting := a.persona.Greet()
	n, err := a.log.Count(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("assistant: count turns: %w", err)
	}
	if n > 0 {
		return greeting, nil
	}
	if _, err := a.log.Append(ctx, userID, convo.RoleAssistant, greeting, time.Time{}); err != nil {
		return "", fmt.Errorf("assistant: record greeting: %w", err)
	}
	return greeting, nil
}

// personaFor returns the persona, extended with the user's stored profile
// facts when a facts source is configured. The extension goes into the
// system prompt so the builder's persona budgeting applies to it.
func (a *Agent) personaFor(ctx context.Context, userID string) (*persona.Persona, error) {
	if a.facts == nil {
		return a.persona, nil
	}
	facts, err := a.facts.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("assistant: load profile facts: %w", err)
	}
	if len(facts) == 0 {
		return a.persona, nil
	}

	keys := make([]string, 0, len(facts))
	for k := range facts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(a.persona.SystemPrompt)
	sb.WriteString("\nThings you know about the user:\n")
	for _, k := range keys {
		fmt.Fprintf(&sb, "- %s: %s\n", k, facts[k])
	}

	p := *a.persona
	p.SystemPrompt = strings.TrimRight(sb.String(), "\n")
	return &p, nil
}

// complete runs one engine call under the concurrency gate and timeout.
// The caller already holds a ticket.
func (a *Agent) complete(ctx context.Context, promptText string) (string, error) {
	if err := a.running.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("assistant: wait for engine slot: %w", err)
	}
	defer a.running.Release(1)

	cctx := ctx
	if a.timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	reply, err := a.engine.Complete(cctx, promptText)
	if err != nil {
		return "", fmt.Errorf("assistant: engine: %w", err)
	}
	return reply, nil
}
