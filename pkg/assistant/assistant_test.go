package assistant_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nocturnehq/confidant/pkg/assistant"
	"github.com/nocturnehq/confidant/pkg/convo"
	"github.com/nocturnehq/confidant/pkg/identity"
	"github.com/nocturnehq/confidant/pkg/kv"
	"github.com/nocturnehq/confidant/pkg/persona"
	"github.com/nocturnehq/confidant/pkg/prompt"
	"github.com/nocturnehq/confidant/pkg/session"
)

type fakeResolver struct {
	err error
}

func (r *fakeResolver) Resolve(_ context.Context, platform, externalID string) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	return platform + "-" + externalID, nil
}

type recordedTurn struct {
	userID string
	role   convo.Role
	text   string
}

type fakeLog struct {
	mu       sync.Mutex
	turns    []recordedTurn
	appended chan recordedTurn
}

func (l *fakeLog) Append(_ context.Context, userID string, role convo.Role, text string, _ time.Time) (int64, error) {
	l.mu.Lock()
	l.turns = append(l.turns, recordedTurn{userID: userID, role: role, text: text})
	n := len(l.turns)
	l.mu.Unlock()
	if l.appended != nil {
		l.appended <- recordedTurn{userID: userID, role: role, text: text}
	}
	return int64(n), nil
}

func (l *fakeLog) Count(_ context.Context, userID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, turn := range l.turns {
		if turn.userID == userID {
			n++
		}
	}
	return n, nil
}

func (l *fakeLog) snapshot() []recordedTurn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]recordedTurn(nil), l.turns...)
}

type fakeBuilder struct{}

func (fakeBuilder) Build(_ context.Context, _ string, p *persona.Persona, newMessage string) (string, error) {
	return p.System() + "\nuser: " + newMessage + "\nassistant:", nil
}

// blockingEngine signals each call on started and holds until release
// is closed (or the call's context ends).
type blockingEngine struct {
	started chan struct{}
	release chan struct{}
	reply   string
}

func (e *blockingEngine) Complete(ctx context.Context, _ string) (string, error) {
	e.started <- struct{}{}
	select {
	case <-e.release:
		return e.reply, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type stubEngine struct {
	reply string
	err   error

	mu      sync.Mutex
	prompts []string
}

func (e *stubEngine) Complete(_ context.Context, prompt string) (string, error) {
	e.mu.Lock()
	e.prompts = append(e.prompts, prompt)
	e.mu.Unlock()
	return e.reply, e.err
}

func (e *stubEngine) lastPrompt() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.prompts) == 0 {
		return ""
	}
	return e.prompts[len(e.prompts)-1]
}

func mustPersona(t *testing.T, raw string) *persona.Persona {
	t.Helper()
	p, err := persona.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse persona: %v", err)
	}
	return p
}

func testPersona(t *testing.T) *persona.Persona {
	t.Helper()
	return mustPersona(t, `{"name":"Curie","greeting":"Hi, I'm Curie.","system_prompt":"Be kind."}`)
}

func newTestAgent(t *testing.T, log *fakeLog, engine assistant.Engine, tweak func(*assistant.Config)) *assistant.Agent {
	t.Helper()
	cfg := assistant.Config{
		Resolver: &fakeResolver{},
		Log:      log,
		Builder:  fakeBuilder{},
		Sessions: session.NewManager(time.Minute, nil),
		Persona:  testPersona(t),
		Engine:   engine,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	agent, err := assistant.NewAgent(cfg)
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}
	return agent
}

func TestHandleMessageRecordsBothTurns(t *testing.T) {
	log := &fakeLog{}
	agent := newTestAgent(t, log, &stubEngine{reply: "four"}, nil)

	reply, err := agent.HandleMessage(context.Background(), "telegram", "42", "what's 2+2?", time.Now())
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if reply != "four" {
		t.Fatalf("reply = %q, want %q", reply, "four")
	}

	turns := log.snapshot()
	if len(turns) != 2 {
		t.Fatalf("recorded %d turns, want 2", len(turns))
	}
	if turns[0].role != convo.RoleUser || turns[0].text != "what's 2+2?" {
		t.Fatalf("first turn = %+v, want the user message", turns[0])
	}
	if turns[1].role != convo.RoleAssistant || turns[1].text != "four" {
		t.Fatalf("second turn = %+v, want the reply", turns[1])
	}
	if turns[0].userID != "telegram-42" || turns[1].userID != "telegram-42" {
		t.Fatalf("turns recorded for %q/%q, want the resolved user", turns[0].userID, turns[1].userID)
	}
}

func TestHandleMessageResolveError(t *testing.T) {
	log := &fakeLog{}
	boom := errors.New("db down")
	agent := newTestAgent(t, log, &stubEngine{reply: "x"}, func(cfg *assistant.Config) {
		cfg.Resolver = &fakeResolver{err: boom}
	})

	_, err := agent.HandleMessage(context.Background(), "telegram", "42", "hi", time.Now())
	if !errors.Is(err, boom) {
		t.Fatalf("HandleMessage = %v, want resolve error", err)
	}
	if len(log.snapshot()) != 0 {
		t.Fatal("turns recorded despite resolve failure")
	}
}

func TestHandleMessageEngineFailureKeepsUserTurn(t *testing.T) {
	log := &fakeLog{}
	boom := errors.New("model exploded")
	agent := newTestAgent(t, log, &stubEngine{err: boom}, nil)

	_, err := agent.HandleMessage(context.Background(), "telegram", "42", "hi", time.Now())
	if !errors.Is(err, boom) {
		t.Fatalf("HandleMessage = %v, want engine error", err)
	}

	turns := log.snapshot()
	if len(turns) != 1 || turns[0].role != convo.RoleUser {
		t.Fatalf("turns = %+v, want only the user turn preserved", turns)
	}
}

func TestHandleMessageSerializedPerUser(t *testing.T) {
	log := &fakeLog{}
	engine := &blockingEngine{
		started: make(chan struct{}, 2),
		release: make(chan struct{}),
		reply:   "ok",
	}
	agent := newTestAgent(t, log, engine, nil)
	ctx := context.Background()

	done := make(chan error, 2)
	go func() {
		_, err := agent.HandleMessage(ctx, "telegram", "42", "first", time.Now())
		done <- err
	}()
	<-engine.started

	go func() {
		_, err := agent.HandleMessage(ctx, "telegram", "42", "second", time.Now())
		done <- err
	}()

	// The second request must not touch the log while the first still
	// holds the user's session.
	time.Sleep(20 * time.Millisecond)
	if turns := log.snapshot(); len(turns) != 1 || turns[0].text != "first" {
		t.Fatalf("turns while first request in flight = %+v", turns)
	}

	close(engine.release)
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Fatalf("HandleMessage: %v", err)
		}
	}

	got := log.snapshot()
	want := []string{"first", "ok", "second", "ok"}
	if len(got) != len(want) {
		t.Fatalf("recorded %d turns, want %d", len(got), len(want))
	}
	for i, text := range want {
		if got[i].text != text {
			t.Fatalf("turn[%d].text = %q, want %q (full order %+v)", i, got[i].text, text, got)
		}
	}
}

func TestHandleMessageEngineBusy(t *testing.T) {
	appended := make(chan recordedTurn, 16)
	log := &fakeLog{appended: appended}
	engine := &blockingEngine{
		started: make(chan struct{}, 4),
		release: make(chan struct{}),
		reply:   "ok",
	}
	agent := newTestAgent(t, log, engine, func(cfg *assistant.Config) {
		cfg.MaxConcurrent = 1
		cfg.MaxWaiting = 1
	})
	ctx := context.Background()

	done := make(chan error, 2)
	go func() {
		_, err := agent.HandleMessage(ctx, "telegram", "1", "a", time.Now())
		done <- err
	}()
	<-engine.started // first request occupies the only engine slot

	go func() {
		_, err := agent.HandleMessage(ctx, "telegram", "2", "b", time.Now())
		done <- err
	}()
	// The second request holds the wait slot once its user turn lands.
	for turn := range appended {
		if turn.userID == "telegram-2" {
			break
		}
	}

	_, err := agent.HandleMessage(ctx, "telegram", "3", "c", time.Now())
	if !errors.Is(err, assistant.ErrEngineBusy) {
		t.Fatalf("third request = %v, want ErrEngineBusy", err)
	}
	for _, turn := range log.snapshot() {
		if turn.userID == "telegram-3" {
			t.Fatal("rejected request still recorded a turn")
		}
	}

	close(engine.release)
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Fatalf("HandleMessage: %v", err)
		}
	}
}

func TestHandleMessageTimeout(t *testing.T) {
	log := &fakeLog{}
	engine := &blockingEngine{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
		reply:   "never",
	}
	agent := newTestAgent(t, log, engine, func(cfg *assistant.Config) {
		cfg.Timeout = 20 * time.Millisecond
	})

	_, err := agent.HandleMessage(context.Background(), "telegram", "42", "hi", time.Now())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("HandleMessage = %v, want deadline exceeded", err)
	}
}

func TestGreet(t *testing.T) {
	log := &fakeLog{}
	agent := newTestAgent(t, log, &stubEngine{}, nil)

	greeting, err := agent.Greet(context.Background(), "telegram", "42")
	if err != nil {
		t.Fatalf("Greet: %v", err)
	}
	if greeting != "Hi, I'm Curie." {
		t.Fatalf("greeting = %q", greeting)
	}

	turns := log.snapshot()
	if len(turns) != 1 || turns[0].role != convo.RoleAssistant || turns[0].text != greeting {
		t.Fatalf("turns = %+v, want the greeting recorded as an assistant turn", turns)
	}
}

func TestGreetWithHistoryDoesNotRecord(t *testing.T) {
	log := &fakeLog{}
	agent := newTestAgent(t, log, &stubEngine{reply: "ok"}, nil)
	ctx := context.Background()

	if _, err := agent.HandleMessage(ctx, "telegram", "42", "hi", time.Now()); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	before := len(log.snapshot())

	// Reconnecting greets again but must not grow the log.
	greeting, err := agent.Greet(ctx, "telegram", "42")
	if err != nil {
		t.Fatalf("Greet: %v", err)
	}
	if greeting != "Hi, I'm Curie." {
		t.Fatalf("greeting = %q", greeting)
	}
	if got := len(log.snapshot()); got != before {
		t.Fatalf("log grew from %d to %d turns on a repeat greeting", before, got)
	}
}

// stubUsers satisfies the conversation log's user lookup for integration
// tests that wire a real log under the agent.
type stubUsers struct{}

func (stubUsers) UserByID(_ context.Context, id string) (*identity.User, error) {
	return &identity.User{ID: id}, nil
}

func (stubUsers) DeleteUser(context.Context, string) error { return nil }

func TestHandleMessagePromptCarriesMessageOnce(t *testing.T) {
	// Real log and real builder sharing the same store, as the CLI wires
	// them: the prompt must carry the inbound message exactly once, in the
	// message slot, never echoed from history.
	ctx := context.Background()
	log := convo.NewLog(kv.NewMemory(nil), stubUsers{}, nil)
	builder, err := prompt.NewBuilder(log, prompt.Budget{Max: 100, HistoryShare: 0.4, PersonaShare: 0.2})
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	engine := &stubEngine{reply: "six"}
	agent := newTestAgent(t, nil, engine, func(cfg *assistant.Config) {
		cfg.Log = log
		cfg.Builder = builder
		cfg.Persona = mustPersona(t, `{"name":"Curie","system_prompt":"Be brief."}`)
	})

	const userID = "telegram-42"
	for _, turn := range []struct {
		role convo.Role
		text string
	}{
		{convo.RoleUser, "hi"},
		{convo.RoleAssistant, "hello"},
		{convo.RoleUser, "what's 2+2"},
	} {
		if _, err := log.Append(ctx, userID, turn.role, turn.text, time.Now()); err != nil {
			t.Fatalf("seed turn: %v", err)
		}
	}

	reply, err := agent.HandleMessage(ctx, "telegram", "42", "and 3+3?", time.Now())
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if reply != "six" {
		t.Fatalf("reply = %q", reply)
	}

	got := engine.lastPrompt()
	if n := strings.Count(got, "and 3+3?"); n != 1 {
		t.Fatalf("new message appears %d times in prompt:\n%s", n, got)
	}
	// The budget fits two history turns: the oldest is dropped, the rest
	// stay despite the history and message sharing one store.
	for _, want := range []string{"assistant: hello\n", "user: what's 2+2\n"} {
		if !strings.Contains(got, want) {
			t.Fatalf("prompt missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "user: hi\n") {
		t.Fatalf("oldest turn not dropped:\n%s", got)
	}

	// Both new turns still landed in the log after the prompt was built.
	n, err := log.Count(ctx, userID)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 5 {
		t.Fatalf("log holds %d turns, want 5", n)
	}
}

type fakeFacts struct {
	facts map[string]string
	err   error
}

func (f *fakeFacts) Get(context.Context, string) (map[string]string, error) {
	return f.facts, f.err
}

func TestHandleMessageInjectsProfileFacts(t *testing.T) {
	log := &fakeLog{}
	engine := &stubEngine{reply: "ok"}
	agent := newTestAgent(t, log, engine, func(cfg *assistant.Config) {
		cfg.Facts = &fakeFacts{facts: map[string]string{
			"likes": "dinosaurs",
			"name":  "Sam",
		}}
	})

	if _, err := agent.HandleMessage(context.Background(), "telegram", "42", "hi", time.Now()); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	got := engine.lastPrompt()
	for _, want := range []string{"- likes: dinosaurs", "- name: Sam"} {
		if !strings.Contains(got, want) {
			t.Fatalf("prompt missing fact %q:\n%s", want, got)
		}
	}
	if !strings.Contains(got, "Be kind.") {
		t.Fatalf("persona text lost when facts injected:\n%s", got)
	}
}

func TestNewAgentValidation(t *testing.T) {
	base := func() assistant.Config {
		return assistant.Config{
			Resolver: &fakeResolver{},
			Log:      &fakeLog{},
			Builder:  fakeBuilder{},
			Sessions: session.NewManager(time.Minute, nil),
			Persona:  &persona.Persona{Name: "x", SystemPrompt: "y"},
			Engine:   &stubEngine{},
		}
	}
	for i, tweak := range []func(*assistant.Config){
		func(c *assistant.Config) { c.Resolver = nil },
		func(c *assistant.Config) { c.Log = nil },
		func(c *assistant.Config) { c.Builder = nil },
		func(c *assistant.Config) { c.Sessions = nil },
		func(c *assistant.Config) { c.Persona = nil },
		func(c *assistant.Config) { c.Engine = nil },
	} {
		cfg := base()
		tweak(&cfg)
		if _, err := assistant.NewAgent(cfg); err == nil {
			t.Fatalf("case %d: NewAgent accepted an incomplete config", i)
		}
	}
}
