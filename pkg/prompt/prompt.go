// Package prompt assembles the bounded context window for an inference
// call: persona system text, a recency-selected slice of conversation
// history, and the new inbound message.
//
// The budget unit is runes, applied consistently to every segment of the
// rendered prompt. Selection drops the oldest turns first and never the
// newest, and the new message is never truncated: if it alone exceeds the
// total budget the builder reports ErrOverflow and leaves the policy
// decision to the caller.
package prompt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/nocturnehq/confidant/pkg/convo"
	"github.com/nocturnehq/confidant/pkg/persona"
)

// ErrOverflow is returned when the new message alone exceeds the total
// budget. The builder never discards or truncates the new message.
var ErrOverflow = errors.New("prompt: new message exceeds budget")

// fetchLimit caps how many recent turns are pulled from the store for
// selection. History beyond this many turns cannot fit any sane budget.
const fetchLimit = 64

// History is the slice of the conversation store the builder reads.
type History interface {
	Recent(ctx context.Context, userID string, limit int) ([]convo.Turn, error)
}

// Budget is the fixed-size window configuration.
type Budget struct {
	// Max is the hard total budget in runes. Required.
	Max int

	// HistoryShare is the fraction of Max reserved for trailing
	// conversation history. Default 0.5.
	HistoryShare float64

	// PersonaShare is the fraction of Max reserved for persona text, a
	// floor protecting the persona from history selection. Default 0.25.
	PersonaShare float64
}

func (b Budget) withDefaults() Budget {
	if b.HistoryShare == 0 {
		b.HistoryShare = 0.5
	}
	if b.PersonaShare == 0 {
		b.PersonaShare = 0.25
	}
	return b
}

func (b Budget) validate() error {
	if b.Max <= 0 {
		return fmt.Errorf("prompt: budget max must be positive, got %d", b.Max)
	}
	if b.HistoryShare <= 0 || b.HistoryShare >= 1 {
		return fmt.Errorf("prompt: history share %v out of range (0, 1)", b.HistoryShare)
	}
	if b.PersonaShare <= 0 || b.PersonaShare >= 1 {
		return fmt.Errorf("prompt: persona share %v out of range (0, 1)", b.PersonaShare)
	}
	if b.HistoryShare+b.PersonaShare >= 1 {
		return fmt.Errorf("prompt: shares leave no room for the message (history %v + persona %v)",
			b.HistoryShare, b.PersonaShare)
	}
	return nil
}

// Builder composes bounded prompts from persona text and stored history.
type Builder struct {
	history History
	budget  Budget
}

// NewBuilder validates the budget and returns a Builder.
func NewBuilder(h History, b Budget) (*Builder, error) {
	b = b.withDefaults()
	if err := b.validate(); err != nil {
		return nil, err
	}
	return &Builder{history: h, budget: b}, nil
}

// Build assembles the prompt for one inference call. The new message is
// not yet in the store at this point; callers append it separately.
func (b *Builder) Build(ctx context.Context, userID string, p *persona.Persona, newMessage string) (string, error) {
	turns, err := b.history.Recent(ctx, userID, fetchLimit)
	if err != nil {
		return "", fmt.Errorf("prompt: fetch history: %w", err)
	}
	return b.compose(p, turns, newMessage)
}

// compose is the pure assembly core, separated from store access.
func (b *Builder) compose(p *persona.Persona, turns []convo.Turn, newMessage string) (string, error) {
	msgPart := renderLine(convo.RoleUser, newMessage) + "assistant:"
	msgCost := utf8.RuneCountInString(msgPart)
	if msgCost > b.budget.Max {
		return "", fmt.Errorf("%w: message needs %d of %d", ErrOverflow, msgCost, b.budget.Max)
	}

	personaText := p.System()
	personaCost := segmentCost(personaText)

	// Reserve the persona's floor before history selection so a long
	// history cannot squeeze the persona out entirely.
	reserved := min(personaCost, int(float64(b.budget.Max)*b.budget.PersonaShare))
	historyBudget := min(
		int(float64(b.budget.Max)*b.budget.HistoryShare),
		b.budget.Max-msgCost-reserved,
	)
	if historyBudget < 0 {
		historyBudget = 0
	}

	// Greedy selection from most recent backward: stop at the first turn
	// that would exceed the budget, dropping it and everything older. An
	// exact fit is included.
	selected := 0
	historyCost := 0
	for i := len(turns) - 1; i >= 0; i-- {
		cost := utf8.RuneCountInString(renderLine(turns[i].Role, turns[i].Text))
		if historyCost+cost > historyBudget {
			break
		}
		historyCost += cost
		selected++
	}
	kept := turns[len(turns)-selected:]

	// Persona takes whatever room remains; truncation is the last resort
	// and the new message is never cut.
	personaAllow := b.budget.Max - msgCost - historyCost
	personaPart := renderPersona(personaText, personaAllow)

	var sb strings.Builder
	sb.WriteString(personaPart)
	for _, t := range kept {
		sb.WriteString(renderLine(t.Role, t.Text))
	}
	sb.WriteString(msgPart)
	return sb.String(), nil
}

// renderLine renders one role-tagged turn line.
func renderLine(role convo.Role, text string) string {
	return string(role) + ": " + text + "\n"
}

// segmentCost is the rendered rune cost of the persona segment, including
// its separating newline. Zero for empty persona text.
func segmentCost(text string) int {
	if text == "" {
		return 0
	}
	return utf8.RuneCountInString(text) + 1
}

// renderPersona renders the persona segment within an allowance of runes,
// truncating the text if it cannot fit whole. An allowance too small for
// any text drops the segment.
func renderPersona(text string, allow int) string {
	if text == "" || allow <= 1 {
		return ""
	}
	if segmentCost(text) <= allow {
		return text + "\n"
	}
	runes := []rune(text)
	return string(runes[:allow-1]) + "\n"
}
