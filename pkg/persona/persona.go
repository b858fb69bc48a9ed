// Package persona loads the assistant's static personality configuration.
//
// A persona is read once from a JSON asset at process start and treated as
// read-only for the process lifetime. It supplies the system-prompt text
// and style directives the context window builder injects into every
// prompt, and the greeting used on first contact.
package persona

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Persona is the static personality configuration. Loaded once; callers
// must treat it as immutable.
type Persona struct {
	Name         string   `json:"name"`
	Greeting     string   `json:"greeting,omitempty"`
	Style        []string `json:"style,omitempty"`
	SystemPrompt string   `json:"system_prompt"`
}

// Load reads and validates a persona from a JSON file.
func Load(path string) (*Persona, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("persona: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates persona JSON.
func Parse(data []byte) (*Persona, error) {
	var p Persona
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("persona: decode: %w", err)
	}
	if p.Name == "" {
		return nil, fmt.Errorf("persona: name is required")
	}
	if p.SystemPrompt == "" {
		return nil, fmt.Errorf("persona: system_prompt is required")
	}
	return &p, nil
}

// System returns the full system text for prompt assembly: the system
// prompt followed by the style directives, one per line.
func (p *Persona) System() string {
	if len(p.Style) == 0 {
		return p.SystemPrompt
	}
	var b strings.Builder
	b.WriteString(p.SystemPrompt)
	for _, s := range p.Style {
		b.WriteString("\n")
		b.WriteString(s)
	}
	return b.String()
}

// Greet returns the greeting text, falling back to a minimal introduction
// when the asset does not define one.
func (p *Persona) Greet() string {
	if p.Greeting != "" {
		return p.Greeting
	}
	return "Hello! I'm " + p.Name + "."
}
