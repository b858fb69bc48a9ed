package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nocturnehq/confidant/cmd/confidant/internal/config"
	"github.com/nocturnehq/confidant/pkg/identity"
	"github.com/nocturnehq/confidant/pkg/persona"
)

// defaultPersona is written by 'confidant init' when no persona exists.
const defaultPersona = `{
  "name": "Curie",
  "greeting": "Hello! I'm Curie. What's on your mind?",
  "style": [
    "Keep your tone warm and personal.",
    "Share your reasoning, and add a relevant anecdote or fact when it fits.",
    "Answer briefly unless asked to elaborate."
  ],
  "system_prompt": "You are Curie, a thoughtful personal assistant. You remember past conversations with each person and build on them."
}
`

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the config directory, default settings and persona",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := configDir
		if dir == "" {
			var err error
			dir, err = config.Dir()
			if err != nil {
				return err
			}
		}

		cfg := config.Default(dir)
		if _, err := os.Stat(filepath.Join(dir, "config.yaml")); err == nil {
			fmt.Println("config.yaml already exists, leaving it alone")
			if cfg, err = config.LoadFrom(dir); err != nil {
				return err
			}
		} else {
			if err := cfg.Save(); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", filepath.Join(dir, "config.yaml"))
		}

		if _, err := os.Stat(cfg.PersonaPath); err == nil {
			fmt.Println("persona.json already exists, leaving it alone")
		} else {
			if _, err := persona.Parse([]byte(defaultPersona)); err != nil {
				return fmt.Errorf("default persona is invalid: %w", err)
			}
			if err := os.WriteFile(cfg.PersonaPath, []byte(defaultPersona), 0o644); err != nil {
				return fmt.Errorf("write persona: %w", err)
			}
			fmt.Printf("Wrote %s\n", cfg.PersonaPath)
		}

		// Opening the identity store creates the schema.
		ids, err := identity.Open(cfg.IdentityPath())
		if err != nil {
			return fmt.Errorf("initialize identity store: %w", err)
		}
		if err := ids.Close(); err != nil {
			return fmt.Errorf("close identity store: %w", err)
		}
		fmt.Printf("Initialized data directory %s\n", cfg.DataDir)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
