package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nocturnehq/confidant/cmd/confidant/internal/config"
)

var (
	// Global flags
	verbose   bool
	configDir string
)

var rootCmd = &cobra.Command{
	Use:   "confidant",
	Short: "Personal assistant with a persistent memory",
	Long: `confidant - a personal conversational assistant.

The assistant remembers who it talks to. Each person is an internal user
that platform identities (telegram ids, cli names, ...) bind to, and every
exchange is recorded so later conversations can build on earlier ones.

State is stored in the OS config directory:
  macOS:   ~/Library/Application Support/confidant/
  Linux:   ~/.config/confidant/
  Windows: %AppData%/confidant/

Examples:
  # First-time setup: write default config and persona
  confidant init

  # Register yourself and take the master role
  confidant user add alice
  confidant user bind alice telegram 8214...
  confidant user master alice

  # Talk from the terminal
  confidant chat --as alice`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		})))
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&configDir, "config", "", "config directory (default: OS config dir)")
}

// loadConfig loads the configuration honoring the --config flag.
func loadConfig() (*config.Config, error) {
	if configDir != "" {
		return config.LoadFrom(configDir)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config not available: %w", err)
	}
	return cfg, nil
}
