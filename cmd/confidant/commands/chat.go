package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nocturnehq/confidant/pkg/assistant"
	"github.com/nocturnehq/confidant/pkg/persona"
	"github.com/nocturnehq/confidant/pkg/prompt"
	"github.com/nocturnehq/confidant/pkg/session"
)

var (
	chatPlatform string
	chatAs       string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to the assistant from the terminal",
	Long: `Start an interactive conversation.

The terminal identity is --platform/--as; bind it to a user with
'confidant user bind' to share history with other platforms, or let the
first message create a fresh user.

Type /quit (or Ctrl-D) to leave.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.close()

		p, err := persona.Load(env.cfg.PersonaPath)
		if err != nil {
			return fmt.Errorf("load persona (run 'confidant init'?): %w", err)
		}

		builder, err := prompt.NewBuilder(env.turns, prompt.Budget{
			Max:          env.cfg.Budget.MaxChars,
			HistoryShare: env.cfg.Budget.HistoryShare,
			PersonaShare: env.cfg.Budget.PersonaShare,
		})
		if err != nil {
			return err
		}

		engine, err := assistant.NewOpenAIEngine(
			env.cfg.Engine.BaseURL,
			env.cfg.Engine.APIKey,
			env.cfg.Engine.Model,
		)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		sessions := session.NewManager(env.cfg.SessionIdle, slog.Default())
		go sessions.Start(ctx)

		agent, err := assistant.NewAgent(assistant.Config{
			Resolver:      env.ids,
			Log:           env.turns,
			Builder:       builder,
			Sessions:      sessions,
			Persona:       p,
			Engine:        engine,
			Facts:         env.profiles,
			MaxConcurrent: env.cfg.Engine.MaxConcurrent,
			MaxWaiting:    env.cfg.Engine.MaxWaiting,
			Timeout:       env.cfg.Engine.Timeout,
			Logger:        slog.Default(),
		})
		if err != nil {
			return err
		}

		as := chatAs
		if as == "" {
			as = os.Getenv("USER")
		}
		if as == "" {
			as = "local"
		}

		greeting, err := agent.Greet(ctx, chatPlatform, as)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %s\n", p.Name, greeting)

		scanner := bufio.NewScanner(os.Stdin)
		for {
			fmt.Print("> ")
			if !scanner.Scan() {
				break
			}
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if line == "/quit" || line == "/exit" {
				break
			}

			reply, err := agent.HandleMessage(ctx, chatPlatform, as, line, time.Now())
			switch {
			case errors.Is(err, assistant.ErrEngineBusy):
				fmt.Println("(busy right now, try again in a moment)")
				continue
			case err != nil:
				return err
			}
			fmt.Printf("%s: %s\n", p.Name, reply)
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("read input: %w", err)
		}
		fmt.Println("bye")
		return nil
	},
}

func init() {
	chatCmd.Flags().StringVar(&chatPlatform, "platform", "cli", "platform name for identity resolution")
	chatCmd.Flags().StringVar(&chatAs, "as", "", "external id on the platform (default: $USER)")
	rootCmd.AddCommand(chatCmd)
}
