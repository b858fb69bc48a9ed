package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var researchUser string

var researchCmd = &cobra.Command{
	Use:   "research",
	Short: "Save and retrieve research notes by topic",
	Long: `Manage the assistant's research notes.

A note is a finding saved under a topic. Notes are shared by default;
--user scopes a note to one person, and scoped searches return only that
person's notes while unscoped searches return everything on the topic.

Examples:
  confidant research add "dinosaurs" "Sauropods kept growing their whole lives."
  confidant research add "dinosaurs" "Sam asked about raptors." --user alice
  confidant research search "dinosaurs"
  confidant research search "dinosaurs" --user alice`,
}

var researchAddCmd = &cobra.Command{
	Use:   "add <topic> <content>",
	Short: "Save a research note",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.close()

		ctx := cmd.Context()
		userID := ""
		if researchUser != "" {
			u, err := env.userBySecretName(ctx, researchUser)
			if err != nil {
				return err
			}
			userID = u.ID
		}
		if err := env.research.Save(ctx, args[0], args[1], userID, time.Now()); err != nil {
			return err
		}
		fmt.Printf("Saved note under %q\n", args[0])
		return nil
	},
}

var researchSearchCmd = &cobra.Command{
	Use:   "search <topic>",
	Short: "Show a topic's notes, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.close()

		ctx := cmd.Context()
		userID := ""
		if researchUser != "" {
			u, err := env.userBySecretName(ctx, researchUser)
			if err != nil {
				return err
			}
			userID = u.ID
		}
		notes, err := env.research.Search(ctx, args[0], userID)
		if err != nil {
			return err
		}
		if len(notes) == 0 {
			fmt.Println("No notes yet")
			return nil
		}
		for _, n := range notes {
			fmt.Printf("%s  %s\n", n.Time().Format("2006-01-02 15:04:05"), n.Content)
		}
		return nil
	},
}

func init() {
	researchCmd.PersistentFlags().StringVar(&researchUser, "user", "", "scope to a user's secret name")
	researchCmd.AddCommand(researchAddCmd)
	researchCmd.AddCommand(researchSearchCmd)
	rootCmd.AddCommand(researchCmd)
}
