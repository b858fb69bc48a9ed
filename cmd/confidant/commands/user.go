package commands

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nocturnehq/confidant/pkg/identity"
)

// cliActor is recorded as updated_by for changes made from the CLI.
const cliActor = "cli"

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage users, bindings and roles",
	Long: `Manage the assistant's users.

A user is the internal identity conversations attach to. Platform
identities (telegram ids, cli names, ...) are bound to a user; messages
from a bound identity resolve to that user's history. An unbound identity
gets a fresh user on first contact.

Examples:
  confidant user add alice
  confidant user bind alice telegram 8214321
  confidant user master alice
  confidant user roles alice admin,notes
  confidant user history alice --limit 10
  confidant user rm alice`,
}

var userAddCmd = &cobra.Command{
	Use:   "add <secret-name>",
	Short: "Create a user with the given secret name",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.close()

		u, err := env.ids.CreateUser(cmd.Context(), identity.User{
			SecretName: args[0],
			UpdatedBy:  cliActor,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Created user %s (%s)\n", u.SecretName, u.ID)
		return nil
	},
}

var userBindCmd = &cobra.Command{
	Use:   "bind <secret-name> <platform> <external-id>",
	Short: "Bind a platform identity to a user",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.close()

		ctx := cmd.Context()
		u, err := env.userBySecretName(ctx, args[0])
		if err != nil {
			return err
		}
		if err := env.ids.Bind(ctx, args[1], args[2], u.ID); err != nil {
			return err
		}
		fmt.Printf("Bound %s/%s to %s\n", args[1], args[2], u.SecretName)
		return nil
	},
}

var userMasterOff bool

var userMasterCmd = &cobra.Command{
	Use:   "master <secret-name>",
	Short: "Grant (or with --off revoke) the master flag",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.close()

		ctx := cmd.Context()
		u, err := env.userBySecretName(ctx, args[0])
		if err != nil {
			return err
		}
		if err := env.ids.SetMaster(ctx, u.ID, !userMasterOff, cliActor); err != nil {
			return err
		}
		if userMasterOff {
			fmt.Printf("%s is no longer master\n", u.SecretName)
		} else {
			fmt.Printf("%s is now master\n", u.SecretName)
		}
		return nil
	},
}

var userRolesCmd = &cobra.Command{
	Use:   "roles <secret-name> [role,...]",
	Short: "Set a user's roles (empty list clears them)",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.close()

		ctx := cmd.Context()
		u, err := env.userBySecretName(ctx, args[0])
		if err != nil {
			return err
		}
		var roles []string
		if len(args) == 2 && args[1] != "" {
			roles = strings.Split(args[1], ",")
		}
		if err := env.ids.SetRoles(ctx, u.ID, roles, cliActor); err != nil {
			return err
		}
		if len(roles) == 0 {
			fmt.Printf("Cleared roles for %s\n", u.SecretName)
		} else {
			fmt.Printf("Set roles for %s: %s\n", u.SecretName, strings.Join(roles, ", "))
		}
		return nil
	},
}

var userRenameCmd = &cobra.Command{
	Use:   "rename <secret-name> <new-secret-name>",
	Short: "Change a user's secret name",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.close()

		ctx := cmd.Context()
		u, err := env.userBySecretName(ctx, args[0])
		if err != nil {
			return err
		}
		if err := env.ids.SetSecretName(ctx, u.ID, args[1], cliActor); err != nil {
			return err
		}
		fmt.Printf("Renamed %s to %s\n", args[0], args[1])
		return nil
	},
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users with their bindings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.close()

		ctx := cmd.Context()
		users, err := env.ids.Users(ctx)
		if err != nil {
			return err
		}
		if len(users) == 0 {
			fmt.Println("No users yet")
			return nil
		}
		for _, u := range users {
			marker := " "
			if u.Master {
				marker = "*"
			}
			count, err := env.turns.Count(ctx, u.ID)
			if err != nil {
				return err
			}
			fmt.Printf("%s %-20s %s  turns=%d", marker, u.SecretName, u.ID, count)
			if len(u.Roles) > 0 {
				fmt.Printf("  roles=%s", strings.Join(u.Roles, ","))
			}
			fmt.Println()

			bindings, err := env.ids.Bindings(ctx, u.ID)
			if err != nil {
				return err
			}
			for _, b := range bindings {
				fmt.Printf("    %s/%s\n", b.Platform, b.ExternalID)
			}
		}
		return nil
	},
}

var historyLimit int

var userHistoryCmd = &cobra.Command{
	Use:   "history <secret-name>",
	Short: "Show a user's recent conversation turns",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.close()

		ctx := cmd.Context()
		u, err := env.userBySecretName(ctx, args[0])
		if err != nil {
			return err
		}
		turns, err := env.turns.Recent(ctx, u.ID, historyLimit)
		if err != nil {
			return err
		}
		if len(turns) == 0 {
			fmt.Println("No history yet")
			return nil
		}
		for _, t := range turns {
			fmt.Printf("%s  %-9s %s\n", t.Time().Format("2006-01-02 15:04:05"), t.Role, t.Text)
		}
		return nil
	},
}

var factsUnset string

var userFactsCmd = &cobra.Command{
	Use:   "facts <secret-name> [key value]",
	Short: "Show or update a user's profile facts",
	Long: `Show or update the profile facts stored for a user.

Facts are small observations that personalize replies ("likes: dinosaurs").
With only a secret name, facts are listed; with a key and value, that fact
is added or updated; --unset removes one.

Examples:
  confidant user facts alice
  confidant user facts alice likes dinosaurs
  confidant user facts alice --unset likes`,
	Args: cobra.RangeArgs(1, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 2 {
			return fmt.Errorf("facts needs a key and a value, got only %q", args[1])
		}

		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.close()

		ctx := cmd.Context()
		u, err := env.userBySecretName(ctx, args[0])
		if err != nil {
			return err
		}

		switch {
		case factsUnset != "":
			if err := env.profiles.Unset(ctx, u.ID, factsUnset); err != nil {
				return err
			}
			fmt.Printf("Removed fact %q for %s\n", factsUnset, u.SecretName)
			return nil
		case len(args) == 3:
			if err := env.profiles.Merge(ctx, u.ID, map[string]string{args[1]: args[2]}); err != nil {
				return err
			}
			fmt.Printf("Set %s: %s for %s\n", args[1], args[2], u.SecretName)
			return nil
		}

		facts, err := env.profiles.Get(ctx, u.ID)
		if err != nil {
			return err
		}
		if len(facts) == 0 {
			fmt.Println("No facts yet")
			return nil
		}
		keys := make([]string, 0, len(facts))
		for k := range facts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("%s: %s\n", k, facts[k])
		}
		return nil
	},
}

var userClearCmd = &cobra.Command{
	Use:   "clear <secret-name>",
	Short: "Delete a user's conversation history, keeping the user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.close()

		ctx := cmd.Context()
		u, err := env.userBySecretName(ctx, args[0])
		if err != nil {
			return err
		}
		if err := env.turns.Clear(ctx, u.ID); err != nil {
			return err
		}
		fmt.Printf("Cleared history for %s\n", u.SecretName)
		return nil
	},
}

var userRmCmd = &cobra.Command{
	Use:   "rm <secret-name>",
	Short: "Delete a user, their bindings, history, facts and research",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.close()

		ctx := cmd.Context()
		u, err := env.userBySecretName(ctx, args[0])
		if err != nil {
			return err
		}
		// Document-store payloads go first so nothing scoped to the user
		// outlives the user row.
		if err := env.profiles.Delete(ctx, u.ID); err != nil {
			return err
		}
		if err := env.research.DeleteUser(ctx, u.ID); err != nil {
			return err
		}
		if err := env.turns.DeleteUser(ctx, u.ID); err != nil {
			return err
		}
		fmt.Printf("Deleted %s\n", u.SecretName)
		return nil
	},
}

func init() {
	userMasterCmd.Flags().BoolVar(&userMasterOff, "off", false, "revoke instead of grant")
	userHistoryCmd.Flags().IntVar(&historyLimit, "limit", 20, "number of turns to show")
	userFactsCmd.Flags().StringVar(&factsUnset, "unset", "", "remove the named fact")

	userCmd.AddCommand(userAddCmd)
	userCmd.AddCommand(userBindCmd)
	userCmd.AddCommand(userMasterCmd)
	userCmd.AddCommand(userRolesCmd)
	userCmd.AddCommand(userRenameCmd)
	userCmd.AddCommand(userListCmd)
	userCmd.AddCommand(userHistoryCmd)
	userCmd.AddCommand(userFactsCmd)
	userCmd.AddCommand(userClearCmd)
	userCmd.AddCommand(userRmCmd)
	rootCmd.AddCommand(userCmd)
}
