// Package main is the entry point for the confidant CLI.
//
// Usage:
//
//	confidant [flags] <command> [subcommand] [args]
//
// Commands:
//
//	init     - Create the config directory, default settings and persona
//	user     - Manage users, bindings and roles
//	chat     - Talk to the assistant from the terminal
//	version  - Show version information
package main

import (
	"fmt"
	"os"

	"github.com/nocturnehq/confidant/cmd/confidant/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
