package main

import (
	"fmt"
	"os"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"

	"revealgate.dev/cmd/revealctl/commands"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	err := run()
	memguard.Purge()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	env := &commands.Env{}

	rootCmd := &cobra.Command{
		Use:           "revealctl",
		Short:         "Administer revealgate permissions, rotation policies and reports",
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			env.Close()
		},
	}
	rootCmd.PersistentFlags().StringVar(&env.ConfigPath, "config", os.Getenv("REVEALGATE_CONFIG"), "Config file path")

	rootCmd.AddCommand(
		commands.NewPermissionsCommand(env),
		commands.NewPoliciesCommand(env),
		commands.NewRotateCommand(env),
		commands.NewReportCommand(env),
	)
	return rootCmd.Execute()
}
