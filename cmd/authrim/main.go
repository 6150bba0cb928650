// Command authrim runs the OIDC Provider / OAuth 2.1 authorization server,
// grounded on the teacher's cmd/dex entry point: a cobra root command with
// no default action beyond printing help, and one subcommand per operator
// task (serve.go, migrate.go, signingkeys.go).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func commandRoot() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "authrim",
		Short:         "authrim is an OIDC Provider and OAuth 2.1 authorization server",
		SilenceUsage:  true,
		SilenceErrors: true,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
			os.Exit(2)
		},
	}
	rootCmd.AddCommand(commandServe())
	rootCmd.AddCommand(commandMigrate())
	rootCmd.AddCommand(commandSigningKeys())
	return rootCmd
}

func main() {
	if err := commandRoot().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}
}
