package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	isDevEnv  bool
	isTestEnv bool
)

var rootCmd *cobra.Command

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	cobra.CheckErr(rootCmd.Execute())
}

func init() {
	rootCmd = createRootCmd()
	rootCmd.Version = fmt.Sprintf("v%s", version)
}

func createRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use: "shield",
		Short: `shield is the backend for time-locked emergency access to a document vault.

It manages emergency protocols, contact notification sequences and
verification-gated access grants, so that the right people can reach
critical documents during a crisis.`,
	}

	cmd.PersistentFlags().BoolVarP(&isDevEnv, "dev", "", false, "run in development mode")
	cmd.PersistentFlags().BoolVarP(&isTestEnv, "test", "", false, "run in test mode")

	return cmd
}
