package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
}

func buildRoot() *cobra.Command {
	global := &GlobalFlags{}
	root := createRootCommand(global)
	root.AddCommand(
		createServeCommand(global),
		createListCommand(global),
		createGetCommand(global),
		createAddCommand(global),
		createUpdateCommand(global),
		createDeleteCommand(global),
		createStartCommand(global),
		createStopCommand(global),
		createStatusCommand(global),
		createPortCommand(global),
		createCleanupCommand(global),
		createReconcileCommand(global),
		createHelperCommand(global),
		createVersionCommand(),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "dbhelm",
		Short: "Local database instance manager",
		Long: `dbhelm creates, starts, stops and supervises local database server
instances (PostgreSQL, MySQL, Redis, MongoDB) and keeps them in
sync with a shared state file.

Examples:
  dbhelm serve                                   # run the manager and API
  dbhelm add --name=pg --engine=postgresql --port=5432
  dbhelm start pg
  dbhelm status pg --verify
  dbhelm port find 5432
  dbhelm helper install`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "dbhelm API URL (defaults to the configured server listen address)")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 30*time.Second, "API request timeout")
	return root
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the dbhelm version",
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
