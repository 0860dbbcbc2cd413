package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"tgrelay/internal/domain"
)

var (
	version    = "0.1.0"
	configPath string // overridable via --config flag
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "tgrelay:", err)
		var authErr *domain.AuthenticationError
		if errors.As(err, &authErr) {
			fmt.Fprintln(os.Stderr, authErr.Actionable())
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "tgrelay",
		Short: "Relay Telegram direct messages to a webhook",
		Long: `tgrelay listens on one Telegram account and forwards every direct message
it receives to an HTTP webhook as JSON. Running it without a subcommand is
the same as "tgrelay run".`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runRelay,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "optional YAML config file; its values override the environment")

	root.AddCommand(runCmd())
	root.AddCommand(loginCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(configCmd())
	root.AddCommand(versionCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tgrelay %s\n", version)
		},
	}
}
