// Package cli is the timerd command line.
package cli

import (
	"context"

	"github.com/spf13/cobra"
)

// DefaultConfigPath is used when --config is not given.
const DefaultConfigPath = "./timerd.yaml"

// Execute builds the root command and runs it with ctx.
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

// NewRootCmd constructs the cobra root command and its subcommands.
func NewRootCmd() *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:           "timerd",
		Short:         "timerd runs declarative timers",
		SilenceUsage:  true, // don't show usage on runtime errors
		SilenceErrors: true, // let main print errors once
	}
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", DefaultConfigPath, "path to config file (json|yaml)")

	path := func() string { return cfgPath }
	cmd.AddCommand(newRunCmd(path))
	cmd.AddCommand(newValidateCmd(path))
	cmd.AddCommand(newDescribeCmd(path))
	cmd.AddCommand(newForecastCmd(path))
	cmd.AddCommand(newModulesCmd())

	cmd.Run = func(cmd *cobra.Command, args []string) { _ = cmd.Help() }
	return cmd
}
