// Package cli implements the muster command
package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/kode4food/muster/internal/config"
)

// RootOptions holds the flags shared by every command
type RootOptions struct {
	ConfigPath string
	Backend    string
}

// NewRootCommand creates the root command of the muster CLI
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "muster",
		Short: "Assemble users into fixed-size events",
		Long: `muster groups users into events of a fixed capacity. An event stays
pending until it fills up, then becomes active. Pending events that do
not fill up in time are cancelled.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Backend != "" &&
				!slices.Contains(config.Backends, opts.Backend) {
				return fmt.Errorf("invalid backend %q: must be one of %v",
					opts.Backend, config.Backends,
				)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(
		&opts.ConfigPath, "config", "c", "", "path to YAML config file",
	)
	cmd.PersistentFlags().StringVar(
		&opts.Backend, "backend", "", "storage backend (redis|bolt|postgres)",
	)

	cmd.AddCommand(NewCreateCommand(opts))
	cmd.AddCommand(NewAutojoinCommand(opts))
	cmd.AddCommand(NewJoinCommand(opts))
	cmd.AddCommand(NewCancelCommand(opts))
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewShowCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewSweepCommand(opts))

	return cmd
}
