package cli

import (
	"github.com/spf13/cobra"

	"github.com/kode4food/muster"
)

// ListOptions holds flags for the list command
type ListOptions struct {
	*RootOptions
	UserID string
}

// NewListCommand creates the list command
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the pending and active events visible to a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), opts.RootOptions)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			events, err := s.muster.GetEventsFor(
				cmd.Context(), muster.ID(opts.UserID),
			)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), events)
		},
	}

	cmd.Flags().StringVarP(&opts.UserID, "user", "u", "", "user id (required)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// NewShowCommand creates the show command
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <event-id>",
		Short: "Print the stored record of an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			ev, err := s.muster.GetEvent(cmd.Context(), muster.ID(args[0]))
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), ev)
		},
	}
}
