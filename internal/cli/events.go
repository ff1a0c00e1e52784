package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/kode4food/muster"
)

type (
	// CreateOptions holds flags for the create command
	CreateOptions struct {
		*RootOptions
		UserID         string
		Alias          string
		Capacity       int
		Options        string
		Whitelist      []string
		Blacklist      []string
		PerUserTimeout time.Duration
	}

	// JoinOptions holds flags for the autojoin and join commands
	JoinOptions struct {
		*RootOptions
		UserID   string
		Alias    string
		Capacity int
		Options  string
	}

	// CancelOptions holds flags for the cancel command
	CancelOptions struct {
		*RootOptions
		UserID string
	}
)

// NewCreateCommand creates the create command
func NewCreateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CreateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a pending event",
		Long: `Create a pending event with the user as its first participant.

Example:
  muster create --user alice --alias Alice --capacity 4
  muster create --user alice --alias Alice --whitelist bob,carol`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), opts.RootOptions)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			req := &muster.CreateRequest{
				UserID:         muster.ID(opts.UserID),
				Alias:          opts.Alias,
				Capacity:       opts.Capacity,
				Options:        opts.Options,
				Whitelist:      toIDs(opts.Whitelist),
				Blacklist:      toIDs(opts.Blacklist),
				PerUserTimeout: opts.PerUserTimeout,
			}
			ev, err := s.muster.CreateEvent(cmd.Context(), req)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), ev)
		},
	}

	addUserFlags(cmd, &opts.UserID, &opts.Alias)
	cmd.Flags().IntVar(
		&opts.Capacity, "capacity", muster.MinCapacity,
		"number of participants",
	)
	cmd.Flags().StringVar(&opts.Options, "options", "", "matching options")
	cmd.Flags().StringSliceVar(
		&opts.Whitelist, "whitelist", nil, "users invited to the event",
	)
	cmd.Flags().StringSliceVar(
		&opts.Blacklist, "blacklist", nil, "users barred from autojoin",
	)
	cmd.Flags().DurationVar(
		&opts.PerUserTimeout, "per-user-timeout", 0,
		"expiration allowance per participant (default from config)",
	)
	return cmd
}

// NewAutojoinCommand creates the autojoin command
func NewAutojoinCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &JoinOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "autojoin",
		Short: "Join the first compatible pending event",
		Long: `Join the oldest pending event with a matching capacity and options
that admits the user. Prints null when no event matched.

Example:
  muster autojoin --user bob --alias Bob --capacity 4`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), opts.RootOptions)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			ev, err := s.muster.AutojoinEvent(cmd.Context(),
				muster.ID(opts.UserID), opts.Alias, opts.Capacity, opts.Options,
			)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), ev)
		},
	}

	addUserFlags(cmd, &opts.UserID, &opts.Alias)
	cmd.Flags().IntVar(
		&opts.Capacity, "capacity", muster.MinCapacity,
		"number of participants",
	)
	cmd.Flags().StringVar(&opts.Options, "options", "", "matching options")
	return cmd
}

// NewJoinCommand creates the join command
func NewJoinCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &JoinOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "join <event-id>",
		Short: "Join an event the user is invited to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), opts.RootOptions)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			ev, err := s.muster.JoinEvent(cmd.Context(),
				muster.ID(opts.UserID), opts.Alias, muster.ID(args[0]),
			)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), ev)
		},
	}

	addUserFlags(cmd, &opts.UserID, &opts.Alias)
	return cmd
}

// NewCancelCommand creates the cancel command
func NewCancelCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CancelOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "cancel <event-id>",
		Short: "Cancel a pending event the user created",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), opts.RootOptions)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			id := muster.ID(args[0])
			userID := muster.ID(opts.UserID)
			err = s.muster.CancelEvent(cmd.Context(), userID, id)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"id":        id,
				"cancelled": true,
			})
		},
	}

	cmd.Flags().StringVarP(&opts.UserID, "user", "u", "", "user id (required)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func addUserFlags(cmd *cobra.Command, userID, alias *string) {
	cmd.Flags().StringVarP(userID, "user", "u", "", "user id (required)")
	cmd.Flags().StringVarP(alias, "alias", "a", "", "display name (required)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("alias")
}

func toIDs(values []string) []muster.ID {
	res := make([]muster.ID, 0, len(values))
	for _, v := range values {
		res = append(res, muster.ID(v))
	}
	return res
}
