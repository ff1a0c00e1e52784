package cli

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kode4food/muster"
)

// SweepOptions holds flags for the sweep command
type SweepOptions struct {
	*RootOptions
	Once bool
}

// NewSweepCommand creates the sweep command
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SweepOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Cancel pending events whose deadline has passed",
		Long: `Cancel pending events whose deadline has passed. Runs on the
configured sweep schedule until interrupted, or a single time with --once.

Example:
  muster sweep --once
  muster sweep --config /etc/muster.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), opts.RootOptions)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			sw, err := muster.NewSweeper(s.muster)
			if err != nil {
				return err
			}

			if opts.Once {
				count, err := sw.Sweep(cmd.Context())
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), map[string]int{
					"cancelled": count,
				})
			}

			s.logger.Info("Sweeper started",
				zap.String("schedule", sw.Schedule()),
			)
			sw.Start()
			<-cmd.Context().Done()
			sw.Stop()
			s.logger.Info("Sweeper stopped")
			return nil
		},
	}

	cmd.Flags().BoolVar(&opts.Once, "once", false, "sweep once and exit")
	return cmd
}
