package cli

import (
	"context"
	"errors"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kode4food/muster"
)

var errWatchDone = errors.New("watch done")

// NewWatchCommand creates the watch command
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <event-id>",
		Short: "Print an event's notifications as they arrive",
		Long: `Print an event's join and cancel notifications until the event is
cancelled or starts, or the command is interrupted. The bolt backend only
delivers notifications raised within the same process.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			return watchEvent(
				cmd.Context(), s, muster.ID(args[0]), cmd.OutOrStdout(),
			)
		},
	}
}

func watchEvent(
	ctx context.Context, s *session, id muster.ID, out io.Writer,
) error {
	sub, err := s.muster.Subscribe(ctx, id)
	if err != nil {
		return err
	}
	defer func() { _ = sub.Close() }()

	ev, err := s.muster.GetEvent(ctx, id)
	if err != nil {
		return err
	}
	if ev.Started() {
		return writeJSON(out, ev)
	}
	return follow(ctx, s.logger, ev, sub, out)
}

// follow prints notifications until the event is cancelled or its join
// count reaches capacity. Joins already present in ev are not counted twice
func follow(
	ctx context.Context, logger *zap.Logger, ev *muster.Event,
	sub *muster.Subscription, out io.Writer,
) error {
	joined := make(map[muster.ID]struct{}, ev.Capacity)
	for _, id := range ev.UserIDs {
		joined[id] = struct{}{}
	}
	dispatch := muster.MakeDispatcher(
		map[muster.NotificationType]muster.NotificationHandler{
			muster.NotificationJoin: func(n *muster.Notification) error {
				if err := writeJSON(out, n); err != nil {
					return err
				}
				joined[n.UserID] = struct{}{}
				if len(joined) >= ev.Capacity {
					return errWatchDone
				}
				return nil
			},
			muster.NotificationCancel: func(n *muster.Notification) error {
				if err := writeJSON(out, n); err != nil {
					return err
				}
				return errWatchDone
			},
		},
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-sub.Receive():
			if !ok {
				return nil
			}
			err := dispatch(n)
			if errors.Is(err, errWatchDone) {
				return nil
			}
			if err != nil {
				logger.Error("Watch failed",
					zap.String("event_id", string(ev.ID)),
					zap.Error(err),
				)
				return err
			}
		}
	}
}
