package muster

import (
	"cmp"
	"context"
	"errors"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Sweeper periodically cancels pending events whose deadline has passed.
// Expiration timers live in process memory and are lost on restart; the
// Sweeper reconciles what they missed
type Sweeper struct {
	muster   *Muster
	cron     *cron.Cron
	schedule string
	mu       sync.Mutex
	running  bool
}

// NewSweeper creates a Sweeper that runs on the Muster's SweepSchedule, or
// DefaultSweepSchedule if none is configured
func NewSweeper(m *Muster) (*Sweeper, error) {
	schedule := cmp.Or(m.config.SweepSchedule, DefaultSweepSchedule)
	sw := &Sweeper{
		muster:   m,
		cron:     cron.New(),
		schedule: schedule,
	}

	if _, err := sw.cron.AddFunc(schedule, sw.run); err != nil {
		return nil, err
	}
	return sw, nil
}

// Schedule returns the cron expression driving the Sweeper
func (sw *Sweeper) Schedule() string {
	return sw.schedule
}

// Start begins running sweeps in the background
func (sw *Sweeper) Start() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.running {
		return
	}
	sw.running = true
	sw.cron.Start()
}

// Stop halts the schedule and waits for a sweep in progress to finish
func (sw *Sweeper) Stop() {
	sw.mu.Lock()
	if !sw.running {
		sw.mu.Unlock()
		return
	}
	sw.running = false
	sw.mu.Unlock()

	<-sw.cron.Stop().Done()
}

// Sweep cancels every pending event whose deadline has passed and returns
// how many were cancelled. Events that were resolved concurrently are
// skipped silently
func (sw *Sweeper) Sweep(ctx context.Context) (int, error) {
	m := sw.muster
	events, err := m.backend.Pending(ctx)
	if err != nil {
		return 0, err
	}

	now := m.now()
	count := 0
	var errs []error
	for _, ev := range events {
		if ev.ExpiresAt == nil || now.Before(*ev.ExpiresAt) {
			continue
		}

		err := m.backend.Cancel(ctx, ev.Creator(), ev.ID)
		switch {
		case err == nil:
			count++
			m.expirer.Disarm(ev.ID)
			m.logger.Debug("Swept expired event",
				zap.String("event_id", string(ev.ID)),
			)
		case isPrecondition(err):
			m.logger.Debug("Sweep cancel discarded",
				zap.String("event_id", string(ev.ID)),
				zap.Error(err),
			)
		default:
			errs = append(errs, err)
		}
	}
	return count, errors.Join(errs...)
}

func (sw *Sweeper) run() {
	ctx := sw.muster.Context()
	count, err := sw.Sweep(ctx)
	if err != nil {
		sw.muster.logger.Error("Sweep failed",
			zap.Int("cancelled", count),
			zap.Error(err),
		)
		return
	}
	if count > 0 {
		sw.muster.logger.Info("Sweep cancelled expired events",
			zap.Int("cancelled", count),
		)
	}
}

func isPrecondition(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrAlreadyStarted)
}
