package muster_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kode4food/muster"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func TestSweep(t *testing.T) {
	clock := &testClock{
		now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	m := newTestMuster(t, muster.WithClock(clock.Now))
	ctx := context.Background()

	expiring, err := m.CreateEvent(ctx, &muster.CreateRequest{
		UserID:         "alice",
		Alias:          "Alice",
		Capacity:       2,
		PerUserTimeout: time.Second,
	})
	require.NoError(t, err)

	_, err = m.CreateEvent(ctx, &muster.CreateRequest{
		UserID:   "bob",
		Alias:    "Bob",
		Capacity: 2,
	})
	require.NoError(t, err)

	sw, err := muster.NewSweeper(m)
	require.NoError(t, err)
	assert.Equal(t, muster.DefaultSweepSchedule, sw.Schedule())

	count, err := sw.Sweep(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 0, count)

	clock.Advance(2 * time.Second)
	count, err = sw.Sweep(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, 1, m.Expirer().Armed())

	_, err = m.GetEvent(ctx, expiring.ID)
	assert.ErrorIs(t, err, muster.ErrNotFound)

	pending, err := m.Backend().Pending(ctx)
	assert.NoError(t, err)
	if assert.Len(t, pending, 1) {
		assert.Equal(t, muster.ID("bob"), pending[0].Creator())
	}

	clock.Advance(time.Hour)
	count, err = sw.Sweep(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, 0, m.Expirer().Armed())
}

func TestSweeperSchedule(t *testing.T) {
	_, store := setupTestStore(t)
	cfg := muster.DefaultConfig()
	cfg.SweepSchedule = "not a schedule"

	m, err := muster.NewMuster(cfg, store)
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	sw, err := muster.NewSweeper(m)
	assert.Error(t, err)
	assert.Nil(t, sw)

	cfg.SweepSchedule = "@every 1h"
	m2, err := muster.NewMuster(cfg, store)
	require.NoError(t, err)
	defer func() { _ = m2.Close() }()

	sw, err = muster.NewSweeper(m2)
	require.NoError(t, err)
	assert.Equal(t, "@every 1h", sw.Schedule())

	sw.Start()
	sw.Start()
	sw.Stop()
	sw.Stop()
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
