package muster_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kode4food/muster"
)

func TestNewMusterRequiresBackend(t *testing.T) {
	m, err := muster.NewMuster(muster.DefaultConfig(), nil)
	assert.ErrorIs(t, err, muster.ErrValidation)
	assert.Nil(t, m)
}

func TestCreateEvent(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	m := newTestMuster(t,
		muster.WithClock(func() time.Time { return now }),
	)
	ctx := context.Background()

	ev, err := m.CreateEvent(ctx, &muster.CreateRequest{
		UserID:    "alice",
		Alias:     "Alice",
		Capacity:  3,
		Options:   "  mode=ranked ",
		Whitelist: []muster.ID{"bob", "bob", "carol"},
		Blacklist: []muster.ID{"dave"},
	})
	require.NoError(t, err)

	assert.Equal(t, muster.ID("event-1"), ev.ID)
	assert.Equal(t, 3, ev.Capacity)
	assert.Equal(t, "mode=ranked", ev.Options)
	assert.Equal(t, muster.IDs{"bob", "carol"}, ev.Whitelist)
	assert.Equal(t, muster.IDs{"dave"}, ev.Blacklist)
	assert.Equal(t, muster.IDs{"alice"}, ev.UserIDs)
	assert.Equal(t, muster.Aliases{"Alice"}, ev.Aliases)
	assert.False(t, ev.Started())
	assert.Equal(t, now, ev.CreatedAt)
	if assert.NotNil(t, ev.ExpiresAt) {
		assert.Equal(t, now.Add(90*time.Second), *ev.ExpiresAt)
	}
	assert.Equal(t, 1, m.Expirer().Armed())

	stored, err := m.GetEvent(ctx, ev.ID)
	assert.NoError(t, err)
	assert.Equal(t, ev.UserIDs, stored.UserIDs)
	assert.Equal(t, ev.Whitelist, stored.Whitelist)
}

func TestCreateEventDefaults(t *testing.T) {
	m := newTestMuster(t)
	ctx := context.Background()

	ev, err := m.CreateEvent(ctx, &muster.CreateRequest{
		UserID:         "alice",
		Alias:          "Alice",
		Capacity:       0,
		PerUserTimeout: time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, muster.MinCapacity, ev.Capacity)
	assert.Empty(t, ev.Whitelist)
	assert.Empty(t, ev.Blacklist)
	if assert.NotNil(t, ev.ExpiresAt) {
		assert.Equal(t,
			2*muster.MinPerUserTimeout, ev.ExpiresAt.Sub(ev.CreatedAt),
		)
	}
}

func TestCreateEventHugeCapacity(t *testing.T) {
	m := newTestMuster(t)

	ev, err := m.CreateEvent(context.Background(), &muster.CreateRequest{
		UserID:         "alice",
		Alias:          "Alice",
		Capacity:       400_000_000,
		PerUserTimeout: 30 * time.Second,
	})
	require.NoError(t, err)
	if assert.NotNil(t, ev.ExpiresAt) {
		assert.True(t, ev.ExpiresAt.After(ev.CreatedAt))
	}
	assert.Equal(t, 1, m.Expirer().Armed())
}

func TestCreateEventValidation(t *testing.T) {
	m := newTestMuster(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  *muster.CreateRequest
	}{
		{"missing user", &muster.CreateRequest{Alias: "A"}},
		{"missing alias", &muster.CreateRequest{UserID: "a"}},
		{
			"creator whitelisted",
			&muster.CreateRequest{
				UserID: "a", Alias: "A", Whitelist: []muster.ID{"a"},
			},
		},
		{
			"creator blacklisted",
			&muster.CreateRequest{
				UserID: "a", Alias: "A", Blacklist: []muster.ID{"a"},
			},
		},
		{
			"overlapping lists",
			&muster.CreateRequest{
				UserID:    "a",
				Alias:     "A",
				Whitelist: []muster.ID{"b", "c"},
				Blacklist: []muster.ID{"c"},
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := m.CreateEvent(ctx, tc.req)
			assert.ErrorIs(t, err, muster.ErrValidation)
			assert.Nil(t, ev)
		})
	}

	pending, err := m.Backend().Pending(ctx)
	assert.NoError(t, err)
	assert.Empty(t, pending)
	assert.Equal(t, 0, m.Expirer().Armed())
}

func TestAutojoinEvent(t *testing.T) {
	m := newTestMuster(t)
	ctx := context.Background()

	ev, err := m.AutojoinEvent(ctx, "bob", "Bob", 2, "")
	assert.NoError(t, err)
	assert.Nil(t, ev)

	created, err := m.CreateEvent(ctx, &muster.CreateRequest{
		UserID:   "alice",
		Alias:    "Alice",
		Capacity: 2,
		Options:  "duel",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, m.Expirer().Armed())

	ev, err = m.AutojoinEvent(ctx, "bob", "Bob", 2, " duel ")
	require.NoError(t, err)
	if assert.NotNil(t, ev) {
		assert.Equal(t, created.ID, ev.ID)
		assert.Equal(t, muster.IDs{"alice", "bob"}, ev.UserIDs)
		assert.True(t, ev.Started())
	}
	assert.Equal(t, 0, m.Expirer().Armed())

	ev, err = m.AutojoinEvent(ctx, "carol", "", 2, "duel")
	assert.ErrorIs(t, err, muster.ErrValidation)
	assert.Nil(t, ev)
}

func TestAutojoinCapacityCoerced(t *testing.T) {
	m := newTestMuster(t)
	ctx := context.Background()

	_, err := m.CreateEvent(ctx, &muster.CreateRequest{
		UserID: "alice",
		Alias:  "Alice",
	})
	require.NoError(t, err)

	ev, err := m.AutojoinEvent(ctx, "bob", "Bob", 1, "")
	assert.NoError(t, err)
	if assert.NotNil(t, ev) {
		assert.Equal(t, muster.MinCapacity, ev.Capacity)
	}
}

func TestJoinEvent(t *testing.T) {
	m := newTestMuster(t)
	ctx := context.Background()

	created, err := m.CreateEvent(ctx, &muster.CreateRequest{
		UserID:    "alice",
		Alias:     "Alice",
		Capacity:  3,
		Whitelist: []muster.ID{"bob", "carol"},
	})
	require.NoError(t, err)

	_, err = m.JoinEvent(ctx, "dave", "Dave", created.ID)
	assert.ErrorIs(t, err, muster.ErrForbidden)

	_, err = m.JoinEvent(ctx, "bob", "Bob", "")
	assert.ErrorIs(t, err, muster.ErrValidation)

	ev, err := m.JoinEvent(ctx, "bob", "Bob", created.ID)
	require.NoError(t, err)
	assert.False(t, ev.Started())
	assert.Equal(t, 1, m.Expirer().Armed())

	_, err = m.JoinEvent(ctx, "bob", "Bob", created.ID)
	assert.ErrorIs(t, err, muster.ErrAlreadyJoined)

	ev, err = m.JoinEvent(ctx, "carol", "Carol", created.ID)
	require.NoError(t, err)
	assert.True(t, ev.Started())
	assert.Equal(t, muster.Aliases{"Alice", "Bob", "Carol"}, ev.Aliases)
	assert.Equal(t, 0, m.Expirer().Armed())

	events, err := m.GetEventsFor(ctx, "carol")
	assert.NoError(t, err)
	assert.Empty(t, events.Pending)
	assert.Len(t, events.Active, 1)
}

func TestCancelEvent(t *testing.T) {
	m := newTestMuster(t)
	ctx := context.Background()

	created, err := m.CreateEvent(ctx, &muster.CreateRequest{
		UserID:    "alice",
		Alias:     "Alice",
		Capacity:  2,
		Whitelist: []muster.ID{"bob"},
	})
	require.NoError(t, err)

	sub, err := m.Subscribe(ctx, created.ID)
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	assert.ErrorIs(t,
		m.CancelEvent(ctx, "bob", created.ID), muster.ErrForbidden,
	)
	assert.ErrorIs(t,
		m.CancelEvent(ctx, "alice", ""), muster.ErrValidation,
	)
	assert.NoError(t, m.CancelEvent(ctx, "alice", created.ID))
	assert.Equal(t, 0, m.Expirer().Armed())

	select {
	case n := <-sub.Receive():
		assert.Equal(t, muster.NotificationCancel, n.Type)
		assert.Equal(t, created.ID, n.EventID)
	case <-time.After(time.Second):
		assert.Fail(t, "cancel notification not received")
	}

	_, err = m.GetEvent(ctx, created.ID)
	assert.ErrorIs(t, err, muster.ErrNotFound)
	assert.ErrorIs(t,
		m.CancelEvent(ctx, "alice", created.ID), muster.ErrNotFound,
	)
}

func TestGetEventsFor(t *testing.T) {
	m := newTestMuster(t)
	ctx := context.Background()

	_, err := m.CreateEvent(ctx, &muster.CreateRequest{
		UserID:    "alice",
		Alias:     "Alice",
		Capacity:  3,
		Whitelist: []muster.ID{"bob"},
	})
	require.NoError(t, err)
	_, err = m.CreateEvent(ctx, &muster.CreateRequest{
		UserID:   "carol",
		Alias:    "Carol",
		Capacity: 2,
	})
	require.NoError(t, err)

	events, err := m.GetEventsFor(ctx, "bob")
	assert.NoError(t, err)
	assert.Len(t, events.Pending, 1)
	assert.Empty(t, events.Active)

	events, err = m.GetEventsFor(ctx, "dave")
	assert.NoError(t, err)
	assert.Empty(t, events.Pending)
	assert.Empty(t, events.Active)

	_, err = m.GetEventsFor(ctx, "")
	assert.ErrorIs(t, err, muster.ErrValidation)
}

func TestMusterClose(t *testing.T) {
	m := newTestMuster(t)
	ctx := context.Background()

	_, err := m.CreateEvent(ctx, &muster.CreateRequest{
		UserID: "alice",
		Alias:  "Alice",
	})
	require.NoError(t, err)

	assert.NoError(t, m.Close())
	assert.NoError(t, m.Close())
	assert.Equal(t, 0, m.Expirer().Armed())
	assert.Error(t, m.Context().Err())

	_, err = m.CreateEvent(ctx, &muster.CreateRequest{
		UserID: "alice",
		Alias:  "Alice",
	})
	assert.ErrorIs(t, err, muster.ErrClosed)

	_, err = m.AutojoinEvent(ctx, "bob", "Bob", 2, "")
	assert.ErrorIs(t, err, muster.ErrClosed)

	_, err = m.JoinEvent(ctx, "bob", "Bob", "event-1")
	assert.ErrorIs(t, err, muster.ErrClosed)

	assert.ErrorIs(t,
		m.CancelEvent(ctx, "alice", "event-1"), muster.ErrClosed,
	)
}

func newTestMuster(t *testing.T, opts ...muster.Option) *muster.Muster {
	t.Helper()
	_, store := setupTestStore(t)

	var seq atomic.Int64
	opts = append([]muster.Option{
		muster.WithIDGenerator(func() muster.ID {
			return muster.ID(fmt.Sprintf("event-%d", seq.Add(1)))
		}),
	}, opts...)

	m, err := muster.NewMuster(muster.DefaultConfig(), store, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}
