package muster_test

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kode4food/muster"
)

func TestCanAutojoin(t *testing.T) {
	open := &muster.Event{
		Capacity:  3,
		UserIDs:   muster.IDs{"alice"},
		Blacklist: muster.IDs{"mallory"},
	}
	assert.True(t, open.CanAutojoin("bob"))
	assert.False(t, open.CanAutojoin("alice"))
	assert.False(t, open.CanAutojoin("mallory"))

	invite := &muster.Event{
		Capacity:  3,
		UserIDs:   muster.IDs{"alice"},
		Whitelist: muster.IDs{"bob"},
		Blacklist: muster.IDs{"mallory"},
	}
	assert.True(t, invite.CanAutojoin("bob"))
	assert.False(t, invite.CanAutojoin("carol"))
	assert.False(t, invite.CanAutojoin("mallory"))
}

func TestCheckJoin(t *testing.T) {
	started := time.Now()
	ev := &muster.Event{
		Capacity:  3,
		UserIDs:   muster.IDs{"alice", "bob"},
		Whitelist: muster.IDs{"bob", "mallory"},
		Blacklist: muster.IDs{"mallory"},
	}
	assert.NoError(t, ev.CheckJoin("mallory"))
	assert.ErrorIs(t, ev.CheckJoin("bob"), muster.ErrAlreadyJoined)
	assert.ErrorIs(t, ev.CheckJoin("carol"), muster.ErrForbidden)

	ev.StartedAt = &started
	assert.ErrorIs(t, ev.CheckJoin("bob"), muster.ErrAlreadyStarted)
	assert.ErrorIs(t, ev.CheckJoin("mallory"), muster.ErrAlreadyStarted)
}

func TestCheckCancel(t *testing.T) {
	started := time.Now()
	ev := &muster.Event{
		Capacity: 2,
		UserIDs:  muster.IDs{"alice"},
	}
	assert.NoError(t, ev.CheckCancel("alice"))
	assert.ErrorIs(t, ev.CheckCancel("bob"), muster.ErrForbidden)

	ev.StartedAt = &started
	assert.ErrorIs(t, ev.CheckCancel("bob"), muster.ErrForbidden)
	assert.ErrorIs(t, ev.CheckCancel("alice"), muster.ErrAlreadyStarted)
}

func TestAdmit(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.FixedZone("X", 3600))
	ev := &muster.Event{
		Capacity: 3,
		UserIDs:  muster.IDs{"alice"},
		Aliases:  muster.Aliases{"Alice"},
	}

	assert.False(t, ev.Admit("bob", "Bob", now))
	assert.False(t, ev.Started())
	assert.True(t, ev.Admit("carol", "Carol", now))
	assert.True(t, ev.Started())
	assert.Equal(t, time.UTC, ev.StartedAt.Location())
	assert.True(t, now.Equal(*ev.StartedAt))
	assert.Equal(t, muster.IDs{"alice", "bob", "carol"}, ev.UserIDs)
	assert.Equal(t, muster.Aliases{"Alice", "Bob", "Carol"}, ev.Aliases)
	assert.Equal(t, muster.ID("alice"), ev.Creator())
}

func TestVisiblePending(t *testing.T) {
	ev := &muster.Event{
		UserIDs:   muster.IDs{"alice", "bob"},
		Whitelist: muster.IDs{"bob", "carol"},
	}
	assert.True(t, ev.VisiblePending("alice"))
	assert.True(t, ev.VisiblePending("bob"))
	assert.True(t, ev.VisiblePending("carol"))
	assert.False(t, ev.VisiblePending("dave"))
}

func TestExpireAfter(t *testing.T) {
	assert.Equal(t,
		90*time.Second, muster.ExpireAfter(3, 30*time.Second),
	)
	assert.Equal(t, 2*time.Second, muster.ExpireAfter(0, 0))
	assert.Equal(t,
		4*time.Second, muster.ExpireAfter(4, time.Millisecond),
	)
}

func TestExpireAfterSaturates(t *testing.T) {
	d := muster.ExpireAfter(400_000_000, 30*time.Second)
	assert.Equal(t, time.Duration(math.MaxInt64), d)
	assert.Positive(t, d)
	assert.Equal(t,
		time.Duration(math.MaxInt64),
		muster.ExpireAfter(math.MaxInt, math.MaxInt64),
	)
}
