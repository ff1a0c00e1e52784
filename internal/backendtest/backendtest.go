// Package backendtest holds the behavioral suite every muster.Backend must
// pass. Backend packages call Run from their own tests with a factory that
// yields a fresh, empty Backend
package backendtest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kode4food/muster"
)

// Factory returns an empty Backend. It should register its own cleanup
type Factory func(t *testing.T) muster.Backend

const (
	creator  muster.ID = "creator"
	invitee  muster.ID = "invitee"
	stranger muster.ID = "stranger"

	notifyWait = time.Second
	quietWait  = 100 * time.Millisecond
)

// Run executes the suite against the Backends produced by factory
func Run(t *testing.T, factory Factory) {
	tests := []struct {
		name string
		fn   func(*testing.T, muster.Backend)
	}{
		{"CreateThenGet", testCreateThenGet},
		{"AutojoinEmpty", testAutojoinEmpty},
		{"AutojoinActivates", testAutojoinActivates},
		{"AutojoinOptionsIsolation", testAutojoinOptionsIsolation},
		{"AutojoinCapacityMismatch", testAutojoinCapacityMismatch},
		{"AutojoinIndexOrder", testAutojoinIndexOrder},
		{"AutojoinSkipsJoined", testAutojoinSkipsJoined},
		{"AutojoinWhitelistExclusive", testAutojoinWhitelistExclusive},
		{"AutojoinBlacklist", testAutojoinBlacklist},
		{"StartedAtSetOnce", testStartedAtSetOnce},
		{"JoinWhitelist", testJoinWhitelist},
		{"JoinErrors", testJoinErrors},
		{"JoinBypassesBlacklist", testJoinBypassesBlacklist},
		{"CancelErrors", testCancelErrors},
		{"CancelRemoves", testCancelRemoves},
		{"QueryVisibility", testQueryVisibility},
		{"Pending", testPending},
		{"Notifications", testNotifications},
		{"NoNotificationOnFailure", testNoNotificationOnFailure},
		{"ConcurrentAutojoin", testConcurrentAutojoin},
		{"ConcurrentJoin", testConcurrentJoin},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, factory(t))
		})
	}
}

// NewEvent builds a pending event the way the application layer would
func NewEvent(
	id, creator muster.ID, capacity int, options string,
	whitelist, blacklist muster.IDs,
) *muster.Event {
	now := Now()
	expires := now.Add(muster.ExpireAfter(capacity, time.Second))
	return &muster.Event{
		ID:        id,
		Capacity:  capacity,
		Options:   options,
		Whitelist: whitelist,
		Blacklist: blacklist,
		UserIDs:   muster.IDs{creator},
		Aliases:   muster.Aliases{alias(creator)},
		CreatedAt: now,
		ExpiresAt: &expires,
	}
}

// Now returns the current time at a precision every Backend round-trips
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func testCreateThenGet(t *testing.T, be muster.Backend) {
	ctx := context.Background()
	ev := NewEvent("e1", creator, 2, "", nil, nil)
	require.NoError(t, be.Create(ctx, ev))

	got, err := be.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, muster.IDs{creator}, got.UserIDs)
	assert.Equal(t, muster.Aliases{"creator-alias"}, got.Aliases)
	assert.Empty(t, got.Whitelist)
	assert.Empty(t, got.Blacklist)
	assert.False(t, got.Started())
	assert.True(t, ev.CreatedAt.Equal(got.CreatedAt))

	pending, err := be.PendingFor(ctx, creator)
	require.NoError(t, err)
	assert.Equal(t, []muster.ID{"e1"}, ids(pending))

	active, err := be.ActiveFor(ctx, creator)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func testAutojoinEmpty(t *testing.T, be muster.Backend) {
	ev, err := be.Autojoin(context.Background(), autojoin(stranger, 2, ""))
	assert.NoError(t, err)
	assert.Nil(t, ev)
}

func testAutojoinActivates(t *testing.T, be muster.Backend) {
	ctx := context.Background()
	require.NoError(t, be.Create(ctx, NewEvent("e1", creator, 2, "", nil, nil)))

	req := autojoin(stranger, 2, "")
	ev, err := be.Autojoin(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, muster.ID("e1"), ev.ID)
	assert.Equal(t, muster.IDs{creator, stranger}, ev.UserIDs)
	assert.Equal(t,
		muster.Aliases{"creator-alias", "stranger-alias"}, ev.Aliases,
	)
	require.NotNil(t, ev.StartedAt)
	assert.True(t, req.Now.Equal(*ev.StartedAt))

	pending, err := be.PendingFor(ctx, creator)
	require.NoError(t, err)
	assert.Empty(t, pending)

	for _, user := range []muster.ID{creator, stranger} {
		active, err := be.ActiveFor(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, []muster.ID{"e1"}, ids(active))
	}
}

func testAutojoinOptionsIsolation(t *testing.T, be muster.Backend) {
	ctx := context.Background()
	require.NoError(t, be.Create(ctx,
		NewEvent("red", creator, 3, "mode=red", nil, nil),
	))
	require.NoError(t, be.Create(ctx,
		NewEvent("blue", "other-creator", 3, "mode=blue", nil, nil),
	))

	ev, err := be.Autojoin(ctx, autojoin(stranger, 3, "mode=blue"))
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, muster.ID("blue"), ev.ID)

	ev, err = be.Autojoin(ctx, autojoin(invitee, 3, "mode=green"))
	assert.NoError(t, err)
	assert.Nil(t, ev)
}

func testAutojoinCapacityMismatch(t *testing.T, be muster.Backend) {
	ctx := context.Background()
	require.NoError(t, be.Create(ctx, NewEvent("e1", creator, 4, "", nil, nil)))

	ev, err := be.Autojoin(ctx, autojoin(stranger, 2, ""))
	assert.NoError(t, err)
	assert.Nil(t, ev)
}

func testAutojoinIndexOrder(t *testing.T, be muster.Backend) {
	ctx := context.Background()
	for i := range 3 {
		id := muster.ID(fmt.Sprintf("e%d", i))
		c := muster.ID(fmt.Sprintf("creator-%d", i))
		require.NoError(t, be.Create(ctx, NewEvent(id, c, 3, "", nil, nil)))
	}

	ev, err := be.Autojoin(ctx, autojoin(stranger, 3, ""))
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, muster.ID("e0"), ev.ID)

	ev, err = be.Autojoin(ctx, autojoin(stranger, 3, ""))
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, muster.ID("e1"), ev.ID)
}

func testAutojoinSkipsJoined(t *testing.T, be muster.Backend) {
	ctx := context.Background()
	require.NoError(t, be.Create(ctx, NewEvent("e1", creator, 3, "", nil, nil)))

	ev, err := be.Autojoin(ctx, autojoin(creator, 3, ""))
	assert.NoError(t, err)
	assert.Nil(t, ev)

	ev, err = be.Autojoin(ctx, autojoin(stranger, 3, ""))
	require.NoError(t, err)
	require.NotNil(t, ev)

	ev, err = be.Autojoin(ctx, autojoin(stranger, 3, ""))
	assert.NoError(t, err)
	assert.Nil(t, ev)

	got, err := be.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, muster.IDs{creator, stranger}, got.UserIDs)
}

func testAutojoinWhitelistExclusive(t *testing.T, be muster.Backend) {
	ctx := context.Background()
	require.NoError(t, be.Create(ctx,
		NewEvent("e1", creator, 2, "", muster.IDs{invitee}, nil),
	))

	ev, err := be.Autojoin(ctx, autojoin(stranger, 2, ""))
	assert.NoError(t, err)
	assert.Nil(t, ev)

	ev, err = be.Autojoin(ctx, autojoin(invitee, 2, ""))
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, muster.IDs{creator, invitee}, ev.UserIDs)
	assert.True(t, ev.Started())
}

func testAutojoinBlacklist(t *testing.T, be muster.Backend) {
	ctx := context.Background()
	require.NoError(t, be.Create(ctx,
		NewEvent("e1", creator, 2, "", nil, muster.IDs{stranger}),
	))

	ev, err := be.Autojoin(ctx, autojoin(stranger, 2, ""))
	assert.NoError(t, err)
	assert.Nil(t, ev)

	ev, err = be.Autojoin(ctx, autojoin(invitee, 2, ""))
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, muster.ID("e1"), ev.ID)
}

func testStartedAtSetOnce(t *testing.T, be muster.Backend) {
	ctx := context.Background()
	require.NoError(t, be.Create(ctx,
		NewEvent("e1", creator, 3, "", muster.IDs{invitee}, nil),
	))

	ev, err := be.Autojoin(ctx, autojoin(invitee, 3, ""))
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Nil(t, ev.StartedAt)

	// whitelisted events are closed to strangers; join by invitation only
	ev, err = be.Autojoin(ctx, autojoin(stranger, 3, ""))
	assert.NoError(t, err)
	assert.Nil(t, ev)

	require.NoError(t, be.Create(ctx, NewEvent("e2", creator, 3, "", nil, nil)))
	first, err := be.Autojoin(ctx, autojoin("p1", 3, ""))
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, muster.ID("e2"), first.ID)
	assert.Nil(t, first.StartedAt)

	req := autojoin("p2", 3, "")
	second, err := be.Autojoin(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, second)
	require.NotNil(t, second.StartedAt)
	started := *second.StartedAt
	assert.True(t, req.Now.Equal(started))
	assert.Len(t, second.UserIDs, 3)

	late, err := be.Autojoin(ctx, autojoin("p3", 3, ""))
	assert.NoError(t, err)
	assert.Nil(t, late)

	_, err = be.Join(ctx, join("p3", "e2"))
	assert.ErrorIs(t, err, muster.ErrAlreadyStarted)

	got, err := be.Get(ctx, "e2")
	require.NoError(t, err)
	require.NotNil(t, got.StartedAt)
	assert.True(t, started.Equal(*got.StartedAt))
	assert.Len(t, got.UserIDs, 3)
}

func testJoinWhitelist(t *testing.T, be muster.Backend) {
	ctx := context.Background()
	require.NoError(t, be.Create(ctx,
		NewEvent("e1", creator, 2, "", muster.IDs{invitee}, nil),
	))

	_, err := be.Join(ctx, join(stranger, "e1"))
	assert.ErrorIs(t, err, muster.ErrForbidden)

	req := join(invitee, "e1")
	ev, err := be.Join(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, muster.IDs{creator, invitee}, ev.UserIDs)
	require.NotNil(t, ev.StartedAt)
	assert.True(t, req.Now.Equal(*ev.StartedAt))

	active, err := be.ActiveFor(ctx, invitee)
	require.NoError(t, err)
	assert.Equal(t, []muster.ID{"e1"}, ids(active))
}

func testJoinErrors(t *testing.T, be muster.Backend) {
	ctx := context.Background()
	_, err := be.Join(ctx, join(invitee, "missing"))
	assert.ErrorIs(t, err, muster.ErrNotFound)

	require.NoError(t, be.Create(ctx,
		NewEvent("e1", creator, 3, "", muster.IDs{invitee}, nil),
	))

	_, err = be.Join(ctx, join(creator, "e1"))
	assert.ErrorIs(t, err, muster.ErrAlreadyJoined)

	_, err = be.Join(ctx, join(invitee, "e1"))
	require.NoError(t, err)

	_, err = be.Join(ctx, join(invitee, "e1"))
	assert.ErrorIs(t, err, muster.ErrAlreadyJoined)

	got, err := be.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, muster.IDs{creator, invitee}, got.UserIDs)
}

func testJoinBypassesBlacklist(t *testing.T, be muster.Backend) {
	ctx := context.Background()
	require.NoError(t, be.Create(ctx,
		NewEvent("open", creator, 2, "", nil, muster.IDs{invitee}),
	))
	ev, err := be.Autojoin(ctx, autojoin(invitee, 2, ""))
	assert.NoError(t, err)
	assert.Nil(t, ev)

	require.NoError(t, be.Create(ctx, NewEvent(
		"invite", "other-creator", 2, "",
		muster.IDs{invitee}, muster.IDs{invitee},
	)))
	ev, err = be.Join(ctx, join(invitee, "invite"))
	require.NoError(t, err)
	assert.Equal(t, muster.IDs{"other-creator", invitee}, ev.UserIDs)
}

func testCancelErrors(t *testing.T, be muster.Backend) {
	ctx := context.Background()
	assert.ErrorIs(t, be.Cancel(ctx, creator, "missing"), muster.ErrNotFound)

	require.NoError(t, be.Create(ctx, NewEvent("e1", creator, 2, "", nil, nil)))
	assert.ErrorIs(t, be.Cancel(ctx, stranger, "e1"), muster.ErrForbidden)

	got, err := be.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, muster.IDs{creator}, got.UserIDs)

	_, err = be.Autojoin(ctx, autojoin(stranger, 2, ""))
	require.NoError(t, err)

	assert.ErrorIs(t, be.Cancel(ctx, creator, "e1"), muster.ErrAlreadyStarted)
	assert.ErrorIs(t, be.Cancel(ctx, stranger, "e1"), muster.ErrForbidden)

	got, err = be.Get(ctx, "e1")
	require.NoError(t, err)
	assert.True(t, got.Started())
	assert.Equal(t, muster.IDs{creator, stranger}, got.UserIDs)

	active, err := be.ActiveFor(ctx, creator)
	require.NoError(t, err)
	assert.Equal(t, []muster.ID{"e1"}, ids(active))
}

func testCancelRemoves(t *testing.T, be muster.Backend) {
	ctx := context.Background()
	require.NoError(t, be.Create(ctx, NewEvent("e1", creator, 2, "", nil, nil)))
	require.NoError(t, be.Cancel(ctx, creator, "e1"))

	pending, err := be.PendingFor(ctx, creator)
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = be.Get(ctx, "e1")
	assert.ErrorIs(t, err, muster.ErrNotFound)

	_, err = be.Join(ctx, join(invitee, "e1"))
	assert.ErrorIs(t, err, muster.ErrNotFound)

	assert.ErrorIs(t, be.Cancel(ctx, creator, "e1"), muster.ErrNotFound)

	ev, err := be.Autojoin(ctx, autojoin(stranger, 2, ""))
	assert.NoError(t, err)
	assert.Nil(t, ev)
}

func testQueryVisibility(t *testing.T, be muster.Backend) {
	ctx := context.Background()
	require.NoError(t, be.Create(ctx, NewEvent(
		"e1", creator, 3, "", muster.IDs{invitee}, muster.IDs{stranger},
	)))

	pending, err := be.PendingFor(ctx, invitee)
	require.NoError(t, err)
	assert.Equal(t, []muster.ID{"e1"}, ids(pending))

	pending, err = be.PendingFor(ctx, stranger)
	require.NoError(t, err)
	assert.Empty(t, pending)

	pending, err = be.PendingFor(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = be.Join(ctx, join(invitee, "e1"))
	require.NoError(t, err)

	pending, err = be.PendingFor(ctx, invitee)
	require.NoError(t, err)
	assert.Equal(t, []muster.ID{"e1"}, ids(pending))

	active, err := be.ActiveFor(ctx, invitee)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func testPending(t *testing.T, be muster.Backend) {
	ctx := context.Background()
	require.NoError(t, be.Create(ctx, NewEvent("e1", creator, 2, "", nil, nil)))
	require.NoError(t, be.Create(ctx, NewEvent("e2", invitee, 2, "x", nil, nil)))
	require.NoError(t, be.Create(ctx, NewEvent("e3", creator, 3, "", nil, nil)))

	_, err := be.Autojoin(ctx, autojoin(stranger, 2, "x"))
	require.NoError(t, err)

	pending, err := be.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []muster.ID{"e1", "e3"}, ids(pending))
}

func testNotifications(t *testing.T, be muster.Backend) {
	ctx := context.Background()
	require.NoError(t, be.Create(ctx, NewEvent("e1", creator, 3, "", nil, nil)))

	sub, err := be.Subscribe(ctx, "e1")
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	_, err = be.Autojoin(ctx, autojoin(stranger, 3, ""))
	require.NoError(t, err)

	n := receive(t, sub)
	assert.Equal(t, muster.NotificationJoin, n.Type)
	assert.Equal(t, muster.ID("e1"), n.EventID)
	assert.Equal(t, stranger, n.UserID)
	assert.Equal(t, "stranger-alias", n.UserAlias)

	require.NoError(t, be.Cancel(ctx, creator, "e1"))

	n = receive(t, sub)
	assert.Equal(t, muster.NotificationCancel, n.Type)
	assert.Empty(t, n.UserID)
}

func testNoNotificationOnFailure(t *testing.T, be muster.Backend) {
	ctx := context.Background()
	require.NoError(t, be.Create(ctx,
		NewEvent("e1", creator, 2, "", muster.IDs{invitee}, nil),
	))

	sub, err := be.Subscribe(ctx, "e1")
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	_, err = be.Join(ctx, join(stranger, "e1"))
	assert.ErrorIs(t, err, muster.ErrForbidden)
	assert.ErrorIs(t, be.Cancel(ctx, stranger, "e1"), muster.ErrForbidden)
	ev, err := be.Autojoin(ctx, autojoin(stranger, 2, ""))
	assert.NoError(t, err)
	assert.Nil(t, ev)

	select {
	case n := <-sub.Receive():
		t.Fatalf("unexpected notification: %+v", n)
	case <-time.After(quietWait):
	}
}

func testConcurrentAutojoin(t *testing.T, be muster.Backend) {
	ctx := context.Background()
	const capacity = 5
	const joiners = 20
	require.NoError(t, be.Create(ctx,
		NewEvent("e1", creator, capacity, "race", nil, nil),
	))

	var wg sync.WaitGroup
	results := make(chan *muster.Event, joiners)
	errs := make(chan error, joiners)
	for i := range joiners {
		wg.Add(1)
		go func() {
			defer wg.Done()
			user := muster.ID(fmt.Sprintf("user-%d", i))
			ev, err := be.Autojoin(ctx, autojoin(user, capacity, "race"))
			if err != nil {
				errs <- err
				return
			}
			results <- ev
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}

	joined := 0
	activated := 0
	for ev := range results {
		if ev == nil {
			continue
		}
		joined++
		if ev.Started() {
			activated++
			assert.Len(t, ev.UserIDs, capacity)
		}
	}
	assert.Equal(t, capacity-1, joined)
	assert.Equal(t, 1, activated)

	got, err := be.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Len(t, got.UserIDs, capacity)
	assert.Len(t, got.Aliases, capacity)
	assert.Equal(t, creator, got.UserIDs[0])
	assert.True(t, got.Started())

	seen := map[muster.ID]bool{}
	for _, id := range got.UserIDs {
		assert.False(t, seen[id], "duplicate participant %s", id)
		seen[id] = true
	}
}

func testConcurrentJoin(t *testing.T, be muster.Backend) {
	ctx := context.Background()
	require.NoError(t, be.Create(ctx, NewEvent(
		"e1", creator, 2, "", muster.IDs{invitee, stranger}, nil,
	)))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, user := range []muster.ID{invitee, stranger} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = be.Join(ctx, join(user, "e1"))
		}()
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, muster.ErrAlreadyStarted)
	}
	assert.Equal(t, 1, ok)

	got, err := be.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Len(t, got.UserIDs, 2)
	assert.True(t, got.Started())
}

func autojoin(
	user muster.ID, capacity int, options string,
) *muster.AutojoinRequest {
	return &muster.AutojoinRequest{
		UserID:   user,
		Alias:    alias(user),
		Capacity: capacity,
		Options:  options,
		Now:      Now(),
	}
}

func join(user, eventID muster.ID) *muster.JoinRequest {
	return &muster.JoinRequest{
		UserID:  user,
		Alias:   alias(user),
		EventID: eventID,
		Now:     Now(),
	}
}

func alias(user muster.ID) string {
	return string(user) + "-alias"
}

func ids(evs []*muster.Event) []muster.ID {
	res := make([]muster.ID, 0, len(evs))
	for _, ev := range evs {
		res = append(res, ev.ID)
	}
	return res
}

func receive(t *testing.T, sub *muster.Subscription) *muster.Notification {
	t.Helper()
	select {
	case n, ok := <-sub.Receive():
		require.True(t, ok, "subscription closed")
		return n
	case <-time.After(notifyWait):
		t.Fatal("timeout waiting for notification")
		return nil
	}
}
