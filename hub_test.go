package muster_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kode4food/muster"
)

func receive(t *testing.T, sub *muster.Subscription) *muster.Notification {
	t.Helper()
	select {
	case n, ok := <-sub.Receive():
		assert.True(t, ok)
		return n
	case <-time.After(time.Second):
		assert.Fail(t, "notification not received")
		return nil
	}
}

func assertQuiet(t *testing.T, sub *muster.Subscription) {
	t.Helper()
	select {
	case n, ok := <-sub.Receive():
		if ok {
			assert.Fail(t, "unexpected notification", n.Type)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubPublish(t *testing.T) {
	hub := muster.NewHub(0)
	defer hub.Close()

	assert.False(t,
		hub.Publish("e1", muster.JoinNotification("early", "Early")),
	)

	s1 := hub.Subscribe("e1")
	s2 := hub.Subscribe("e1")
	other := hub.Subscribe("e2")

	assert.True(t, hub.Publish("e1", muster.JoinNotification("bob", "Bob")))

	for _, sub := range []*muster.Subscription{s1, s2} {
		n := receive(t, sub)
		if assert.NotNil(t, n) {
			assert.Equal(t, muster.NotificationJoin, n.Type)
			assert.Equal(t, muster.ID("e1"), n.EventID)
			assert.Equal(t, muster.ID("bob"), n.UserID)
			assert.Equal(t, "Bob", n.UserAlias)
		}
	}
	assertQuiet(t, other)

	assert.NoError(t, s1.Close())
	assert.NoError(t, s1.Close())
	assert.Eventually(t, func() bool {
		_, ok := <-s1.Receive()
		return !ok
	}, time.Second, 10*time.Millisecond)

	assert.True(t, hub.Publish("e1", muster.CancelNotification()))
	n := receive(t, s2)
	if assert.NotNil(t, n) {
		assert.Equal(t, muster.NotificationCancel, n.Type)
	}

	assert.NoError(t, s2.Close())
	assert.NoError(t, other.Close())
	assert.False(t, hub.Publish("e1", muster.CancelNotification()))
	assert.False(t, hub.Publish("e2", muster.CancelNotification()))
}

func TestHubLateSubscriber(t *testing.T) {
	hub := muster.NewHub(0)
	defer hub.Close()

	first := hub.Subscribe("e1")
	defer func() { _ = first.Close() }()
	assert.True(t, hub.Publish("e1", muster.JoinNotification("bob", "Bob")))
	receive(t, first)

	late := hub.Subscribe("e1")
	defer func() { _ = late.Close() }()
	assertQuiet(t, late)

	assert.True(t, hub.Publish("e1", muster.CancelNotification()))
	n := receive(t, late)
	if assert.NotNil(t, n) {
		assert.Equal(t, muster.NotificationCancel, n.Type)
	}
}

func TestHubSlowSubscriber(t *testing.T) {
	hub := muster.NewHub(1)
	defer hub.Close()
	sub := hub.Subscribe("e1")
	defer func() { _ = sub.Close() }()

	assert.True(t, hub.Publish("e1", muster.CancelNotification()))
	assert.True(t, hub.Publish("e1", muster.CancelNotification()))
	time.Sleep(50 * time.Millisecond)

	n := receive(t, sub)
	if assert.NotNil(t, n) {
		assert.Equal(t, muster.NotificationCancel, n.Type)
	}
	assertQuiet(t, sub)
}

func TestHubClosed(t *testing.T) {
	hub := muster.NewHub(0)
	sub := hub.Subscribe("e1")
	defer func() { _ = sub.Close() }()

	hub.Close()
	hub.Close()
	assert.False(t, hub.Publish("e1", muster.CancelNotification()))
}
