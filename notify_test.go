package muster_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kode4food/muster"
)

func TestMakeDispatcher(t *testing.T) {
	var joined []muster.ID
	errCancel := errors.New("cancelled")

	dispatch := muster.MakeDispatcher(
		map[muster.NotificationType]muster.NotificationHandler{
			muster.NotificationJoin: func(n *muster.Notification) error {
				joined = append(joined, n.UserID)
				return nil
			},
			muster.NotificationCancel: func(*muster.Notification) error {
				return errCancel
			},
		},
	)

	assert.NoError(t, dispatch(muster.JoinNotification("bob", "Bob")))
	assert.NoError(t, dispatch(muster.JoinNotification("carol", "Carol")))
	assert.ErrorIs(t, dispatch(muster.CancelNotification()), errCancel)
	assert.NoError(t, dispatch(&muster.Notification{Type: "unknown"}))
	assert.Equal(t, []muster.ID{"bob", "carol"}, joined)
}

func TestSubscriptionClose(t *testing.T) {
	calls := 0
	errClose := errors.New("close failed")
	ch := make(chan *muster.Notification)
	sub := muster.NewSubscription(ch, func() error {
		calls++
		return errClose
	})

	assert.ErrorIs(t, sub.Close(), errClose)
	assert.ErrorIs(t, sub.Close(), errClose)
	assert.Equal(t, 1, calls)
}

func TestNotificationPayload(t *testing.T) {
	data, err := muster.EncodeNotification(
		muster.JoinNotification("bob", "Bob"),
	)
	assert.NoError(t, err)
	assert.JSONEq(t,
		`{"type":"join","userId":"bob","userAlias":"Bob"}`, string(data),
	)

	data, err = muster.EncodeNotification(muster.CancelNotification())
	assert.NoError(t, err)
	assert.JSONEq(t, `{"type":"cancel"}`, string(data))
}
