package muster

import "sync"

type (
	// NotificationType distinguishes the messages published on an event's
	// channel
	NotificationType string

	// Notification is published on an event's channel after a membership
	// change commits
	Notification struct {
		Type      NotificationType `json:"type"`
		EventID   ID               `json:"eventId,omitempty"`
		UserID    ID               `json:"userId,omitempty"`
		UserAlias string           `json:"userAlias,omitempty"`
	}

	// Subscription delivers the notifications of a single event until it is
	// closed
	Subscription struct {
		ch        <-chan *Notification
		closer    func() error
		closeOnce sync.Once
		closeErr  error
	}

	// NotificationHandler processes a single notification
	NotificationHandler func(*Notification) error
)

const (
	NotificationJoin   NotificationType = "join"
	NotificationCancel NotificationType = "cancel"
)

// NewSubscription wraps a notification channel and the function that tears
// it down. Backends use it to expose their native pub/sub mechanism
func NewSubscription(
	ch <-chan *Notification, closer func() error,
) *Subscription {
	return &Subscription{
		ch:     ch,
		closer: closer,
	}
}

// Receive returns the channel of notifications. It is closed once the
// Subscription is closed or the underlying transport goes away
func (s *Subscription) Receive() <-chan *Notification {
	return s.ch
}

// Close releases the Subscription. It is safe to call more than once
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		if s.closer != nil {
			s.closeErr = s.closer()
		}
	})
	return s.closeErr
}

// MakeDispatcher routes notifications to the handler registered for their
// type. Unregistered types are ignored
func MakeDispatcher(
	handlers map[NotificationType]NotificationHandler,
) NotificationHandler {
	return func(n *Notification) error {
		if fn, ok := handlers[n.Type]; ok {
			return fn(n)
		}
		return nil
	}
}
