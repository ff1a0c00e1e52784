package muster

import "time"

// HasJoined reports whether the user is already a participant
func (e *Event) HasJoined(userID ID) bool {
	return e.UserIDs.Contains(userID)
}

// Matches reports whether an autojoin request for capacity and options is
// compatible with the event
func (e *Event) Matches(capacity int, options string) bool {
	return e.Capacity == capacity && e.Options == options
}

// CanAutojoin applies the discovery admission rule. A non-empty whitelist
// makes the event invite-only; otherwise anyone not blacklisted is admitted
func (e *Event) CanAutojoin(userID ID) bool {
	if e.HasJoined(userID) {
		return false
	}
	if len(e.Whitelist) > 0 {
		return e.Whitelist.Contains(userID)
	}
	return !e.Blacklist.Contains(userID)
}

// CheckJoin applies the direct-join preconditions in order. The blacklist
// is never consulted
func (e *Event) CheckJoin(userID ID) error {
	switch {
	case e.Started():
		return ErrAlreadyStarted
	case e.HasJoined(userID):
		return ErrAlreadyJoined
	case !e.Whitelist.Contains(userID):
		return ErrForbidden
	default:
		return nil
	}
}

// CheckCancel applies the cancellation preconditions in order
func (e *Event) CheckCancel(userID ID) error {
	switch {
	case e.Creator() != userID:
		return ErrForbidden
	case e.Started():
		return ErrAlreadyStarted
	default:
		return nil
	}
}

// VisiblePending reports whether a pending event is shown to the user:
// participants and not-yet-joined invitees see it
func (e *Event) VisiblePending(userID ID) bool {
	return e.HasJoined(userID) || e.Whitelist.Contains(userID)
}

// Admit appends the participant and activates the event when it reaches
// capacity. It returns true if this call activated the event
func (e *Event) Admit(userID ID, alias string, now time.Time) bool {
	e.UserIDs = append(e.UserIDs, userID)
	e.Aliases = append(e.Aliases, alias)
	if len(e.UserIDs) != e.Capacity {
		return false
	}
	started := now.UTC()
	e.StartedAt = &started
	return true
}

// JoinNotification builds the message published when userID is admitted
func JoinNotification(userID ID, alias string) *Notification {
	return &Notification{
		Type:      NotificationJoin,
		UserID:    userID,
		UserAlias: alias,
	}
}

// CancelNotification builds the message published when an event is
// cancelled
func CancelNotification() *Notification {
	return &Notification{Type: NotificationCancel}
}
