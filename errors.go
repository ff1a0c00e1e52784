package muster

import "errors"

var (
	// ErrNotFound indicates the event id has no live record
	ErrNotFound = errors.New("event not found")

	// ErrForbidden indicates the caller lacks permission: not the creator on
	// cancel, or not whitelisted on join
	ErrForbidden = errors.New("forbidden")

	// ErrAlreadyStarted indicates a mutation was attempted on an active event
	ErrAlreadyStarted = errors.New("event already started")

	// ErrAlreadyJoined indicates the user is already a participant
	ErrAlreadyJoined = errors.New("already joined")

	// ErrValidation indicates malformed input rejected before reaching the
	// Backend
	ErrValidation = errors.New("validation failed")

	// ErrUnexpectedLuaResult indicates a script replied with a shape the
	// Store does not understand
	ErrUnexpectedLuaResult = errors.New("unexpected result from Lua script")

	// ErrMaxRetriesExceeded indicates a transaction kept conflicting
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")

	// ErrClosed indicates the Muster has been closed
	ErrClosed = errors.New("muster closed")
)

// Status codes shared by every Backend to report the outcome of an atomic
// operation
const (
	StatusOK             = "ok"
	StatusNone           = "none"
	StatusNotFound       = "not_found"
	StatusForbidden      = "forbidden"
	StatusAlreadyStarted = "already_started"
	StatusAlreadyJoined  = "already_joined"
)

var statusErrors = map[string]error{
	StatusNotFound:       ErrNotFound,
	StatusForbidden:      ErrForbidden,
	StatusAlreadyStarted: ErrAlreadyStarted,
	StatusAlreadyJoined:  ErrAlreadyJoined,
}

// StatusError maps a status code to its sentinel error. StatusOK and
// StatusNone map to nil
func StatusError(status string) error {
	if status == StatusOK || status == StatusNone {
		return nil
	}
	if err, ok := statusErrors[status]; ok {
		return err
	}
	return ErrUnexpectedLuaResult
}
