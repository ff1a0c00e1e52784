package muster

import (
	"bytes"
	"slices"
	"time"
)

type (
	// ID identifies a user or an event
	ID string

	// IDs is an ordered list of user identifiers
	IDs []ID

	// Aliases is an ordered list of display names, parallel to an Event's
	// UserIDs
	Aliases []string

	// Event is a matchmaking unit that activates once it holds Capacity
	// participants. UserIDs[0] is always the creator
	Event struct {
		ID        ID         `json:"id"`
		Capacity  int        `json:"capacity"`
		Options   string     `json:"options"`
		Whitelist IDs        `json:"whitelist"`
		Blacklist IDs        `json:"blacklist"`
		UserIDs   IDs        `json:"userIds"`
		Aliases   Aliases    `json:"aliases"`
		CreatedAt time.Time  `json:"createdAt"`
		ExpiresAt *time.Time `json:"expiresAt,omitempty"`
		StartedAt *time.Time `json:"startedAt,omitempty"`
	}

	// AutojoinRequest describes a participant looking for any compatible
	// pending event
	AutojoinRequest struct {
		UserID   ID
		Alias    string
		Capacity int
		Options  string
		Now      time.Time
	}

	// JoinRequest describes a participant joining a specific event
	JoinRequest struct {
		UserID  ID
		Alias   string
		EventID ID
		Now     time.Time
	}

	// UserEvents groups the events visible to a user by lifecycle phase
	UserEvents struct {
		Pending []*Event `json:"pending"`
		Active  []*Event `json:"active"`
	}
)

var emptyObject = []byte("{}")

// Creator returns the id of the user who created the event
func (e *Event) Creator() ID {
	if len(e.UserIDs) == 0 {
		return ""
	}
	return e.UserIDs[0]
}

// Started reports whether the event has reached capacity
func (e *Event) Started() bool {
	return e.StartedAt != nil
}

// Contains reports whether the list holds id
func (l IDs) Contains(id ID) bool {
	return slices.Contains(l, id)
}

// UnmarshalJSON accepts an empty JSON object as an empty list, which is how
// Lua's cjson encodes empty tables
func (l *IDs) UnmarshalJSON(data []byte) error {
	if isEmptyObject(data) {
		*l = IDs{}
		return nil
	}
	var res []ID
	if err := json.Unmarshal(data, &res); err != nil {
		return err
	}
	*l = normalizeList(res)
	return nil
}

// UnmarshalJSON accepts an empty JSON object as an empty list
func (a *Aliases) UnmarshalJSON(data []byte) error {
	if isEmptyObject(data) {
		*a = Aliases{}
		return nil
	}
	var res []string
	if err := json.Unmarshal(data, &res); err != nil {
		return err
	}
	*a = normalizeList(res)
	return nil
}

func isEmptyObject(data []byte) bool {
	return bytes.Equal(bytes.TrimSpace(data), emptyObject)
}

func normalizeList[T any](l []T) []T {
	if l == nil {
		return []T{}
	}
	return l
}
