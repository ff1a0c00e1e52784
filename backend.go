package muster

import "context"

// Backend is the shared event store. Create, Autojoin, Join, and Cancel
// must each be a single indivisible transaction, and notifications must
// only be published once that transaction has committed. Scans that find an
// index entry without a record remove the entry and carry on
type Backend interface {
	// Create persists a new pending event
	Create(context.Context, *Event) error

	// Autojoin admits the user to the first compatible pending event in
	// index order. It returns nil without error when nothing matched
	Autojoin(context.Context, *AutojoinRequest) (*Event, error)

	// Join admits the user to a specific event they were invited to
	Join(context.Context, *JoinRequest) (*Event, error)

	// Cancel deletes a pending event on behalf of its creator
	Cancel(ctx context.Context, userID, eventID ID) error

	// Get returns the live record for an event
	Get(context.Context, ID) (*Event, error)

	// PendingFor returns the pending events the user participates in or is
	// invited to
	PendingFor(context.Context, ID) ([]*Event, error)

	// ActiveFor returns the active events the user participates in
	ActiveFor(context.Context, ID) ([]*Event, error)

	// Pending returns every pending event in index order
	Pending(context.Context) ([]*Event, error)

	// Subscribe opens a notification stream for the event
	Subscribe(context.Context, ID) (*Subscription, error)

	// Close releases the Backend's resources
	Close() error
}
