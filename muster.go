package muster

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type (
	// Muster is the application layer in front of a Backend. It validates
	// and defaults input, assigns event ids, and owns the expiration timers
	Muster struct {
		config  Config
		backend Backend
		expirer *ExpireWorker
		logger  *zap.Logger
		now     func() time.Time
		newID   func() ID
		ctx     context.Context
		cancel  context.CancelFunc
		closed  atomic.Bool
	}

	// Option customizes a Muster
	Option func(*Muster)

	// CreateRequest describes a new event. PerUserTimeout falls back to the
	// configured default when zero
	CreateRequest struct {
		UserID         ID
		Alias          string
		Capacity       int
		Options        string
		Whitelist      []ID
		Blacklist      []ID
		PerUserTimeout time.Duration
	}
)

// WithLogger sets the logger used by the Muster and its expiration worker
func WithLogger(logger *zap.Logger) Option {
	return func(m *Muster) {
		m.logger = logger
	}
}

// WithClock replaces the source of the current time
func WithClock(now func() time.Time) Option {
	return func(m *Muster) {
		m.now = now
	}
}

// WithIDGenerator replaces the event id generator
func WithIDGenerator(fn func() ID) Option {
	return func(m *Muster) {
		m.newID = fn
	}
}

// NewMuster wraps the Backend. The Backend remains owned by the caller and
// is not closed by Close
func NewMuster(cfg Config, backend Backend, opts ...Option) (*Muster, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: backend is required", ErrValidation)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Muster{
		config:  cfg,
		backend: backend,
		logger:  zap.NewNop(),
		now:     time.Now,
		newID:   newEventID,
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(m)
	}

	m.expirer = NewExpireWorker(backend, cfg, m.logger)
	return m, nil
}

// Backend returns the underlying store
func (m *Muster) Backend() Backend {
	return m.backend
}

// Expirer returns the worker that owns expiration timers
func (m *Muster) Expirer() *ExpireWorker {
	return m.expirer
}

// Context returns the Muster's context, cancelled by Close
func (m *Muster) Context() context.Context {
	return m.ctx
}

// Close disarms every expiration timer
func (m *Muster) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	m.expirer.Stop()
	m.cancel()
	return nil
}

// CreateEvent validates the request, stores a new pending event, and arms
// its expiration timer
func (m *Muster) CreateEvent(
	ctx context.Context, req *CreateRequest,
) (*Event, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	if err := checkUser(req.UserID, req.Alias); err != nil {
		return nil, err
	}

	whitelist := dedupe(req.Whitelist)
	blacklist := dedupe(req.Blacklist)
	if err := checkLists(req.UserID, whitelist, blacklist); err != nil {
		return nil, err
	}

	capacity := max(MinCapacity, req.Capacity)
	perUser := req.PerUserTimeout
	if perUser <= 0 {
		perUser = m.config.PerUserTimeout
	}
	ttl := ExpireAfter(capacity, perUser)

	now := m.now().UTC()
	expires := now.Add(ttl)
	ev := &Event{
		ID:        m.newID(),
		Capacity:  capacity,
		Options:   strings.TrimSpace(req.Options),
		Whitelist: whitelist,
		Blacklist: blacklist,
		UserIDs:   IDs{req.UserID},
		Aliases:   Aliases{req.Alias},
		CreatedAt: now,
		ExpiresAt: &expires,
	}

	if err := m.backend.Create(ctx, ev); err != nil {
		m.logger.Error("Failed to create event",
			zap.String("event_id", string(ev.ID)),
			zap.Error(err),
		)
		return nil, err
	}

	m.expirer.Arm(ev, ttl)
	m.logger.Debug("Event created",
		zap.String("event_id", string(ev.ID)),
		zap.String("user_id", string(req.UserID)),
		zap.Int("capacity", capacity),
		zap.Duration("expires_in", ttl),
	)
	return ev, nil
}

// AutojoinEvent admits the user to the first compatible pending event. It
// returns nil without error when no event matched; no event is created
func (m *Muster) AutojoinEvent(
	ctx context.Context, userID ID, alias string, capacity int, options string,
) (*Event, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	if err := checkUser(userID, alias); err != nil {
		return nil, err
	}

	ev, err := m.backend.Autojoin(ctx, &AutojoinRequest{
		UserID:   userID,
		Alias:    alias,
		Capacity: max(MinCapacity, capacity),
		Options:  strings.TrimSpace(options),
		Now:      m.now(),
	})
	if err != nil {
		return nil, err
	}
	if ev != nil {
		m.joined(ev, userID)
	}
	return ev, nil
}

// JoinEvent admits an invited user to a specific event
func (m *Muster) JoinEvent(
	ctx context.Context, userID ID, alias string, eventID ID,
) (*Event, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	if err := checkUser(userID, alias); err != nil {
		return nil, err
	}
	if eventID == "" {
		return nil, fmt.Errorf("%w: event id is required", ErrValidation)
	}

	ev, err := m.backend.Join(ctx, &JoinRequest{
		UserID:  userID,
		Alias:   alias,
		EventID: eventID,
		Now:     m.now(),
	})
	if err != nil {
		return nil, err
	}
	m.joined(ev, userID)
	return ev, nil
}

// CancelEvent deletes a pending event on behalf of its creator
func (m *Muster) CancelEvent(ctx context.Context, userID, eventID ID) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if userID == "" || eventID == "" {
		return fmt.Errorf("%w: user and event ids are required", ErrValidation)
	}

	if err := m.backend.Cancel(ctx, userID, eventID); err != nil {
		return err
	}
	m.expirer.Disarm(eventID)
	m.logger.Debug("Event cancelled",
		zap.String("event_id", string(eventID)),
		zap.String("user_id", string(userID)),
	)
	return nil
}

// GetEventsFor returns the pending and active events visible to the user.
// The two scans are not a single snapshot
func (m *Muster) GetEventsFor(
	ctx context.Context, userID ID,
) (*UserEvents, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrValidation)
	}

	pending, err := m.backend.PendingFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	active, err := m.backend.ActiveFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &UserEvents{
		Pending: pending,
		Active:  active,
	}, nil
}

// GetEvent returns the live record for an event
func (m *Muster) GetEvent(ctx context.Context, eventID ID) (*Event, error) {
	return m.backend.Get(ctx, eventID)
}

// Subscribe opens a notification stream for the event
func (m *Muster) Subscribe(
	ctx context.Context, eventID ID,
) (*Subscription, error) {
	return m.backend.Subscribe(ctx, eventID)
}

func (m *Muster) joined(ev *Event, userID ID) {
	if ev.Started() {
		m.expirer.Disarm(ev.ID)
	}
	m.logger.Debug("Event joined",
		zap.String("event_id", string(ev.ID)),
		zap.String("user_id", string(userID)),
		zap.Int("joined", len(ev.UserIDs)),
		zap.Bool("started", ev.Started()),
	)
}

func checkUser(userID ID, alias string) error {
	if userID == "" || alias == "" {
		return fmt.Errorf("%w: user id and alias are required", ErrValidation)
	}
	return nil
}

func checkLists(creator ID, whitelist, blacklist IDs) error {
	if whitelist.Contains(creator) || blacklist.Contains(creator) {
		return fmt.Errorf(
			"%w: creator may not appear on whitelist or blacklist",
			ErrValidation,
		)
	}
	for _, id := range whitelist {
		if blacklist.Contains(id) {
			return fmt.Errorf(
				"%w: user %s is on both whitelist and blacklist",
				ErrValidation, id,
			)
		}
	}
	return nil
}

func dedupe(ids []ID) IDs {
	res := make(IDs, 0, len(ids))
	for _, id := range ids {
		if id != "" && !slices.Contains(res, id) {
			res = append(res, id)
		}
	}
	return res
}

func newEventID() ID {
	return ID(uuid.NewString())
}
