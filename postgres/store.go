// Package postgres provides a muster.Backend on PostgreSQL. Each mutation is
// a single transaction that locks the rows it examines; notifications are
// sent with pg_notify inside that transaction, so listeners only see them
// once it commits
package postgres

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kode4food/muster"
)

type (
	// Store is a muster.Backend backed by a single PostgreSQL table. The
	// state column serves as the pending and active indices
	Store struct {
		pool       *pgxpool.Pool
		ownsPool   bool
		table      string
		prefix     string
		maxRetries int
		bufSize    int
	}

	// Config configures table naming and transaction retries
	Config struct {
		Prefix     string
		MaxRetries int
		BufferSize int
	}
)

const (
	statePending = "pending"
	stateActive  = "active"

	// SQLSTATE codes worth retrying
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"

	// MaxNameLength is the longest identifier or channel name PostgreSQL
	// accepts without truncation
	MaxNameLength = 63

	// MaxPrefixLength leaves room for the longest suffix appended to the
	// prefix, the scan index name
	MaxPrefixLength = MaxNameLength - len(indexSuffix)

	tableSuffix  = "_events"
	indexSuffix  = "_events_state_seq"
	channelInfix = ":events:"
)

var _ muster.Backend = (*Store)(nil)

// DefaultConfig returns the settings used when fields are left zero
func DefaultConfig() Config {
	return Config{
		Prefix:     muster.DefaultRedisPrefix,
		MaxRetries: muster.DefaultMaxRetries,
		BufferSize: muster.DefaultHubBufferSize,
	}
}

// Connect opens a pool for connString and returns a Store that closes it
func Connect(
	ctx context.Context, connString string, cfg Config,
) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	s, err := NewStore(ctx, pool, cfg)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.ownsPool = true
	return s, nil
}

// NewStore uses an existing pool and creates the events table if needed.
// The pool remains owned by the caller
func NewStore(
	ctx context.Context, pool *pgxpool.Pool, cfg Config,
) (*Store, error) {
	def := DefaultConfig()
	prefix := cmp.Or(cfg.Prefix, def.Prefix)
	if err := ValidatePrefix(prefix); err != nil {
		return nil, err
	}
	s := &Store{
		pool:       pool,
		prefix:     prefix,
		table:      pgx.Identifier{prefix + tableSuffix}.Sanitize(),
		maxRetries: cmp.Or(cfg.MaxRetries, def.MaxRetries),
		bufSize:    cmp.Or(cfg.BufferSize, def.BufferSize),
	}
	if err := s.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the events table and its scan index
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id       TEXT PRIMARY KEY,
			seq      BIGSERIAL NOT NULL,
			state    TEXT NOT NULL,
			capacity INTEGER NOT NULL,
			options  TEXT NOT NULL,
			data     JSONB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %[2]s ON %[1]s (state, seq);
		`,
		s.table, pgx.Identifier{s.prefix + indexSuffix}.Sanitize(),
	))
	return err
}

// DropSchema removes the events table
func (s *Store) DropSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "DROP TABLE IF EXISTS "+s.table)
	return err
}

func (s *Store) Close() error {
	if s.ownsPool {
		s.pool.Close()
	}
	return nil
}

func (s *Store) Create(ctx context.Context, ev *muster.Event) error {
	data, err := muster.EncodeEvent(ev)
	if err != nil {
		return err
	}

	return s.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, fmt.Sprintf(`
			INSERT INTO %s (id, state, capacity, options, data)
			VALUES ($1, $2, $3, $4, $5::jsonb)`, s.table,
		), string(ev.ID), statePending, ev.Capacity, ev.Options, string(data))
		return err
	})
}

func (s *Store) Autojoin(
	ctx context.Context, req *muster.AutojoinRequest,
) (*muster.Event, error) {
	var res *muster.Event
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		res = nil
		ids, err := s.candidates(ctx, tx, req.Capacity, req.Options)
		if err != nil {
			return err
		}

		for _, id := range ids {
			ev, err := s.lockPending(ctx, tx, id)
			if err != nil {
				return err
			}
			if ev == nil || !ev.CanAutojoin(req.UserID) {
				continue
			}
			err = s.admit(ctx, tx, ev, req.UserID, req.Alias, req.Now)
			if err != nil {
				return err
			}
			res = ev
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Store) Join(
	ctx context.Context, req *muster.JoinRequest,
) (*muster.Event, error) {
	var res *muster.Event
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		ev, err := s.lock(ctx, tx, req.EventID)
		if err != nil {
			return err
		}
		if err := ev.CheckJoin(req.UserID); err != nil {
			return err
		}
		err = s.admit(ctx, tx, ev, req.UserID, req.Alias, req.Now)
		if err != nil {
			return err
		}
		res = ev
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Store) Cancel(ctx context.Context, userID, eventID muster.ID) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		ev, err := s.lock(ctx, tx, eventID)
		if err != nil {
			return err
		}
		if err := ev.CheckCancel(userID); err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE id = $1", s.table),
			string(eventID),
		)
		if err != nil {
			return err
		}
		return s.notify(ctx, tx, eventID, muster.CancelNotification())
	})
}

func (s *Store) Get(
	ctx context.Context, eventID muster.ID,
) (*muster.Event, error) {
	var data string
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT data::text FROM %s WHERE id = $1", s.table),
		string(eventID),
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, muster.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return muster.DecodeEvent([]byte(data))
}

func (s *Store) PendingFor(
	ctx context.Context, userID muster.ID,
) ([]*muster.Event, error) {
	return s.list(ctx, statePending, func(ev *muster.Event) bool {
		return ev.VisiblePending(userID)
	})
}

func (s *Store) ActiveFor(
	ctx context.Context, userID muster.ID,
) ([]*muster.Event, error) {
	return s.list(ctx, stateActive, func(ev *muster.Event) bool {
		return ev.HasJoined(userID)
	})
}

func (s *Store) Pending(ctx context.Context) ([]*muster.Event, error) {
	return s.list(ctx, statePending, func(*muster.Event) bool {
		return true
	})
}

// Subscribe dedicates a pooled connection to LISTEN on the event's channel
// until the Subscription is closed
func (s *Store) Subscribe(
	ctx context.Context, eventID muster.ID,
) (*muster.Subscription, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	channel := pgx.Identifier{s.channel(eventID)}.Sanitize()
	if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
		conn.Release()
		return nil, err
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	out := make(chan *muster.Notification, s.bufSize)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer close(out)
		for {
			msg, err := conn.Conn().WaitForNotification(listenCtx)
			if err != nil {
				return
			}
			n, err := muster.DecodeNotification([]byte(msg.Payload))
			if err != nil {
				continue
			}
			if n.EventID != "" && n.EventID != eventID {
				continue
			}
			n.EventID = eventID
			select {
			case out <- n:
			case <-listenCtx.Done():
				return
			}
		}
	}()

	return muster.NewSubscription(out, func() error {
		cancel()
		<-done
		err := conn.Conn().Close(context.Background())
		conn.Release()
		return err
	}), nil
}

// inTx runs fn in a transaction, retrying serialization failures and
// deadlocks up to the configured limit
func (s *Store) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	for range s.maxRetries {
		err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, fn)
		if !isRetryable(err) {
			return err
		}
	}
	return muster.ErrMaxRetriesExceeded
}

func (s *Store) candidates(
	ctx context.Context, tx pgx.Tx, capacity int, options string,
) ([]string, error) {
	rows, err := tx.Query(ctx, fmt.Sprintf(`
		SELECT id FROM %s
		WHERE state = $1 AND capacity = $2 AND options = $3
		ORDER BY seq`, s.table,
	), statePending, capacity, options)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// lockPending locks an event if it is still pending, waiting for any
// transaction that holds it. It returns nil if the event was cancelled or
// started in the meantime. Candidates are always locked in seq order, so
// concurrent scans cannot deadlock
func (s *Store) lockPending(
	ctx context.Context, tx pgx.Tx, id string,
) (*muster.Event, error) {
	var data string
	err := tx.QueryRow(ctx, fmt.Sprintf(`
		SELECT data::text FROM %s
		WHERE id = $1 AND state = $2
		FOR UPDATE`, s.table,
	), id, statePending).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return muster.DecodeEvent([]byte(data))
}

func (s *Store) lock(
	ctx context.Context, tx pgx.Tx, eventID muster.ID,
) (*muster.Event, error) {
	var data string
	err := tx.QueryRow(ctx,
		fmt.Sprintf(
			"SELECT data::text FROM %s WHERE id = $1 FOR UPDATE", s.table,
		),
		string(eventID),
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, muster.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return muster.DecodeEvent([]byte(data))
}

func (s *Store) admit(
	ctx context.Context, tx pgx.Tx, ev *muster.Event, userID muster.ID,
	alias string, now time.Time,
) error {
	state := statePending
	if ev.Admit(userID, alias, now) {
		state = stateActive
	}

	data, err := muster.EncodeEvent(ev)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		fmt.Sprintf(
			"UPDATE %s SET state = $2, data = $3::jsonb WHERE id = $1",
			s.table,
		),
		string(ev.ID), state, string(data),
	)
	if err != nil {
		return err
	}
	return s.notify(ctx, tx, ev.ID, muster.JoinNotification(userID, alias))
}

func (s *Store) notify(
	ctx context.Context, tx pgx.Tx, eventID muster.ID, n *muster.Notification,
) error {
	msg := *n
	msg.EventID = eventID
	payload, err := muster.EncodeNotification(&msg)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, "SELECT pg_notify($1, $2)",
		s.channel(eventID), string(payload),
	)
	return err
}

func (s *Store) list(
	ctx context.Context, state string, keep func(*muster.Event) bool,
) ([]*muster.Event, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(
			"SELECT data::text FROM %s WHERE state = $1 ORDER BY seq",
			s.table,
		),
		state,
	)
	if err != nil {
		return nil, err
	}
	raw, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}

	res := make([]*muster.Event, 0, len(raw))
	for _, data := range raw {
		ev, err := muster.DecodeEvent([]byte(data))
		if err != nil {
			return nil, err
		}
		if keep(ev) {
			res = append(res, ev)
		}
	}
	return res, nil
}

// ValidatePrefix rejects prefixes that would push table, index, or
// channel names past PostgreSQL's identifier limit
func ValidatePrefix(prefix string) error {
	if len(prefix) > MaxPrefixLength {
		return fmt.Errorf("%w: postgres prefix %q exceeds %d bytes",
			muster.ErrValidation, prefix, MaxPrefixLength,
		)
	}
	return nil
}

// channelName keeps the readable form when it fits and otherwise replaces
// the event id with its hash. Subscribers drop payloads for other events
func channelName(prefix string, eventID muster.ID) string {
	name := prefix + channelInfix + string(eventID)
	if len(name) <= MaxNameLength {
		return name
	}
	sum := xxhash.Sum64String(string(eventID))
	return fmt.Sprintf("%s:%016x", prefix, sum)
}

func (s *Store) channel(eventID muster.ID) string {
	return channelName(s.prefix, eventID)
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == codeSerializationFailure ||
		pgErr.Code == codeDeadlockDetected
}
