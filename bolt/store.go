// Package bolt provides an embedded muster.Backend on top of bbolt. Every
// mutation runs inside a single read-write transaction, which bbolt
// serializes, and notifications are fanned out through an in-process Hub
// once that transaction commits
package bolt

import (
	"context"
	"encoding/binary"
	"os"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/kode4food/muster"
)

type (
	// Store is a muster.Backend persisted in a single bbolt file
	Store struct {
		db  *bbolt.DB
		hub *muster.Hub
	}

	// Config configures how the bbolt file is opened
	Config struct {
		Mode        os.FileMode
		OpenTimeout time.Duration
		BufferSize  int
	}

	// buckets groups the Store's buckets within a single transaction
	buckets struct {
		events  *bbolt.Bucket
		seqs    *bbolt.Bucket
		pending *bbolt.Bucket
		active  *bbolt.Bucket
	}
)

const (
	DefaultMode        os.FileMode = 0o600
	DefaultOpenTimeout             = time.Second
)

var (
	eventsBucket  = []byte("events")
	seqsBucket    = []byte("seqs")
	pendingBucket = []byte("pending")
	activeBucket  = []byte("active")
)

var _ muster.Backend = (*Store)(nil)

// DefaultConfig returns the settings used by Open when none are supplied
func DefaultConfig() Config {
	return Config{
		Mode:        DefaultMode,
		OpenTimeout: DefaultOpenTimeout,
		BufferSize:  muster.DefaultHubBufferSize,
	}
}

// Open creates or opens the bbolt file at path
func Open(path string, cfg Config) (*Store, error) {
	if cfg.Mode == 0 {
		cfg.Mode = DefaultMode
	}
	db, err := bbolt.Open(path, cfg.Mode, &bbolt.Options{
		Timeout: cfg.OpenTimeout,
	})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			eventsBucket, seqsBucket, pendingBucket, activeBucket,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{
		db:  db,
		hub: muster.NewHub(cfg.BufferSize),
	}, nil
}

func (s *Store) Close() error {
	s.hub.Close()
	return s.db.Close()
}

func (s *Store) Create(ctx context.Context, ev *muster.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := muster.EncodeEvent(ev)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := openBuckets(tx)
		seq, err := b.events.NextSequence()
		if err != nil {
			return err
		}
		key := seqKey(seq)
		id := []byte(ev.ID)
		if err := b.events.Put(id, data); err != nil {
			return err
		}
		if err := b.seqs.Put(id, key); err != nil {
			return err
		}
		return b.pending.Put(key, id)
	})
}

func (s *Store) Autojoin(
	ctx context.Context, req *muster.AutojoinRequest,
) (*muster.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var res *muster.Event
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := openBuckets(tx)
		var dangling [][]byte
		var key []byte

		c := b.pending.Cursor()
		for k, id := c.First(); k != nil; k, id = c.Next() {
			raw := b.events.Get(id)
			if raw == nil {
				dangling = append(dangling, clone(k))
				continue
			}
			ev, err := muster.DecodeEvent(raw)
			if err != nil {
				return err
			}
			if ev.Matches(req.Capacity, req.Options) &&
				ev.CanAutojoin(req.UserID) {
				key = clone(k)
				res = ev
				break
			}
		}

		if err := b.removeDangling(b.pending, dangling); err != nil {
			return err
		}
		if res == nil {
			return nil
		}
		return b.admit(key, res, req.UserID, req.Alias, req.Now)
	})
	if err != nil {
		return nil, err
	}

	if res != nil {
		s.hub.Publish(res.ID, muster.JoinNotification(req.UserID, req.Alias))
	}
	return res, nil
}

func (s *Store) Join(
	ctx context.Context, req *muster.JoinRequest,
) (*muster.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var res *muster.Event
	var status error
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := openBuckets(tx)
		id := []byte(req.EventID)
		raw := b.events.Get(id)
		if raw == nil {
			status = muster.ErrNotFound
			return b.forget(id)
		}

		ev, err := muster.DecodeEvent(raw)
		if err != nil {
			return err
		}
		if status = ev.CheckJoin(req.UserID); status != nil {
			return nil
		}

		key := clone(b.seqs.Get(id))
		if err := b.admit(key, ev, req.UserID, req.Alias, req.Now); err != nil {
			return err
		}
		res = ev
		return nil
	})
	if err != nil {
		return nil, err
	}
	if status != nil {
		return nil, status
	}

	s.hub.Publish(res.ID, muster.JoinNotification(req.UserID, req.Alias))
	return res, nil
}

func (s *Store) Cancel(ctx context.Context, userID, eventID muster.ID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var status error
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := openBuckets(tx)
		id := []byte(eventID)
		raw := b.events.Get(id)
		if raw == nil {
			status = muster.ErrNotFound
			return b.forget(id)
		}

		ev, err := muster.DecodeEvent(raw)
		if err != nil {
			return err
		}
		if status = ev.CheckCancel(userID); status != nil {
			return nil
		}

		if err := b.forget(id); err != nil {
			return err
		}
		return b.events.Delete(id)
	})
	if err != nil {
		return err
	}
	if status != nil {
		return status
	}

	s.hub.Publish(eventID, muster.CancelNotification())
	return nil
}

func (s *Store) Get(
	ctx context.Context, eventID muster.ID,
) (*muster.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var raw []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw = clone(tx.Bucket(eventsBucket).Get([]byte(eventID)))
		return nil
	})
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, muster.ErrNotFound
	}
	return muster.DecodeEvent(raw)
}

func (s *Store) PendingFor(
	ctx context.Context, userID muster.ID,
) ([]*muster.Event, error) {
	return s.scan(ctx, pendingBucket, func(ev *muster.Event) bool {
		return ev.VisiblePending(userID)
	})
}

func (s *Store) ActiveFor(
	ctx context.Context, userID muster.ID,
) ([]*muster.Event, error) {
	return s.scan(ctx, activeBucket, func(ev *muster.Event) bool {
		return ev.HasJoined(userID)
	})
}

func (s *Store) Pending(ctx context.Context) ([]*muster.Event, error) {
	return s.scan(ctx, pendingBucket, func(*muster.Event) bool {
		return true
	})
}

func (s *Store) Subscribe(
	ctx context.Context, eventID muster.ID,
) (*muster.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.hub.Subscribe(eventID), nil
}

// scan walks an index in order, keeping the events accepted by keep and
// removing entries whose record no longer exists
func (s *Store) scan(
	ctx context.Context, index []byte, keep func(*muster.Event) bool,
) ([]*muster.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := []*muster.Event{}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := openBuckets(tx)
		idx := tx.Bucket(index)
		var dangling [][]byte

		c := idx.Cursor()
		for key, id := c.First(); key != nil; key, id = c.Next() {
			raw := b.events.Get(id)
			if raw == nil {
				dangling = append(dangling, clone(key))
				continue
			}
			ev, err := muster.DecodeEvent(raw)
			if err != nil {
				return err
			}
			if keep(ev) {
				res = append(res, ev)
			}
		}
		return b.removeDangling(idx, dangling)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func openBuckets(tx *bbolt.Tx) *buckets {
	return &buckets{
		events:  tx.Bucket(eventsBucket),
		seqs:    tx.Bucket(seqsBucket),
		pending: tx.Bucket(pendingBucket),
		active:  tx.Bucket(activeBucket),
	}
}

// admit appends the participant, moves the event to the active index when
// it fills up, and persists the record
func (b *buckets) admit(
	key []byte, ev *muster.Event, userID muster.ID, alias string,
	now time.Time,
) error {
	if ev.Admit(userID, alias, now) && key != nil {
		if err := b.pending.Delete(key); err != nil {
			return err
		}
		if err := b.active.Put(key, []byte(ev.ID)); err != nil {
			return err
		}
	}

	data, err := muster.EncodeEvent(ev)
	if err != nil {
		return err
	}
	return b.events.Put([]byte(ev.ID), data)
}

// forget removes an event's pending index entry and sequence mapping
func (b *buckets) forget(id []byte) error {
	key := b.seqs.Get(id)
	if key == nil {
		return nil
	}
	if err := b.pending.Delete(clone(key)); err != nil {
		return err
	}
	return b.seqs.Delete(id)
}

func (b *buckets) removeDangling(idx *bbolt.Bucket, keys [][]byte) error {
	for _, key := range keys {
		id := clone(idx.Get(key))
		if err := idx.Delete(key); err != nil {
			return err
		}
		if id != nil && b.events.Get(id) == nil {
			if err := b.seqs.Delete(id); err != nil {
				return err
			}
		}
	}
	return nil
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	res := make([]byte, len(b))
	copy(res, b)
	return res
}
