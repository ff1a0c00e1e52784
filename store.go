package muster

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type (
	// Store is the Redis Backend. Each mutation is a Lua script, so Redis
	// serializes it against every other caller
	Store struct {
		client      *redis.Client
		prefix      string
		createLua   *redis.Script
		autojoinLua *redis.Script
		joinLua     *redis.Script
		cancelLua   *redis.Script
		pendingLua  *redis.Script
		activeLua   *redis.Script
		listLua     *redis.Script
		config      StoreConfig
	}
)

const (
	RedisConnectTimeout = 5 * time.Second

	eventInfix    = ":event:"
	channelInfix  = ":events:"
	pendingSuffix = ":pending"
	activeSuffix  = ":active"
	seqSuffix     = ":seq"
)

var _ Backend = (*Store)(nil)

// NewStore connects to Redis and returns a Store using the configured key
// prefix
func NewStore(cfg StoreConfig) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(
		context.Background(), RedisConnectTimeout,
	)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &Store{
		client:      client,
		prefix:      cfg.Prefix,
		createLua:   redis.NewScript(luaCreateEvent),
		autojoinLua: redis.NewScript(luaAutojoinEvent),
		joinLua:     redis.NewScript(luaJoinEvent),
		cancelLua:   redis.NewScript(luaCancelEvent),
		pendingLua:  redis.NewScript(luaPendingFor),
		activeLua:   redis.NewScript(luaActiveFor),
		listLua:     redis.NewScript(luaListPending),
		config:      cfg,
	}, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) Create(ctx context.Context, ev *Event) error {
	data, err := EncodeEvent(ev)
	if err != nil {
		return err
	}

	keys := []string{s.eventKey(ev.ID), s.pendingKey(), s.seqKey()}
	result, err := s.createLua.Run(ctx, s.client, keys, string(data)).Result()
	if err != nil {
		return err
	}

	status, _, err := parseStatus(result)
	if err != nil {
		return err
	}
	return StatusError(status)
}

func (s *Store) Autojoin(
	ctx context.Context, req *AutojoinRequest,
) (*Event, error) {
	keys := []string{s.pendingKey(), s.activeKey()}
	args := []any{
		string(req.UserID),
		req.Alias,
		req.Capacity,
		req.Options,
		formatTime(req.Now),
		s.channelPrefix(),
	}

	result, err := s.autojoinLua.Run(ctx, s.client, keys, args...).Result()
	if err != nil {
		return nil, err
	}
	return s.eventResult(result)
}

func (s *Store) Join(ctx context.Context, req *JoinRequest) (*Event, error) {
	keys := []string{s.eventKey(req.EventID), s.pendingKey(), s.activeKey()}
	args := []any{
		string(req.UserID),
		req.Alias,
		formatTime(req.Now),
		s.channelPrefix(),
	}

	result, err := s.joinLua.Run(ctx, s.client, keys, args...).Result()
	if err != nil {
		return nil, err
	}
	return s.eventResult(result)
}

func (s *Store) Cancel(ctx context.Context, userID, eventID ID) error {
	keys := []string{s.eventKey(eventID), s.pendingKey()}
	args := []any{string(userID), s.channelPrefix()}

	result, err := s.cancelLua.Run(ctx, s.client, keys, args...).Result()
	if err != nil {
		return err
	}

	status, _, err := parseStatus(result)
	if err != nil {
		return err
	}
	return StatusError(status)
}

func (s *Store) Get(ctx context.Context, id ID) (*Event, error) {
	data, err := s.client.Get(ctx, s.eventKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return DecodeEvent([]byte(data))
}

func (s *Store) PendingFor(ctx context.Context, userID ID) ([]*Event, error) {
	keys := []string{s.pendingKey()}
	return s.runList(ctx, s.pendingLua, keys, string(userID))
}

func (s *Store) ActiveFor(ctx context.Context, userID ID) ([]*Event, error) {
	keys := []string{s.activeKey()}
	return s.runList(ctx, s.activeLua, keys, string(userID))
}

func (s *Store) Pending(ctx context.Context) ([]*Event, error) {
	return s.runList(ctx, s.listLua, []string{s.pendingKey()})
}

// Subscribe listens on the event's Redis channel. The returned Subscription
// is ready to receive once Subscribe returns
func (s *Store) Subscribe(
	ctx context.Context, eventID ID,
) (*Subscription, error) {
	channel := s.channelKey(eventID)
	ps := s.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	out := make(chan *Notification, DefaultHubBufferSize)
	done := make(chan struct{})
	go func() {
		defer close(out)
		msgs := ps.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				n, err := DecodeNotification([]byte(msg.Payload))
				if err != nil {
					continue
				}
				n.EventID = eventID
				select {
				case out <- n:
				case <-done:
					return
				}
			}
		}
	}()

	return NewSubscription(out, func() error {
		close(done)
		return ps.Close()
	}), nil
}

func (s *Store) runList(
	ctx context.Context, script *redis.Script, keys []string, args ...any,
) ([]*Event, error) {
	result, err := script.Run(ctx, s.client, keys, args...).Result()
	if err != nil {
		return nil, err
	}

	raw, ok := result.([]any)
	if !ok {
		return nil, ErrUnexpectedLuaResult
	}
	return decodeEvents(raw)
}

func (s *Store) eventResult(result any) (*Event, error) {
	status, rest, err := parseStatus(result)
	if err != nil {
		return nil, err
	}
	if err := StatusError(status); err != nil {
		return nil, err
	}
	if status == StatusNone {
		return nil, nil
	}
	if len(rest) == 0 {
		return nil, ErrUnexpectedLuaResult
	}

	data, ok := rest[0].(string)
	if !ok {
		return nil, ErrUnexpectedLuaResult
	}
	return DecodeEvent([]byte(data))
}

func (s *Store) buildKey(parts ...string) string {
	return s.prefix + strings.Join(parts, "")
}

func (s *Store) eventKey(id ID) string {
	return s.buildKey(eventInfix, string(id))
}

func (s *Store) channelKey(id ID) string {
	return s.channelPrefix() + string(id)
}

func (s *Store) channelPrefix() string {
	return s.buildKey(channelInfix)
}

func (s *Store) pendingKey() string {
	return s.buildKey(pendingSuffix)
}

func (s *Store) activeKey() string {
	return s.buildKey(activeSuffix)
}

func (s *Store) seqKey() string {
	return s.buildKey(seqSuffix)
}

func parseStatus(result any) (string, []any, error) {
	res, ok := result.([]any)
	if !ok || len(res) == 0 {
		return "", nil, ErrUnexpectedLuaResult
	}

	status, ok := res[0].(string)
	if !ok {
		return "", nil, fmt.Errorf("%w: %v", ErrUnexpectedLuaResult, res[0])
	}
	return status, res[1:], nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
