package postgres_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kode4food/muster"
	"github.com/kode4food/muster/internal/backendtest"
	"github.com/kode4food/muster/postgres"
)

const postgresURLEnv = "MUSTER_POSTGRES_URL"

var tableCounter atomic.Int64

func TestPostgresBackend(t *testing.T) {
	url := postgresURL(t)
	backendtest.Run(t, func(t *testing.T) muster.Backend {
		return connectTestStore(t, url)
	})
}

func TestPostgresSchemaIdempotent(t *testing.T) {
	store := connectTestStore(t, postgresURL(t))
	ctx := context.Background()

	assert.NoError(t, store.Create(ctx,
		backendtest.NewEvent("e1", "creator", 2, "", nil, nil),
	))
	assert.NoError(t, store.EnsureSchema(ctx))

	ev, err := store.Get(ctx, "e1")
	assert.NoError(t, err)
	assert.Equal(t, muster.ID("e1"), ev.ID)
}

func TestPostgresConnectError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	store, err := postgres.Connect(ctx, "not a url", postgres.DefaultConfig())
	assert.Error(t, err)
	assert.Nil(t, store)
}

func TestPostgresPrefixTooLong(t *testing.T) {
	cfg := postgres.DefaultConfig()
	cfg.Prefix = strings.Repeat("p", postgres.MaxPrefixLength+1)

	store, err := postgres.NewStore(context.Background(), nil, cfg)
	assert.ErrorIs(t, err, muster.ErrValidation)
	assert.Nil(t, store)

	assert.NoError(t, postgres.ValidatePrefix(
		strings.Repeat("p", postgres.MaxPrefixLength),
	))
}

func TestPostgresLongPrefixNotify(t *testing.T) {
	url := postgresURL(t)
	prefix := fmt.Sprintf("muster_long_prefix_test_%d_%d",
		os.Getpid(), tableCounter.Add(1),
	)
	store := connectPrefixStore(t, url, prefix)
	ctx := context.Background()

	id := muster.ID("0b5f8f62-8d2c-4c8e-9a55-3f1f6f1d2b7a")
	require.NoError(t, store.Create(ctx,
		backendtest.NewEvent(id, "creator", 2, "", nil, nil),
	))

	sub, err := store.Subscribe(ctx, id)
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	require.NoError(t, store.Cancel(ctx, "creator", id))
	select {
	case n := <-sub.Receive():
		if assert.NotNil(t, n) {
			assert.Equal(t, muster.NotificationCancel, n.Type)
			assert.Equal(t, id, n.EventID)
		}
	case <-time.After(5 * time.Second):
		assert.Fail(t, "cancel notification not received")
	}
}

func postgresURL(t *testing.T) string {
	t.Helper()
	url := os.Getenv(postgresURLEnv)
	if url == "" {
		t.Skipf("%s not set", postgresURLEnv)
	}
	return url
}

func connectTestStore(t *testing.T, url string) *postgres.Store {
	t.Helper()
	return connectPrefixStore(t, url, fmt.Sprintf("muster_test_%d_%d",
		os.Getpid(), tableCounter.Add(1),
	))
}

func connectPrefixStore(
	t *testing.T, url, prefix string,
) *postgres.Store {
	t.Helper()
	cfg := postgres.DefaultConfig()
	cfg.Prefix = strings.ToLower(prefix)

	ctx := context.Background()
	store, err := postgres.Connect(ctx, url, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.DropSchema(context.Background())
		_ = store.Close()
	})
	return store
}
