package muster

import (
	"math"
	"time"
)

type (
	Config struct {
		Store           StoreConfig
		PerUserTimeout  time.Duration
		ExpireWorkers   int
		ExpireQueueSize int
		ExpireTimeout   time.Duration
		SweepSchedule   string
	}

	StoreConfig struct {
		Addr       string
		Password   string
		Prefix     string
		DB         int
		MaxRetries int
	}
)

const (
	DefaultRedisEndpoint   = "localhost:6379"
	DefaultRedisPrefix     = "muster"
	DefaultRedisDB         = 0
	DefaultMaxRetries      = 16
	DefaultPerUserTimeout  = 30 * time.Second
	DefaultExpireWorkers   = 4
	DefaultExpireQueueSize = 1024
	DefaultExpireTimeout   = 5 * time.Second
	DefaultSweepSchedule   = "@every 30s"

	// MinCapacity is the smallest number of participants an event can hold
	MinCapacity = 2

	// MinPerUserTimeout is the floor applied to the per-participant
	// expiration allowance
	MinPerUserTimeout = time.Second
)

func DefaultConfig() Config {
	return Config{
		Store:           DefaultStoreConfig(),
		PerUserTimeout:  DefaultPerUserTimeout,
		ExpireWorkers:   DefaultExpireWorkers,
		ExpireQueueSize: DefaultExpireQueueSize,
		ExpireTimeout:   DefaultExpireTimeout,
		SweepSchedule:   DefaultSweepSchedule,
	}
}

func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Addr:       DefaultRedisEndpoint,
		Password:   "",
		DB:         DefaultRedisDB,
		Prefix:     DefaultRedisPrefix,
		MaxRetries: DefaultMaxRetries,
	}
}

// ExpireAfter returns how long a pending event with the given capacity may
// wait for participants before it is cancelled. The result saturates at
// the largest representable duration
func ExpireAfter(capacity int, perUser time.Duration) time.Duration {
	c := time.Duration(max(MinCapacity, capacity))
	p := max(MinPerUserTimeout, perUser)
	if c > math.MaxInt64/p {
		return math.MaxInt64
	}
	return c * p
}
