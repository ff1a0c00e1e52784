package cli

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kode4food/muster"
	"github.com/kode4food/muster/bolt"
	"github.com/kode4food/muster/internal/config"
	"github.com/kode4food/muster/postgres"
)

// session is a Muster wired to the configured backend for the duration of
// a single command
type session struct {
	config  *config.Config
	logger  *zap.Logger
	backend muster.Backend
	muster  *muster.Muster
}

func openSession(ctx context.Context, opts *RootOptions) (*session, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.Backend != "" {
		cfg.Backend = opts.Backend
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}

	m, err := muster.NewMuster(cfg.Muster(), backend, muster.WithLogger(logger))
	if err != nil {
		_ = backend.Close()
		_ = logger.Sync()
		return nil, err
	}

	logger.Debug("Session opened",
		zap.String("backend", cfg.Backend),
	)
	return &session{
		config:  cfg,
		logger:  logger,
		backend: backend,
		muster:  m,
	}, nil
}

func (s *session) Close() error {
	err := errors.Join(s.muster.Close(), s.backend.Close())
	_ = s.logger.Sync()
	return err
}

func openBackend(
	ctx context.Context, cfg *config.Config,
) (muster.Backend, error) {
	switch cfg.Backend {
	case config.BackendRedis:
		return muster.NewStore(cfg.RedisStore())
	case config.BackendBolt:
		return bolt.Open(cfg.Bolt.Path, cfg.BoltStore())
	case config.BackendPostgres:
		return postgres.Connect(ctx, cfg.Postgres.URL, cfg.PostgresStore())
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownBackend, cfg.Backend)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}
