package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/KukuhKKH/diagram/internal/config"
	"github.com/KukuhKKH/diagram/internal/logger"
	"github.com/KukuhKKH/diagram/internal/session"
	"github.com/KukuhKKH/diagram/internal/users"
)

// sessionBackend は選択されたセッションストアとそのバックグラウンド処理を保持します。
// Redis なら接続監視、ローカルなら期限切れセッションの掃除を行います。
type sessionBackend struct {
	store   session.Store
	redis   *session.RedisStore
	sweeper *session.Sweeper
}

func setupSessionStore(cfg *config.Config) (*sessionBackend, error) {
	if cfg.SessionStoreType == config.StoreRedis {
		rs, err := session.NewRedisStoreFromURL(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		return &sessionBackend{store: rs, redis: rs}, nil
	}

	local := session.NewLocalStore()
	sweeper, err := session.NewSweeper(local, cfg.SessionSweepEvery)
	if err != nil {
		return nil, err
	}
	return &sessionBackend{store: local, sweeper: sweeper}, nil
}

// start はバックグラウンド処理を開始します。ctx の終了か stop で止まります。
func (b *sessionBackend) start(ctx context.Context, cfg *config.Config) {
	if b.redis != nil {
		go b.redis.Monitor(ctx, cfg.RedisMonitorEvery)
	}
	if b.sweeper != nil {
		b.sweeper.Start()
	}
}

func (b *sessionBackend) stop(ctx context.Context) {
	if b.sweeper != nil {
		b.sweeper.Stop(ctx)
	}
}

func (b *sessionBackend) state() string {
	if b.redis != nil {
		return b.redis.State().String()
	}
	return session.StateReady.String()
}

func (b *sessionBackend) Close() {
	if b.redis != nil {
		if err := b.redis.Close(); err != nil {
			logger.L().Warn("failed to close redis client", zap.Error(err))
		}
	}
}

// setupUserRepository は DATABASE_URL があれば PostgreSQL を、なければメモリ上のテーブルを使います。
func setupUserRepository(ctx context.Context, cfg *config.Config) (users.Repository, func(), error) {
	if cfg.UserDatabaseURL == "" {
		logger.L().Warn("DATABASE_URL not set, users are kept in memory")
		return users.NewMemoryRepository(), func() {}, nil
	}
	repo, err := users.NewPostgresRepository(ctx, cfg.UserDatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return repo, repo.Close, nil
}
