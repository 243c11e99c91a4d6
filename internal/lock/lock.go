// Package lock guards reconciliation runs across processes sharing one catalog.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"stock-sync-service/internal/config"
	"stock-sync-service/internal/logger"
)

// ErrNotObtained is returned when another process holds the run lock.
var ErrNotObtained = errors.New("run lock held by another process")

// Release frees a lock obtained by Acquire.
type Release func(ctx context.Context) error

type Locker interface {
	Acquire(ctx context.Context) (Release, error)
}

// Noop always succeeds. It is used when no redis address is configured.
type Noop struct{}

func (Noop) Acquire(context.Context) (Release, error) {
	return func(context.Context) error { return nil }, nil
}

// RedisLocker holds the run lock in redis. A held lock is refreshed every
// ttl/2 until released, so ttl only bounds how long a crashed holder blocks others.
type RedisLocker struct {
	rdb          *redis.Client
	locker       *redislock.Client
	key          string
	ttl          time.Duration
	refreshEvery time.Duration
}

func NewRedisLocker(ctx context.Context, cfg config.LockConfig) (*RedisLocker, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddress,
		DB:   cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddress, err)
	}
	logger.Log.Info("Connected to redis for run lock", zap.String("addr", cfg.RedisAddress), zap.String("key", cfg.Key))
	return newRedisLocker(rdb, cfg.Key, cfg.TTL), nil
}

func newRedisLocker(rdb *redis.Client, key string, ttl time.Duration) *RedisLocker {
	return &RedisLocker{
		rdb:          rdb,
		locker:       redislock.New(rdb),
		key:          key,
		ttl:          ttl,
		refreshEvery: ttl / 2,
	}
}

func (l *RedisLocker) Acquire(ctx context.Context) (Release, error) {
	lk, err := l.locker.Obtain(ctx, l.key, l.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrNotObtained
	}
	if err != nil {
		return nil, fmt.Errorf("obtain run lock: %w", err)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(lk, stop, done)

	var once sync.Once
	return func(ctx context.Context) error {
		once.Do(func() { close(stop) })
		<-done
		err := lk.Release(ctx)
		if errors.Is(err, redislock.ErrLockNotHeld) {
			logger.Log.Warn("Run lock expired before release", zap.String("key", l.key))
			return nil
		}
		return err
	}, nil
}

func (l *RedisLocker) keepAlive(lk *redislock.Lock, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	if l.refreshEvery <= 0 {
		return
	}
	ticker := time.NewTicker(l.refreshEvery)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.refreshEvery)
			err := lk.Refresh(ctx, l.ttl, nil)
			cancel()
			switch {
			case errors.Is(err, redislock.ErrNotObtained):
				logger.Log.Warn("Run lock lost while held", zap.String("key", l.key))
				return
			case err != nil:
				logger.Log.Warn("Failed to refresh run lock", zap.String("key", l.key), zap.Error(err))
			}
		}
	}
}

func (l *RedisLocker) Close() error {
	return l.rdb.Close()
}
