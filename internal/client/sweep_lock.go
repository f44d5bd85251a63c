package client

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// RedisSweepLock is a best-effort distributed lock backed by Redis.
type RedisSweepLock struct {
	locker *redislock.Client
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return rdb, nil
}

// NewRedisSweepLock creates a lock on an existing Redis client.
func NewRedisSweepLock(rdb redis.UniversalClient) *RedisSweepLock {
	return &RedisSweepLock{locker: redislock.New(rdb)}
}

// TryLock obtains key for ttl without waiting. ok is false when another
// holder has it.
func (l *RedisSweepLock) TryLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	lock, err := l.locker.Obtain(ctx, key, ttl, nil)
	if stderrors.Is(err, redislock.ErrNotObtained) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("obtain lock %s: %w", key, err)
	}
	release := func(ctx context.Context) error {
		err := lock.Release(ctx)
		if stderrors.Is(err, redislock.ErrLockNotHeld) {
			return nil
		}
		return err
	}
	return release, true, nil
}
