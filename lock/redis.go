package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// RedisLocker holds locks in Redis so every server instance sees them.
// A held lock is refreshed every ttl/2 until released, so a long
// distribution keeps its run locked.
type RedisLocker struct {
	client *redislock.Client
	ttl    time.Duration
	wait   time.Duration
}

// NewRedisLocker holds each lock for ttl past its last refresh and retries
// for up to wait before giving up with ErrNotObtained.
func NewRedisLocker(rdb *redis.Client, ttl, wait time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{client: redislock.New(rdb), ttl: ttl, wait: wait}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (Release, error) {
	opts := &redislock.Options{}
	if l.wait > 0 {
		opts.RetryStrategy = redislock.LimitRetry(redislock.LinearBackoff(100*time.Millisecond), int(l.wait/(100*time.Millisecond)))
	}

	lk, err := l.client.Obtain(ctx, key, l.ttl, opts)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrNotObtained
	}
	if err != nil {
		return nil, err
	}

	stop := keepAlive(l.ttl/2, func(ctx context.Context) error {
		return lk.Refresh(ctx, l.ttl, nil)
	})
	return func(ctx context.Context) error {
		stop()
		err := lk.Release(ctx)
		if errors.Is(err, redislock.ErrLockNotHeld) {
			// Expired after ttl; nothing left to release.
			return nil
		}
		return err
	}, nil
}

// keepAlive calls refresh every interval until the returned stop function
// is called or refresh reports the lock as lost. stop waits for an
// in-flight refresh and is safe to call more than once.
func keepAlive(interval time.Duration, refresh func(context.Context) error) (stop func()) {
	quit := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-quit:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				err := refresh(ctx)
				cancel()
				if errors.Is(err, redislock.ErrNotObtained) {
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(quit)
			<-done
		})
	}
}
