package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	goredislib "github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the lock name shared by every instance.
const DefaultRedisKey = "modelkeeper:lock:cycle"

// RedisLocker is a distributed Locker built on redsync. While held, the lock
// is extended every third of its expiry so a long cycle keeps it.
type RedisLocker struct {
	rs     *redsync.Redsync
	key    string
	expiry time.Duration
	logger *slog.Logger
}

// NewRedisLocker creates a distributed locker. An empty key uses
// DefaultRedisKey and a zero expiry uses one minute.
func NewRedisLocker(client *goredislib.Client, key string, expiry time.Duration, logger *slog.Logger) *RedisLocker {
	if key == "" {
		key = DefaultRedisKey
	}
	if expiry <= 0 {
		expiry = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{
		rs:     redsync.New(goredis.NewPool(client)),
		key:    key,
		expiry: expiry,
		logger: logger.With("component", "lock", "key", key),
	}
}

// TryLock implements Locker. Any failure to obtain the quorum is reported as
// ErrLocked, with the redsync error attached. A failed extension cancels the
// returned context with ErrLockLost, since another instance may take the lock
// once it expires.
func (r *RedisLocker) TryLock(ctx context.Context) (context.Context, Release, error) {
	mutex := r.rs.NewMutex(r.key, redsync.WithExpiry(r.expiry), redsync.WithTries(1))
	if err := mutex.TryLockContext(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, fmt.Errorf("%w: %v", ErrLocked, err)
	}

	lctx, stop := keepAlive(ctx, mutex, r.expiry/3, r.logger)

	return lctx, onceRelease(func() {
		stop()

		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if ok, err := mutex.UnlockContext(unlockCtx); err != nil || !ok {
			r.logger.Warn("failed to release redis lock", "error", err)
		}
	}), nil
}

// extender renews a lease. *redsync.Mutex implements it.
type extender interface {
	ExtendContext(ctx context.Context) (bool, error)
}

// keepAlive extends ext every interval until stop is called. The returned
// context is cancelled with ErrLockLost at the first failed extension and
// extensions stop there.
func keepAlive(parent context.Context, ext extender, interval time.Duration, logger *slog.Logger) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(parent)
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
			case <-ctx.Done():
				return
			case <-ticker.C:
				extCtx, extCancel := context.WithTimeout(context.Background(), interval)
				ok, err := ext.ExtendContext(extCtx)
				extCancel()
				if err != nil || !ok {
					if err == nil {
						err = errors.New("extension refused")
					}
					logger.Error("failed to extend redis lock, aborting holder", "error", err)
					cancel(fmt.Errorf("%w: %w", ErrLockLost, err))
					return
				}
			}
		}
	}()

	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			close(quit)
			<-done
			cancel(nil)
		})
	}
}
