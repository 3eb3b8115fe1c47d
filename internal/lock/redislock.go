package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrNotAcquired is returned when another holder owns the lock.
var ErrNotAcquired = errors.New("lock: already held")

var (
	releaseScript = redis.NewScript(`if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
end
return 0`)
	extendScript = redis.NewScript(`if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)
)

// Client is the subset of a Redis client the lock needs.
type Client interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// Locker is a non-blocking Redis lock keyed by name. Each holder writes a
// random token so only the owner can extend or release the key.
type Locker struct {
	R      Client
	Logger zerolog.Logger
}

// TryWithLock runs fn while holding key. When the key is already held
// ErrNotAcquired is returned and fn is not called. While fn runs the TTL is
// refreshed every ttl/3; if the refresh finds the key gone or owned by
// someone else, fn's context is cancelled.
func (l Locker) TryWithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error {
	if l.R == nil {
		return errors.New("lock: redis client not configured")
	}
	if fn == nil {
		return errors.New("lock: callback not provided")
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	token := uuid.NewString()

	ok, err := l.R.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotAcquired
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go l.keepAlive(runCtx, cancel, key, token, ttl, done)
	defer func() {
		cancel()
		<-done
		l.release(context.WithoutCancel(ctx), key, token)
	}()
	return fn(runCtx)
}

func (l Locker) keepAlive(ctx context.Context, cancel context.CancelFunc, key, token string, ttl time.Duration, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := extendScript.Run(ctx, l.R, []string{key}, token, ttl.Milliseconds()).Int()
			if err != nil {
				if ctx.Err() == nil {
					l.Logger.Warn().Err(err).Str("key", key).Msg("lock: refresh failed")
				}
				continue
			}
			if n == 0 {
				l.Logger.Warn().Str("key", key).Msg("lock: ownership lost")
				cancel()
				return
			}
		}
	}
}

func (l Locker) release(ctx context.Context, key, token string) {
	if err := releaseScript.Run(ctx, l.R, []string{key}, token).Err(); err != nil {
		l.Logger.Warn().Err(err).Str("key", key).Msg("lock: release failed")
	}
}
