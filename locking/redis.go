package locking

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

const defaultRetry = 25 * time.Millisecond

// Redis is a lease lock. TTL bounds how long a crashed holder blocks the
// customer; it must exceed the longest credit transaction.
type Redis struct {
	client *redis.Client
	script *redis.Script

	TTL time.Duration
	// Wait <= 0 makes a single attempt.
	Wait  time.Duration
	Retry time.Duration
}

func NewRedis(client *redis.Client, ttl, wait time.Duration) *Redis {
	return &Redis{
		client: client,
		script: redis.NewScript(releaseScript),
		TTL:    ttl,
		Wait:   wait,
		Retry:  defaultRetry,
	}
}

// TryLock makes a single attempt and returns the owner token on success.
func (r *Redis) TryLock(ctx context.Context, key string) (string, bool, error) {
	if r == nil || r.client == nil {
		return "", false, errors.New("lock client not configured")
	}
	if key == "" {
		return "", false, errors.New("lock key is empty")
	}
	if r.TTL <= 0 {
		return "", false, errors.New("lock ttl must be positive")
	}

	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, key, token, r.TTL).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

// Release deletes key only if it still holds token.
func (r *Redis) Release(ctx context.Context, key, token string) error {
	if r == nil || r.client == nil || key == "" || token == "" {
		return nil
	}
	return r.script.Run(ctx, r.client, []string{key}, token).Err()
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	retry := r.Retry
	if retry <= 0 {
		retry = defaultRetry
	}
	deadline := time.Now().Add(r.Wait)

	for {
		token, ok, err := r.TryLock(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			var once sync.Once
			return func() {
				once.Do(func() {
					releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
					defer cancel()
					_ = r.Release(releaseCtx, key, token)
				})
			}, nil
		}
		if r.Wait <= 0 || time.Now().After(deadline) {
			return nil, timeout(key, r.Wait)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retry):
		}
	}
}

var _ Locker = (*Redis)(nil)
