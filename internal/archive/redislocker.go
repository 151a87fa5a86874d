package archive

import (
	"context"
	"time"

	clusterlock "github.com/pyr33x/goqtt/internal/cluster/lock"
	"github.com/redis/go-redis/v9"
)

// RedisLocker adapts cluster/lock's named lock to the Pipeline's Locker
// interface.
type RedisLocker struct {
	client *redis.Client
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) TryLock(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, bool, error) {
	lk, ok, err := clusterlock.Acquire(ctx, l.client, name, ttl)
	if err != nil || !ok {
		return nil, ok, err
	}
	return lk.Release, true, nil
}
