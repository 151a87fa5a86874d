// Package lock implements a cluster-wide named mutex over Redis, used by
// the archive pipeline's retention purge so only one node runs a purge pass
// for a given archive group at a time.
package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pyr33x/goqtt/pkg/er"
	"github.com/redis/go-redis/v9"
)

// Lock is a held named lock; Release gives it up early (its TTL also
// expires it automatically if the holder crashes without releasing).
type Lock struct {
	client *redis.Client
	key    string
	token  string
}

const keyPrefix = "goqtt:lock:"

// Acquire attempts to take name for ttl, returning ok=false without error
// if another node currently holds it.
func Acquire(ctx context.Context, client *redis.Client, name string, ttl time.Duration) (*Lock, bool, error) {
	key := keyPrefix + name
	token := uuid.NewString()

	ok, err := client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, &er.Err{Context: "Lock, Acquire", Message: err}
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{client: client, key: key, token: token}, true, nil
}

// Renew extends the lock's TTL; callers holding a lock across a long purge
// pass should renew it periodically rather than acquiring once for the
// worst-case duration.
func (l *Lock) Renew(ctx context.Context, ttl time.Duration) error {
	script := redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		end
		return 0
	`)
	_, err := script.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Result()
	if err != nil {
		return &er.Err{Context: "Lock, Renew", Message: err}
	}
	return nil
}

// Release gives up the lock if this holder's token still owns it.
func (l *Lock) Release(ctx context.Context) error {
	script := redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		end
		return 0
	`)
	_, err := script.Run(ctx, l.client, []string{l.key}, l.token).Result()
	if err != nil {
		return &er.Err{Context: "Lock, Release", Message: err}
	}
	return nil
}
