package archive

import (
	"context"

	"github.com/pyr33x/goqtt/pkg/er"
	"github.com/redis/go-redis/v9"
)

// RedisLastVal stores each group's last-value table as a Redis hash keyed
// by topic, giving O(1) upsert and lookup without a local cache to keep
// coherent across nodes.
type RedisLastVal struct {
	client *redis.Client
}

func NewRedisLastVal(client *redis.Client) *RedisLastVal {
	return &RedisLastVal{client: client}
}

func hashKey(group string) string {
	return "goqtt:lastval:" + group
}

func (r *RedisLastVal) Upsert(ctx context.Context, group, topic string, payload []byte, _ int64) error {
	if err := r.client.HSet(ctx, hashKey(group), topic, payload).Err(); err != nil {
		return &er.Err{Context: "RedisLastVal, Upsert", Message: err}
	}
	return nil
}

// Get returns the last value stored for (group, topic), if any.
func (r *RedisLastVal) Get(ctx context.Context, group, topic string) ([]byte, bool, error) {
	val, err := r.client.HGet(ctx, hashKey(group), topic).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &er.Err{Context: "RedisLastVal, Get", Message: err}
	}
	return val, true, nil
}
