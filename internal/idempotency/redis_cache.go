package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/stepflow/pkg/api"
)

// RedisCache is a Cache shared by every process using the same Redis.
// Entries live under "<prefix>idem:<key>" as JSON with a Redis TTL.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ Cache = (*RedisCache)(nil)

// NewRedisCache creates a RedisCache. ttl is used when Put gets none.
func NewRedisCache(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "stepflow:"
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisCache) keyFor(key string) string {
	return r.prefix + "idem:" + key
}

func (r *RedisCache) Get(ctx context.Context, key string) (*api.StepResult, bool, error) {
	data, err := r.client.Get(ctx, r.keyFor(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var res api.StepResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, false, fmt.Errorf("decode cached result %q: %w", key, err)
	}
	return &res, true, nil
}

func (r *RedisCache) Put(ctx context.Context, key string, res *api.StepResult, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = r.ttl
	}
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result for %q: %w", key, err)
	}
	return r.client.Set(ctx, r.keyFor(key), data, ttl).Err()
}
