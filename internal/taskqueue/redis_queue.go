package taskqueue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// popTimeout bounds each BRPOP so Dequeue notices ctx cancellation.
const popTimeout = time.Second

// RedisQueue implements the Queue interface using Redis.
//
// It uses a single Redis list with key:
//
//	<prefix>tasks
//
// Values are JSON-encoded Task structs. Tasks survive a process restart.
type RedisQueue struct {
	client redis.UniversalClient
	key    string
	logger *slog.Logger
}

// NewRedisQueue constructs a Redis-backed Queue.
// prefix is optional but recommended (e.g. "stepflow:").
func NewRedisQueue(client redis.UniversalClient, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "stepflow:"
	}
	return &RedisQueue{
		client: client,
		key:    prefix + "tasks",
		logger: slog.Default(),
	}
}

var _ Queue = (*RedisQueue)(nil)

// Enqueue pushes a task onto the Redis list (LPUSH).
func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.key, data).Err()
}

// Dequeue blocks on BRPOP until a task is available or ctx is cancelled.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		// BRPop returns [key, value]
		res, err := q.client.BRPop(ctx, popTimeout, q.key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if len(res) != 2 {
			q.logger.Warn("redis_queue_unexpected_pop", slog.Any("result", res))
			continue
		}
		return DecodeTask([]byte(res[1]))
	}
}

// Len returns the approximate number of tasks queued (LLEN).
func (q *RedisQueue) Len() int {
	n, err := q.client.LLen(context.Background(), q.key).Result()
	if err != nil {
		q.logger.Warn("redis_queue_len_failed", slog.Any("error", err))
		return 0
	}
	return int(n)
}
