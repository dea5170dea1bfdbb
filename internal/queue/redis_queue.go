package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue keeps pending job ids in a single Redis list.
type RedisQueue struct {
	client      *redis.Client
	key         string
	pollTimeout time.Duration
}

// NewRedisQueue builds a queue on the given list key.
func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = "videogen:queue"
	}
	return &RedisQueue{
		client:      client,
		key:         key,
		pollTimeout: 5 * time.Second,
	}
}

// Push appends the id to the tail of the list.
func (q *RedisQueue) Push(ctx context.Context, id string) error {
	if err := q.client.RPush(ctx, q.key, id).Err(); err != nil {
		return fmt.Errorf("rpush %s: %w", q.key, err)
	}
	return nil
}

// Pop blocks on BLPOP in bounded rounds so ctx cancellation is observed.
func (q *RedisQueue) Pop(ctx context.Context) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		res, err := q.client.BLPop(ctx, q.pollTimeout, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			return "", fmt.Errorf("blpop %s: %w", q.key, err)
		}
		// BLPOP replies with [key, value].
		if len(res) != 2 {
			return "", fmt.Errorf("unexpected blpop reply: %v", res)
		}
		return res[1], nil
	}
}

// Len returns the list length.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("llen %s: %w", q.key, err)
	}
	return n, nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
