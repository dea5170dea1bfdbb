package queue

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"videogen-queue/internal/config"
)

// WorkQueue is a strictly FIFO hand-off of job ids to the single worker.
type WorkQueue interface {
	// Push appends id without waiting for a consumer.
	Push(ctx context.Context, id string) error
	// Pop blocks until an id is available or ctx is done.
	Pop(ctx context.Context) (string, error)
	// Len reports how many ids are waiting.
	Len(ctx context.Context) (int64, error)
}

// New picks a backend from config.
func New(cfg config.Config) (WorkQueue, error) {
	switch cfg.QueueBackend {
	case "", "memory":
		return NewMemoryQueue(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return NewRedisQueue(client, cfg.RedisQueueKey), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
	}
}
