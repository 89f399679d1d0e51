package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jwalitptl/fincore/pkg/lock"
)

type redisLocker struct {
	client *redis.Client
	token  string
}

// NewLocker builds a Locker backed by SET NX PX. Each process instance holds
// its own token so Release never drops a lease re-acquired by someone else
// after expiry.
func NewLocker(client *redis.Client) lock.Locker {
	return &redisLocker{
		client: client,
		token:  uuid.NewString(),
	}
}

func (l *redisLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, lockKey(name), l.token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	return ok, nil
}

func (l *redisLocker) Release(ctx context.Context, name string) error {
	val, err := l.client.Get(ctx, lockKey(name)).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", name, err)
	}
	if val != l.token {
		// Expired and re-acquired elsewhere. Not ours to delete.
		return nil
	}
	return l.client.Del(ctx, lockKey(name)).Err()
}

func lockKey(name string) string {
	return "fincore:lock:" + name
}
