// Package snapshot persists small opaque session snapshots so an in-progress
// session survives a server restart the same day.
package snapshot

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound means no snapshot exists for the key.
var ErrNotFound = errors.New("snapshot not found")

// Store saves and restores per-subject snapshots.
type Store interface {
	Put(ctx context.Context, subjectID string, data []byte) error
	Get(ctx context.Context, subjectID string) ([]byte, error)
	Delete(ctx context.Context, subjectID string) error
}

// RedisStore keeps snapshots in Redis with a TTL; stale entries age out on
// their own even if a delete is missed.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a snapshot store.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{client: client, ttl: ttl}
}

func key(subjectID string) string { return "qrattend:session:" + subjectID }

func (s *RedisStore) Put(ctx context.Context, subjectID string, data []byte) error {
	return s.client.Set(ctx, key(subjectID), data, s.ttl).Err()
}

func (s *RedisStore) Get(ctx context.Context, subjectID string) ([]byte, error) {
	data, err := s.client.Get(ctx, key(subjectID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

func (s *RedisStore) Delete(ctx context.Context, subjectID string) error {
	return s.client.Del(ctx, key(subjectID)).Err()
}
