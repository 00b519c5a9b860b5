package persist

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is used when NewRedisStorage gets an empty key.
const DefaultRedisKey = "gqlcache:snapshot"

// RedisClient captures the subset of redis.Client used by the storage.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisStorage keeps the snapshot under one Redis key. A zero ttl keeps it
// forever.
type RedisStorage struct {
	client RedisClient
	key    string
	ttl    time.Duration
}

func NewRedisStorage(client RedisClient, key string, ttl time.Duration) *RedisStorage {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStorage{client: client, key: key, ttl: ttl}
}

var errNoRedisClient = errors.New("persist: redis client unavailable")

func (s *RedisStorage) Load(ctx context.Context) ([]byte, bool, error) {
	if s.client == nil {
		return nil, false, errNoRedisClient
	}
	value, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return value, true, nil
}

func (s *RedisStorage) Save(ctx context.Context, data []byte) error {
	if s.client == nil {
		return errNoRedisClient
	}
	return s.client.Set(ctx, s.key, data, s.ttl).Err()
}

func (s *RedisStorage) Clear(ctx context.Context) error {
	if s.client == nil {
		return errNoRedisClient
	}
	return s.client.Del(ctx, s.key).Err()
}
