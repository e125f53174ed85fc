package configstore

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores configuration in one Redis hash per namespace.
type RedisBackend struct {
	client *redis.Client
	key    string
}

// NewRedisBackend connects to redisURL and stores values under the hash
// vumos:<namespace>:configurations.
func NewRedisBackend(ctx context.Context, redisURL, namespace string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &RedisBackend{client: client, key: hashKey(namespace)}, nil
}

// hashKey returns the hash holding the configuration of namespace.
func hashKey(namespace string) string {
	return fmt.Sprintf("vumos:%s:configurations", namespace)
}

func (s *RedisBackend) Durable() bool { return true }

func (s *RedisBackend) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.client.HKeys(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *RedisBackend) Load(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.client.HGet(ctx, s.key, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("loading %q: %w", key, err)
	}
	return v, true, nil
}

func (s *RedisBackend) Save(ctx context.Context, key string, value []byte) error {
	if err := s.client.HSet(ctx, s.key, key, value).Err(); err != nil {
		return fmt.Errorf("saving %q: %w", key, err)
	}
	return nil
}

func (s *RedisBackend) Delete(ctx context.Context, key string) error {
	if err := s.client.HDel(ctx, s.key, key).Err(); err != nil {
		return fmt.Errorf("deleting %q: %w", key, err)
	}
	return nil
}

func (s *RedisBackend) Close() error {
	return s.client.Close()
}
