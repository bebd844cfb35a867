package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

// keyPrefix keeps client keys apart from anything else in a shared database.
const keyPrefix = "cipherchat:"

// Redis stores client state in a Redis database, for setups where several
// devices of the same user share one history.
type Redis struct {
	client *redis.Client
}

// OpenRedis connects to the Redis server at redisURL and checks it responds.
func OpenRedis(ctx context.Context, redisURL string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Redis{client: client}, nil
}

// Close closes the Redis connection.
func (s *Redis) Close() error {
	return s.client.Close()
}

// Get retrieves a value
func (s *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Set stores a value without expiry
func (s *Redis) Set(ctx context.Context, key string, value []byte) error {
	return s.client.Set(ctx, keyPrefix+key, value, 0).Err()
}

// Delete removes a value
func (s *Redis) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, keyPrefix+key).Err()
}

// Keys lists stored keys with the given prefix
func (s *Redis) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, keyPrefix+prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		// usernames may contain glob metacharacters
		if key := iter.Val()[len(keyPrefix):]; strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}
