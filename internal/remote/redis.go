package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces manifest keys in a shared Redis.
const keyPrefix = "ledgerpub:manifest:"

// RedisStore keeps published manifests as plain Redis strings. Claim uses
// SETNX. Keys never expire.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to addr.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	if addr == "" {
		return nil, errors.New("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Close releases the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Lookup implements Lookup.
func (s *RedisStore) Lookup(ctx context.Context, profileID, date string) (*Published, error) {
	body, err := s.client.Get(ctx, keyPrefix+key(profileID, date)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key(profileID, date))
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key(profileID, date), err)
	}
	return NewPublished(body), nil
}

// Claim implements Claimer.
func (s *RedisStore) Claim(ctx context.Context, profileID, date string, body []byte) (*Published, error) {
	ok, err := s.client.SetNX(ctx, keyPrefix+key(profileID, date), body, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx %s: %w", key(profileID, date), err)
	}
	if ok {
		return nil, nil
	}
	return s.Lookup(ctx, profileID, date)
}
