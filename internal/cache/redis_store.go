package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wesm/threadsync/internal/models"
)

// DefaultRedisKey is the hash holding every cache entry.
const DefaultRedisKey = "threadsync:threads"

// RedisStore keeps the cache in a single Redis hash.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient creates a store from an existing client
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, key: DefaultRedisKey}
}

// Load reads every field of the hash.
func (s *RedisStore) Load(ctx context.Context) (map[string]models.ThreadCacheEntry, error) {
	fields, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("load thread cache: %w", err)
	}

	entries := make(map[string]models.ThreadCacheEntry, len(fields))
	for field, value := range fields {
		var entry models.ThreadCacheEntry
		if err := json.Unmarshal([]byte(value), &entry); err != nil {
			return nil, fmt.Errorf("unmarshal cache entry %s: %w", field, err)
		}
		entries[field] = entry
	}
	return entries, nil
}

// Save replaces the hash in one transaction.
func (s *RedisStore) Save(ctx context.Context, entries map[string]models.ThreadCacheEntry) error {
	values := make(map[string]interface{}, len(entries))
	for key, entry := range entries {
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshal cache entry %s: %w", key, err)
		}
		values[key] = string(data)
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key)
		if len(values) > 0 {
			pipe.HSet(ctx, s.key, values)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save thread cache: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}
