package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces capability keys in Redis.
const DefaultKeyPrefix = "assistant:capability:"

// RedisStore shares capability entries between gateway replicas. Keys expire
// after the configured TTL.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Client redis.UniversalClient
	// Prefix defaults to DefaultKeyPrefix.
	Prefix string
	// TTL is the key expiry; zero keeps keys until pruned.
	TTL time.Duration
}

// NewRedisStore creates a RedisStore.
func NewRedisStore(opts RedisOptions) (*RedisStore, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{rdb: opts.Client, prefix: prefix, ttl: opts.TTL}, nil
}

// NewRedisClient parses a redis:// URL into a client.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

func (s *RedisStore) key(endpoint string) string {
	return s.prefix + endpoint
}

func (s *RedisStore) Get(ctx context.Context, endpoint string) (Entry, bool, error) {
	data, err := s.rdb.Get(ctx, s.key(endpoint)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("get capability entry: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("decode capability entry: %w", err)
	}
	return entry, true, nil
}

func (s *RedisStore) Set(ctx context.Context, endpoint string, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode capability entry: %w", err)
	}
	if err := s.rdb.Set(ctx, s.key(endpoint), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("store capability entry: %w", err)
	}
	return nil
}

func (s *RedisStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	removed := 0
	err := s.scan(ctx, func(key string) error {
		data, err := s.rdb.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err == nil && !entry.LastChecked.Before(cutoff) {
			return nil
		}
		// Stale or undecodable.
		n, err := s.rdb.Del(ctx, key).Result()
		removed += int(n)
		return err
	})
	if err != nil {
		return removed, fmt.Errorf("prune capability entries: %w", err)
	}
	return removed, nil
}

func (s *RedisStore) Count(ctx context.Context) (int, error) {
	n := 0
	err := s.scan(ctx, func(string) error {
		n++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count capability entries: %w", err)
	}
	return n, nil
}

func (s *RedisStore) scan(ctx context.Context, fn func(key string) error) error {
	iter := s.rdb.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := fn(iter.Val()); err != nil {
			return err
		}
	}
	return iter.Err()
}
