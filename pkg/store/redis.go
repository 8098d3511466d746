package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the redis backend.
type RedisOptions struct {
	// Addr is the host:port of the redis server.
	Addr string

	// Password is optional.
	Password string

	// DB selects the redis database number.
	DB int

	// KeyPrefix namespaces all keys, default "segpull:".
	KeyPrefix string
}

// RedisKV stores documents in redis, letting several processes share one
// download state. Records are plain string values under prefixed keys.
type RedisKV struct {
	client *redis.Client
	prefix string
}

// NewRedisKV connects to redis and verifies the connection.
func NewRedisKV(opts RedisOptions) (*RedisKV, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("%w: redis address is required", ErrInvalidConfig)
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "segpull:"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}

	return &RedisKV{client: client, prefix: prefix}, nil
}

// NewRedisRepo is a convenience constructor for a redis-backed Repository.
func NewRedisRepo(opts RedisOptions) (*Repo, error) {
	kv, err := NewRedisKV(opts)
	if err != nil {
		return nil, err
	}
	return NewRepo(kv), nil
}

func (r *RedisKV) buildKey(key string) string {
	return r.prefix + key
}

// Put stores value under the prefixed key.
func (r *RedisKV) Put(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, r.buildKey(key), value, 0).Err(); err != nil {
		return fmt.Errorf("failed to store %s in redis: %w", key, err)
	}
	return nil
}

// Get retrieves the value at the prefixed key.
func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.buildKey(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to read %s from redis: %w", key, err)
	}
	return data, nil
}

// Delete removes the prefixed key.
func (r *RedisKV) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.buildKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete %s from redis: %w", key, err)
	}
	return nil
}

// List scans for keys with the given prefix. SCAN is used instead of KEYS so
// large state sets do not block the server.
func (r *RedisKV) List(ctx context.Context, prefix string) ([]string, error) {
	pattern := r.buildKey(prefix) + "*"

	var keys []string
	iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), r.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan redis keys: %w", err)
	}
	return keys, nil
}

// Close closes the redis connection.
func (r *RedisKV) Close() error {
	return r.client.Close()
}
