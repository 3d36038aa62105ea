package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"tempo/internal/config"
	"tempo/internal/domain"

	"github.com/redis/go-redis/v9"
)

var _ domain.KVStore = (*RedisStore)(nil)

// RedisStore is a KVStore on Redis. Durability follows the server's
// persistence settings, so appendfsync=always is expected in production.
type RedisStore struct {
	client    *redis.Client
	namespace string
}

// NewRedisClient создает новый клиент Redis на основе конфигурации
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

func NewRedisStore(client *redis.Client, namespace string) *RedisStore {
	if namespace != "" && !strings.HasSuffix(namespace, ":") {
		namespace += ":"
	}
	return &RedisStore{client: client, namespace: namespace}
}

func (r *RedisStore) key(k string) string {
	return r.namespace + k
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	if r.client == nil {
		return nil, errors.New("redis client is nil")
	}
	val, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %q from redis: %w", key, err)
	}
	return val, nil
}

func (r *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	if r.client == nil {
		return errors.New("redis client is nil")
	}
	if err := r.client.Set(ctx, r.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("failed to set %q in redis: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Remove(ctx context.Context, key string) error {
	if r.client == nil {
		return errors.New("redis client is nil")
	}
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete %q from redis: %w", key, err)
	}
	return nil
}

// MultiSet writes all entries with a single MSET, which Redis applies atomically.
func (r *RedisStore) MultiSet(ctx context.Context, entries map[string][]byte) error {
	if r.client == nil {
		return errors.New("redis client is nil")
	}
	if len(entries) == 0 {
		return nil
	}
	pairs := make([]any, 0, len(entries)*2)
	for k, v := range entries {
		pairs = append(pairs, r.key(k), v)
	}
	if err := r.client.MSet(ctx, pairs...).Err(); err != nil {
		return fmt.Errorf("failed to mset in redis: %w", err)
	}
	return nil
}

func (r *RedisStore) MultiRemove(ctx context.Context, keys []string) error {
	if r.client == nil {
		return errors.New("redis client is nil")
	}
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}
	if err := r.client.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("failed to delete keys from redis: %w", err)
	}
	return nil
}

// Keys scans for keys under prefix and returns them sorted, without the namespace.
func (r *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if r.client == nil {
		return nil, errors.New("redis client is nil")
	}

	pattern := escapeGlob(r.key(prefix)) + "*"
	var keys []string
	iter := r.client.Scan(ctx, 0, pattern, 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), r.namespace))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan redis keys: %w", err)
	}

	sort.Strings(keys)
	return keys, nil
}

func escapeGlob(s string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return replacer.Replace(s)
}

// Ping проверяет соединение с Redis
func Ping(ctx context.Context, client *redis.Client) error {
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close закрывает соединение с Redis
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
