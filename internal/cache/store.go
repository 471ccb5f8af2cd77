package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"codetop/internal/metrics"
)

// Store is the key/value cache the service reads through. Implementations
// must be safe for concurrent use. Get distinguishes a miss (ok=false,
// err=nil) from an infrastructure failure so readers can degrade.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// DeleteByPattern evicts keys matching a glob pattern via cursor
	// iteration; it never issues a blocking full-keyspace enumeration.
	DeleteByPattern(ctx context.Context, pattern string) (int, error)
	// AddToIndex registers member keys in an index set so DeleteIndexed can
	// evict them as a batch later.
	AddToIndex(ctx context.Context, indexKey string, ttl time.Duration, members ...string) error
	DeleteIndexed(ctx context.Context, indexKey string) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

// RedisStore implements Store on go-redis.
type RedisStore struct {
	client  *redis.Client
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// RedisOptions configures the connection.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
}

// NewRedisStore connects a Store to Redis. The connection is verified
// lazily; call Ping during startup to fail fast.
func NewRedisStore(opts RedisOptions, m *metrics.Metrics, logger *zap.Logger) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		PoolSize:     opts.PoolSize,
	})
	return &RedisStore{client: client, metrics: m, logger: logger}
}

// NewRedisStoreWithClient wraps an existing client (tests use miniredis).
func NewRedisStoreWithClient(client *redis.Client, m *metrics.Metrics, logger *zap.Logger) *RedisStore {
	return &RedisStore{client: client, metrics: m, logger: logger}
}

// Get fetches a key, counting the hit or miss under the key's domain.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			s.metrics.CacheMisses.WithLabelValues(DomainOf(key)).Inc()
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cache get %s: %w", key, err)
	}
	s.metrics.CacheHits.WithLabelValues(DomainOf(key)).Inc()
	return val, true, nil
}

// Set writes a key with a TTL.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

// Delete removes the given keys. Missing keys are not an error.
func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}

// DeleteByPattern walks the keyspace with SCAN and deletes matches in
// batches. Returns the number of keys deleted.
func (s *RedisStore) DeleteByPattern(ctx context.Context, pattern string) (int, error) {
	var (
		cursor  uint64
		deleted int
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return deleted, fmt.Errorf("cache scan %s: %w", pattern, err)
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return deleted, fmt.Errorf("cache delete batch: %w", err)
			}
			deleted += len(keys)
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

// AddToIndex records member keys in an index set. The set expires a little
// after the longest-lived member so orphaned indexes clean themselves up.
func (s *RedisStore) AddToIndex(ctx context.Context, indexKey string, ttl time.Duration, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	vals := make([]interface{}, len(members))
	for i, m := range members {
		vals[i] = m
	}
	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, indexKey, vals...)
	pipe.Expire(ctx, indexKey, ttl+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache index %s: %w", indexKey, err)
	}
	return nil
}

// DeleteIndexed evicts every member listed in the index set, then the set
// itself. Returns the number of member keys deleted.
func (s *RedisStore) DeleteIndexed(ctx context.Context, indexKey string) (int, error) {
	members, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return 0, fmt.Errorf("cache index members %s: %w", indexKey, err)
	}
	keys := append(members, indexKey)
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return 0, fmt.Errorf("cache index delete %s: %w", indexKey, err)
	}
	return len(members), nil
}

// Ping verifies the connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("cache ping: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// GetJSON reads key and unmarshals it into out. A miss or an unmarshalable
// value returns ok=false; infrastructure errors are returned for the
// caller to log before degrading to a recompute.
func GetJSON(ctx context.Context, s Store, key string, out interface{}) (bool, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("cache decode %s: %w", key, err)
	}
	return true, nil
}

// SetJSON marshals v and writes it under key.
func SetJSON(ctx context.Context, s Store, key string, v interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}
	return s.Set(ctx, key, raw, ttl)
}
