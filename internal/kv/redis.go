// Package kv provides a thin, typed facade over the Redis store shared by
// the rate limiter, response cache, and cost tracker. Any transport or
// server failure is classified as ErrUnavailable so callers can choose
// their own fail-open or fail-closed policy.
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// ErrUnavailable marks any store error caused by Redis being unreachable
// or misbehaving. Match with errors.Is.
var ErrUnavailable = errors.New("kv store unavailable")

// StoreError wraps a failed operation with its name for logging.
type StoreError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	return fmt.Sprintf("kv %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying redis error.
func (e *StoreError) Unwrap() error { return e.Err }

// Is reports ErrUnavailable for every store error.
func (e *StoreError) Is(target error) bool { return target == ErrUnavailable }

// Config holds the Redis connection settings.
type Config struct {
	// URL is a redis:// connection string (address, credentials, DB).
	URL string `yaml:"url"`

	// Namespace is prepended to every key when non-empty.
	Namespace string `yaml:"namespace"`

	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:          "redis://localhost:6379",
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// Store is the typed facade over Redis.
type Store struct {
	client    goredis.UniversalClient
	namespace string
}

// New creates a Store from configuration. The connection is not probed
// here; a gateway must be able to start while Redis is down.
func New(cfg Config) (*Store, error) {
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout
	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = cfg.MinIdleConns

	return &Store{
		client:    goredis.NewClient(opts),
		namespace: cfg.Namespace,
	}, nil
}

// NewFromClient wraps an existing client. Used by tests with miniredis.
func NewFromClient(client goredis.UniversalClient, namespace string) *Store {
	return &Store{client: client, namespace: namespace}
}

func (s *Store) prefixKey(key string) string {
	if s.namespace == "" {
		return key
	}
	return s.namespace + ":" + key
}

func (s *Store) stripPrefix(key string) string {
	if s.namespace == "" {
		return key
	}
	return key[len(s.namespace)+1:]
}

// IncrWithTTL atomically increments a counter, attaching the TTL when the
// increment created the key. Subsequent increments within the window leave
// the expiry untouched.
func (s *Store) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	prefixed := s.prefixKey(key)

	val, err := s.client.Incr(ctx, prefixed).Result()
	if err != nil {
		return 0, &StoreError{Op: "incr", Err: err}
	}

	if val == 1 && ttl > 0 {
		if err := s.client.Expire(ctx, prefixed, ttl).Err(); err != nil {
			return val, &StoreError{Op: "expire", Err: err}
		}
	}

	return val, nil
}

// IncrBy increments a persistent counter with no expiry.
func (s *Store) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	val, err := s.client.IncrBy(ctx, s.prefixKey(key), delta).Result()
	if err != nil {
		return 0, &StoreError{Op: "incrby", Err: err}
	}
	return val, nil
}

// Get retrieves a string value. The second return is false when the key
// does not exist.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, s.prefixKey(key)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return "", false, nil
		}
		return "", false, &StoreError{Op: "get", Err: err}
	}
	return val, true, nil
}

// GetInt64 retrieves an integer counter, returning 0 for a missing key.
func (s *Store) GetInt64(ctx context.Context, key string) (int64, error) {
	val, err := s.client.Get(ctx, s.prefixKey(key)).Int64()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return 0, nil
		}
		return 0, &StoreError{Op: "get", Err: err}
	}
	return val, nil
}

// SetWithTTL stores a value under the given TTL.
func (s *Store) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.prefixKey(key), value, ttl).Err(); err != nil {
		return &StoreError{Op: "set", Err: err}
	}
	return nil
}

// TTL returns the remaining lifetime of a key. Keys without an expiry or
// missing keys report zero.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.client.TTL(ctx, s.prefixKey(key)).Result()
	if err != nil {
		return 0, &StoreError{Op: "ttl", Err: err}
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// Scan returns all keys matching the glob pattern, namespace stripped.
func (s *Store) Scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64

	for {
		batch, next, err := s.client.Scan(ctx, cursor, s.prefixKey(pattern), 100).Result()
		if err != nil {
			return nil, &StoreError{Op: "scan", Err: err}
		}
		for _, k := range batch {
			keys = append(keys, s.stripPrefix(k))
		}
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// DeletePattern removes all keys matching the glob pattern and returns
// the number deleted.
func (s *Store) DeletePattern(ctx context.Context, pattern string) (int64, error) {
	keys, err := s.Scan(ctx, pattern)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = s.prefixKey(k)
	}

	deleted, err := s.client.Del(ctx, prefixed...).Result()
	if err != nil {
		return 0, &StoreError{Op: "del", Err: err}
	}
	return deleted, nil
}

// Ping probes store connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return &StoreError{Op: "ping", Err: err}
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}
