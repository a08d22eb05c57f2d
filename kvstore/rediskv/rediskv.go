// Package rediskv provides a Redis-backed kvstore.Store so session records
// survive process restarts and are visible across nodes.
package rediskv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/relayrpc/relay/kvstore"
)

// Config for the Redis-backed store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: KVSTORE_KEY_PREFIX
	KeyPrefix string `env:"KVSTORE_KEY_PREFIX,default=relay:kv:"`
}

// Option configures the store beyond Config.
type Option func(*Store)

// WithClient supplies an existing Redis client instead of dialing
// Config.RedisAddr. The store does not close a supplied client.
func WithClient(client *redis.Client) Option {
	return func(s *Store) {
		s.client = client
		s.ownsClient = false
	}
}

// Store implements kvstore.Store over Redis.
type Store struct {
	client     *redis.Client
	ownsClient bool
	keyPrefix  string
}

// New constructs a Store from Config, dialing Redis unless WithClient is given.
func New(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	s := &Store{keyPrefix: cfg.KeyPrefix, ownsClient: true}
	if s.keyPrefix == "" {
		s.keyPrefix = "relay:kv:"
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		addr := cfg.RedisAddr
		if addr == "" {
			addr = "localhost:6379"
		}
		s.client = redis.NewClient(&redis.Options{Addr: addr})
		if err := s.client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
	}
	return s, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv(ctx context.Context, opts ...Option) (*Store, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode kvstore config: %w", err)
	}
	return New(ctx, cfg, opts...)
}

// Get implements kvstore.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, s.keyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, kvstore.ErrNotFound
		}
		return nil, fmt.Errorf("kvstore get: %w", err)
	}
	return val, nil
}

// Set implements kvstore.Store.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.keyPrefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("kvstore set: %w", err)
	}
	return nil
}

// Expire implements kvstore.Store.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		ok, err := s.client.Persist(ctx, s.keyPrefix+key).Result()
		if err != nil {
			return fmt.Errorf("kvstore expire: %w", err)
		}
		if !ok {
			// Persist returns false both for absent keys and keys without
			// a ttl; disambiguate with an existence check.
			n, err := s.client.Exists(ctx, s.keyPrefix+key).Result()
			if err != nil {
				return fmt.Errorf("kvstore expire: %w", err)
			}
			if n == 0 {
				return kvstore.ErrNotFound
			}
		}
		return nil
	}
	ok, err := s.client.PExpire(ctx, s.keyPrefix+key, ttl).Result()
	if err != nil {
		return fmt.Errorf("kvstore expire: %w", err)
	}
	if !ok {
		return kvstore.ErrNotFound
	}
	return nil
}

// Delete implements kvstore.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("kvstore delete: %w", err)
	}
	return nil
}

// Keys implements kvstore.Store.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	pattern := s.keyPrefix + prefix + "*"
	var (
		cursor uint64
		out    []string
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("kvstore keys: %w", err)
		}
		for _, k := range keys {
			out = append(out, strings.TrimPrefix(k, s.keyPrefix))
		}
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

// Close implements kvstore.Store.
func (s *Store) Close() error {
	if s.ownsClient {
		return s.client.Close()
	}
	return nil
}

var _ kvstore.Store = (*Store)(nil)
