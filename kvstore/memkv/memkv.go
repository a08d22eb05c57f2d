// Package memkv provides an in-memory kvstore.Store backed by an LRU cache
// with per-key expiry. Suitable for single-node deployments and tests.
package memkv

import (
	"context"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/relayrpc/relay/kvstore"
)

const defaultCapacity = 4096

type item struct {
	value     []byte
	expiresAt time.Time // zero = no expiry
}

func (it item) expired(now time.Time) bool {
	return !it.expiresAt.IsZero() && now.After(it.expiresAt)
}

// Store implements kvstore.Store in process memory.
type Store struct {
	mu    sync.Mutex
	cache *lru.Cache[string, item]
	now   func() time.Time
}

// Option configures the store.
type Option func(*Store) error

// WithCapacity bounds the number of resident keys.
func WithCapacity(n int) Option {
	return func(s *Store) error {
		cache, err := lru.New[string, item](n)
		if err != nil {
			return err
		}
		s.cache = cache
		return nil
	}
}

// New constructs an empty store.
func New(opts ...Option) (*Store, error) {
	cache, err := lru.New[string, item](defaultCapacity)
	if err != nil {
		return nil, err
	}
	s := &Store{cache: cache, now: time.Now}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Get implements kvstore.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.cache.Get(key)
	if !ok {
		return nil, kvstore.ErrNotFound
	}
	if it.expired(s.now()) {
		s.cache.Remove(key)
		return nil, kvstore.ErrNotFound
	}
	out := make([]byte, len(it.value))
	copy(out, it.value)
	return out, nil
}

// Set implements kvstore.Store.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := make([]byte, len(value))
	copy(buf, value)
	it := item{value: buf}
	if ttl > 0 {
		it.expiresAt = s.now().Add(ttl)
	}
	s.cache.Add(key, it)
	return nil
}

// Expire implements kvstore.Store.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.cache.Get(key)
	if !ok || it.expired(s.now()) {
		s.cache.Remove(key)
		return kvstore.ErrNotFound
	}
	if ttl > 0 {
		it.expiresAt = s.now().Add(ttl)
	} else {
		it.expiresAt = time.Time{}
	}
	s.cache.Add(key, it)
	return nil
}

// Delete implements kvstore.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Remove(key)
	return nil
}

// Keys implements kvstore.Store.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for _, key := range s.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	return out, nil
}

// Close implements kvstore.Store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Purge()
	return nil
}

var _ kvstore.Store = (*Store)(nil)
