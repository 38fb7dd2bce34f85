// Package cache holds the router's key-value entries: "ab:<slug>" for test
// snapshots and "page:<slug>" for published static pages. Nothing is
// written with an expiry; freshness lives inside the test entry.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ComUnity/edge-service/internal/client"
	"github.com/ComUnity/edge-service/internal/models"
	"github.com/redis/go-redis/v9"
)

const (
	TestKeyPrefix = "ab:"
	PageKeyPrefix = "page:"
)

func TestKey(slug string) string { return TestKeyPrefix + slug }
func PageKey(slug string) string { return PageKeyPrefix + slug }

// Store reads and writes router entries in redis. Every call is bounded by
// Timeout.
type Store struct {
	redis   *client.RedisClient
	timeout time.Duration
}

func NewStore(rc *client.RedisClient, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Store{redis: rc, timeout: timeout}
}

// GetTestEntry returns nil without error on a miss.
func (s *Store) GetTestEntry(ctx context.Context, slug string) (*models.CacheEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var entry models.CacheEntry
	err := s.redis.GetJSON(ctx, TestKey(slug), &entry)
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", TestKey(slug), err)
	}
	if entry.Data == nil {
		return nil, nil
	}
	return &entry, nil
}

func (s *Store) PutTestEntry(ctx context.Context, slug string, entry models.CacheEntry) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.redis.SetJSON(ctx, TestKey(slug), entry, 0); err != nil {
		return fmt.Errorf("write %s: %w", TestKey(slug), err)
	}
	return nil
}

// GetPage returns ok=false on a miss.
func (s *Store) GetPage(ctx context.Context, slug string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var html string
	err := s.redis.InstrumentedDo(ctx, func(ctx context.Context) error {
		var err error
		html, err = s.redis.Get(ctx, PageKey(slug)).Result()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read %s: %w", PageKey(slug), err)
	}
	return html, true, nil
}

func (s *Store) PutPage(ctx context.Context, slug, html string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	err := s.redis.InstrumentedDo(ctx, func(ctx context.Context) error {
		return s.redis.Set(ctx, PageKey(slug), html, 0).Err()
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", PageKey(slug), err)
	}
	return nil
}

func (s *Store) DeletePage(ctx context.Context, slug string) error {
	return s.del(ctx, PageKey(slug))
}

// Purge drops both the page and the test entry for slug.
func (s *Store) Purge(ctx context.Context, slug string) error {
	return s.del(ctx, PageKey(slug), TestKey(slug))
}

func (s *Store) del(ctx context.Context, keys ...string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	err := s.redis.InstrumentedDo(ctx, func(ctx context.Context) error {
		return s.redis.Del(ctx, keys...).Err()
	})
	if err != nil {
		return fmt.Errorf("delete %v: %w", keys, err)
	}
	return nil
}
