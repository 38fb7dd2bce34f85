package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, cfg RedisConfig) (*RedisClient, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg.URL = "redis://" + mr.Addr()
	rc, err := NewRedisClient(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rc.Close() })
	return rc, mr
}

func TestNewRedisClientRejectsBadURL(t *testing.T) {
	_, err := NewRedisClient(context.Background(), RedisConfig{URL: "://nope"})
	require.Error(t, err)
}

func TestIncrementWindow(t *testing.T) {
	rc, mr := newTestClient(t, RedisConfig{})
	ctx := context.Background()

	n, ttl, err := rc.IncrementWindow(ctx, "rl:test:1.2.3.4:1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.True(t, ttl > 0 && ttl <= time.Minute)

	n, _, err = rc.IncrementWindow(ctx, "rl:test:1.2.3.4:1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	mr.FastForward(time.Minute + time.Second)

	n, _, err = rc.IncrementWindow(ctx, "rl:test:1.2.3.4:1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestJSONHelpers(t *testing.T) {
	rc, mr := newTestClient(t, RedisConfig{})
	ctx := context.Background()

	type payload struct {
		Slug string `json:"slug"`
	}
	require.NoError(t, rc.SetJSON(ctx, "ab:promo", payload{Slug: "promo"}, 0))
	assert.Equal(t, time.Duration(0), mr.TTL("ab:promo"))

	var got payload
	require.NoError(t, rc.GetJSON(ctx, "ab:promo", &got))
	assert.Equal(t, "promo", got.Slug)

	err := rc.GetJSON(ctx, "ab:missing", &got)
	assert.True(t, errors.Is(err, redis.Nil))
	assert.Equal(t, uint64(0), rc.Stats().Errors)
}

func TestCircuitBreakerOpensOnFailures(t *testing.T) {
	rc, mr := newTestClient(t, RedisConfig{
		MaxRetries: -1,
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:      true,
			FailureRatio: 0.5,
			RecoveryTime: time.Hour,
			MinRequests:  1,
		},
	})
	assert.Equal(t, "closed", rc.CircuitBreakerState())

	mr.Close()
	require.Error(t, rc.HealthCheck(context.Background()))
	assert.Equal(t, "open", rc.CircuitBreakerState())

	err := rc.HealthCheck(context.Background())
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, uint64(1), rc.Stats().CircuitOpen)
}
