// internal/client/redis_client.go
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ComUnity/edge-service/internal/util/logger"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrCircuitOpen is returned without touching the network while the breaker is open.
var ErrCircuitOpen = errors.New("redis circuit breaker open")

// RedisConfig defines configuration for Redis client
type RedisConfig struct {
	URL            string
	PoolSize       int
	MinIdleConns   int
	MaxRetries     int
	DialTimeout    time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	PoolTimeout    time.Duration
	CircuitBreaker CircuitBreakerConfig
}

type CircuitBreakerConfig struct {
	Enabled      bool
	FailureRatio float64
	RecoveryTime time.Duration
	MinRequests  uint64
}

// RedisClient wraps redis.Client with a circuit breaker, tracing and a few
// helpers shared by the cache and the rate limiter.
type RedisClient struct {
	*redis.Client
	mu     sync.Mutex
	closed bool
	stats  RedisStats
	cb     *circuitBreaker
}

type RedisStats struct {
	Commands    atomic.Uint64
	Errors      atomic.Uint64
	Timeouts    atomic.Uint64
	CircuitOpen atomic.Uint64
}

type circuitBreaker struct {
	mu           sync.Mutex
	state        string // "closed", "open", "half-open"
	failures     uint64
	successes    uint64
	total        uint64
	lastFailure  time.Time
	failureRatio float64
	recoveryTime time.Duration
	minRequests  uint64
}

// NewRedisClient parses cfg.URL, applies pool defaults and verifies the
// connection with a PING.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*RedisClient, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	if cfg.PoolSize == 0 {
		cfg.PoolSize = 10 * runtime.GOMAXPROCS(0)
	}
	if cfg.MinIdleConns == 0 {
		cfg.MinIdleConns = cfg.PoolSize / 4
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = time.Second
	}
	if cfg.PoolTimeout == 0 {
		cfg.PoolTimeout = 2 * time.Second
	}

	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = cfg.MinIdleConns
	opts.MaxRetries = cfg.MaxRetries
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout
	opts.PoolTimeout = cfg.PoolTimeout

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	rc := &RedisClient{Client: client}
	if cfg.CircuitBreaker.Enabled {
		rc.cb = &circuitBreaker{
			state:        "closed",
			failureRatio: cfg.CircuitBreaker.FailureRatio,
			recoveryTime: cfg.CircuitBreaker.RecoveryTime,
			minRequests:  cfg.CircuitBreaker.MinRequests,
		}
	}
	client.AddHook(tracingHook{})

	logger.Infof("Redis client connected to %s (DB:%d)", opts.Addr, opts.DB)
	return rc, nil
}

// Close terminates the Redis client connection
func (c *RedisClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	logger.Infof("Closing Redis client")
	return c.Client.Close()
}

// HealthCheck verifies Redis connectivity
func (c *RedisClient) HealthCheck(ctx context.Context) error {
	return c.InstrumentedDo(ctx, func(ctx context.Context) error {
		if err := c.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis health check failed: %w", err)
		}
		return nil
	})
}

// InstrumentedDo runs fn behind the circuit breaker and records the outcome.
// redis.Nil counts as success.
func (c *RedisClient) InstrumentedDo(ctx context.Context, fn func(ctx context.Context) error) error {
	if c.isCircuitOpen() {
		c.stats.CircuitOpen.Add(1)
		return ErrCircuitOpen
	}

	err := fn(ctx)
	c.stats.Commands.Add(1)
	if err != nil && !errors.Is(err, redis.Nil) {
		c.stats.Errors.Add(1)
		if isTimeoutError(err) {
			c.stats.Timeouts.Add(1)
		}
		c.recordFailure()
		return err
	}
	c.recordSuccess()
	return err
}

// CircuitBreakerState returns current circuit breaker status
func (c *RedisClient) CircuitBreakerState() string {
	if c.cb == nil {
		return "disabled"
	}
	c.cb.mu.Lock()
	defer c.cb.mu.Unlock()
	return c.cb.state
}

// StatsSnapshot is a point-in-time copy of the client counters.
type StatsSnapshot struct {
	Commands    uint64 `json:"commands"`
	Errors      uint64 `json:"errors"`
	Timeouts    uint64 `json:"timeouts"`
	CircuitOpen uint64 `json:"circuit_open"`
}

// Stats returns current Redis client statistics
func (c *RedisClient) Stats() StatsSnapshot {
	return StatsSnapshot{
		Commands:    c.stats.Commands.Load(),
		Errors:      c.stats.Errors.Load(),
		Timeouts:    c.stats.Timeouts.Load(),
		CircuitOpen: c.stats.CircuitOpen.Load(),
	}
}

// IncrementWindow atomically increments key and sets its expiry on the first
// increment, returning the new count and the remaining TTL.
func (c *RedisClient) IncrementWindow(ctx context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	var count, pttl int64
	err := c.InstrumentedDo(ctx, func(ctx context.Context) error {
		res, err := incrementWindowScript.Run(ctx, c.Client, []string{key}, ttl.Milliseconds()).Int64Slice()
		if err != nil {
			return err
		}
		count, pttl = res[0], res[1]
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("increment window failed: %w", err)
	}
	return count, time.Duration(pttl) * time.Millisecond, nil
}

var incrementWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {current, redis.call("PTTL", KEYS[1])}
`)

// SetJSON marshals and sets a JSON value; ttl 0 means no expiry.
func (c *RedisClient) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return c.InstrumentedDo(ctx, func(ctx context.Context) error {
		return c.Set(ctx, key, data, ttl).Err()
	})
}

// GetJSON retrieves and unmarshals a JSON value. A missing key returns redis.Nil.
func (c *RedisClient) GetJSON(ctx context.Context, key string, dest interface{}) error {
	var data []byte
	err := c.InstrumentedDo(ctx, func(ctx context.Context) error {
		var err error
		data, err = c.Get(ctx, key).Bytes()
		return err
	})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}

type tracingHook struct{}

func (tracingHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return next(ctx, network, addr)
	}
}

func (tracingHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		span := trace.SpanFromContext(ctx)
		if span.IsRecording() {
			span.SetAttributes(
				attribute.String("db.system", "redis"),
				attribute.String("db.operation", cmd.Name()),
			)
		}
		err := next(ctx, cmd)
		if err != nil && err != redis.Nil && span.IsRecording() {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}
}

func (tracingHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		span := trace.SpanFromContext(ctx)
		if span.IsRecording() {
			span.SetAttributes(
				attribute.String("db.system", "redis"),
				attribute.String("db.operation", "pipeline"),
				attribute.Int("db.command_count", len(cmds)),
			)
		}
		err := next(ctx, cmds)
		if err != nil && err != redis.Nil && span.IsRecording() {
			span.RecordError(err)
		}
		return err
	}
}

func (c *RedisClient) isCircuitOpen() bool {
	if c.cb == nil {
		return false
	}
	c.cb.mu.Lock()
	defer c.cb.mu.Unlock()

	if c.cb.state == "open" {
		if time.Since(c.cb.lastFailure) <= c.cb.recoveryTime {
			return true
		}
		c.cb.state = "half-open"
		c.cb.failures = 0
		c.cb.successes = 0
		c.cb.total = 0
		logger.Warnf("Redis circuit moving to half-open state")
	}
	return false
}

func (c *RedisClient) recordFailure() {
	if c.cb == nil {
		return
	}
	c.cb.mu.Lock()
	defer c.cb.mu.Unlock()

	c.cb.failures++
	c.cb.total++
	c.cb.lastFailure = time.Now()

	if c.cb.state == "half-open" {
		c.cb.state = "open"
		logger.Errorf("Redis circuit re-opened after failure")
		return
	}
	if c.cb.total >= c.cb.minRequests {
		ratio := float64(c.cb.failures) / float64(c.cb.total)
		if ratio >= c.cb.failureRatio {
			c.cb.state = "open"
			logger.Errorf("Redis circuit opened due to high failure ratio: %.2f", ratio)
		}
	}
}

func (c *RedisClient) recordSuccess() {
	if c.cb == nil {
		return
	}
	c.cb.mu.Lock()
	defer c.cb.mu.Unlock()

	c.cb.successes++
	c.cb.total++

	if c.cb.state == "half-open" && c.cb.successes >= c.cb.minRequests/2 {
		c.cb.state = "closed"
		c.cb.failures = 0
		c.cb.successes = 0
		c.cb.total = 0
		logger.Warnf("Redis circuit closed after successful operations")
	}
}

func isTimeoutError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return strings.Contains(err.Error(), "i/o timeout")
}
