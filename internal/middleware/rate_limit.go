package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ComUnity/edge-service/internal/client"
	"github.com/ComUnity/edge-service/internal/clock"
	"github.com/ComUnity/edge-service/internal/util/logger"
)

// CounterStore is the shared, atomically incremented counter behind the
// limiter. RedisCounterStore is the production implementation.
type CounterStore interface {
	IncrementWindow(ctx context.Context, key string, ttl time.Duration) (int64, time.Duration, error)
	BlockedFor(ctx context.Context, key string) (time.Duration, error)
	Block(ctx context.Context, key string, d time.Duration) error
}

type LimiterConfig struct {
	Scope  string
	Max    int
	Window time.Duration
	// Block keeps an offender out for this long once Max is exceeded.
	// Zero means the caller may retry at the next window.
	Block time.Duration

	Store     CounterStore
	KeyPrefix string
	Timeout   time.Duration
	Clock     clock.Clock
}

// Decision captures the result of a rate limit check.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	Limit     int       `json:"limit"`
	ResetAt   time.Time `json:"reset_at"`
	RetryAt   time.Time `json:"retry_at"`
	Degraded  bool      `json:"degraded"`
}

// RateLimiter is a per-key fixed-window limiter. When a Store is set it is
// authoritative across instances and the local map only short-circuits keys
// already over the limit. Without a Store, or while the Store fails, limits
// are enforced per instance.
type RateLimiter struct {
	mu     sync.Mutex
	cfg    LimiterConfig
	local  map[string]*windowCounter
	checks uint64
}

type windowCounter struct {
	windowID     int64
	count        int64
	blockedUntil time.Time
}

func NewRateLimiter(cfg LimiterConfig) *RateLimiter {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "rl:"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewRealClock()
	}
	return &RateLimiter{
		cfg:   cfg,
		local: make(map[string]*windowCounter),
	}
}

func (rl *RateLimiter) windowID(t time.Time) int64 {
	return t.UnixNano() / int64(rl.cfg.Window)
}

// Allow counts one request for key.
func (rl *RateLimiter) Allow(ctx context.Context, key string) Decision {
	now := rl.cfg.Clock.Now()
	wid := rl.windowID(now)
	resetAt := time.Unix(0, (wid+1)*int64(rl.cfg.Window))
	base := Decision{Limit: rl.cfg.Max, ResetAt: resetAt}

	rl.mu.Lock()
	wc := rl.counter(key, wid, now)
	if wc.blockedUntil.After(now) {
		rl.mu.Unlock()
		return rl.deny(base, wc.blockedUntil)
	}
	if wc.count >= int64(rl.cfg.Max) {
		// fast path: the shared count can only be higher
		wc.count++
		d := rl.denyLocked(base, wc, now, resetAt)
		rl.mu.Unlock()
		rl.persistBlock(ctx, key)
		return d
	}
	rl.mu.Unlock()

	if rl.cfg.Store == nil {
		return rl.allowLocal(ctx, key, wid, now, base, false)
	}

	sctx, cancel := context.WithTimeout(ctx, rl.cfg.Timeout)
	defer cancel()

	if rl.cfg.Block > 0 {
		ttl, err := rl.cfg.Store.BlockedFor(sctx, rl.blockKey(key))
		if err != nil {
			logger.Warnf("rate limiter %s: block lookup failed, using local count: %v", rl.cfg.Scope, err)
			return rl.allowLocal(ctx, key, wid, now, base, true)
		}
		if ttl > 0 {
			until := now.Add(ttl)
			rl.mu.Lock()
			rl.counter(key, wid, now).blockedUntil = until
			rl.mu.Unlock()
			return rl.deny(base, until)
		}
	}

	count, _, err := rl.cfg.Store.IncrementWindow(sctx, rl.windowKey(key, wid), rl.cfg.Window)
	if err != nil {
		logger.Warnf("rate limiter %s: counter store failed, using local count: %v", rl.cfg.Scope, err)
		return rl.allowLocal(ctx, key, wid, now, base, true)
	}

	rl.mu.Lock()
	wc = rl.counter(key, wid, now)
	if count > wc.count {
		wc.count = count
	}
	if count > int64(rl.cfg.Max) {
		d := rl.denyLocked(base, wc, now, resetAt)
		rl.mu.Unlock()
		rl.persistBlock(ctx, key)
		return d
	}
	rl.mu.Unlock()

	base.Allowed = true
	base.Remaining = rl.cfg.Max - int(count)
	return base
}

func (rl *RateLimiter) allowLocal(ctx context.Context, key string, wid int64, now time.Time, base Decision, degraded bool) Decision {
	rl.mu.Lock()
	wc := rl.counter(key, wid, now)
	wc.count++
	if wc.count > int64(rl.cfg.Max) {
		d := rl.denyLocked(base, wc, now, base.ResetAt)
		rl.mu.Unlock()
		d.Degraded = degraded
		return d
	}
	remaining := rl.cfg.Max - int(wc.count)
	rl.mu.Unlock()

	base.Allowed = true
	base.Remaining = remaining
	base.Degraded = degraded
	return base
}

// denyLocked must be called with rl.mu held.
func (rl *RateLimiter) denyLocked(base Decision, wc *windowCounter, now, resetAt time.Time) Decision {
	retryAt := resetAt
	if rl.cfg.Block > 0 {
		wc.blockedUntil = now.Add(rl.cfg.Block)
		retryAt = wc.blockedUntil
	}
	return rl.deny(base, retryAt)
}

func (rl *RateLimiter) deny(base Decision, retryAt time.Time) Decision {
	base.Allowed = false
	base.Remaining = 0
	base.RetryAt = retryAt
	return base
}

func (rl *RateLimiter) persistBlock(ctx context.Context, key string) {
	if rl.cfg.Block <= 0 || rl.cfg.Store == nil {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, rl.cfg.Timeout)
	defer cancel()
	if err := rl.cfg.Store.Block(sctx, rl.blockKey(key), rl.cfg.Block); err != nil {
		logger.Warnf("rate limiter %s: failed to persist block for %s: %v", rl.cfg.Scope, key, err)
	}
}

// counter must be called with rl.mu held. Stale entries are swept every
// 1024 checks so the map stays bounded by recently active keys.
func (rl *RateLimiter) counter(key string, wid int64, now time.Time) *windowCounter {
	rl.checks++
	if rl.checks%1024 == 0 {
		for k, wc := range rl.local {
			if wc.windowID < wid && !wc.blockedUntil.After(now) {
				delete(rl.local, k)
			}
		}
	}

	wc, ok := rl.local[key]
	if !ok {
		wc = &windowCounter{windowID: wid}
		rl.local[key] = wc
	}
	if wc.windowID != wid {
		wc.windowID = wid
		wc.count = 0
	}
	return wc
}

func (rl *RateLimiter) windowKey(key string, wid int64) string {
	return fmt.Sprintf("%s%s:%s:%d", rl.cfg.KeyPrefix, rl.cfg.Scope, key, wid)
}

func (rl *RateLimiter) blockKey(key string) string {
	return fmt.Sprintf("%s%s:block:%s", rl.cfg.KeyPrefix, rl.cfg.Scope, key)
}

// Handler limits by the client IP stored by IPResolver.Handler.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := rl.Allow(r.Context(), ClientIPFromContext(r.Context()))

		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
		if d.Degraded {
			h.Set("X-RateLimit-Degraded", "true")
		}

		if !d.Allowed {
			retryAfter := RetryAfterSeconds(d.RetryAt, rl.cfg.Clock.Now())
			h.Set("Retry-After", strconv.Itoa(retryAfter))
			writeRateLimited(w, retryAfter)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RetryAfterSeconds rounds up to whole seconds, never below 1.
func RetryAfterSeconds(retryAt, now time.Time) int {
	secs := int(math.Ceil(retryAt.Sub(now).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

func writeRateLimited(w http.ResponseWriter, retryAfter int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"code":    "rate_limited",
			"message": "Too many requests",
		},
		"retry_after": retryAfter,
	})
}

// RedisCounterStore keeps window counters and blocks in redis.
type RedisCounterStore struct {
	Redis *client.RedisClient
}

func (s RedisCounterStore) IncrementWindow(ctx context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	return s.Redis.IncrementWindow(ctx, key, ttl)
}

func (s RedisCounterStore) BlockedFor(ctx context.Context, key string) (time.Duration, error) {
	var ttl time.Duration
	err := s.Redis.InstrumentedDo(ctx, func(ctx context.Context) error {
		var err error
		ttl, err = s.Redis.PTTL(ctx, key).Result()
		return err
	})
	if err != nil {
		return 0, err
	}
	if ttl < 0 {
		// -2 missing, -1 no expiry; blocks are always written with one
		return 0, nil
	}
	return ttl, nil
}

func (s RedisCounterStore) Block(ctx context.Context, key string, d time.Duration) error {
	return s.Redis.InstrumentedDo(ctx, func(ctx context.Context) error {
		return s.Redis.Set(ctx, key, "1", d).Err()
	})
}
