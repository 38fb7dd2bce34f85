// Package background runs work that must not hold up an HTTP response:
// cache revalidation, visit counting, push delivery and webhook processing.
package background

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/ComUnity/edge-service/internal/util/logger"
)

// Task is a unit of detached work. The context it receives is not tied to
// any request; tasks apply their own timeouts.
type Task func(ctx context.Context) error

// Spawner schedules a task and returns immediately. Errors and panics are
// logged, never propagated to the caller.
type Spawner interface {
	Go(name string, fn Task)
}

// Pool is the production Spawner. Each task runs on its own goroutine and
// Wait drains in-flight tasks at shutdown.
type Pool struct {
	wg       sync.WaitGroup
	inFlight atomic.Int64
	failed   atomic.Uint64

	// mu orders wg.Add in Go before the flip of closing in Wait.
	mu      sync.RWMutex
	closing bool
}

func NewPool() *Pool {
	return &Pool{}
}

func (p *Pool) Go(name string, fn Task) {
	p.mu.RLock()
	if p.closing {
		p.mu.RUnlock()
		logger.Warnf("background pool draining, running %s inline", name)
		p.run(name, fn)
		return
	}
	p.wg.Add(1)
	p.inFlight.Add(1)
	p.mu.RUnlock()

	go func() {
		defer p.wg.Done()
		defer p.inFlight.Add(-1)
		p.run(name, fn)
	}()
}

func (p *Pool) run(name string, fn Task) {
	if err := runTask(fn); err != nil {
		p.failed.Add(1)
		logger.Errorw("background task failed", "task", name, "error", err)
	}
}

// InFlight reports how many tasks are currently running.
func (p *Pool) InFlight() int64 {
	return p.inFlight.Load()
}

// Failed reports how many tasks returned an error or panicked.
func (p *Pool) Failed() uint64 {
	return p.failed.Load()
}

// Wait blocks until every spawned task finished or ctx is done.
func (p *Pool) Wait(ctx context.Context) error {
	p.mu.Lock()
	p.closing = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("background drain interrupted with %d tasks in flight: %w", p.InFlight(), ctx.Err())
	}
}

func runTask(fn Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(context.Background())
}
