// Package ratelimit provides a token-bucket limiter with a bounded FIFO
// wait queue in front of it.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"trading_core/pkg/apperrors"

	"golang.org/x/time/rate"
)

// Config sizes the bucket and the wait queue.
type Config struct {
	Capacity     int           // bucket size, tokens
	RefillPerSec float64       // steady-state refill rate
	MaxQueueSize int           // callers allowed to wait; excess is rejected
	MaxWait      time.Duration // per-caller cap on queue time
}

// Limiter admits at most RefillPerSec requests per second after the initial
// burst of Capacity tokens. Callers past MaxQueueSize are rejected
// immediately rather than queued.
type Limiter struct {
	limiter *rate.Limiter
	queue   chan struct{}
	maxWait time.Duration

	mu      sync.Mutex
	stopped chan struct{}
}

// NewLimiter builds a limiter from config. The bucket starts full.
func NewLimiter(cfg Config) *Limiter {
	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(cfg.RefillPerSec), cfg.Capacity),
		queue:   make(chan struct{}, cfg.MaxQueueSize),
		maxWait: cfg.MaxWait,
		stopped: make(chan struct{}),
	}
}

// Acquire blocks until a token is available, the wait cap elapses, the
// context is canceled, or the limiter is stopped. Queue admission is
// non-blocking: a full queue fails fast.
func (l *Limiter) Acquire(ctx context.Context) error {
	select {
	case <-l.stopped:
		return apperrors.New(apperrors.CodeRateLimiterStopped, "rate limiter stopped")
	default:
	}

	select {
	case l.queue <- struct{}{}:
	default:
		return apperrors.New(apperrors.CodeRateLimitQueueFull, "rate limiter queue full")
	}
	defer func() { <-l.queue }()

	waitCtx, cancel := context.WithTimeout(ctx, l.maxWait)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- l.limiter.Wait(waitCtx) }()

	select {
	case <-l.stopped:
		cancel()
		<-errCh
		return apperrors.New(apperrors.CodeRateLimiterStopped, "rate limiter stopped")
	case err := <-errCh:
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apperrors.New(apperrors.CodeRateLimitTimeout, "timed out waiting for rate limiter token")
	}
}

// QueueDepth reports how many callers are currently queued.
func (l *Limiter) QueueDepth() int {
	return len(l.queue)
}

// Stop fails all waiting callers and rejects future ones. Idempotent.
func (l *Limiter) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-l.stopped:
	default:
		close(l.stopped)
	}
}
