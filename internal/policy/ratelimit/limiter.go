// Package ratelimit implements the shared request budget every outbound call draws from.
//
// The budget combines a proactive token bucket with reactive feedback from GitHub's
// X-RateLimit headers: once the reported remaining quota drops below the reserve,
// callers are suspended until the advertised reset. Rate pressure only ever delays a
// request; it never fails one.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/lyricsdb/internal/metrics"
)

// Response headers consulted by Observe.
const (
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// Config holds rate limiter configuration.
type Config struct {
	// RequestsPerSecond is the steady token refill rate; <= 0 disables the bucket.
	RequestsPerSecond float64
	Burst             int
	// Reserve is the remaining quota below which callers wait for the reset.
	Reserve int
}

// Limiter is safe for concurrent use by all fetch workers.
type Limiter struct {
	bucket  *rate.Limiter
	reserve int

	mu        sync.Mutex
	remaining int
	resetAt   time.Time

	now    func() time.Time
	logger *zap.Logger
}

// New creates a new Limiter.
func New(cfg Config, logger *zap.Logger) *Limiter {
	r := rate.Limit(cfg.RequestsPerSecond)
	if cfg.RequestsPerSecond <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		bucket:    rate.NewLimiter(r, burst),
		reserve:   cfg.Reserve,
		remaining: -1,
		now:       time.Now,
		logger:    logger.Named("ratelimit"),
	}
}

// Wait blocks until a request may be sent or ctx ends.
func (l *Limiter) Wait(ctx context.Context) error {
	start := l.now()
	if err := l.bucket.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	for {
		pause := l.quotaPause()
		if pause <= 0 {
			break
		}
		l.logger.Info("rate budget exhausted, suspending", zap.Duration("pause", pause))
		timer := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("rate limit wait: %w", ctx.Err())
		case <-timer.C:
		}
	}
	if waited := l.now().Sub(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(waited)
	}
	return nil
}

// quotaPause returns how long to wait for the quota to reset. Once the reset time
// has passed the reported quota is forgotten until the next response.
func (l *Limiter) quotaPause() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.remaining < 0 || l.remaining >= l.reserve {
		return 0
	}
	pause := l.resetAt.Sub(l.now())
	if pause <= 0 {
		l.remaining = -1
		return 0
	}
	return pause
}

// Observe feeds a response's rate headers back into the budget. It accepts nil.
func (l *Limiter) Observe(resp *http.Response) {
	if resp == nil {
		return
	}
	l.ObserveHeader(resp.StatusCode, resp.Header)
}

// ObserveHeader is Observe for transports that expose only status and headers.
func (l *Limiter) ObserveHeader(status int, h http.Header) {
	if h == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if v := h.Get(HeaderRemaining); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			l.remaining = n
		}
	}
	if v := h.Get(HeaderReset); v != "" {
		if sec, err := strconv.ParseInt(v, 10, 64); err == nil {
			l.resetAt = time.Unix(sec, 0)
		}
	}
	if status == http.StatusTooManyRequests || status == http.StatusForbidden {
		if v := h.Get(HeaderRetryAfter); v != "" {
			if sec, err := strconv.Atoi(v); err == nil {
				l.remaining = 0
				l.resetAt = l.now().Add(time.Duration(sec) * time.Second)
			}
		}
	}
}

// Remaining returns the last reported quota, or -1 when unknown.
func (l *Limiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remaining
}
