// Package retry classifies fetch failures and spaces out retries with jittered
// exponential backoff.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"net/http"
	"time"

	"github.com/JakeFAU/lyricsdb/internal/lyrics"
)

// StatusError is implemented by transport errors that carry an HTTP status.
type StatusError interface {
	error
	HTTPStatus() int
}

// rateLimited is implemented by errors that know whether a 403 was a quota refusal.
type rateLimited interface {
	RateLimited() bool
}

// permanent is implemented by errors that no retry can cure.
type permanent interface {
	Permanent() bool
}

// Config tunes the policy.
type Config struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Policy implements jittered exponential backoff for transient failures.
type Policy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// New builds a policy, filling zero values with defaults.
func New(cfg Config) *Policy {
	p := &Policy{
		maxAttempts: cfg.MaxRetries + 1,
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
	}
	if cfg.MaxRetries < 0 {
		p.maxAttempts = 1
	}
	if p.baseDelay <= 0 {
		p.baseDelay = 250 * time.Millisecond
	}
	if p.maxDelay <= 0 {
		p.maxDelay = 5 * time.Second
	}
	if p.maxDelay < p.baseDelay {
		p.maxDelay = p.baseDelay
	}
	return p
}

// MaxAttempts returns the total number of attempts allowed, first try included.
func (p *Policy) MaxAttempts() int {
	return p.maxAttempts
}

// ShouldRetry decides whether another attempt should follow attempt (1-based).
func (p *Policy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.maxAttempts {
		return false
	}
	return Transient(err)
}

// Transient reports whether err is worth retrying: timeouts, connection failures,
// 408, 429, quota 403s and 5xx responses. Cancellation, missing sources, oversized
// bodies and other client errors are permanent.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var fe *lyrics.FetchError
	if errors.As(err, &fe) {
		return fe.Transient
	}
	var pe permanent
	if errors.As(err, &pe) && pe.Permanent() {
		return false
	}
	var se StatusError
	if errors.As(err, &se) {
		code := se.HTTPStatus()
		switch {
		case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
			return true
		case code == http.StatusForbidden:
			var rl rateLimited
			return errors.As(err, &rl) && rl.RateLimited()
		case code >= 500:
			return true
		default:
			return false
		}
	}
	// Network errors and anything unclassified are retried.
	return true
}

// Backoff returns the wait duration before the next attempt. attempt is 1-based.
func (p *Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := p.randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

// Sleep waits for Backoff(attempt) or until ctx ends.
func (p *Policy) Sleep(ctx context.Context, attempt int) error {
	timer := time.NewTimer(p.Backoff(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (p *Policy) randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
