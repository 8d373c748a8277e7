package devopsbot

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net"
	"time"
)

// retryProvider wraps a Provider and retries transient failures (spec §7
// retry policy) with exponential backoff, ±25% jitter, honoring any
// server-reported Retry-After as a floor on the delay.
type retryProvider struct {
	inner       Provider
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	multiplier  float64
	jitter      bool
	timeout     time.Duration // overall timeout across all attempts; 0 = no limit
	logger      *slog.Logger
}

// RetryOption configures a retryProvider.
type RetryOption func(*retryProvider)

func RetryMaxAttempts(n int) RetryOption   { return func(r *retryProvider) { r.maxAttempts = n } }
func RetryBaseDelay(d time.Duration) RetryOption { return func(r *retryProvider) { r.baseDelay = d } }
func RetryMaxDelay(d time.Duration) RetryOption  { return func(r *retryProvider) { r.maxDelay = d } }
func RetryTimeout(d time.Duration) RetryOption   { return func(r *retryProvider) { r.timeout = d } }
func RetryLogger(l *slog.Logger) RetryOption {
	return func(r *retryProvider) { r.logger = l }
}

// WithRetry wraps p with the default retry policy
// {maxAttempts:3, baseDelay:1s, maxDelay:30s, multiplier:2, jitter:true}.
func WithRetry(p Provider, opts ...RetryOption) Provider {
	r := &retryProvider{
		inner:       p,
		maxAttempts: 3,
		baseDelay:   time.Second,
		maxDelay:    30 * time.Second,
		multiplier:  2,
		jitter:      true,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *retryProvider) Name() string { return r.inner.Name() }

func (r *retryProvider) CreateMessage(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	var last error
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		resp, err := r.inner.CreateMessage(ctx, req)
		if err == nil || !isTransient(err) {
			return resp, err
		}
		last = err
		if attempt == r.maxAttempts-1 {
			break
		}
		r.logger.Warn("provider call failed, retrying",
			"provider", r.inner.Name(), "attempt", attempt+1, "max_attempts", r.maxAttempts, "err", err)
		delay := retryDelay(r.baseDelay, r.maxDelay, r.multiplier, r.jitter, attempt, err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ChatResponse{}, ctx.Err()
		case <-timer.C:
		}
	}
	return ChatResponse{}, last
}

// withTimeout returns a child context with a deadline if r.timeout is set.
func (r *retryProvider) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	deadline := time.Now().Add(r.timeout)
	if existing, ok := ctx.Deadline(); ok && existing.Before(deadline) {
		return ctx, func() {}
	}
	return context.WithDeadline(ctx, deadline)
}

// isTransient reports whether err should be retried (spec §7 taxonomy):
// ErrHTTP 429/5xx, an ErrLLM explicitly tagged ErrTransient, or a raw
// network-level error that never produced a server response.
func isTransient(err error) bool {
	var h *ErrHTTP
	if errors.As(err, &h) {
		return h.Status == 429 || h.Status >= 500
	}
	var l *ErrLLM
	if errors.As(err, &l) {
		return l.Kind == ErrTransient
	}
	var n net.Error
	return errors.As(err, &n)
}

// retryAfterOf extracts the Retry-After duration from an ErrHTTP, or 0.
func retryAfterOf(err error) time.Duration {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return time.Duration(e.RetryAfter) * time.Second
	}
	return 0
}

// retryDelay computes the delay before retry attempt i: exponential backoff
// clamped at maxDelay, with optional ±25% jitter, floored by the server's
// Retry-After if it reported one larger than the computed backoff.
func retryDelay(base, maxDelay time.Duration, multiplier float64, jitter bool, i int, err error) time.Duration {
	backoff := retryBackoff(base, maxDelay, multiplier, i)
	if jitter {
		spread := float64(backoff) * 0.25
		backoff = time.Duration(float64(backoff) + (rand.Float64()*2-1)*spread)
	}
	if ra := retryAfterOf(err); ra > backoff {
		return ra
	}
	return backoff
}

// retryBackoff returns base * multiplier^i, clamped at maxDelay.
func retryBackoff(base, maxDelay time.Duration, multiplier float64, i int) time.Duration {
	d := float64(base)
	for n := 0; n < i; n++ {
		d *= multiplier
	}
	if time.Duration(d) > maxDelay {
		return maxDelay
	}
	return time.Duration(d)
}

var _ Provider = (*retryProvider)(nil)
