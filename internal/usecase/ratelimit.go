package usecase

import (
	"context"
	"log/slog"
	"time"

	"flowrun/internal/infra/config"
)

// tokenPollInterval is how often WaitForToken re-attempts a consume.
const tokenPollInterval = 50 * time.Millisecond

// TokenBucket admits requests at a provider's published rate. Tokens refill
// lazily from wall-clock deltas on each access; there is no background timer.
//
// The bucket is deliberately lock-free: refill/consume is a single
// read-modify-write computed from the clock with no cross-operation ordering
// requirement. Concurrent access can at most admit one extra request per
// refill window, which an admission limiter tolerates.
type TokenBucket struct {
	capacity        float64
	refillPerSecond float64
	tokens          float64
	lastRefill      time.Time

	now func() time.Time // for testing
}

// NewTokenBucket creates a full bucket.
func NewTokenBucket(capacity, refillPerSecond float64) *TokenBucket {
	now := time.Now
	return &TokenBucket{
		capacity:        capacity,
		refillPerSecond: refillPerSecond,
		tokens:          capacity,
		lastRefill:      now(),
		now:             now,
	}
}

// refill applies the elapsed-time credit. Clock rewinds are treated as zero
// elapsed time so tokens never jump backward.
func (b *TokenBucket) refill() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.refillPerSecond
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
	}
	b.lastRefill = now
}

// TryConsume deducts one token if available after a lazy refill. Returns
// false without deduction otherwise; tokens never go negative.
func (b *TokenBucket) TryConsume() bool {
	b.refill()
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// WaitForToken polls TryConsume until it succeeds or timeout elapses.
// Returns false on timeout or context cancellation.
func (b *TokenBucket) WaitForToken(ctx context.Context, timeout time.Duration) bool {
	deadline := b.now().Add(timeout)
	for {
		if b.TryConsume() {
			return true
		}
		if !b.now().Before(deadline) {
			return false
		}

		wait := tokenPollInterval
		if remaining := deadline.Sub(b.now()); remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
	}
}

// TimeUntilNextToken reports how long until at least one token is available,
// 0 if one already is. Only the lazy refill mutates state.
func (b *TokenBucket) TimeUntilNextToken() time.Duration {
	b.refill()
	if b.tokens >= 1 {
		return 0
	}
	if b.refillPerSecond <= 0 {
		return time.Duration(1<<63 - 1)
	}
	deficit := 1 - b.tokens
	return time.Duration(deficit / b.refillPerSecond * float64(time.Second))
}

// ProviderRateRegistry holds one TokenBucket per known provider. It is
// process-wide shared state, constructed once and passed into every execution:
// all concurrent executions contend for the same per-provider bucket because
// the limiter models a single account's global limit.
type ProviderRateRegistry struct {
	buckets map[string]*TokenBucket
	// fallback is a single shared bucket for unrecognized providers, kept
	// conservative so an unknown provider id cannot widen the admission rate.
	fallback *TokenBucket
	logger   *slog.Logger
}

// NewProviderRateRegistry builds the registry from config. Entries are never
// added or removed after construction.
func NewProviderRateRegistry(cfg config.RateLimitConfig, logger *slog.Logger) *ProviderRateRegistry {
	buckets := make(map[string]*TokenBucket, len(cfg.Buckets))
	for name, b := range cfg.Buckets {
		buckets[name] = NewTokenBucket(b.Capacity, b.RefillPerMinute/60)
	}
	return &ProviderRateRegistry{
		buckets:  buckets,
		fallback: NewTokenBucket(cfg.Default.Capacity, cfg.Default.RefillPerMinute/60),
		logger:   logger,
	}
}

// bucket returns the provider's bucket, or the shared fallback.
func (r *ProviderRateRegistry) bucket(provider string) *TokenBucket {
	if b, ok := r.buckets[provider]; ok {
		return b
	}
	return r.fallback
}

// WaitForToken blocks until the provider's bucket admits a request or timeout
// elapses.
func (r *ProviderRateRegistry) WaitForToken(ctx context.Context, provider string, timeout time.Duration) bool {
	b := r.bucket(provider)
	ok := b.WaitForToken(ctx, timeout)
	if !ok {
		r.logger.Warn("rate limit token wait timed out",
			"provider", provider,
			"timeout", timeout,
			"next_token_in", b.TimeUntilNextToken(),
		)
	}
	return ok
}

// TimeUntilNextToken reports the provider bucket's time to next admission.
func (r *ProviderRateRegistry) TimeUntilNextToken(provider string) time.Duration {
	return r.bucket(provider).TimeUntilNextToken()
}
