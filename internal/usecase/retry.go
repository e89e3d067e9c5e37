package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"flowrun/internal/domain"
)

// Retry defaults.
const (
	// defaultMaxRetries is the number of additional attempts after the first
	// (4 attempts total).
	defaultMaxRetries = 3
	// defaultTokenWaitTimeout bounds the wait for a rate-limit token before
	// an attempt.
	defaultTokenWaitTimeout = 30 * time.Second
)

// ChatDispatcher executes exactly one LLM call for one resolved request.
type ChatDispatcher interface {
	Dispatch(ctx context.Context, req DispatchRequest) (*DispatchResult, error)
}

// RetryController wraps a dispatcher call in a bounded retry loop gated by
// the provider rate registry. Only rate-limit failures are retried; anything
// else propagates immediately.
type RetryController struct {
	registry   *ProviderRateRegistry
	dispatcher ChatDispatcher
	extractor  *RateLimitExtractor
	classifier *ErrorClassifier
	logger     *slog.Logger

	maxRetries       int
	tokenWaitTimeout time.Duration

	// sleep is swapped in tests to model backoff waits without real delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetryController creates a controller with default retry budget and
// token-wait timeout.
func NewRetryController(registry *ProviderRateRegistry, dispatcher ChatDispatcher, logger *slog.Logger) *RetryController {
	return &RetryController{
		registry:         registry,
		dispatcher:       dispatcher,
		extractor:        NewRateLimitExtractor(),
		classifier:       NewErrorClassifier(),
		logger:           logger,
		maxRetries:       defaultMaxRetries,
		tokenWaitTimeout: defaultTokenWaitTimeout,
		sleep:            sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Execute runs the dispatch with up to maxRetries additional attempts.
// retryBudget overrides the default when > 0. Repeated attempts re-issue the
// same logical call, so upstream assembly steps must stay deterministic.
func (c *RetryController) Execute(ctx context.Context, req DispatchRequest) (*DispatchResult, error) {
	maxRetries := c.maxRetries
	if req.RetryBudget > 0 {
		maxRetries = req.RetryBudget
	}

	provider, _ := domain.ParseModel(req.Model)

	for attempt := 0; ; attempt++ {
		if !c.registry.WaitForToken(ctx, provider, c.tokenWaitTimeout) {
			return nil, domain.NewDomainError("RetryController.Execute",
				domain.ErrRateLimitTimeout,
				fmt.Sprintf("no rate-limit token for %q within %s, try again later", provider, c.tokenWaitTimeout),
			)
		}

		result, err := c.dispatcher.Dispatch(ctx, req)
		if err == nil {
			return result, nil
		}

		if !c.throttled(err) {
			return nil, err
		}

		desc := c.extractor.Extract(err)
		retriesLeft := maxRetries - attempt
		if !c.extractor.ShouldRetry(desc, retriesLeft) {
			return nil, domain.NewDomainError("RetryController.Execute",
				domain.ErrRateLimit,
				c.extractor.FormatMessage(desc),
			)
		}

		delay := backoffDelay(attempt, desc.RetryAfterSeconds)
		c.logger.Warn("rate limited, backing off",
			"provider", provider,
			"attempt", attempt+1,
			"retries_left", retriesLeft,
			"delay", delay,
		)
		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// throttled reports whether err signals provider throttling. A mapped 429
// carries the rate-limit sentinel directly; 5xx responses and string errors
// whose message contains a throttling marker (Anthropic's 529 "overloaded",
// proxied "rate limit exceeded" bodies) are classified the same way.
func (c *RetryController) throttled(err error) bool {
	if errors.Is(err, domain.ErrRateLimit) {
		return true
	}
	cls := c.classifier.Classify(err)
	return cls.Category == ErrorCategoryRetryable && errors.Is(cls.Sentinel, domain.ErrRateLimit)
}

// backoffDelay is min(retryAfterSeconds × 1000, 1000 × 2^attempt) ms: the
// exponential curve bounded by the provider's own suggested wait.
func backoffDelay(attempt, retryAfterSeconds int) time.Duration {
	exp := time.Duration(1000<<attempt) * time.Millisecond
	suggested := time.Duration(retryAfterSeconds) * time.Second
	if suggested < exp {
		return suggested
	}
	return exp
}
