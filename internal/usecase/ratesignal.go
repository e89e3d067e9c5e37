package usecase

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"flowrun/internal/domain"
)

// defaultRetryAfterSeconds applies when a throttling response carries no
// retry-after hint.
const defaultRetryAfterSeconds = 60

// wastedRetryResetWindow: with zero quota remaining and a reset further out
// than this, retrying before the reset cannot succeed.
const wastedRetryResetWindow = 5 * time.Minute

// quotaUnknown marks a quota field absent from the response headers.
const quotaUnknown = -1

// QuotaWindow is one remaining/limit pair from a throttling response.
type QuotaWindow struct {
	Remaining int
	Limit     int
}

// Known reports whether the provider sent this quota at all.
func (q QuotaWindow) Known() bool { return q.Remaining != quotaUnknown }

// RateLimitDescriptor is the normalized view of a provider's throttling
// rejection, assembled from whichever headers the provider sent.
type RateLimitDescriptor struct {
	Provider     string
	InputTokens  QuotaWindow
	OutputTokens QuotaWindow
	Tokens       QuotaWindow
	Requests     QuotaWindow
	// ResetAt is the quota reset time; zero when the provider sent none.
	ResetAt time.Time
	// RetryAfterSeconds is the provider's suggested wait, defaulted when absent.
	RetryAfterSeconds int
}

// RateLimitExtractor normalizes provider throttling responses into
// RateLimitDescriptors and decides whether another retry is worthwhile.
type RateLimitExtractor struct {
	now func() time.Time // for testing
}

// NewRateLimitExtractor creates an extractor using the wall clock.
func NewRateLimitExtractor() *RateLimitExtractor {
	return &RateLimitExtractor{now: time.Now}
}

// Extract pulls a normalized descriptor out of err. Works for any error chain
// containing a domain.RateLimitError; other errors yield a descriptor with
// all quotas unknown and the default retry-after.
func (e *RateLimitExtractor) Extract(err error) RateLimitDescriptor {
	desc := RateLimitDescriptor{
		InputTokens:       QuotaWindow{Remaining: quotaUnknown, Limit: quotaUnknown},
		OutputTokens:      QuotaWindow{Remaining: quotaUnknown, Limit: quotaUnknown},
		Tokens:            QuotaWindow{Remaining: quotaUnknown, Limit: quotaUnknown},
		Requests:          QuotaWindow{Remaining: quotaUnknown, Limit: quotaUnknown},
		RetryAfterSeconds: defaultRetryAfterSeconds,
	}

	var rle *domain.RateLimitError
	if !errors.As(err, &rle) {
		return desc
	}
	desc.Provider = rle.Provider

	// Anthropic-style headers.
	readQuota(rle, "anthropic-ratelimit-input-tokens", &desc.InputTokens)
	readQuota(rle, "anthropic-ratelimit-output-tokens", &desc.OutputTokens)
	readQuota(rle, "anthropic-ratelimit-tokens", &desc.Tokens)
	readQuota(rle, "anthropic-ratelimit-requests", &desc.Requests)
	if v := rle.Header("anthropic-ratelimit-tokens-reset"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			desc.ResetAt = t
		}
	}

	// OpenAI/Groq-style headers.
	readQuotaPair(rle, "x-ratelimit-remaining-tokens", "x-ratelimit-limit-tokens", &desc.Tokens)
	readQuotaPair(rle, "x-ratelimit-remaining-requests", "x-ratelimit-limit-requests", &desc.Requests)
	if v := rle.Header("x-ratelimit-reset-tokens"); v != "" && desc.ResetAt.IsZero() {
		if d, err := time.ParseDuration(v); err == nil {
			desc.ResetAt = e.now().Add(d)
		}
	}

	if v := rle.Header("retry-after"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			desc.RetryAfterSeconds = secs
		}
	}

	return desc
}

func readQuota(rle *domain.RateLimitError, prefix string, q *QuotaWindow) {
	readQuotaPair(rle, prefix+"-remaining", prefix+"-limit", q)
}

func readQuotaPair(rle *domain.RateLimitError, remainingKey, limitKey string, q *QuotaWindow) {
	if v := rle.Header(remainingKey); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			q.Remaining = n
		}
	}
	if v := rle.Header(limitKey); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			q.Limit = n
		}
	}
}

// exhausted reports whether any known token quota reads zero remaining.
func (d RateLimitDescriptor) exhausted() bool {
	for _, q := range []QuotaWindow{d.Tokens, d.InputTokens, d.OutputTokens, d.Requests} {
		if q.Known() && q.Remaining == 0 {
			return true
		}
	}
	return false
}

// ShouldRetry decides whether another attempt is worthwhile: false when the
// retry budget is spent, false when quota is exhausted and the reset is more
// than five minutes out (the retry would be wasted), true otherwise.
func (e *RateLimitExtractor) ShouldRetry(desc RateLimitDescriptor, retriesLeft int) bool {
	if retriesLeft <= 0 {
		return false
	}
	if desc.exhausted() && !desc.ResetAt.IsZero() && desc.ResetAt.Sub(e.now()) > wastedRetryResetWindow {
		return false
	}
	return true
}

// FormatMessage renders the descriptor as a user-facing throttling message
// with remaining quota and a concrete wait hint.
func (e *RateLimitExtractor) FormatMessage(desc RateLimitDescriptor) string {
	var b strings.Builder
	if desc.Provider != "" {
		fmt.Fprintf(&b, "Rate limit reached for provider %q.", desc.Provider)
	} else {
		b.WriteString("Rate limit reached.")
	}

	if desc.Tokens.Known() {
		fmt.Fprintf(&b, " Tokens remaining: %d", desc.Tokens.Remaining)
		if desc.Tokens.Limit != quotaUnknown {
			fmt.Fprintf(&b, " of %d", desc.Tokens.Limit)
		}
		b.WriteString(".")
	}
	if desc.Requests.Known() {
		fmt.Fprintf(&b, " Requests remaining: %d", desc.Requests.Remaining)
		if desc.Requests.Limit != quotaUnknown {
			fmt.Fprintf(&b, " of %d", desc.Requests.Limit)
		}
		b.WriteString(".")
	}

	if !desc.ResetAt.IsZero() {
		mins := int(desc.ResetAt.Sub(e.now()).Minutes())
		if mins < 1 {
			mins = 1
		}
		fmt.Fprintf(&b, " Quota resets in about %d minute(s).", mins)
	} else {
		fmt.Fprintf(&b, " Try again in %d second(s).", desc.RetryAfterSeconds)
	}

	return b.String()
}
