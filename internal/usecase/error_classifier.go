package usecase

import (
	"errors"
	"regexp"
	"strconv"
	"strings"

	"flowrun/internal/domain"
)

// ErrorCategory indicates whether a provider error is retryable or permanent.
type ErrorCategory int

const (
	ErrorCategoryUnknown   ErrorCategory = iota
	ErrorCategoryRetryable               // 429, 5xx, connection errors, context overflow
	ErrorCategoryPermanent               // 401, 403, 400 (non-overflow), malformed
)

// ClassifiedError holds the result of error classification.
type ClassifiedError struct {
	Original   error
	Category   ErrorCategory
	Sentinel   error // mapped domain sentinel (e.g. domain.ErrRateLimit), or nil
	StatusCode int   // extracted HTTP status, or 0 if unknown
}

// ErrorClassifier analyzes provider errors and categorizes them so the
// execution boundary can map them onto the error taxonomy.
type ErrorClassifier struct{}

// NewErrorClassifier creates a new classifier.
func NewErrorClassifier() *ErrorClassifier {
	return &ErrorClassifier{}
}

// apiErrorPattern matches "API error <status_code>:" produced by the provider
// adapters.
var apiErrorPattern = regexp.MustCompile(`API error (\d+):`)

// contextOverflowKeywords are body keywords that indicate a context length
// issue within a 400 response.
var contextOverflowKeywords = []string{
	"context", "token", "length", "too long", "maximum",
}

// rateLimitMarkers are message fragments providers use to signal throttling
// outside a 429 status: Anthropic's 529 "overloaded", proxied 5xx bodies.
var rateLimitMarkers = []string{
	"rate limit", "too many requests", "overloaded",
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// Classify inspects a provider error and returns its category plus mapped
// sentinel.
func (c *ErrorClassifier) Classify(err error) ClassifiedError {
	if err == nil {
		return ClassifiedError{}
	}

	if cls := c.classifyBySentinel(err); cls.Category != ErrorCategoryUnknown {
		return cls
	}

	errStr := err.Error()
	if matches := apiErrorPattern.FindStringSubmatch(errStr); len(matches) == 2 {
		code, _ := strconv.Atoi(matches[1])
		return c.classifyByStatus(err, code, errStr)
	}

	return c.classifyByString(err, errStr)
}

func (c *ErrorClassifier) classifyBySentinel(err error) ClassifiedError {
	switch {
	case errors.Is(err, domain.ErrRateLimit):
		return ClassifiedError{
			Original: err, Category: ErrorCategoryRetryable,
			Sentinel: domain.ErrRateLimit,
		}
	case errors.Is(err, domain.ErrRateLimitTimeout):
		return ClassifiedError{
			Original: err, Category: ErrorCategoryRetryable,
			Sentinel: domain.ErrRateLimitTimeout,
		}
	case errors.Is(err, domain.ErrContextOverflow):
		return ClassifiedError{
			Original: err, Category: ErrorCategoryRetryable,
			Sentinel: domain.ErrContextOverflow,
		}
	case errors.Is(err, domain.ErrAuthInvalid):
		return ClassifiedError{
			Original: err, Category: ErrorCategoryPermanent,
			Sentinel: domain.ErrAuthInvalid,
		}
	case errors.Is(err, domain.ErrProviderNotConfigured):
		return ClassifiedError{
			Original: err, Category: ErrorCategoryPermanent,
			Sentinel: domain.ErrProviderNotConfigured,
		}
	default:
		return ClassifiedError{Original: err, Category: ErrorCategoryUnknown}
	}
}

func (c *ErrorClassifier) classifyByStatus(err error, code int, body string) ClassifiedError {
	switch {
	case code == 429:
		return ClassifiedError{
			Original: err, Category: ErrorCategoryRetryable,
			Sentinel: domain.ErrRateLimit, StatusCode: code,
		}
	case code == 401 || code == 403:
		return ClassifiedError{
			Original: err, Category: ErrorCategoryPermanent,
			Sentinel: domain.ErrAuthInvalid, StatusCode: code,
		}
	case code == 413:
		return ClassifiedError{
			Original: err, Category: ErrorCategoryRetryable,
			Sentinel: domain.ErrContextOverflow, StatusCode: code,
		}
	case code == 400:
		lower := strings.ToLower(body)
		for _, kw := range contextOverflowKeywords {
			if strings.Contains(lower, kw) {
				return ClassifiedError{
					Original: err, Category: ErrorCategoryRetryable,
					Sentinel: domain.ErrContextOverflow, StatusCode: code,
				}
			}
		}
		return ClassifiedError{
			Original: err, Category: ErrorCategoryPermanent, StatusCode: code,
		}
	case code >= 500 && code < 600:
		// A 5xx whose body names throttling is a rate limit in disguise.
		if containsAny(strings.ToLower(body), rateLimitMarkers) {
			return ClassifiedError{
				Original: err, Category: ErrorCategoryRetryable,
				Sentinel: domain.ErrRateLimit, StatusCode: code,
			}
		}
		return ClassifiedError{
			Original: err, Category: ErrorCategoryRetryable, StatusCode: code,
		}
	default:
		return ClassifiedError{
			Original: err, Category: ErrorCategoryPermanent, StatusCode: code,
		}
	}
}

func (c *ErrorClassifier) classifyByString(err error, errStr string) ClassifiedError {
	lower := strings.ToLower(errStr)

	if containsAny(lower, rateLimitMarkers) {
		return ClassifiedError{
			Original: err, Category: ErrorCategoryRetryable,
			Sentinel: domain.ErrRateLimit,
		}
	}

	for _, p := range []string{"context length", "token limit", "maximum context"} {
		if strings.Contains(lower, p) {
			return ClassifiedError{
				Original: err, Category: ErrorCategoryRetryable,
				Sentinel: domain.ErrContextOverflow,
			}
		}
	}

	for _, p := range []string{
		"connection refused", "no such host", "timeout",
		"deadline exceeded", "connection reset",
	} {
		if strings.Contains(lower, p) {
			return ClassifiedError{
				Original: err, Category: ErrorCategoryRetryable,
			}
		}
	}

	return ClassifiedError{Original: err, Category: ErrorCategoryUnknown}
}
