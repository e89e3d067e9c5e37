package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the domain layer.
var (
	ErrNotFound = fmt.Errorf("not found")

	// Execution-core errors. Tool failures are deliberately absent: they
	// degrade into ToolResult values fed back to the model, never errors.
	ErrProviderNotConfigured = fmt.Errorf("provider not configured")
	ErrRateLimit             = fmt.Errorf("rate limit exceeded")
	ErrRateLimitTimeout      = fmt.Errorf("rate limit wait timed out")
	ErrProviderError         = fmt.Errorf("provider error")
	ErrContextOverflow       = fmt.Errorf("context window exceeded")
	ErrAuthInvalid           = fmt.Errorf("authentication failed")

	// Approval errors.
	ErrApprovalNotFound = fmt.Errorf("approval: %w", ErrNotFound)
	ErrApprovalDecided  = fmt.Errorf("approval already decided")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Dispatcher.Dispatch")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// RateLimitError is a throttling rejection from a provider. It carries the
// raw rate-limit response headers so the signal extractor can normalize them
// after the fact. Unwraps to ErrRateLimit.
type RateLimitError struct {
	Provider   string
	StatusCode int
	Headers    map[string]string // lower-case keys
	Body       string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("provider %q: API error %d: %s", e.Provider, e.StatusCode, e.Body)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimit }

// Header returns a header value by lower-case key, or "".
func (e *RateLimitError) Header(key string) string {
	if e.Headers == nil {
		return ""
	}
	return e.Headers[key]
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

// Error codes. Every sentinel error maps to exactly one code.
const (
	CodeUnknown               ErrorCode = "UNKNOWN"
	CodeNotFound              ErrorCode = "NOT_FOUND"
	CodeProviderNotConfigured ErrorCode = "PROVIDER_NOT_CONFIGURED"
	CodeRateLimit             ErrorCode = "RATE_LIMIT"
	CodeRateLimitTimeout      ErrorCode = "RATE_LIMIT_TIMEOUT"
	CodeProviderError         ErrorCode = "PROVIDER_ERROR"
	CodeContextOverflow       ErrorCode = "CONTEXT_OVERFLOW"
	CodeAuthInvalid           ErrorCode = "AUTH_INVALID"
	CodeApprovalNotFound      ErrorCode = "APPROVAL_NOT_FOUND"
	CodeApprovalDecided       ErrorCode = "APPROVAL_DECIDED"
)

// errorCodeList maps sentinel errors to their machine-parseable codes.
// Order matters for ErrorCodeOf: more specific sentinels first.
var errorCodeList = []struct {
	sentinel error
	code     ErrorCode
}{
	{ErrProviderNotConfigured, CodeProviderNotConfigured},
	{ErrRateLimitTimeout, CodeRateLimitTimeout},
	{ErrRateLimit, CodeRateLimit},
	{ErrContextOverflow, CodeContextOverflow},
	{ErrAuthInvalid, CodeAuthInvalid},
	{ErrApprovalDecided, CodeApprovalDecided},
	{ErrApprovalNotFound, CodeApprovalNotFound},
	{ErrProviderError, CodeProviderError},
	{ErrNotFound, CodeNotFound},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It walks the error chain with errors.Is, most specific sentinel first.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	for _, entry := range errorCodeList {
		if errors.Is(err, entry.sentinel) {
			return entry.code
		}
	}
	return CodeUnknown
}
