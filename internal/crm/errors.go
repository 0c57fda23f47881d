package crm

import "fmt"

// AuthError means the endpoint rejected our credentials. Never retried; the
// whole egress run stops.
type AuthError struct {
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("crm auth rejected (%d): %s", e.StatusCode, e.Message)
}

// ValidationError means the endpoint rejected the batch content. The client
// logs the offending payload before returning this; already-delivered
// batches are not rolled back.
type ValidationError struct {
	Message  string
	Category string
}

func (e *ValidationError) Error() string {
	if e.Category != "" {
		return fmt.Sprintf("crm rejected batch (%s): %s", e.Category, e.Message)
	}
	return fmt.Sprintf("crm rejected batch: %s", e.Message)
}

// RateLimitError is one throttled response. The client retries these
// internally; callers only see it wrapped in a RetryExhaustedError.
type RateLimitError struct {
	RetryAfter string
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter != "" {
		return fmt.Sprintf("crm rate limited (retry after %s)", e.RetryAfter)
	}
	return "crm rate limited"
}

// RetryExhaustedError means the bounded throttle-retry budget ran out.
type RetryExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("crm retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Last
}
