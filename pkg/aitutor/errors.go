package aitutor

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrQuotaExceeded is returned when the user's quota for the period is used up
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrRateLimited is returned when requests arrive faster than allowed
	ErrRateLimited = errors.New("rate limited")

	// ErrNetwork marks transport failures before a response was obtained
	ErrNetwork = errors.New("network failure")

	// ErrUnauthenticated is returned when no caller identity is available
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrContentFiltered is returned when the provider declines on policy grounds
	ErrContentFiltered = errors.New("content filtered")

	// ErrInvalidFeature is returned for a feature outside the closed set
	ErrInvalidFeature = errors.New("invalid feature")

	// ErrInvalidContent is returned for blank request content
	ErrInvalidContent = errors.New("invalid content")

	// ErrInvalidHintLevel is returned for a hint level outside 1..3
	ErrInvalidHintLevel = errors.New("invalid hint level")

	// ErrInvalidFeedback is returned when a feedback entry fails validation
	ErrInvalidFeedback = errors.New("invalid feedback")

	// ErrUnknownResponse is returned when feedback targets an unknown response id
	ErrUnknownResponse = errors.New("unknown response")

	// ErrDuplicateFeedback is returned when feedback was already recorded for a response
	ErrDuplicateFeedback = errors.New("feedback already submitted")

	// ErrEmptyCompletion is returned when the provider produced no content
	ErrEmptyCompletion = errors.New("empty completion")

	// ErrInvalidAmount is returned for negative usage values
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrEntitlementNotFound is returned when user has no entitlement
	ErrEntitlementNotFound = errors.New("entitlement not found")

	// ErrStorageUnavailable is returned when storage is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrProviderUnavailable is returned when no provider is configured
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrInvalidConfig is returned for invalid ledger or dispatcher configuration
	ErrInvalidConfig = errors.New("invalid config")

	// ErrInvalidPeriod is returned for invalid period configuration
	ErrInvalidPeriod = errors.New("invalid period")
)

// ErrorCode is the closed taxonomy of failures surfaced to callers
type ErrorCode string

const (
	CodeQuotaExceeded   ErrorCode = "QUOTA_EXCEEDED"
	CodeRateLimited     ErrorCode = "RATE_LIMITED"
	CodeNetworkError    ErrorCode = "NETWORK_ERROR"
	CodeServerError     ErrorCode = "SERVER_ERROR"
	CodeAuthError       ErrorCode = "AUTH_ERROR"
	CodeContentFiltered ErrorCode = "CONTENT_FILTERED"
	CodeValidationError ErrorCode = "VALIDATION_ERROR"
)

var errorCodes = []ErrorCode{
	CodeQuotaExceeded,
	CodeRateLimited,
	CodeNetworkError,
	CodeServerError,
	CodeAuthError,
	CodeContentFiltered,
	CodeValidationError,
}

// ErrorCodes returns every code of the taxonomy
func ErrorCodes() []ErrorCode {
	out := make([]ErrorCode, len(errorCodes))
	copy(out, errorCodes)
	return out
}

// Retryable reports the fixed retryability of the code
func (c ErrorCode) Retryable() bool {
	switch c {
	case CodeRateLimited, CodeNetworkError, CodeServerError:
		return true
	default:
		return false
	}
}

// HTTPStatus returns the HTTP status an API surface reports for the code
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case CodeQuotaExceeded, CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeAuthError:
		return http.StatusUnauthorized
	case CodeValidationError:
		return http.StatusBadRequest
	case CodeContentFiltered:
		return http.StatusUnprocessableEntity
	case CodeNetworkError:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// AIError is the typed failure returned by every core operation
type AIError struct {
	Code        ErrorCode
	UserMessage string
	Retryable   bool

	// RetryAfter is non-zero only for RATE_LIMITED
	RetryAfter time.Duration

	// Cause is the underlying failure, if any. It never leaves the process.
	Cause error
}

func (e *AIError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Cause)
	}
	return string(e.Code)
}

func (e *AIError) Unwrap() error {
	return e.Cause
}

// RetryAfterSeconds returns RetryAfter rounded up to whole seconds
func (e *AIError) RetryAfterSeconds() int {
	if e.RetryAfter <= 0 {
		return 0
	}
	secs := e.RetryAfter / time.Second
	if e.RetryAfter%time.Second != 0 {
		secs++
	}
	return int(secs)
}

// aiErrorJSON is the wire form of AIError; RetryAfter travels in whole seconds
type aiErrorJSON struct {
	Code        ErrorCode `json:"code"`
	UserMessage string    `json:"userMessage"`
	Retryable   bool      `json:"retryable"`
	RetryAfter  int       `json:"retryAfter,omitempty"`
}

// MarshalJSON encodes the error with retryAfter in seconds, omitted when zero
func (e *AIError) MarshalJSON() ([]byte, error) {
	return json.Marshal(aiErrorJSON{
		Code:        e.Code,
		UserMessage: e.UserMessage,
		Retryable:   e.Retryable,
		RetryAfter:  e.RetryAfterSeconds(),
	})
}

// UnmarshalJSON decodes the wire form produced by MarshalJSON. Cause is not transmitted.
func (e *AIError) UnmarshalJSON(data []byte) error {
	var wire aiErrorJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*e = AIError{
		Code:        wire.Code,
		UserMessage: wire.UserMessage,
		Retryable:   wire.Retryable,
		RetryAfter:  time.Duration(wire.RetryAfter) * time.Second,
	}
	return nil
}

// AsAIError extracts an *AIError from err's chain
func AsAIError(err error) (*AIError, bool) {
	var aiErr *AIError
	if errors.As(err, &aiErr) {
		return aiErr, true
	}
	return nil, false
}

// ReasonContentFilter is the ProviderError.Reason for policy refusals
const ReasonContentFilter = "content_filter"

// ProviderError is a failure reported by the upstream provider
type ProviderError struct {
	// StatusCode is the upstream HTTP status (0 if not HTTP)
	StatusCode int

	// RetryAfter is the upstream's advice for throttled requests
	RetryAfter time.Duration

	// Reason is a provider-specific reason, e.g. "content_filter"
	Reason string

	Message string
}

func (e *ProviderError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("provider error %d (%s): %s", e.StatusCode, e.Reason, e.Message)
	}
	return fmt.Sprintf("provider error %d: %s", e.StatusCode, e.Message)
}
