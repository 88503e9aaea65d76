package aitutor

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

// DefaultRetryAfter is advised for RATE_LIMITED when the upstream gave no hint
const DefaultRetryAfter = 30 * time.Second

// Classifier maps arbitrary failures onto the closed AIError taxonomy.
type Classifier struct {
	messages *Messages
	locale   string
}

// NewClassifier returns a classifier producing English messages.
func NewClassifier() *Classifier {
	return NewLocalizedClassifier(DefaultLocale)
}

// NewLocalizedClassifier returns a classifier producing messages in locale.
// Unknown locales fall back to English.
func NewLocalizedClassifier(locale string) *Classifier {
	return &Classifier{messages: NewMessages(), locale: locale}
}

// Classify turns err into an *AIError. An *AIError in err's chain is
// returned as is; anything unrecognized becomes SERVER_ERROR.
func (c *Classifier) Classify(err error) *AIError {
	return c.classify(c.locale, err)
}

// ClassifyContext is Classify using the locale carried by ctx, if any.
func (c *Classifier) ClassifyContext(ctx context.Context, err error) *AIError {
	return c.classify(c.localeFor(ctx), err)
}

// New builds an AIError for code directly, localized for ctx.
func (c *Classifier) New(ctx context.Context, code ErrorCode, cause error) *AIError {
	return c.build(c.localeFor(ctx), code, 0, cause)
}

// RateLimited builds a RATE_LIMITED AIError advising retryAfter.
func (c *Classifier) RateLimited(ctx context.Context, retryAfter time.Duration, cause error) *AIError {
	return c.build(c.localeFor(ctx), CodeRateLimited, retryAfter, cause)
}

// Localize returns a copy of aiErr with its message rendered in locale.
func (c *Classifier) Localize(aiErr *AIError, locale string) *AIError {
	out := *aiErr
	out.UserMessage = c.messages.Text(locale, aiErr.Code, aiErr.RetryAfterSeconds())
	return &out
}

func (c *Classifier) localeFor(ctx context.Context) string {
	if l, ok := ctx.Value(localeKey{}).(string); ok && l != "" {
		return l
	}
	return c.locale
}

func (c *Classifier) classify(locale string, err error) *AIError {
	if err == nil {
		return nil
	}
	if aiErr, ok := AsAIError(err); ok {
		return aiErr
	}
	code, retryAfter := codeFor(err)
	return c.build(locale, code, retryAfter, err)
}

func (c *Classifier) build(locale string, code ErrorCode, retryAfter time.Duration, cause error) *AIError {
	if code == CodeRateLimited && retryAfter <= 0 {
		retryAfter = DefaultRetryAfter
	}
	if code != CodeRateLimited {
		retryAfter = 0
	}
	aiErr := &AIError{
		Code:       code,
		Retryable:  code.Retryable(),
		RetryAfter: retryAfter,
		Cause:      cause,
	}
	aiErr.UserMessage = c.messages.Text(locale, code, aiErr.RetryAfterSeconds())
	return aiErr
}

// codeFor applies the classification rules in priority order.
func codeFor(err error) (ErrorCode, time.Duration) {
	switch {
	case errors.Is(err, ErrQuotaExceeded):
		return CodeQuotaExceeded, 0
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited, 0
	case errors.Is(err, ErrUnauthenticated):
		return CodeAuthError, 0
	case errors.Is(err, ErrContentFiltered):
		return CodeContentFiltered, 0
	case errors.Is(err, ErrInvalidFeature),
		errors.Is(err, ErrInvalidContent),
		errors.Is(err, ErrInvalidHintLevel),
		errors.Is(err, ErrInvalidFeedback),
		errors.Is(err, ErrUnknownResponse),
		errors.Is(err, ErrDuplicateFeedback),
		errors.Is(err, ErrInvalidAmount):
		return CodeValidationError, 0
	}

	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return codeForStatus(provErr)
	}

	if isNetworkError(err) {
		return CodeNetworkError, 0
	}
	return CodeServerError, 0
}

func codeForStatus(provErr *ProviderError) (ErrorCode, time.Duration) {
	if provErr.Reason == ReasonContentFilter {
		return CodeContentFiltered, 0
	}
	switch status := provErr.StatusCode; {
	case status == http.StatusTooManyRequests:
		return CodeRateLimited, provErr.RetryAfter
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return CodeAuthError, 0
	case status == http.StatusBadRequest, status == http.StatusNotFound,
		status == http.StatusUnprocessableEntity, status == http.StatusRequestEntityTooLarge:
		return CodeValidationError, 0
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return CodeNetworkError, 0
	default:
		return CodeServerError, 0
	}
}

func isNetworkError(err error) bool {
	if errors.Is(err, ErrNetwork) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
