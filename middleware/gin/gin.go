// Package gin provides Gin middleware that scopes requests to a caller for
// the dispatch core.
package gin

import (
	"context"
	"fmt"

	gongin "github.com/gin-gonic/gin"
	"golang.org/x/text/language"

	"github.com/mihaimyh/aitutor/pkg/aitutor"
)

// UserIDKey is the Gin context key the resolved user id is stored under
const UserIDKey = "aitutor.userID"

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// LocaleExtractor extracts the preferred message locale from a Gin context
type LocaleExtractor func(c *gongin.Context) string

// QuotaReader reports a user's quota, typically *aitutor.Core
type QuotaReader interface {
	GetQuota(ctx context.Context, userID string) (*aitutor.QuotaStatus, error)
}

// Config holds middleware configuration
type Config struct {
	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// GetLocale extracts the message locale (default: FromAcceptLanguage())
	GetLocale LocaleExtractor

	// Classifier renders AIErrors (default: English classifier)
	Classifier *aitutor.Classifier

	// Quota adds X-Quota-* headers to every authenticated response when set
	Quota QuotaReader

	// OnUnauthorized is called when user is not authenticated
	// If nil, responds 401 with an AUTH_ERROR body
	OnUnauthorized func(c *gongin.Context)
}

// Middleware creates a Gin middleware that places the caller's id and locale
// in the request context.
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.GetUserID == nil {
		panic("aitutor/gin: Config.GetUserID is required")
	}

	// Set defaults
	if cfg.GetLocale == nil {
		cfg.GetLocale = FromAcceptLanguage()
	}
	if cfg.Classifier == nil {
		cfg.Classifier = aitutor.NewClassifier()
	}

	return func(c *gongin.Context) {
		ctx := c.Request.Context()
		if locale := cfg.GetLocale(c); locale != "" {
			ctx = aitutor.WithLocale(ctx, locale)
		}

		userID := cfg.GetUserID(c)
		if userID == "" {
			c.Request = c.Request.WithContext(ctx)
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				AbortWithError(c, cfg.Classifier.New(ctx, aitutor.CodeAuthError, aitutor.ErrUnauthenticated))
			}
			c.Abort()
			return
		}

		ctx = aitutor.WithUserID(ctx, userID)
		c.Request = c.Request.WithContext(ctx)
		c.Set(UserIDKey, userID)

		if cfg.Quota != nil {
			if status, err := cfg.Quota.GetQuota(ctx, userID); err == nil {
				setQuotaHeaders(c, status)
			}
		}

		c.Next()
	}
}

// AbortWithError renders err as the JSON error body with its mapped status.
// Errors that are not already AIErrors are classified in English.
func AbortWithError(c *gongin.Context, err error) {
	aiErr, ok := aitutor.AsAIError(err)
	if !ok {
		aiErr = aitutor.NewClassifier().ClassifyContext(c.Request.Context(), err)
	}
	if secs := aiErr.RetryAfterSeconds(); secs > 0 {
		c.Header("Retry-After", fmt.Sprintf("%d", secs))
	}
	c.AbortWithStatusJSON(aiErr.Code.HTTPStatus(), gongin.H{"error": aiErr})
}

func setQuotaHeaders(c *gongin.Context, status *aitutor.QuotaStatus) {
	if status.IsUnlimited {
		c.Header("X-Quota-Limit", "unlimited")
	} else {
		c.Header("X-Quota-Limit", fmt.Sprintf("%d", status.Limit))
		c.Header("X-Quota-Remaining", fmt.Sprintf("%d", status.Remaining))
	}
	c.Header("X-Quota-Reset", fmt.Sprintf("%d", status.ResetAt.Unix()))
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Gin context values
// This is the recommended approach for integrating with auth middleware that sets
// user information via c.Set("UserID", "...") or similar.
//
// Example:
//
//	// In your auth middleware:
//	c.Set("UserID", userID)
//
//	// In middleware config:
//	GetUserID: gin.FromContext("UserID")
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

// Convenience extractors for Locale

// FromAcceptLanguage returns a LocaleExtractor reading the preferred base
// language of the Accept-Language header
func FromAcceptLanguage() LocaleExtractor {
	return func(c *gongin.Context) string {
		tags, _, err := language.ParseAcceptLanguage(c.GetHeader("Accept-Language"))
		if err != nil || len(tags) == 0 {
			return ""
		}
		base, _ := tags[0].Base()
		return base.String()
	}
}

// FromQuery returns a LocaleExtractor that gets the locale from a query parameter
func FromQuery(queryName string) LocaleExtractor {
	return func(c *gongin.Context) string {
		return c.Query(queryName)
	}
}
