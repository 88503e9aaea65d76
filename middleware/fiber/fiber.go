// Package fiber provides Fiber middleware that scopes requests to a caller
// for the dispatch core.
package fiber

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/text/language"

	"github.com/mihaimyh/aitutor/pkg/aitutor"
)

// UserIDKey is the Locals key the resolved user id is stored under
const UserIDKey = "aitutor.userID"

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

// LocaleExtractor extracts the preferred message locale from a Fiber context
type LocaleExtractor func(c *fiber.Ctx) string

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
	OnUnauthorized func(c *fiber.Ctx) error
}

// Middleware creates a Fiber middleware that places the caller's id and
// locale in the user context.
func Middleware(cfg Config) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.GetUserID == nil {
		panic("aitutor/fiber: Config.GetUserID is required")
	}

	// Set defaults
	if cfg.GetLocale == nil {
		cfg.GetLocale = FromAcceptLanguage()
	}
	if cfg.Classifier == nil {
		cfg.Classifier = aitutor.NewClassifier()
	}

	return func(c *fiber.Ctx) error {
		// fasthttp has no request context; handlers read c.UserContext()
		ctx := c.UserContext()
		if locale := cfg.GetLocale(c); locale != "" {
			ctx = aitutor.WithLocale(ctx, locale)
		}

		userID := cfg.GetUserID(c)
		if userID == "" {
			c.SetUserContext(ctx)
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return WriteError(c, cfg.Classifier.New(ctx, aitutor.CodeAuthError, aitutor.ErrUnauthenticated))
		}

		ctx = aitutor.WithUserID(ctx, userID)
		c.SetUserContext(ctx)
		c.Locals(UserIDKey, userID)

		if cfg.Quota != nil {
			if status, err := cfg.Quota.GetQuota(ctx, userID); err == nil {
				setQuotaHeaders(c, status)
			}
		}

		return c.Next()
	}
}

// WriteError renders err as the JSON error body with its mapped status.
// Errors that are not already AIErrors are classified in English.
func WriteError(c *fiber.Ctx, err error) error {
	aiErr, ok := aitutor.AsAIError(err)
	if !ok {
		aiErr = aitutor.NewClassifier().ClassifyContext(c.UserContext(), err)
	}
	if secs := aiErr.RetryAfterSeconds(); secs > 0 {
		c.Set("Retry-After", fmt.Sprintf("%d", secs))
	}
	return c.Status(aiErr.Code.HTTPStatus()).JSON(fiber.Map{"error": aiErr})
}

// ErrorHandler is a fiber.Config ErrorHandler that renders handler errors
// as AIError bodies. Routing errors such as 404 keep Fiber's own status.
func ErrorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).SendString(fe.Message)
	}
	return WriteError(c, err)
}

func setQuotaHeaders(c *fiber.Ctx, status *aitutor.QuotaStatus) {
	if status.IsUnlimited {
		c.Set("X-Quota-Limit", "unlimited")
	} else {
		c.Set("X-Quota-Limit", fmt.Sprintf("%d", status.Limit))
		c.Set("X-Quota-Remaining", fmt.Sprintf("%d", status.Remaining))
	}
	c.Set("X-Quota-Reset", fmt.Sprintf("%d", status.ResetAt.Unix()))
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Fiber context values (Locals)
// This is the recommended approach for integrating with auth middleware that sets
// user information via c.Locals("UserID", "...") or similar.
//
// Example:
//
//	// In your auth middleware:
//	c.Locals("UserID", userID)
//
//	// In middleware config:
//	GetUserID: fiber.FromContext("UserID")
func FromContext(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if val := c.Locals(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
// Fiber v2 uses c.Get() for headers (not c.GetHeader())
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}

// Convenience extractors for Locale

// FromAcceptLanguage returns a LocaleExtractor reading the preferred base
// language of the Accept-Language header
func FromAcceptLanguage() LocaleExtractor {
	return func(c *fiber.Ctx) string {
		tags, _, err := language.ParseAcceptLanguage(c.Get(fiber.HeaderAcceptLanguage))
		if err != nil || len(tags) == 0 {
			return ""
		}
		base, _ := tags[0].Base()
		return base.String()
	}
}

// FromQuery returns a LocaleExtractor that gets the locale from a query parameter
func FromQuery(queryName string) LocaleExtractor {
	return func(c *fiber.Ctx) string {
		return c.Query(queryName)
	}
}
