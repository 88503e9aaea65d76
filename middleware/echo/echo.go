// Package echo provides Echo middleware that scopes requests to a caller for
// the dispatch core.
package echo

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"golang.org/x/text/language"

	"github.com/mihaimyh/aitutor/pkg/aitutor"
)

// UserIDKey is the Echo context key the resolved user id is stored under
const UserIDKey = "aitutor.userID"

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// LocaleExtractor extracts the preferred message locale from an Echo context
type LocaleExtractor func(c echo.Context) string

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
	OnUnauthorized func(c echo.Context) error
}

// Middleware creates an Echo middleware that places the caller's id and
// locale in the request context.
func Middleware(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.GetUserID == nil {
		panic("aitutor/echo: Config.GetUserID is required")
	}

	// Set defaults
	if cfg.GetLocale == nil {
		cfg.GetLocale = FromAcceptLanguage()
	}
	if cfg.Classifier == nil {
		cfg.Classifier = aitutor.NewClassifier()
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			if locale := cfg.GetLocale(c); locale != "" {
				ctx = aitutor.WithLocale(ctx, locale)
			}

			userID := cfg.GetUserID(c)
			if userID == "" {
				c.SetRequest(c.Request().WithContext(ctx))
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return WriteError(c, cfg.Classifier.New(ctx, aitutor.CodeAuthError, aitutor.ErrUnauthenticated))
			}

			ctx = aitutor.WithUserID(ctx, userID)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set(UserIDKey, userID)

			if cfg.Quota != nil {
				if status, err := cfg.Quota.GetQuota(ctx, userID); err == nil {
					setQuotaHeaders(c.Response().Header(), status)
				}
			}

			return next(c)
		}
	}
}

// WriteError renders aiErr as the JSON error body with its mapped status
func WriteError(c echo.Context, aiErr *aitutor.AIError) error {
	if secs := aiErr.RetryAfterSeconds(); secs > 0 {
		c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
	}
	return c.JSON(aiErr.Code.HTTPStatus(), map[string]*aitutor.AIError{"error": aiErr})
}

// HTTPErrorHandler returns an echo.HTTPErrorHandler that renders AIErrors
// returned by handlers and defers everything else to fallback.
func HTTPErrorHandler(classifier *aitutor.Classifier, fallback echo.HTTPErrorHandler) echo.HTTPErrorHandler {
	if classifier == nil {
		classifier = aitutor.NewClassifier()
	}
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		var httpErr *echo.HTTPError
		if errors.As(err, &httpErr) && fallback != nil {
			fallback(err, c)
			return
		}
		aiErr, ok := aitutor.AsAIError(err)
		if !ok {
			aiErr = classifier.ClassifyContext(c.Request().Context(), err)
		}
		if werr := WriteError(c, aiErr); werr != nil {
			c.Logger().Error(werr)
		}
	}
}

func setQuotaHeaders(h http.Header, status *aitutor.QuotaStatus) {
	if status.IsUnlimited {
		h.Set("X-Quota-Limit", "unlimited")
	} else {
		h.Set("X-Quota-Limit", strconv.Itoa(status.Limit))
		h.Set("X-Quota-Remaining", strconv.Itoa(status.Remaining))
	}
	h.Set("X-Quota-Reset", strconv.FormatInt(status.ResetAt.Unix(), 10))
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
// set by an earlier auth middleware via c.Set(key, userID)
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if str, ok := c.Get(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// Convenience extractors for Locale

// FromAcceptLanguage returns a LocaleExtractor reading the preferred base
// language of the Accept-Language header
func FromAcceptLanguage() LocaleExtractor {
	return func(c echo.Context) string {
		tags, _, err := language.ParseAcceptLanguage(c.Request().Header.Get("Accept-Language"))
		if err != nil || len(tags) == 0 {
			return ""
		}
		base, _ := tags[0].Base()
		return base.String()
	}
}

// FromQuery returns a LocaleExtractor that gets the locale from a query parameter
func FromQuery(queryName string) LocaleExtractor {
	return func(c echo.Context) string {
		return c.QueryParam(queryName)
	}
}
