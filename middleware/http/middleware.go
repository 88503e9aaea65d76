// Package http provides net/http middleware that scopes requests to a caller
// for the dispatch core.
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"golang.org/x/text/language"

	"github.com/mihaimyh/aitutor/pkg/aitutor"
)

// DefaultUserIDHeader carries the caller id when no extractor is configured
const DefaultUserIDHeader = "X-User-ID"

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// LocaleExtractor extracts the preferred message locale from an HTTP request
// Return empty string to keep the classifier default
type LocaleExtractor func(r *http.Request) string

// QuotaReader reports a user's quota, typically *aitutor.Core
type QuotaReader interface {
	GetQuota(ctx context.Context, userID string) (*aitutor.QuotaStatus, error)
}

// Config holds middleware configuration
type Config struct {
	// GetUserID extracts user ID from request (default: FromHeader(DefaultUserIDHeader))
	GetUserID UserIDExtractor

	// GetLocale extracts the message locale (default: FromAcceptLanguage())
	GetLocale LocaleExtractor

	// Classifier renders AIErrors (default: English classifier)
	Classifier *aitutor.Classifier

	// Quota adds X-Quota-* headers to every authenticated response when set
	Quota QuotaReader

	// OnUnauthorized is called when user is not authenticated
	// If nil, writes a 401 AUTH_ERROR JSON body
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)
}

// Middleware creates an HTTP middleware that places the caller's id and
// locale in the request context.
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.GetUserID == nil {
		config.GetUserID = FromHeader(DefaultUserIDHeader)
	}
	if config.GetLocale == nil {
		config.GetLocale = FromAcceptLanguage()
	}
	if config.Classifier == nil {
		config.Classifier = aitutor.NewClassifier()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if locale := config.GetLocale(r); locale != "" {
				ctx = aitutor.WithLocale(ctx, locale)
			}

			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r.WithContext(ctx))
				} else {
					WriteError(w, config.Classifier.New(ctx, aitutor.CodeAuthError, aitutor.ErrUnauthenticated))
				}
				return
			}
			ctx = aitutor.WithUserID(ctx, userID)

			if config.Quota != nil {
				// headers are advisory; the ledger enforces the limit
				if status, err := config.Quota.GetQuota(ctx, userID); err == nil {
					SetQuotaHeaders(w.Header(), status)
				}
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// HandlerFunc creates an HTTP middleware (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

// ErrorResponse is the JSON body written for an AIError
type ErrorResponse struct {
	Error *aitutor.AIError `json:"error"`
}

// WriteError writes aiErr with its mapped status and Retry-After advice
func WriteError(w http.ResponseWriter, aiErr *aitutor.AIError) {
	if secs := aiErr.RetryAfterSeconds(); secs > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(aiErr.Code.HTTPStatus())
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: aiErr})
}

// SetQuotaHeaders adds X-Quota-Limit, X-Quota-Remaining and X-Quota-Reset.
// Unlimited tiers report a limit of "unlimited" and no remaining count.
func SetQuotaHeaders(h http.Header, status *aitutor.QuotaStatus) {
	if status.IsUnlimited {
		h.Set("X-Quota-Limit", "unlimited")
	} else {
		h.Set("X-Quota-Limit", strconv.Itoa(status.Limit))
		h.Set("X-Quota-Remaining", strconv.Itoa(status.Remaining))
	}
	h.Set("X-Quota-Reset", strconv.FormatInt(status.ResetAt.Unix(), 10))
}

// Common extractors for convenience

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns an UserIDExtractor that reuses an id already placed
// in the request context by aitutor.WithUserID, e.g. by auth middleware
func FromContext() UserIDExtractor {
	return func(r *http.Request) string {
		userID, _ := aitutor.UserIDFromContext(r.Context())
		return userID
	}
}

// FromAcceptLanguage returns a LocaleExtractor reading the preferred base
// language of the Accept-Language header
func FromAcceptLanguage() LocaleExtractor {
	return func(r *http.Request) string {
		header := r.Header.Get("Accept-Language")
		if header == "" {
			return ""
		}
		tags, _, err := language.ParseAcceptLanguage(header)
		if err != nil || len(tags) == 0 {
			return ""
		}
		base, _ := tags[0].Base()
		return base.String()
	}
}

// FixedLocale returns a LocaleExtractor that always returns locale
func FixedLocale(locale string) LocaleExtractor {
	return func(*http.Request) string {
		return locale
	}
}
