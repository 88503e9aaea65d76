package aitutor

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/locales/en"
	"github.com/go-playground/locales/fr"
	ut "github.com/go-playground/universal-translator"
)

// DefaultLocale is used when no translator exists for a requested locale
const DefaultLocale = "en"

var catalog = map[string]map[ErrorCode]string{
	"en": {
		CodeQuotaExceeded:   "You have used all of your AI requests for this period. Your quota resets soon.",
		CodeRateLimited:     "The AI assistant is receiving too many requests. Please try again in {0} seconds.",
		CodeNetworkError:    "We could not reach the AI assistant. Check your connection and try again.",
		CodeServerError:     "The AI assistant ran into a problem. Please try again in a moment.",
		CodeAuthError:       "Your session has expired. Please sign in again.",
		CodeContentFiltered: "This request could not be answered because it violates the content policy.",
		CodeValidationError: "This request is not valid. Please check it and try again.",
	},
	"fr": {
		CodeQuotaExceeded:   "Vous avez utilisé toutes vos requêtes IA pour cette période. Votre quota sera bientôt réinitialisé.",
		CodeRateLimited:     "L'assistant IA reçoit trop de requêtes. Veuillez réessayer dans {0} secondes.",
		CodeNetworkError:    "Impossible de joindre l'assistant IA. Vérifiez votre connexion et réessayez.",
		CodeServerError:     "L'assistant IA a rencontré un problème. Veuillez réessayer dans un instant.",
		CodeAuthError:       "Votre session a expiré. Veuillez vous reconnecter.",
		CodeContentFiltered: "Cette requête ne peut pas recevoir de réponse car elle enfreint la politique de contenu.",
		CodeValidationError: "Cette requête n'est pas valide. Veuillez la vérifier et réessayer.",
	},
}

// Messages renders user-facing error messages per locale.
type Messages struct {
	uni *ut.UniversalTranslator
}

// NewMessages builds the message catalog for every shipped locale.
func NewMessages() *Messages {
	_en := en.New()
	uni := ut.New(_en, _en, fr.New())

	for locale, texts := range catalog {
		trans, _ := uni.GetTranslator(locale)
		for code, text := range texts {
			// Add only fails on duplicate keys, which the catalog cannot contain
			_ = trans.Add(string(code), text, false)
		}
	}
	return &Messages{uni: uni}
}

// Locales returns the locales with a translated catalog
func (m *Messages) Locales() []string {
	out := make([]string, 0, len(catalog))
	for locale := range catalog {
		out = append(out, locale)
	}
	sort.Strings(out)
	return out
}

// Text returns the message for code in locale, falling back to English.
func (m *Messages) Text(locale string, code ErrorCode, retryAfterSeconds int) string {
	trans, found := m.uni.FindTranslator(normalizeLocale(locale), DefaultLocale)
	if !found {
		trans, _ = m.uni.GetTranslator(DefaultLocale)
	}

	text, err := trans.T(string(code), strconv.Itoa(retryAfterSeconds))
	if err != nil || text == "" {
		fallback, _ := m.uni.GetTranslator(DefaultLocale)
		if text, err = fallback.T(string(code), strconv.Itoa(retryAfterSeconds)); err != nil || text == "" {
			text, _ = fallback.T(string(CodeServerError))
		}
	}
	return text
}

// normalizeLocale turns "fr-CA" or "fr_CA" into "fr"
func normalizeLocale(locale string) string {
	locale = strings.ToLower(strings.TrimSpace(locale))
	if i := strings.IndexAny(locale, "-_"); i > 0 {
		locale = locale[:i]
	}
	return locale
}

type localeKey struct{}

// WithLocale returns a context carrying the caller's preferred locale
func WithLocale(ctx context.Context, locale string) context.Context {
	return context.WithValue(ctx, localeKey{}, locale)
}

// LocaleFromContext returns the locale stored by WithLocale, or DefaultLocale
func LocaleFromContext(ctx context.Context) string {
	if locale, ok := ctx.Value(localeKey{}).(string); ok && locale != "" {
		return locale
	}
	return DefaultLocale
}
