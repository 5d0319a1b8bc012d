package middleware

import (
	"context"
	"net/http"

	"golang.org/x/text/language"

	"github.com/ratticdb/rattic/internal/auth"
)

const languageKey contextKey = "language"

// SupportedLanguages are the interface translations, default first.
var SupportedLanguages = []language.Tag{
	language.English,
	language.French,
	language.German,
	language.Italian,
}

var languageMatcher = language.NewMatcher(SupportedLanguages)

// Locale picks the response language from the session, then the
// Accept-Language header, falling back to English.
func Locale(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var preferred string
		if s := auth.SessionFromContext(r.Context()); s != nil {
			preferred = s.Language
		}

		tag, _ := language.MatchStrings(languageMatcher, preferred, r.Header.Get("Accept-Language"))
		base, _ := tag.Base()
		lang := base.String()

		w.Header().Add("Vary", "Accept-Language")
		w.Header().Set("Content-Language", lang)

		ctx := context.WithValue(r.Context(), languageKey, lang)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetLanguage returns the request language code, "en" if Locale did not run.
func GetLanguage(ctx context.Context) string {
	if lang, ok := ctx.Value(languageKey).(string); ok {
		return lang
	}
	return language.English.String()
}

// MatchLanguage returns the supported language code for a requested one,
// and false when there is no reasonable match.
func MatchLanguage(requested string) (string, bool) {
	tag, err := language.Parse(requested)
	if err != nil {
		return "", false
	}
	_, idx, conf := languageMatcher.Match(tag)
	if conf < language.High {
		return "", false
	}
	base, _ := SupportedLanguages[idx].Base()
	return base.String(), true
}
