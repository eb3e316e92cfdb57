package knowledge

import (
	"fmt"
	"regexp"
	"strings"
)

// Language conversion is an explicit, reversible annotation pass: when a
// PRP is created with auto-translation enabled and its text carries no
// marker of the target language, the original text is preserved inside a
// structured annotation block. The agent resolves the block exactly once,
// on first analysis, replacing it with translated content.

const (
	annotationOpenFmt = "[[translate:%s]]"
	annotationClose   = "[[/translate]]"
)

var annotationPattern = regexp.MustCompile(`(?s)^\[\[translate:([a-z-]+)\]\](.*)\[\[/translate\]\]$`)

// languageMarkers are the fixed hints that text is already in the target
// language: common Portuguese words, the locale tag, the country flag.
var languageMarkers = []string{
	"pt-br", "🇧🇷",
	"não", "você", "então", "português",
	" que ", " para ", " com ", " uma ", " são ",
}

// HasLanguageMarker reports whether text already looks like it is in the
// default target language.
func HasLanguageMarker(text string) bool {
	lower := strings.ToLower(text)
	for _, m := range languageMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// AnnotateForTranslation wraps text in a translation annotation unless
// it is empty, already annotated, or already carries a language marker.
// The transform is deterministic and preserves the original text.
func AnnotateForTranslation(text, lang string) string {
	if text == "" || HasLanguageMarker(text) {
		return text
	}
	if _, _, ok := ParseTranslationAnnotation(text); ok {
		return text
	}
	return fmt.Sprintf(annotationOpenFmt, lang) + text + annotationClose
}

// ParseTranslationAnnotation extracts the target language and original
// text from an annotated value.
func ParseTranslationAnnotation(text string) (lang, original string, ok bool) {
	m := annotationPattern.FindStringSubmatch(text)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// NeedsTranslation reports whether any of the PRP's user-facing fields
// still carries a translation annotation.
func (p *PRP) NeedsTranslation() bool {
	for _, f := range []string{p.Title, p.Description, p.Objective} {
		if _, _, ok := ParseTranslationAnnotation(f); ok {
			return true
		}
	}
	return false
}
