// Package locale handles the locale codes shared by documents, workbook
// columns and catalog labels.
//
// Codes are kept in the platform's underscore form ("de_DE"). Documents often
// spell them with a hyphen ("de-DE"); Normalize folds both spellings together
// so a code read from an xml:lang attribute can be compared with a workbook
// column header or a catalog property suffix.
package locale

import (
	"sort"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// Source is the locale every document is authored in. It is always part of a
// selection and always comes first.
const Source = "en_US"

// Locale is a language code plus the platform's active flag.
type Locale struct {
	Code   string `json:"code"`
	Active bool   `json:"active"`
}

// Normalize returns the canonical form of a locale code: lowercase language,
// uppercase two-letter region, title-case script, underscore separated.
// "de-DE", "de_de" and "DE-de" all become "de_DE".
func Normalize(code string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return ""
	}
	parts := strings.Split(strings.ReplaceAll(code, "-", "_"), "_")
	parts[0] = strings.ToLower(parts[0])
	for i := 1; i < len(parts); i++ {
		p := parts[i]
		switch len(p) {
		case 2:
			parts[i] = strings.ToUpper(p)
		case 4:
			parts[i] = strings.ToUpper(p[:1]) + strings.ToLower(p[1:])
		}
	}
	return strings.Join(parts, "_")
}

// Equal reports whether two codes name the same locale.
func Equal(a, b string) bool {
	return Normalize(a) == Normalize(b)
}

// Tag parses a code into a BCP 47 tag.
func Tag(code string) (language.Tag, error) {
	return language.Parse(strings.ReplaceAll(Normalize(code), "_", "-"))
}

// Valid reports whether code is a well-formed locale code.
func Valid(code string) bool {
	if code == "" {
		return false
	}
	_, err := Tag(code)
	return err == nil
}

// DisplayName returns the English name of a locale, e.g. "German (Germany)".
// Unknown codes are returned unchanged.
func DisplayName(code string) string {
	tag, err := Tag(code)
	if err != nil {
		return code
	}
	name := display.English.Tags().Name(tag)
	if name == "" {
		return code
	}
	return name
}

// Format renders a canonical code with the given separator ("-" or "_"),
// matching how a particular document spells its xml:lang values.
func Format(code, sep string) string {
	code = Normalize(code)
	if sep == "_" || sep == "" {
		return code
	}
	return strings.ReplaceAll(code, "_", sep)
}

// Selection normalizes and de-duplicates codes, drops empty ones and puts the
// source locale first followed by the rest in code order.
func Selection(codes []string) []string {
	seen := map[string]bool{Source: true}
	rest := make([]string, 0, len(codes))
	for _, c := range codes {
		n := Normalize(c)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		rest = append(rest, n)
	}
	sort.Strings(rest)
	return append([]string{Source}, rest...)
}

// Sort orders locales with the source locale first and the rest by code.
func Sort(locales []Locale) {
	sort.SliceStable(locales, func(i, j int) bool {
		a, b := locales[i].Code, locales[j].Code
		if a == Source || b == Source {
			return a == Source && b != Source
		}
		return a < b
	})
}
