package synth

import (
	"go/token"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// #region names
// ExportedName turns an arbitrary key into an exported Go identifier:
// "user_name" and "user-name" become "UserName", "aiChat" becomes "AiChat".
// Keys that start with a digit get an "F" prefix; keys without letters or
// digits become "Field".
func ExportedName(key string) string {
	words := strings.FieldsFunc(key, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	var b strings.Builder
	for _, w := range words {
		b.WriteString(titleWord(w))
	}
	name := b.String()
	if name == "" {
		return "Field"
	}
	if unicode.IsDigit([]rune(name)[0]) {
		name = "F" + name
	}
	if !token.IsIdentifier(name) {
		return "Field"
	}
	return name
}

// titleWord upper-cases the first letter and leaves the rest untouched.
func titleWord(w string) string {
	return cases.Title(language.Und, cases.NoLower).String(w)
}

// #endregion names
