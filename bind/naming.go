package bind

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// MemberName converts an exported Go field or method name to the name
// foreign code sees: the leading run of capitals is lowered, so
// "ReadAll" → "readAll", "ID" → "id" and "HTTPServer" → "httpServer".
func MemberName(goName string) string {
	if goName == "" {
		return goName
	}
	runes := []rune(goName)
	n := 0
	for n < len(runes) && unicode.IsUpper(runes[n]) {
		n++
	}
	switch {
	case n == 0:
		return goName
	case n == 1 || n == len(runes):
		// "Read" or "ID"
	default:
		// Keep the capital that starts the next word: "HTTPServer".
		n--
	}
	var b strings.Builder
	b.Grow(len(goName))
	for i, r := range runes {
		if i < n {
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}

func exported(name string) bool {
	r, _ := utf8.DecodeRuneInString(name)
	return unicode.IsUpper(r)
}
