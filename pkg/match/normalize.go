// Package match filters the files of a migration source tree using
// doublestar glob semantics and size bounds.
package match

import (
	"strings"
)

// escapable lists the runes a backslash escapes inside a glob.
const escapable = `*?[]{}\`

// NormalizePattern rewrites a user glob so it can be matched against the
// slash-separated path of a file relative to the migration root.
//
// A backslash that escapes a glob metacharacter is kept; any other backslash
// is a Windows separator and becomes "/". Runs of "/" collapse, and a leading
// "./" or "/" is dropped because relative paths never carry one:
//
//	`exports\2026/*.csv` -> "exports/2026/*.csv"
//	"./logs//**"         -> "logs/**"
//	`report\[1\].txt`    -> `report\[1\].txt`
func NormalizePattern(pattern string) string {
	var b strings.Builder
	b.Grow(len(pattern))

	runes := []rune(strings.TrimSpace(pattern))
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r == '\\' {
			if i+1 < len(runes) && strings.ContainsRune(escapable, runes[i+1]) {
				b.WriteRune(r)
				b.WriteRune(runes[i+1])
				i++
				continue
			}
			r = '/'
		}
		if r == '/' && strings.HasSuffix(b.String(), "/") {
			continue
		}
		b.WriteRune(r)
	}

	out := b.String()
	for {
		switch {
		case strings.HasPrefix(out, "./"):
			out = out[2:]
		case strings.HasPrefix(out, "/"):
			out = out[1:]
		default:
			return out
		}
	}
}

// IsHidden reports whether any segment of relPath is a dot file or dot
// directory. "." and ".." are path syntax, not hidden entries.
func IsHidden(relPath string) bool {
	for _, seg := range strings.Split(relPath, "/") {
		if len(seg) > 1 && seg[0] == '.' && seg != ".." {
			return true
		}
	}
	return false
}
