package cache

import (
	"strings"

	"github.com/gobwas/glob"
)

// compilePattern compiles a Redis-style glob for in-process matching.
func compilePattern(pattern string) (glob.Glob, error) {
	return glob.Compile(translatePattern(pattern))
}

// translatePattern rewrites the Redis glob dialect into gobwas syntax:
// negated classes use ! instead of ^ and braces are literal.
func translatePattern(pattern string) string {
	var sb strings.Builder
	inClass := false
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch {
		case c == '\\' && i+1 < len(pattern):
			sb.WriteByte(c)
			sb.WriteByte(pattern[i+1])
			i++
		case inClass:
			if c == ']' {
				inClass = false
			}
			sb.WriteByte(c)
		case c == '[':
			inClass = true
			sb.WriteByte(c)
			if i+1 < len(pattern) && pattern[i+1] == '^' {
				sb.WriteByte('!')
				i++
			}
		case c == '{' || c == '}' || c == ',':
			sb.WriteByte('\\')
			sb.WriteByte(c)
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

// sqlitePattern rewrites backslash escapes, which SQLite GLOB lacks, into
// single-character classes.
func sqlitePattern(pattern string) string {
	if !strings.Contains(pattern, `\`) {
		return pattern
	}
	var sb strings.Builder
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		if c == '\\' && i+1 < len(pattern) {
			i++
			sb.WriteByte('[')
			sb.WriteByte(pattern[i])
			sb.WriteByte(']')
			continue
		}
		sb.WriteByte(c)
	}
	return sb.String()
}

// EscapePattern quotes the glob metacharacters in s so the result matches
// s literally.
func EscapePattern(s string) string {
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '*', '?', '[', ']', '\\':
			sb.WriteByte('\\')
		}
		sb.WriteByte(s[i])
	}
	return sb.String()
}
