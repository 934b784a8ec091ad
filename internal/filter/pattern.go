// Package filter rewrites outbound request bodies according to a session's
// filter profile: system-prompt patterns, tool drops, and tool-pair stripping.
package filter

import (
	"regexp"
	"strings"
)

// Pattern is a system-filter pattern compiled once at profile load: a regex
// when the source compiles, otherwise a literal substring match.
type Pattern struct {
	Source string
	re     *regexp.Regexp
}

// CompilePattern tries the source as a regex with default flags and falls
// back to substring matching when compilation fails.
func CompilePattern(source string) Pattern {
	re, err := regexp.Compile(source)
	if err != nil {
		return Pattern{Source: source}
	}
	return Pattern{Source: source, re: re}
}

// Matches reports whether text matches the pattern.
func (p Pattern) Matches(text string) bool {
	if p.re != nil {
		return p.re.MatchString(text)
	}
	return strings.Contains(text, p.Source)
}

// CompilePatterns compiles a list of pattern sources in order.
func CompilePatterns(sources []string) []Pattern {
	out := make([]Pattern, 0, len(sources))
	for _, s := range sources {
		out = append(out, CompilePattern(s))
	}
	return out
}
