package server

import (
	"fmt"
	"strings"
)

// Rules decides which image URLs skip the cache.
type Rules struct {
	passthrough []string
}

func NewRules(passthrough []string) (*Rules, error) {
	patterns := make([]string, 0, len(passthrough))
	for _, pattern := range passthrough {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" || pattern == "**" {
			return nil, fmt.Errorf("invalid passthrough pattern: %q", pattern)
		}
		patterns = append(patterns, pattern)
	}
	return &Rules{passthrough: patterns}, nil
}

func (r *Rules) ShouldPassthrough(url string) bool {
	if r == nil {
		return false
	}
	for _, pattern := range r.passthrough {
		if matchPattern(url, pattern) {
			return true
		}
	}
	return false
}

// matchPattern supports a leading and/or trailing "*". A pattern without
// wildcards matches as a substring.
func matchPattern(s, pattern string) bool {
	if pattern == "*" {
		return true
	}

	if strings.HasPrefix(pattern, "*") && strings.HasSuffix(pattern, "*") {
		return strings.Contains(s, pattern[1:len(pattern)-1])
	}

	if strings.HasPrefix(pattern, "*") {
		return strings.HasSuffix(s, pattern[1:])
	}

	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(s, pattern[:len(pattern)-1])
	}

	return strings.Contains(s, pattern)
}
