package keys

import (
	"fmt"
	"strings"
)

// ValidationError reports a key or pattern rejected before any I/O.
type ValidationError struct {
	Field  string // "key" or "pattern"
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// ValidateKey rejects empty or whitespace-only keys.
func ValidateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return &ValidationError{Field: "key", Value: key, Reason: "empty"}
	}
	return nil
}

// ValidatePattern checks a SCAN-style glob: non-empty, every '[' closed,
// no dangling trailing escape.
func ValidatePattern(pattern string) error {
	if strings.TrimSpace(pattern) == "" {
		return &ValidationError{Field: "pattern", Value: pattern, Reason: "empty"}
	}
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '\\':
			if i == len(pattern)-1 {
				return &ValidationError{Field: "pattern", Value: pattern, Reason: "dangling escape"}
			}
			i++
		case '[':
			j := i + 1
			for j < len(pattern) && pattern[j] != ']' {
				if pattern[j] == '\\' {
					j++
				}
				j++
			}
			if j >= len(pattern) {
				return &ValidationError{Field: "pattern", Value: pattern, Reason: "unterminated character class"}
			}
			i = j
		}
	}
	return nil
}
