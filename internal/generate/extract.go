package generate

import (
	"fmt"
	"strings"
)

// ExtractProgram pulls the Go source out of a model response. Models are
// asked for a single fenced block but occasionally return bare source or
// wrap it in prose; all three shapes are accepted.
func ExtractProgram(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty response")
	}

	if block, ok := fencedBlock(raw); ok {
		raw = block
	}
	raw = strings.TrimSpace(raw)

	idx := strings.Index(raw, "package main")
	if idx < 0 {
		return "", fmt.Errorf("response contains no package main")
	}
	return raw[idx:], nil
}

// fencedBlock returns the contents of the first ``` fence, tolerating a
// language tag on the opening line.
func fencedBlock(s string) (string, bool) {
	start := strings.Index(s, "```")
	if start < 0 {
		return "", false
	}
	rest := s[start+3:]
	if nl := strings.Index(rest, "\n"); nl >= 0 {
		// Drop the language tag line ("go", "golang", or empty).
		rest = rest[nl+1:]
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return strings.TrimSpace(rest), true
	}
	return strings.TrimSpace(rest[:end]), true
}
