package llm

import (
	"errors"
	"strings"
)

// ErrNoJSONObject means no balanced top-level object was found in the
// completion text.
var ErrNoJSONObject = errors.New("llm: no JSON object in response")

// StripCodeFences removes Markdown code fences around the payload. Models
// routinely wrap their JSON in ```json blocks despite instructions.
func StripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		// Drop the language tag line ("json", "JSON", ...).
		s = s[idx+1:]
	}
	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

// ExtractJSONObject returns the first balanced top-level {...} object in
// the text, tracking string literals and escapes so braces inside strings
// do not miscount.
func ExtractJSONObject(s string) (string, error) {
	s = StripCodeFences(s)

	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", ErrNoJSONObject
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return s[start : i+1], nil
				}
			}
		}
	}
	return "", ErrNoJSONObject
}
