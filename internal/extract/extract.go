// Package extract recovers the value a guest program reported on stdout.
//
// The guest prints a marker followed by {"returnValue": <json>}. Everything
// before the marker is ordinary program output and is ignored.
package extract

import (
	"encoding/json"
	"strings"
)

const payloadPrefix = `{"returnValue":`

// Value locates marker in stdout and decodes the payload that follows it.
// It reports false when the marker is missing, when the payload prefix does
// not follow it immediately, or when the envelope is never closed. A payload
// that does not parse as JSON is returned as its raw trimmed text. Value
// never panics.
func Value(stdout, marker string) (any, bool) {
	if marker == "" {
		return nil, false
	}
	i := strings.Index(stdout, marker)
	if i < 0 {
		return nil, false
	}
	rest := stdout[i+len(marker):]
	if !strings.HasPrefix(rest, payloadPrefix) {
		return nil, false
	}

	body := rest[len(payloadPrefix):]
	end := closingBrace(body)
	if end < 0 {
		return nil, false
	}
	candidate := strings.TrimSpace(body[:end])

	if v, ok := decode(candidate); ok {
		return v, true
	}
	if trimmed := strings.TrimSuffix(candidate, "}"); trimmed != candidate {
		if v, ok := decode(strings.TrimSpace(trimmed)); ok {
			return v, true
		}
	}
	return candidate, true
}

// closingBrace returns the index in s of the brace that closes the payload
// object whose opening brace precedes s. Braces inside JSON string literals
// are not counted.
func closingBrace(s string) int {
	depth := 1
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func decode(s string) (any, bool) {
	if !json.Valid([]byte(s)) {
		return nil, false
	}
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	return v, true
}

// ErrorMessage pulls the message out of an {"error": "..."} line written to
// stderr by a failing guest. It returns the last such line found.
func ErrorMessage(stderr string) (string, bool) {
	lines := strings.Split(stderr, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var payload struct {
			Error *string `json:"error"`
		}
		if err := json.Unmarshal([]byte(line), &payload); err != nil || payload.Error == nil {
			continue
		}
		return *payload.Error, true
	}
	return "", false
}
