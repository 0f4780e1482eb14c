package refiner

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// decodeJSON parses the JSON object or array in a model response. Models
// often wrap the payload in markdown code fences or add a sentence around
// it; both are tolerated.
func decodeJSON(response string, v any) error {
	payload := extractJSON(response)
	if payload == "" {
		return fmt.Errorf("no JSON in response %q", truncate(response, 80))
	}
	if err := json.Unmarshal([]byte(payload), v); err != nil {
		return fmt.Errorf("parse response JSON: %w", err)
	}
	return nil
}

func extractJSON(response string) string {
	trimmed := stripFences(strings.TrimSpace(response))
	start := strings.IndexAny(trimmed, "{[")
	if start < 0 {
		return ""
	}
	closer := byte('}')
	if trimmed[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(trimmed, closer)
	if end < start {
		return ""
	}
	return trimmed[start : end+1]
}

// stripFences removes a leading ```lang line and a trailing ``` line.
func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) < 2 {
		return s
	}
	end := len(lines)
	if strings.TrimSpace(lines[end-1]) == "```" {
		end--
	}
	return strings.Join(lines[1:end], "\n")
}

// number accepts a JSON number or a numeric string such as "0.8".
type number float64

func (n *number) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	switch strings.ToLower(s) {
	case "high":
		*n = 0.9
		return nil
	case "medium":
		*n = 0.7
		return nil
	case "low":
		*n = 0.4
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("not a number: %s", b)
	}
	*n = number(v)
	return nil
}

// truncate shortens s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
