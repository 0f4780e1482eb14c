package cpg

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	jsonBlock   = regexp.MustCompile(`(?s)"""(.*?)"""`)
)

// StripANSI removes terminal escape sequences from REPL output.
func StripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

// extractJSON pulls the triple-quoted JSON payload that .toJsonPretty
// produces out of raw REPL output and decodes it into v.
func extractJSON(raw string, v any) error {
	m := jsonBlock.FindStringSubmatch(raw)
	if m == nil {
		// Server responses sometimes carry the bare JSON document.
		trimmed := strings.TrimSpace(raw)
		if strings.HasPrefix(trimmed, "[") || strings.HasPrefix(trimmed, "{") {
			return json.Unmarshal([]byte(trimmed), v)
		}
		return fmt.Errorf("no JSON payload in backend output: %q", truncate(raw, 200))
	}
	if err := json.Unmarshal([]byte(m[1]), v); err != nil {
		return fmt.Errorf("decoding backend JSON: %w", err)
	}
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

// rawNode mirrors the projection produced by the cpghNode helper that the
// session prelude installs in the backend.
type rawNode struct {
	ID       int64  `json:"id"`
	Label    string `json:"label"`
	Code     string `json:"code"`
	Name     string `json:"name"`
	Line     int    `json:"line"`
	Callee   string `json:"callee"`
	ArgIndex int    `json:"argIndex"`
	Method   string `json:"method"`
	File     string `json:"file"`
}

func (r rawNode) ref() NodeRef {
	n := NodeRef{
		ID:       NodeID(r.ID),
		Kind:     kindFromLabel(r.Label),
		Name:     r.Name,
		Function: r.Method,
		File:     r.File,
		Line:     r.Line,
		Code:     r.Code,
		Callee:   r.Callee,
		ArgIndex: r.ArgIndex,
	}
	if n.Kind == KindCall {
		n.Indirect = unresolvedCallee(r.Callee)
	}
	return n
}

// unresolvedCallee reports whether a call target could not be resolved
// statically (function pointers, dynamic dispatch, unknown namespaces).
func unresolvedCallee(callee string) bool {
	return callee == "" ||
		strings.Contains(callee, "<unresolvedNamespace>") ||
		strings.Contains(callee, "<unresolvedSignature>") ||
		strings.HasPrefix(callee, "<operator>.pointerCall") ||
		strings.HasPrefix(callee, "<operator>.indirectCall")
}

type rawEdge struct {
	Label string  `json:"label"`
	Node  rawNode `json:"node"`
}

func edgeKindFromLabel(label string) (EdgeKind, bool) {
	switch label {
	case "REACHING_DEF":
		return EdgeDataFlow, true
	case "CALL", "ARGUMENT", "PARAMETER_LINK", "RECEIVER":
		return EdgeCall, true
	}
	return "", false
}

type rawFunction struct {
	FullName  string `json:"fullName"`
	Name      string `json:"name"`
	File      string `json:"file"`
	Line      int    `json:"line"`
	LineEnd   int    `json:"lineEnd"`
	Signature string `json:"signature"`
	External  bool   `json:"external"`
	Code      string `json:"code"`
}

func (r rawFunction) function() Function {
	return Function{
		FullName:  r.FullName,
		Name:      r.Name,
		File:      r.File,
		Line:      r.Line,
		LineEnd:   r.LineEnd,
		Signature: r.Signature,
		External:  r.External,
	}
}
