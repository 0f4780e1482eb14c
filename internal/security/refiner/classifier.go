package refiner

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/julianshen/cpghunter/internal/cpg"
)

// RoleKind is the taint role a function plays for one weakness class.
type RoleKind string

const (
	RoleSource    RoleKind = "SOURCE"
	RoleSink      RoleKind = "SINK"
	RoleSanitizer RoleKind = "SANITIZER"
	RoleNone      RoleKind = "NONE"
)

// MinRoleConfidence is the lowest model confidence at which a role is kept.
const MinRoleConfidence = 0.6

// Role is one classification of a function.
type Role struct {
	Kind RoleKind `json:"role"`
	// ParameterIndex is the tainted or dangerous argument (1-based),
	// or cpg.ReturnValue for the return value.
	ParameterIndex int     `json:"parameter_index"`
	Confidence     float64 `json:"confidence"`
	Reason         string  `json:"reason"`
}

// Pattern turns the role into a node pattern for function fn. It returns
// false for RoleNone.
func (r Role) Pattern(fn cpg.Function) (cpg.Pattern, bool) {
	name := fn.Name
	if name == "" {
		name = fn.FullName
	}
	p := cpg.Pattern{
		Kind:        cpg.PatternCall,
		Name:        regexp.QuoteMeta(name),
		Description: truncate(r.Reason, 120),
	}
	switch r.Kind {
	case RoleSource:
		p.Index = r.ParameterIndex
		if p.Index < cpg.ReturnValue {
			p.Index = cpg.ReturnValue
		}
	case RoleSink:
		if r.ParameterIndex < 1 {
			return cpg.Pattern{}, false
		}
		p.Index = r.ParameterIndex
	case RoleSanitizer:
		p.Index = cpg.ReturnValue
	default:
		return cpg.Pattern{}, false
	}
	return p, true
}

type roleReply struct {
	AnalysisResult *struct {
		FunctionName string      `json:"function_name"`
		Roles        []roleEntry `json:"roles"`
	} `json:"analysis_result"`
	Roles []roleEntry `json:"roles"`
}

type roleEntry struct {
	Role           string  `json:"role"`
	ParameterIndex *number `json:"parameter_index"`
	Confidence     number  `json:"confidence"`
	Reason         string  `json:"reason"`
}

// weaknessHints describe what each role means for a weakness class.
var weaknessHints = map[string]string{
	"CWE-78": `SOURCE: returns or writes data an attacker can influence (environment, network, files, user input).
SINK: executes its argument as an operating system command (system, popen, exec family, shell wrappers).
SANITIZER: validates, escapes or whitelists data before it reaches a command.`,
	"CWE-134": `SOURCE: returns or writes data an attacker can influence.
SINK: uses one of its arguments as a printf-style format string.
SANITIZER: replaces or validates format directives in a string.`,
}

const classifySystemPrompt = `You are a C/C++ security analyst. You classify functions by the role they play in taint analysis.
Answer with a single JSON object and nothing else.`

// RoleClassifier asks the model which taint roles a function plays.
type RoleClassifier struct {
	llm Completer
}

// NewRoleClassifier creates a RoleClassifier.
func NewRoleClassifier(llm Completer) *RoleClassifier {
	return &RoleClassifier{llm: llm}
}

// Classify returns the roles of fn for the weakness class cwe whose
// confidence is at least MinRoleConfidence. RoleNone entries are dropped.
func (c *RoleClassifier) Classify(ctx context.Context, fn cpg.Function, body, cwe string) ([]Role, error) {
	resp, err := c.llm.Complete(ctx, classifySystemPrompt, buildClassifyPrompt(fn, body, cwe))
	if err != nil {
		return nil, fmt.Errorf("classify %s: %w", fn.Name, err)
	}

	var reply roleReply
	if err := decodeJSON(resp.Text, &reply); err != nil {
		return nil, fmt.Errorf("classify %s: %w: %v", fn.Name, ErrMalformed, err)
	}
	entries := reply.Roles
	if reply.AnalysisResult != nil {
		entries = reply.AnalysisResult.Roles
	}

	var roles []Role
	for _, e := range entries {
		kind := RoleKind(strings.ToUpper(strings.TrimSpace(e.Role)))
		switch kind {
		case RoleSource, RoleSink, RoleSanitizer:
		default:
			continue
		}
		if float64(e.Confidence) < MinRoleConfidence {
			continue
		}
		idx := cpg.ReturnValue
		if e.ParameterIndex != nil {
			idx = int(*e.ParameterIndex)
		}
		roles = append(roles, Role{
			Kind:           kind,
			ParameterIndex: idx,
			Confidence:     float64(e.Confidence),
			Reason:         strings.TrimSpace(e.Reason),
		})
	}
	return roles, nil
}

func buildClassifyPrompt(fn cpg.Function, body, cwe string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Weakness class: %s\n", cwe)
	if hint, ok := weaknessHints[cwe]; ok {
		sb.WriteString(hint)
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "\nFunction: %s\n", fn.Name)
	if fn.Signature != "" {
		fmt.Fprintf(&sb, "Signature: %s\n", fn.Signature)
	}
	if fn.File != "" {
		fmt.Fprintf(&sb, "Location: %s:%d\n", fn.File, fn.Line)
	}
	if body != "" {
		fmt.Fprintf(&sb, "\n```c\n%s\n```\n", truncate(body, maxBodyLen))
	}
	sb.WriteString(`
Parameter indexes are 1-based; use -1 for the return value.
Return JSON of the form:
{"analysis_result": {"function_name": "<name>", "roles": [{"role": "SOURCE|SINK|SANITIZER|NONE", "parameter_index": <int>, "confidence": <0.0-1.0>, "reason": "<short reason>"}]}}
`)
	return sb.String()
}
