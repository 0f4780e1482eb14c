package cpg

import (
	"fmt"
	"regexp"
	"strings"
)

// PatternKind selects what a Pattern matches.
type PatternKind string

const (
	// PatternCall matches call sites by callee name. Index selects an
	// argument (1-based, 0 is the receiver) or ReturnValue for the call
	// result itself.
	PatternCall PatternKind = "call"
	// PatternParameter matches formal parameters of methods by method name.
	PatternParameter PatternKind = "parameter"
	// PatternReturn matches the return node of methods by method name.
	PatternReturn PatternKind = "return"
	// PatternIdentifier matches identifiers by variable name.
	PatternIdentifier PatternKind = "identifier"
)

// ReturnValue is the Index value that designates a return value rather
// than a parameter position.
const ReturnValue = -1

// Pattern describes a set of graph nodes. Name is a regular expression
// anchored at both ends.
type Pattern struct {
	Kind        PatternKind `json:"kind" yaml:"kind" toml:"kind"`
	Name        string      `json:"name" yaml:"name" toml:"name"`
	Index       int         `json:"index" yaml:"index" toml:"index"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty" toml:"description"`
}

// String renders the pattern for logs and notes.
func (p Pattern) String() string {
	if p.Kind == PatternCall || p.Kind == PatternParameter {
		return fmt.Sprintf("%s:%s[%d]", p.Kind, p.Name, p.Index)
	}
	return fmt.Sprintf("%s:%s", p.Kind, p.Name)
}

// Validate checks that the pattern is well formed.
func (p Pattern) Validate() error {
	switch p.Kind {
	case PatternCall, PatternParameter, PatternReturn, PatternIdentifier:
	default:
		return fmt.Errorf("pattern %q: unknown kind %q", p.Name, p.Kind)
	}
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("pattern of kind %q: empty name", p.Kind)
	}
	if p.Index < ReturnValue {
		return fmt.Errorf("pattern %q: invalid index %d", p.Name, p.Index)
	}
	if _, err := regexp.Compile(anchor(p.Name)); err != nil {
		return fmt.Errorf("pattern %q: %w", p.Name, err)
	}
	return nil
}

func anchor(expr string) string {
	return "^(?:" + expr + ")$"
}

// Matcher is a compiled Pattern.
type Matcher struct {
	pattern Pattern
	re      *regexp.Regexp
}

// Compile validates the pattern and compiles its name expression.
func (p Pattern) Compile() (*Matcher, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Matcher{pattern: p, re: regexp.MustCompile(anchor(p.Name))}, nil
}

// Pattern returns the source pattern.
func (m *Matcher) Pattern() Pattern {
	return m.pattern
}

// MatchName reports whether a bare function or variable name matches.
func (m *Matcher) MatchName(name string) bool {
	if name == "" {
		return false
	}
	return m.re.MatchString(name) || m.re.MatchString(shortName(name))
}

// Match reports whether the node is selected by the pattern.
func (m *Matcher) Match(n NodeRef) bool {
	switch m.pattern.Kind {
	case PatternCall:
		if m.pattern.Index == ReturnValue {
			return n.Kind == KindCall && m.MatchName(calleeName(n))
		}
		// Arguments carry the callee of their parent call.
		return n.Kind != KindCall && n.Callee != "" && n.ArgIndex == m.pattern.Index && m.MatchName(n.Callee)
	case PatternParameter:
		return n.Kind == KindParameter && n.ArgIndex == m.pattern.Index && m.MatchName(n.Function)
	case PatternReturn:
		return n.Kind == KindReturn && m.MatchName(n.Function)
	case PatternIdentifier:
		return n.Kind == KindIdentifier && m.MatchName(n.Name)
	}
	return false
}

// Touches reports whether the node is a call to, or lies inside, a function
// whose name matches. Sanitizer checks use this looser test so a path that
// merely passes through a cleaning routine is recognised.
func (m *Matcher) Touches(n NodeRef) bool {
	if n.Kind == KindCall && m.MatchName(calleeName(n)) {
		return true
	}
	return m.MatchName(n.Function)
}

func calleeName(n NodeRef) string {
	if n.Callee != "" {
		return n.Callee
	}
	return n.Name
}

// CompileAll compiles every pattern, failing on the first invalid one.
func CompileAll(patterns []Pattern) ([]*Matcher, error) {
	out := make([]*Matcher, 0, len(patterns))
	for _, p := range patterns {
		m, err := p.Compile()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}
