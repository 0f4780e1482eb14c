// Package passes holds the built-in analysis passes and the registry that
// maps configured pass ids onto them.
package passes

import (
	"fmt"
	"sort"
)

// Kind identifies a built-in pass. The set is closed: configuration can
// only select from these ids.
type Kind string

const (
	// KindInit prepares the graph: it enumerates functions and installs
	// data-flow semantics for library calls.
	KindInit Kind = "init"
	// KindCWE78 finds OS command injection.
	KindCWE78 Kind = "cwe78"
	// KindCWE134 finds externally controlled format strings.
	KindCWE134 Kind = "cwe134"
	// KindTaint runs user-defined source/sink/sanitizer rules.
	KindTaint Kind = "taint"
)

// Kinds lists every pass kind in canonical order.
var Kinds = []Kind{KindInit, KindCWE78, KindCWE134, KindTaint}

// ParseKind converts a configured id into a Kind.
func ParseKind(id string) (Kind, error) {
	k := Kind(id)
	if !k.Valid() {
		return "", fmt.Errorf("unknown pass kind %q", id)
	}
	return k, nil
}

// Valid reports whether k is one of the built-in kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindInit, KindCWE78, KindCWE134, KindTaint:
		return true
	}
	return false
}

// Description is a one-line summary of what the pass does.
func (k Kind) Description() string {
	switch k {
	case KindInit:
		return "enumerate functions and install library data-flow semantics"
	case KindCWE78:
		return "OS command injection (CWE-78)"
	case KindCWE134:
		return "externally controlled format string (CWE-134)"
	case KindTaint:
		return "custom taint rules from pass_config.taint"
	}
	return ""
}

// DefaultCWE is the weakness class a pass reports when its configuration
// does not name one.
func (k Kind) DefaultCWE() string {
	switch k {
	case KindCWE78:
		return "CWE-78"
	case KindCWE134:
		return "CWE-134"
	case KindTaint:
		return "CWE-20"
	}
	return ""
}

func sortedKinds(m map[Kind]Factory) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, string(k))
	}
	sort.Strings(out)
	return out
}
