// Package cpg is the typed facade over an external Code Property Graph
// backend. Graph nodes live in the backend process; this package only
// holds opaque handles to them and caches query results.
package cpg

import (
	"context"
	"strconv"
	"strings"
)

// NodeID is the backend-assigned identifier of a graph node. It is only
// meaningful within one backend session.
type NodeID int64

// NodeKind classifies a graph node.
type NodeKind string

const (
	KindCall       NodeKind = "call"
	KindParameter  NodeKind = "parameter"
	KindReturn     NodeKind = "return"
	KindIdentifier NodeKind = "identifier"
	KindLiteral    NodeKind = "literal"
	KindMethod     NodeKind = "method"
	KindUnknown    NodeKind = "unknown"
)

// kindFromLabel maps backend node labels onto NodeKind.
func kindFromLabel(label string) NodeKind {
	switch label {
	case "CALL":
		return KindCall
	case "METHOD_PARAMETER_IN", "METHOD_PARAMETER_OUT":
		return KindParameter
	case "METHOD_RETURN", "RETURN":
		return KindReturn
	case "IDENTIFIER", "LOCAL", "FIELD_IDENTIFIER":
		return KindIdentifier
	case "LITERAL":
		return KindLiteral
	case "METHOD":
		return KindMethod
	default:
		return KindUnknown
	}
}

// NodeRef is a read-only handle to a backend node together with the
// location data needed for reporting. Two refs are equal when their IDs are.
type NodeRef struct {
	ID       NodeID   `json:"id" yaml:"id"`
	Kind     NodeKind `json:"kind" yaml:"kind"`
	Name     string   `json:"name,omitempty" yaml:"name,omitempty"`
	Function string   `json:"function" yaml:"function"`
	File     string   `json:"file" yaml:"file"`
	Line     int      `json:"line" yaml:"line"`
	Code     string   `json:"code" yaml:"code"`
	Callee   string   `json:"callee,omitempty" yaml:"callee,omitempty"`
	ArgIndex int      `json:"arg_index,omitempty" yaml:"arg_index,omitempty"`
	Indirect bool     `json:"indirect,omitempty" yaml:"indirect,omitempty"`
}

// Equal reports whether both refs point at the same backend node.
func (n NodeRef) Equal(o NodeRef) bool {
	return n.ID == o.ID
}

// ShortFunction returns the unqualified name of the containing function.
func (n NodeRef) ShortFunction() string {
	return shortName(n.Function)
}

func shortName(fullName string) string {
	name := fullName
	if i := strings.IndexByte(name, ':'); i >= 0 {
		name = name[:i]
	}
	if i := strings.LastIndexAny(name, "./"); i >= 0 && i < len(name)-1 {
		name = name[i+1:]
	}
	return name
}

// EdgeKind distinguishes intra-procedural data flow from inter-procedural
// call linkage.
type EdgeKind string

const (
	EdgeDataFlow EdgeKind = "data-flow"
	EdgeCall     EdgeKind = "call"
)

// Edge is a directed edge between two nodes of a Path.
type Edge struct {
	From NodeID   `json:"from" yaml:"from"`
	To   NodeID   `json:"to" yaml:"to"`
	Kind EdgeKind `json:"kind" yaml:"kind"`
}

// Neighbor is one adjacent node reached through an edge of the given kind.
type Neighbor struct {
	Node NodeRef
	Kind EdgeKind
}

// Direction selects which edges Neighbors and Trace follow.
type Direction int

const (
	Forward Direction = iota
	Backward
)

func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

// Path is an ordered walk through the graph. len(Edges) == len(Nodes)-1
// for any non-empty path.
type Path struct {
	Nodes []NodeRef `json:"nodes" yaml:"nodes"`
	Edges []Edge    `json:"edges" yaml:"edges"`
}

// NewPath starts a path at the given node.
func NewPath(start NodeRef) Path {
	return Path{Nodes: []NodeRef{start}}
}

// Len returns the number of edges in the path.
func (p Path) Len() int {
	return len(p.Edges)
}

// First returns the first node of the path.
func (p Path) First() NodeRef {
	if len(p.Nodes) == 0 {
		return NodeRef{}
	}
	return p.Nodes[0]
}

// Last returns the last node of the path.
func (p Path) Last() NodeRef {
	if len(p.Nodes) == 0 {
		return NodeRef{}
	}
	return p.Nodes[len(p.Nodes)-1]
}

// Contains reports whether the node is already on the path.
func (p Path) Contains(id NodeID) bool {
	for _, n := range p.Nodes {
		if n.ID == id {
			return true
		}
	}
	return false
}

// Extend returns a copy of the path with one more step. The receiver is
// left untouched so sibling branches of a search can share a prefix.
func (p Path) Extend(next Neighbor) Path {
	nodes := make([]NodeRef, len(p.Nodes), len(p.Nodes)+1)
	copy(nodes, p.Nodes)
	edges := make([]Edge, len(p.Edges), len(p.Edges)+1)
	copy(edges, p.Edges)
	edges = append(edges, Edge{From: p.Last().ID, To: next.Node.ID, Kind: next.Kind})
	nodes = append(nodes, next.Node)
	return Path{Nodes: nodes, Edges: edges}
}

// Interior returns the nodes strictly between the first and last node.
func (p Path) Interior() []NodeRef {
	if len(p.Nodes) <= 2 {
		return nil
	}
	return p.Nodes[1 : len(p.Nodes)-1]
}

// Signature is a compact, order-preserving identity of the path.
func (p Path) Signature() string {
	var b strings.Builder
	for i, n := range p.Nodes {
		if i > 0 {
			b.WriteString("->")
		}
		b.WriteString(strconv.FormatInt(int64(n.ID), 10))
	}
	return b.String()
}

// Functions returns the distinct containing functions along the path, in
// first-seen order.
func (p Path) Functions() []string {
	seen := make(map[string]bool)
	var out []string
	for _, n := range p.Nodes {
		if n.Function == "" || seen[n.Function] {
			continue
		}
		seen[n.Function] = true
		out = append(out, n.Function)
	}
	return out
}

// Function describes a method known to the backend.
type Function struct {
	FullName  string      `json:"full_name" yaml:"full_name"`
	Name      string      `json:"name" yaml:"name"`
	File      string      `json:"file" yaml:"file"`
	Line      int         `json:"line" yaml:"line"`
	LineEnd   int         `json:"line_end" yaml:"line_end"`
	Signature string      `json:"signature,omitempty" yaml:"signature,omitempty"`
	External  bool        `json:"external" yaml:"external"`
	Params    []Parameter `json:"params,omitempty" yaml:"params,omitempty"`
}

// Operator reports whether the function is a backend-internal operator
// such as <operator>.assignment.
func (f Function) Operator() bool {
	return strings.HasPrefix(f.FullName, "<operator>") || strings.Contains(f.FullName, "<global>")
}

// Parameter describes one formal parameter of a Function.
type Parameter struct {
	Name  string `json:"name" yaml:"name"`
	Index int    `json:"index" yaml:"index"`
	Type  string `json:"type,omitempty" yaml:"type,omitempty"`
}

// Facade is the graph query surface consumed by analysis passes. All
// methods may fail with ErrBackendUnavailable or ErrQueryTimeout.
type Facade interface {
	FindNodes(ctx context.Context, p Pattern) ([]NodeRef, error)
	Neighbors(ctx context.Context, n NodeRef, dir Direction) ([]Neighbor, error)
	Trace(ctx context.Context, from NodeRef, dir Direction, maxDepth int) ([]Path, error)
	FunctionBody(ctx context.Context, ref NodeRef) (string, error)
	Functions(ctx context.Context) ([]Function, error)
	Parameters(ctx context.Context, fn Function) ([]Parameter, error)
	CallSites(ctx context.Context, fn Function, limit int) ([]string, error)
	ApplySemantics(ctx context.Context, sems []Semantic) error
}
