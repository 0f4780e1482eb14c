package cpg

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// GraphDump is a serialised graph: the nodes and edges the analysis needs,
// plus function metadata. It lets the pipeline run without a live backend.
type GraphDump struct {
	Nodes     []NodeRef           `json:"nodes" yaml:"nodes"`
	Edges     []Edge              `json:"edges" yaml:"edges"`
	Functions []Function          `json:"functions" yaml:"functions"`
	Bodies    map[string]string   `json:"bodies,omitempty" yaml:"bodies,omitempty"`
	CallSites map[string][]string `json:"call_sites,omitempty" yaml:"call_sites,omitempty"`
}

// LoadDump reads a GraphDump from a JSON or YAML file.
func LoadDump(path string) (*GraphDump, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read graph dump: %w", err)
	}
	var d GraphDump
	if len(data) > 0 && (data[0] == '{' || data[0] == '[') {
		err = json.Unmarshal(data, &d)
	} else {
		err = yaml.Unmarshal(data, &d)
	}
	if err != nil {
		return nil, fmt.Errorf("parse graph dump %s: %w", path, err)
	}
	return &d, nil
}

// MemoryGraph is an in-process Backend over a GraphDump.
type MemoryGraph struct {
	mu    sync.RWMutex
	nodes map[NodeID]NodeRef
	order []NodeID
	out   map[NodeID][]Neighbor
	in    map[NodeID][]Neighbor
	funcs []Function
	dump  *GraphDump
}

var _ Backend = (*MemoryGraph)(nil)

// NewMemoryGraph indexes the dump. Edges referring to unknown nodes are an
// error.
func NewMemoryGraph(d *GraphDump) (*MemoryGraph, error) {
	g := &MemoryGraph{
		nodes: make(map[NodeID]NodeRef, len(d.Nodes)),
		out:   make(map[NodeID][]Neighbor),
		in:    make(map[NodeID][]Neighbor),
		dump:  d,
	}
	for _, n := range d.Nodes {
		if _, dup := g.nodes[n.ID]; dup {
			return nil, fmt.Errorf("graph dump: duplicate node id %d", n.ID)
		}
		g.nodes[n.ID] = n
		g.order = append(g.order, n.ID)
	}
	sort.Slice(g.order, func(i, j int) bool { return g.order[i] < g.order[j] })
	for _, e := range d.Edges {
		if err := g.addEdgeLocked(e); err != nil {
			return nil, err
		}
	}
	g.funcs = append([]Function{}, d.Functions...)
	sort.SliceStable(g.funcs, func(i, j int) bool { return g.funcs[i].FullName < g.funcs[j].FullName })
	return g, nil
}

func (g *MemoryGraph) addEdgeLocked(e Edge) error {
	from, ok := g.nodes[e.From]
	if !ok {
		return fmt.Errorf("graph dump: edge from unknown node %d", e.From)
	}
	to, ok := g.nodes[e.To]
	if !ok {
		return fmt.Errorf("graph dump: edge to unknown node %d", e.To)
	}
	kind := e.Kind
	if kind == "" {
		kind = EdgeDataFlow
	}
	g.out[e.From] = append(g.out[e.From], Neighbor{Node: to, Kind: kind})
	g.in[e.To] = append(g.in[e.To], Neighbor{Node: from, Kind: kind})
	return nil
}

// FindNodes implements Facade.
func (g *MemoryGraph) FindNodes(ctx context.Context, p Pattern) ([]NodeRef, error) {
	m, err := p.Compile()
	if err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []NodeRef
	for _, id := range g.order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if n := g.nodes[id]; m.Match(n) {
			out = append(out, n)
		}
	}
	return out, nil
}

// Neighbors implements Facade.
func (g *MemoryGraph) Neighbors(ctx context.Context, n NodeRef, dir Direction) ([]Neighbor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	var src []Neighbor
	if dir == Backward {
		src = g.in[n.ID]
	} else {
		src = g.out[n.ID]
	}
	return append([]Neighbor(nil), src...), nil
}

// Trace implements Facade.
func (g *MemoryGraph) Trace(ctx context.Context, from NodeRef, dir Direction, maxDepth int) ([]Path, error) {
	return traceBFS(ctx, from, dir, maxDepth, g.Neighbors)
}

// FunctionBody implements Facade.
func (g *MemoryGraph) FunctionBody(_ context.Context, ref NodeRef) (string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if body, ok := g.dump.Bodies[ref.Function]; ok {
		return body, nil
	}
	for _, f := range g.funcs {
		if f.FullName == ref.Function && f.Signature != "" {
			return f.Signature, nil
		}
	}
	return "", fmt.Errorf("function body: %q not found", ref.Function)
}

// Functions implements Facade.
func (g *MemoryGraph) Functions(context.Context) ([]Function, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]Function(nil), g.funcs...), nil
}

// Parameters implements Facade.
func (g *MemoryGraph) Parameters(_ context.Context, fn Function) ([]Parameter, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, f := range g.funcs {
		if f.FullName == fn.FullName {
			return append([]Parameter(nil), f.Params...), nil
		}
	}
	return nil, nil
}

// CallSites implements Facade.
func (g *MemoryGraph) CallSites(_ context.Context, fn Function, limit int) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if sites, ok := g.dump.CallSites[fn.FullName]; ok {
		if limit > 0 && len(sites) > limit {
			sites = sites[:limit]
		}
		return append([]string(nil), sites...), nil
	}
	var out []string
	for _, id := range g.order {
		n := g.nodes[id]
		if n.Kind == KindCall && (n.Callee == fn.FullName || n.Name == fn.Name) {
			out = append(out, n.Code)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// ApplySemantics adds a data-flow edge from argument From to argument To
// (or to the call itself for ReturnValue) at every call of a method the
// semantic describes.
func (g *MemoryGraph) ApplySemantics(_ context.Context, sems []Semantic) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, s := range sems {
		m, err := Pattern{Kind: PatternCall, Name: s.Method, Index: ReturnValue}.Compile()
		if err != nil {
			return fmt.Errorf("apply semantics: %w", err)
		}
		for _, id := range g.order {
			call := g.nodes[id]
			if !m.Match(call) {
				continue
			}
			args := g.argumentsLocked(call)
			for _, f := range s.Flows {
				from, ok := args[f.From]
				if !ok {
					continue
				}
				to := call
				if f.To != ReturnValue {
					if to, ok = args[f.To]; !ok {
						continue
					}
				}
				if from.ID == to.ID || g.hasEdgeLocked(from.ID, to.ID) {
					continue
				}
				if err := g.addEdgeLocked(Edge{From: from.ID, To: to.ID, Kind: EdgeDataFlow}); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (g *MemoryGraph) argumentsLocked(call NodeRef) map[int]NodeRef {
	args := make(map[int]NodeRef)
	for _, nb := range g.out[call.ID] {
		if nb.Kind == EdgeCall && nb.Node.Kind != KindCall && nb.Node.Callee == call.Callee {
			args[nb.Node.ArgIndex] = nb.Node
		}
	}
	for _, nb := range g.in[call.ID] {
		if nb.Node.Kind != KindCall && nb.Node.Callee == call.Callee && nb.Node.Line == call.Line {
			if _, ok := args[nb.Node.ArgIndex]; !ok {
				args[nb.Node.ArgIndex] = nb.Node
			}
		}
	}
	return args
}

func (g *MemoryGraph) hasEdgeLocked(from, to NodeID) bool {
	for _, nb := range g.out[from] {
		if nb.Node.ID == to {
			return true
		}
	}
	return false
}

// Restart is a no-op; the dump never changes underneath.
func (g *MemoryGraph) Restart(context.Context) error { return nil }

// CacheStats implements Backend.
func (g *MemoryGraph) CacheStats() CacheStats { return CacheStats{} }

// Close implements Backend.
func (g *MemoryGraph) Close() error { return nil }
