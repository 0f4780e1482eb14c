package cpg

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A small command-injection graph: getenv flows through a local and a
// helper into system.
const dumpYAML = `
nodes:
  - {id: 1, kind: call, name: getenv, callee: getenv, function: main, file: main.c, line: 5, code: 'getenv("CMD")'}
  - {id: 2, kind: identifier, name: cmd, function: main, file: main.c, line: 5, code: cmd}
  - {id: 3, kind: parameter, name: s, function: run, file: main.c, line: 12, arg_index: 1}
  - {id: 4, kind: identifier, name: s, callee: system, arg_index: 1, function: run, file: main.c, line: 13, code: s}
  - {id: 5, kind: call, name: strcpy, callee: strcpy, function: main, file: main.c, line: 7, code: 'strcpy(buf, cmd)'}
  - {id: 6, kind: identifier, name: buf, callee: strcpy, arg_index: 1, function: main, file: main.c, line: 7}
  - {id: 7, kind: identifier, name: cmd, callee: strcpy, arg_index: 2, function: main, file: main.c, line: 7}
edges:
  - {from: 1, to: 2}
  - {from: 2, to: 3, kind: call}
  - {from: 3, to: 4}
  - {from: 5, to: 6, kind: call}
  - {from: 5, to: 7, kind: call}
functions:
  - {full_name: main, name: main, file: main.c, line: 3, line_end: 10}
  - {full_name: run, name: run, file: main.c, line: 12, line_end: 14, signature: "void run(char *s)", params: [{name: s, index: 1}]}
bodies:
  main: "int main() { run(getenv(\"CMD\")); }"
`

func loadTestGraph(t *testing.T) *MemoryGraph {
	t.Helper()
	path := filepath.Join(t.TempDir(), "graph.yaml")
	require.NoError(t, os.WriteFile(path, []byte(dumpYAML), 0o644))
	d, err := LoadDump(path)
	require.NoError(t, err)
	g, err := NewMemoryGraph(d)
	require.NoError(t, err)
	return g
}

func TestMemoryGraphFindNodes(t *testing.T) {
	g := loadTestGraph(t)
	ctx := context.Background()

	srcs, err := g.FindNodes(ctx, Pattern{Kind: PatternCall, Name: "getenv", Index: ReturnValue})
	require.NoError(t, err)
	require.Len(t, srcs, 1)
	assert.Equal(t, NodeID(1), srcs[0].ID)

	sinks, err := g.FindNodes(ctx, Pattern{Kind: PatternCall, Name: "system|popen", Index: 1})
	require.NoError(t, err)
	require.Len(t, sinks, 1)
	assert.Equal(t, NodeID(4), sinks[0].ID)

	params, err := g.FindNodes(ctx, Pattern{Kind: PatternParameter, Name: "run", Index: 1})
	require.NoError(t, err)
	assert.Len(t, params, 1)
}

func TestMemoryGraphNeighbors(t *testing.T) {
	g := loadTestGraph(t)
	ctx := context.Background()

	fwd, err := g.Neighbors(ctx, NodeRef{ID: 2}, Forward)
	require.NoError(t, err)
	require.Len(t, fwd, 1)
	assert.Equal(t, EdgeCall, fwd[0].Kind)

	back, err := g.Neighbors(ctx, NodeRef{ID: 2}, Backward)
	require.NoError(t, err)
	require.Len(t, back, 1)
	assert.Equal(t, EdgeDataFlow, back[0].Kind, "edges without a kind default to data flow")
}

func TestMemoryGraphTrace(t *testing.T) {
	g := loadTestGraph(t)
	ctx := context.Background()

	paths, err := g.Trace(ctx, NodeRef{ID: 1}, Forward, 5)
	require.NoError(t, err)
	require.Len(t, paths, 3)
	assert.Equal(t, "1->2->3->4", paths[2].Signature())

	short, err := g.Trace(ctx, NodeRef{ID: 1}, Forward, 2)
	require.NoError(t, err)
	assert.Len(t, short, 2)

	back, err := g.Trace(ctx, NodeRef{ID: 4}, Backward, 5)
	require.NoError(t, err)
	require.Len(t, back, 3)
	assert.Equal(t, NodeID(1), back[2].Last().ID)
}

func TestMemoryGraphTraceCancelled(t *testing.T) {
	g := loadTestGraph(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.Trace(ctx, NodeRef{ID: 1}, Forward, 5)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryGraphFunctionBody(t *testing.T) {
	g := loadTestGraph(t)
	ctx := context.Background()

	body, err := g.FunctionBody(ctx, NodeRef{Function: "main"})
	require.NoError(t, err)
	assert.Contains(t, body, "run(getenv")

	sig, err := g.FunctionBody(ctx, NodeRef{Function: "run"})
	require.NoError(t, err)
	assert.Equal(t, "void run(char *s)", sig)

	_, err = g.FunctionBody(ctx, NodeRef{Function: "missing"})
	assert.Error(t, err)
}

func TestMemoryGraphFunctionsAndParameters(t *testing.T) {
	g := loadTestGraph(t)
	ctx := context.Background()

	fns, err := g.Functions(ctx)
	require.NoError(t, err)
	require.Len(t, fns, 2)
	assert.Equal(t, "main", fns[0].FullName)

	params, err := g.Parameters(ctx, fns[1])
	require.NoError(t, err)
	assert.Equal(t, []Parameter{{Name: "s", Index: 1}}, params)

	sites, err := g.CallSites(ctx, Function{FullName: "strcpy", Name: "strcpy"}, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"strcpy(buf, cmd)"}, sites)
}

func TestMemoryGraphApplySemantics(t *testing.T) {
	g := loadTestGraph(t)
	ctx := context.Background()

	before, err := g.Neighbors(ctx, NodeRef{ID: 7}, Forward)
	require.NoError(t, err)
	assert.Empty(t, before)

	sem := Semantic{Method: "strcpy", Flows: []ParamFlow{{From: 2, To: 1}, {From: 2, To: ReturnValue}}}
	require.NoError(t, g.ApplySemantics(ctx, []Semantic{sem}))

	after, err := g.Neighbors(ctx, NodeRef{ID: 7}, Forward)
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, NodeID(6), after[0].Node.ID)
	assert.Equal(t, NodeID(5), after[1].Node.ID)

	// Applying the same rules twice does not duplicate edges.
	require.NoError(t, g.ApplySemantics(ctx, []Semantic{sem}))
	again, err := g.Neighbors(ctx, NodeRef{ID: 7}, Forward)
	require.NoError(t, err)
	assert.Len(t, again, 2)
}

func TestNewMemoryGraphRejectsDanglingEdges(t *testing.T) {
	_, err := NewMemoryGraph(&GraphDump{
		Nodes: []NodeRef{{ID: 1}},
		Edges: []Edge{{From: 1, To: 9}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown node 9")

	_, err = NewMemoryGraph(&GraphDump{Nodes: []NodeRef{{ID: 1}, {ID: 1}}})
	assert.Error(t, err)
}

func TestOpenFileMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"nodes": [{"id": 1, "kind": "call", "callee": "gets"}]}`), 0o644))

	b, err := Open(context.Background(), OpenOptions{Mode: ModeFile, Target: path})
	require.NoError(t, err)
	defer b.Close()

	nodes, err := b.FindNodes(context.Background(), Pattern{Kind: PatternCall, Name: "gets", Index: ReturnValue})
	require.NoError(t, err)
	assert.Len(t, nodes, 1)

	_, err = Open(context.Background(), OpenOptions{Mode: "carrier-pigeon"})
	assert.Error(t, err)
}
