package taint

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/julianshen/cpghunter/internal/cpg"
)

var (
	userInput = cpg.Pattern{Kind: cpg.PatternCall, Name: "get_user_input", Index: cpg.ReturnValue}
	systemArg = cpg.Pattern{Kind: cpg.PatternCall, Name: "system|popen", Index: 1}
	sanitize  = cpg.Pattern{Kind: cpg.PatternCall, Name: "sanitize_.*", Index: cpg.ReturnValue}
)

// injectionGraph holds two flows into system(): a direct one from node 1
// and one from node 7 that passes through sanitize_command.
func injectionGraph(t *testing.T, extra ...cpg.Edge) *cpg.MemoryGraph {
	t.Helper()
	d := &cpg.GraphDump{
		Nodes: []cpg.NodeRef{
			{ID: 1, Kind: cpg.KindCall, Callee: "get_user_input", Function: "main", File: "main.c", Line: 4},
			{ID: 2, Kind: cpg.KindIdentifier, Name: "cmd", Function: "main", File: "main.c", Line: 4},
			{ID: 3, Kind: cpg.KindIdentifier, Name: "cmd", Callee: "system", ArgIndex: 1, Function: "main", File: "main.c", Line: 9},
			{ID: 4, Kind: cpg.KindParameter, Name: "in", ArgIndex: 1, Function: "sanitize_command", File: "util.c", Line: 2},
			{ID: 5, Kind: cpg.KindReturn, Function: "sanitize_command", File: "util.c", Line: 8},
			{ID: 6, Kind: cpg.KindIdentifier, Name: "safe", Function: "main", File: "main.c", Line: 7},
			{ID: 7, Kind: cpg.KindCall, Callee: "get_user_input", Function: "main", File: "main.c", Line: 6},
			{ID: 8, Kind: cpg.KindCall, Callee: "<operator>.pointerCall", Indirect: true, Function: "main", File: "main.c", Line: 5},
		},
		Edges: append([]cpg.Edge{
			{From: 1, To: 2},
			{From: 2, To: 3},
			{From: 7, To: 4, Kind: cpg.EdgeCall},
			{From: 4, To: 5},
			{From: 5, To: 6, Kind: cpg.EdgeCall},
			{From: 6, To: 3},
		}, extra...),
	}
	g, err := cpg.NewMemoryGraph(d)
	require.NoError(t, err)
	return g
}

func newAnalyzer(t *testing.T, q Querier, cfg Config) *Analyzer {
	t.Helper()
	if cfg.Sources == nil {
		cfg.Sources = []cpg.Pattern{userInput}
	}
	if cfg.Sinks == nil {
		cfg.Sinks = []cpg.Pattern{systemArg}
	}
	if cfg.Sanitizers == nil {
		cfg.Sanitizers = []cpg.Pattern{sanitize}
	}
	a, err := New(q, cfg)
	require.NoError(t, err)
	return a
}

func TestAnalyzerFindsDirectAndSanitizedFlows(t *testing.T) {
	a := newAnalyzer(t, injectionGraph(t), Config{})

	res, err := a.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Candidates, 2)

	direct := res.Candidates[0]
	assert.Equal(t, cpg.NodeID(1), direct.Source.ID)
	assert.Equal(t, "1->2->3", direct.Path.Signature())
	assert.False(t, direct.Sanitized())

	cleaned := res.Candidates[1]
	assert.Equal(t, "7->4->5->6->3", cleaned.Path.Signature())
	require.True(t, cleaned.Sanitized())
	require.Len(t, cleaned.Sanitizers, 2)
	assert.True(t, cleaned.Sanitizers[0].Cut, "a parameter of the sanitizer cuts the flow")
	assert.False(t, cleaned.Sanitizers[1].Cut)

	assert.Equal(t, 2, res.Stats.Sources)
	assert.Equal(t, 1, res.Stats.Sinks)
	assert.Equal(t, 2, res.Stats.Functions)
	assert.False(t, res.Truncated)
	assert.Empty(t, res.Aborted)
}

func TestAnalyzerRespectsMaxCallDepth(t *testing.T) {
	a := newAnalyzer(t, injectionGraph(t), Config{MaxCallDepth: 3})

	res, err := a.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Candidates, 1)
	for _, c := range res.Candidates {
		assert.LessOrEqual(t, c.Path.Len(), 3)
	}

	require.Len(t, res.Aborted, 1)
	assert.Equal(t, cpg.NodeID(7), res.Aborted[0].Source.ID)
	assert.Equal(t, ReasonMaxDepth, res.Aborted[0].Reason)
}

func TestAnalyzerMaxCallDepthAcrossFunctions(t *testing.T) {
	// The flow leaves main through helper before reaching system() in run.
	g, err := cpg.NewMemoryGraph(&cpg.GraphDump{
		Nodes: []cpg.NodeRef{
			{ID: 1, Kind: cpg.KindCall, Callee: "get_user_input", Function: "main", File: "main.c", Line: 3},
			{ID: 2, Kind: cpg.KindParameter, Name: "in", ArgIndex: 1, Function: "helper", File: "helper.c", Line: 1},
			{ID: 3, Kind: cpg.KindIdentifier, Name: "in", Function: "helper", File: "helper.c", Line: 2},
			{ID: 4, Kind: cpg.KindParameter, Name: "cmd", ArgIndex: 1, Function: "run", File: "run.c", Line: 1},
			{ID: 5, Kind: cpg.KindIdentifier, Name: "cmd", Callee: "system", ArgIndex: 1, Function: "run", File: "run.c", Line: 2},
		},
		Edges: []cpg.Edge{
			{From: 1, To: 2, Kind: cpg.EdgeCall},
			{From: 2, To: 3},
			{From: 3, To: 4, Kind: cpg.EdgeCall},
			{From: 4, To: 5},
		},
	})
	require.NoError(t, err)

	res, err := newAnalyzer(t, g, Config{MaxCallDepth: 2}).Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Candidates)
	require.Len(t, res.Aborted, 1)
	assert.Equal(t, cpg.NodeID(1), res.Aborted[0].Source.ID)
	assert.Equal(t, cpg.NodeID(5), res.Aborted[0].Sink.ID)
	assert.Equal(t, ReasonMaxDepth, res.Aborted[0].Reason)

	res, err = newAnalyzer(t, g, Config{MaxCallDepth: 4}).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Candidates, 1)
	assert.Empty(t, res.Aborted)
}

func TestAnalyzerTruncatesSources(t *testing.T) {
	a := newAnalyzer(t, injectionGraph(t), Config{MaxSources: 1})

	res, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	require.Len(t, res.Sources, 1)
	assert.Equal(t, cpg.NodeID(1), res.Sources[0].ID, "the first discovered source is kept")
	require.Len(t, res.Candidates, 1)
	require.NotEmpty(t, res.Notes)
	assert.Contains(t, res.Notes[0], "first 1 of 2")
}

func TestAnalyzerStopsAtMaxPaths(t *testing.T) {
	g := injectionGraph(t, cpg.Edge{From: 1, To: 8}, cpg.Edge{From: 8, To: 3})

	all := newAnalyzer(t, g, Config{Sources: []cpg.Pattern{{Kind: cpg.PatternCall, Name: "get_user_input", Index: cpg.ReturnValue}}})
	res, err := all.Run(context.Background())
	require.NoError(t, err)
	var fromOne []Candidate
	for _, c := range res.Candidates {
		if c.Source.ID == 1 {
			fromOne = append(fromOne, c)
		}
	}
	require.Len(t, fromOne, 2)
	assert.Equal(t, 1, fromOne[1].Indirections)

	capped := newAnalyzer(t, g, Config{MaxPaths: 1})
	res, err = capped.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Candidates, 2, "one path per pair")
	assert.Equal(t, "1->2->3", res.Candidates[0].Path.Signature())
}

func TestAnalyzerSurvivesCycles(t *testing.T) {
	g := injectionGraph(t, cpg.Edge{From: 2, To: 1}, cpg.Edge{From: 6, To: 7})
	a := newAnalyzer(t, g, Config{})

	res, err := a.Run(context.Background())
	require.NoError(t, err)
	for _, c := range res.Candidates {
		seen := map[cpg.NodeID]bool{}
		for _, n := range c.Path.Nodes {
			assert.False(t, seen[n.ID], "path %s revisits node %d", c.Path.Signature(), n.ID)
			seen[n.ID] = true
		}
	}
}

func TestAnalyzerMaxFunctionsAbortsPair(t *testing.T) {
	a := newAnalyzer(t, injectionGraph(t), Config{MaxFunctions: 1})

	res, err := a.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Candidates, 1)
	require.Len(t, res.Aborted, 1)
	assert.Equal(t, ReasonMaxFunctions, res.Aborted[0].Reason)
	assert.Equal(t, 1, res.Stats.Functions)
}

// flakyQuerier fails Neighbors for selected nodes.
type flakyQuerier struct {
	Querier
	fail map[cpg.NodeID]error
}

func (f *flakyQuerier) Neighbors(ctx context.Context, n cpg.NodeRef, dir cpg.Direction) ([]cpg.Neighbor, error) {
	if err, ok := f.fail[n.ID]; ok {
		return nil, err
	}
	return f.Querier.Neighbors(ctx, n, dir)
}

func TestAnalyzerQueryTimeoutIsLocalToPair(t *testing.T) {
	q := &flakyQuerier{
		Querier: injectionGraph(t),
		fail:    map[cpg.NodeID]error{4: fmt.Errorf("%w: slow", cpg.ErrQueryTimeout)},
	}
	a := newAnalyzer(t, q, Config{})

	res, err := a.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Candidates, 1)
	require.Len(t, res.Aborted, 1)
	assert.Equal(t, ReasonQueryTimeout, res.Aborted[0].Reason)
}

// patternFailQuerier fails FindNodes for patterns with the given name.
type patternFailQuerier struct {
	Querier
	name string
	err  error
}

func (f *patternFailQuerier) FindNodes(ctx context.Context, p cpg.Pattern) ([]cpg.NodeRef, error) {
	if p.Name == f.name {
		return nil, f.err
	}
	return f.Querier.FindNodes(ctx, p)
}

func TestAnalyzerSkippedPatternMarksTruncated(t *testing.T) {
	q := &patternFailQuerier{
		Querier: injectionGraph(t),
		name:    "read_env",
		err:     fmt.Errorf("%w: slow", cpg.ErrQueryTimeout),
	}
	a := newAnalyzer(t, q, Config{Sources: []cpg.Pattern{
		userInput,
		{Kind: cpg.PatternCall, Name: "read_env", Index: cpg.ReturnValue},
	}})

	res, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Candidates, 2, "the remaining pattern is still searched")
	assert.True(t, res.Truncated)
	require.Len(t, res.Notes, 1)
	assert.Contains(t, res.Notes[0], "source pattern")
	assert.Contains(t, res.Notes[0], "skipped")
}

func TestAnalyzerBackendUnavailableStopsRun(t *testing.T) {
	q := &flakyQuerier{
		Querier: injectionGraph(t),
		fail:    map[cpg.NodeID]error{4: fmt.Errorf("%w: pipe closed", cpg.ErrBackendUnavailable)},
	}
	a := newAnalyzer(t, q, Config{})

	res, err := a.Run(context.Background())
	require.ErrorIs(t, err, cpg.ErrBackendUnavailable)
	require.NotNil(t, res)
	assert.Len(t, res.Candidates, 1, "pairs finished before the failure are kept")
}

func TestAnalyzerCancelled(t *testing.T) {
	a := newAnalyzer(t, injectionGraph(t), Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAnalyzerParallelMatchesSequential(t *testing.T) {
	g := injectionGraph(t, cpg.Edge{From: 1, To: 8}, cpg.Edge{From: 8, To: 3})

	seq, err := newAnalyzer(t, g, Config{}).Run(context.Background())
	require.NoError(t, err)
	par, err := newAnalyzer(t, g, Config{Workers: 4}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, seq.Candidates, par.Candidates)
}

func TestNewRejectsBadPatterns(t *testing.T) {
	g := injectionGraph(t)

	_, err := New(g, Config{Sinks: []cpg.Pattern{systemArg}})
	assert.Error(t, err)

	_, err = New(g, Config{Sources: []cpg.Pattern{userInput}, Sinks: []cpg.Pattern{{Kind: "bogus", Name: "x"}}})
	assert.Error(t, err)

	_, err = New(g, Config{Sources: []cpg.Pattern{userInput}, Sinks: []cpg.Pattern{systemArg}, Sanitizers: []cpg.Pattern{{Kind: cpg.PatternCall, Name: "(", Index: -1}}})
	assert.Error(t, err)
}
