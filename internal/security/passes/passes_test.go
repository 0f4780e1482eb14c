package passes

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/julianshen/cpghunter/internal/cpg"
	"github.com/julianshen/cpghunter/internal/provider"
	"github.com/julianshen/cpghunter/internal/security"
)

// scriptedLLM answers with the first reply whose key occurs in the prompt.
type scriptedLLM struct {
	mu       sync.Mutex
	replies  map[string]string
	fallback string
	prompts  []string
}

func (s *scriptedLLM) Complete(_ context.Context, _, prompt string) (*provider.CompletionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, prompt)
	for key, reply := range s.replies {
		if strings.Contains(prompt, key) {
			return &provider.CompletionResponse{Text: reply}, nil
		}
	}
	return &provider.CompletionResponse{Text: s.fallback}, nil
}

func defaultPassConfig() security.PassConfig {
	return security.PassConfig{
		ConfidenceThreshold:    0.6,
		MaxSources:             50,
		MaxSinks:               50,
		MaxPaths:               100,
		EnablePathOptimization: true,
		Weights:                security.DefaultWeights(),
	}
}

func budgets() security.Budgets {
	return security.Budgets{MaxCallDepth: 20, MaxFunctions: 1000, TimeoutPerPass: time.Minute}
}

// programGraph models
//
//	cmd = getenv("CMD"); system(cmd);
//	safe = sanitize_command(getenv("ALT")); system(safe);
//	fgets(buf, n, stdin); printf(buf);
//	strcpy(dst, src);
func programGraph(t *testing.T) *cpg.MemoryGraph {
	t.Helper()
	g, err := cpg.NewMemoryGraph(&cpg.GraphDump{
		Nodes: []cpg.NodeRef{
			{ID: 1, Kind: cpg.KindCall, Callee: "getenv", Function: "main", File: "main.c", Line: 4, Code: `getenv("CMD")`},
			{ID: 2, Kind: cpg.KindIdentifier, Name: "cmd", Function: "main", File: "main.c", Line: 4, Code: "cmd"},
			{ID: 3, Kind: cpg.KindIdentifier, Name: "cmd", Callee: "system", ArgIndex: 1, Function: "main", File: "main.c", Line: 9, Code: "cmd"},
			{ID: 5, Kind: cpg.KindCall, Callee: "getenv", Function: "main", File: "main.c", Line: 6, Code: `getenv("ALT")`},
			{ID: 6, Kind: cpg.KindParameter, Name: "in", ArgIndex: 1, Function: "sanitize_command", File: "util.c", Line: 2},
			{ID: 7, Kind: cpg.KindReturn, Function: "sanitize_command", File: "util.c", Line: 8},
			{ID: 8, Kind: cpg.KindIdentifier, Name: "safe", Function: "main", File: "main.c", Line: 7},
			{ID: 9, Kind: cpg.KindIdentifier, Name: "safe", Callee: "system", ArgIndex: 1, Function: "main", File: "main.c", Line: 10, Code: "safe"},

			{ID: 20, Kind: cpg.KindIdentifier, Name: "buf", Callee: "fgets", ArgIndex: 1, Function: "log_line", File: "log.c", Line: 3, Code: "buf"},
			{ID: 21, Kind: cpg.KindIdentifier, Name: "buf", Callee: "printf", ArgIndex: 1, Function: "log_line", File: "log.c", Line: 4, Code: "buf"},

			{ID: 30, Kind: cpg.KindCall, Callee: "strcpy", Function: "copy", File: "copy.c", Line: 5, Code: "strcpy(dst, src)"},
			{ID: 31, Kind: cpg.KindIdentifier, Name: "dst", Callee: "strcpy", ArgIndex: 1, Function: "copy", File: "copy.c", Line: 5},
			{ID: 32, Kind: cpg.KindIdentifier, Name: "src", Callee: "strcpy", ArgIndex: 2, Function: "copy", File: "copy.c", Line: 5},
		},
		Edges: []cpg.Edge{
			{From: 1, To: 2},
			{From: 2, To: 3},
			{From: 5, To: 6, Kind: cpg.EdgeCall},
			{From: 6, To: 7},
			{From: 7, To: 8, Kind: cpg.EdgeCall},
			{From: 8, To: 9},
			{From: 20, To: 21},
			{From: 31, To: 30},
			{From: 32, To: 30},
		},
		Functions: []cpg.Function{
			{FullName: "main", Name: "main", File: "main.c", Line: 1},
			{FullName: "sanitize_command", Name: "sanitize_command", File: "util.c", Line: 1},
			{FullName: "log_line", Name: "log_line", File: "log.c", Line: 1},
			{FullName: "copy", Name: "copy", File: "copy.c", Line: 1},
			{FullName: "strcpy", Name: "strcpy", External: true},
			{FullName: "getenv", Name: "getenv", External: true},
			{FullName: "<operator>.assignment", Name: "<operator>.assignment"},
		},
	})
	require.NoError(t, err)
	return g
}

func TestKinds(t *testing.T) {
	for _, k := range Kinds {
		assert.True(t, k.Valid(), k)
		assert.NotEmpty(t, k.Description(), k)
		parsed, err := ParseKind(string(k))
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}
	_, err := ParseKind("cwe79")
	assert.Error(t, err)
	assert.Equal(t, "CWE-78", KindCWE78.DefaultCWE())
	assert.Equal(t, "CWE-134", KindCWE134.DefaultCWE())
}

func TestRegistryIDs(t *testing.T) {
	r := NewRegistry(Deps{})
	assert.Equal(t, []string{"cwe134", "cwe78", "init", "taint"}, r.IDs())
}

func TestRegistryValidateReportsAllUnknown(t *testing.T) {
	r := NewRegistry(Deps{})
	require.NoError(t, r.Validate([]string{"init", "cwe78"}))

	err := r.Validate([]string{"init", "bogus", "nope"})
	require.Error(t, err)
	assert.ErrorIs(t, err, security.ErrUnknownPass)
	assert.ErrorIs(t, err, security.ErrConfiguration)
	assert.Contains(t, err.Error(), `"bogus"`)
	assert.Contains(t, err.Error(), `"nope"`)

	var upe *security.UnknownPassError
	require.True(t, errors.As(err, &upe))
	assert.Equal(t, "bogus", upe.ID)
	assert.Contains(t, upe.Known, "cwe78")
}

func TestRegistryRegister(t *testing.T) {
	r := NewEmptyRegistry(Deps{})
	assert.Empty(t, r.IDs())

	require.NoError(t, r.Register(KindInit, newInitPass))
	assert.Error(t, r.Register(KindInit, newInitPass), "duplicate")
	assert.Error(t, r.Register(Kind("custom"), newInitPass), "unknown kind")
	assert.Error(t, r.Register(KindCWE78, nil), "nil factory")

	_, err := r.Resolve("cwe78", defaultPassConfig())
	assert.ErrorIs(t, err, security.ErrUnknownPass)

	p, err := r.Resolve("init", defaultPassConfig())
	require.NoError(t, err)
	assert.Equal(t, "init", p.ID())
}

func TestResolveTaintRequiresRules(t *testing.T) {
	r := NewRegistry(Deps{})

	_, err := r.Resolve("taint", defaultPassConfig())
	require.Error(t, err)
	assert.ErrorIs(t, err, security.ErrConfiguration)
	var ce *security.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "pass_config.taint.sources", ce.Field)

	cfg := defaultPassConfig()
	cfg.Sources = []cpg.Pattern{{Kind: cpg.PatternCall, Name: "getenv", Index: cpg.ReturnValue}}
	cfg.Sinks = []cpg.Pattern{{Kind: cpg.PatternCall, Name: "(", Index: 1}}
	_, err = r.Resolve("taint", cfg)
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "pass_config.taint", ce.Field)
}

func TestCWE78FindsDirectAndSanitizedFlows(t *testing.T) {
	p, err := NewRegistry(Deps{}).Resolve("cwe78", defaultPassConfig())
	require.NoError(t, err)

	res, err := p.Run(context.Background(), security.PassContext{Graph: programGraph(t), Config: defaultPassConfig(), Budgets: budgets()})
	require.NoError(t, err)
	require.Len(t, res.Findings, 2)

	direct := res.Findings[0]
	assert.Equal(t, "CWE-78", direct.CWE)
	assert.Equal(t, "cwe78", direct.Pass)
	assert.Equal(t, cpg.NodeID(1), direct.Source.ID)
	assert.Equal(t, cpg.NodeID(3), direct.Sink.ID)
	assert.False(t, direct.Sanitized)
	assert.InDelta(t, 1.0, direct.Confidence, 1e-9)
	assert.Equal(t, security.StatusConfirmed, direct.Status)

	sanitized := res.Findings[1]
	assert.Equal(t, cpg.NodeID(5), sanitized.Source.ID)
	assert.Equal(t, cpg.NodeID(9), sanitized.Sink.ID)
	assert.True(t, sanitized.Sanitized)
	assert.Less(t, sanitized.Confidence, direct.Confidence)

	assert.Equal(t, 3, res.Stats.Sources, "getenv twice and fgets")
	assert.Equal(t, 2, res.Stats.Sinks)
}

func TestCWE134FindsFormatString(t *testing.T) {
	p, err := NewRegistry(Deps{}).Resolve("cwe134", defaultPassConfig())
	require.NoError(t, err)

	res, err := p.Run(context.Background(), security.PassContext{Graph: programGraph(t), Config: defaultPassConfig(), Budgets: budgets()})
	require.NoError(t, err)
	require.Len(t, res.Findings, 1)
	assert.Equal(t, "CWE-134", res.Findings[0].CWE)
	assert.Equal(t, cpg.NodeID(20), res.Findings[0].Source.ID)
	assert.Equal(t, cpg.NodeID(21), res.Findings[0].Sink.ID)
}

func TestTaintPassUsesConfiguredRules(t *testing.T) {
	cfg := defaultPassConfig()
	cfg.CWE = "CWE-88"
	cfg.Sources = []cpg.Pattern{{Kind: cpg.PatternCall, Name: "getenv", Index: cpg.ReturnValue}}
	cfg.Sinks = []cpg.Pattern{{Kind: cpg.PatternCall, Name: "system", Index: 1}}
	cfg.MaxSources = 1

	p, err := NewRegistry(Deps{}).Resolve("taint", cfg)
	require.NoError(t, err)

	res, err := p.Run(context.Background(), security.PassContext{Graph: programGraph(t), Config: cfg, Budgets: budgets()})
	require.NoError(t, err)
	require.Len(t, res.Findings, 1)
	assert.Equal(t, "CWE-88", res.Findings[0].CWE)
	assert.False(t, res.Findings[0].Sanitized, "no sanitizer patterns configured")
	assert.True(t, res.Truncated)
	assert.NotEmpty(t, res.Notes)
}

func TestCWE78ModelClassification(t *testing.T) {
	g, err := cpg.NewMemoryGraph(&cpg.GraphDump{
		Nodes: []cpg.NodeRef{
			{ID: 1, Kind: cpg.KindCall, Callee: "read_config", Function: "main", File: "main.c", Line: 3},
			{ID: 2, Kind: cpg.KindIdentifier, Name: "v", Function: "main", File: "main.c", Line: 3},
			{ID: 3, Kind: cpg.KindIdentifier, Name: "v", Callee: "run_shell", ArgIndex: 1, Function: "main", File: "main.c", Line: 5},
		},
		Edges: []cpg.Edge{{From: 1, To: 2}, {From: 2, To: 3}},
		Functions: []cpg.Function{
			{FullName: "main", Name: "main"},
			{FullName: "read_config", Name: "read_config"},
			{FullName: "run_shell", Name: "run_shell"},
			{FullName: "fopen", Name: "fopen", External: true},
		},
	})
	require.NoError(t, err)

	llm := &scriptedLLM{
		replies: map[string]string{
			"Function: read_config": `{"analysis_result": {"roles": [{"role": "SOURCE", "parameter_index": -1, "confidence": 0.9, "reason": "reads file"}]}}`,
			"Function: run_shell":   `{"analysis_result": {"roles": [{"role": "SINK", "parameter_index": 1, "confidence": 0.8, "reason": "calls execl"}]}}`,
			"Function: main":        "not json at all",
		},
	}
	cfg := defaultPassConfig()
	cfg.LLMClassify = true

	p, err := NewRegistry(Deps{LLM: llm}).Resolve("cwe78", cfg)
	require.NoError(t, err)
	res, err := p.Run(context.Background(), security.PassContext{Graph: g, Config: cfg, Budgets: budgets()})
	require.NoError(t, err)

	require.Len(t, res.Findings, 1)
	assert.Equal(t, cpg.NodeID(1), res.Findings[0].Source.ID)
	assert.Equal(t, cpg.NodeID(3), res.Findings[0].Sink.ID)
	assert.Len(t, llm.prompts, 3, "external functions are not classified")
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "classification of main failed")
	assert.Contains(t, res.Notes[0], "added 1 sources, 1 sinks, 0 sanitizers")
}

func TestCWE78WithoutModelSkipsClassification(t *testing.T) {
	cfg := defaultPassConfig()
	cfg.LLMClassify = true
	p, err := NewRegistry(Deps{}).Resolve("cwe78", cfg)
	require.NoError(t, err)
	assert.Nil(t, p.(*taintPass).classifier)
}

func TestInitPassAppliesSemantics(t *testing.T) {
	g := programGraph(t)
	llm := &scriptedLLM{
		replies: map[string]string{
			"Function: strcpy": `{"analysis_result": {"function_name": "strcpy", "param_flows": [{"from": 2, "to": 1}], "confidence": "high"}}`,
		},
		fallback: `{"analysis_result": {"param_flows": []}}`,
	}
	p, err := NewRegistry(Deps{LLM: llm}).Resolve("init", defaultPassConfig())
	require.NoError(t, err)

	w, ok := p.(security.GraphWriter)
	require.True(t, ok)
	assert.True(t, w.WritesGraph())

	res, err := p.Run(context.Background(), security.PassContext{Graph: g, Config: defaultPassConfig(), Budgets: budgets()})
	require.NoError(t, err)
	assert.Empty(t, res.Findings)
	assert.Equal(t, 6, res.Stats.Functions)
	assert.Contains(t, res.Notes, "functions: 4 internal, 2 external, 1 operators")
	assert.Contains(t, res.Notes, "semantics: 1 functions, 1 flows applied")

	next, err := g.Neighbors(context.Background(), cpg.NodeRef{ID: 32}, cpg.Forward)
	require.NoError(t, err)
	var ids []cpg.NodeID
	for _, nb := range next {
		ids = append(ids, nb.Node.ID)
	}
	assert.Contains(t, ids, cpg.NodeID(31))

	var strcpyPrompt string
	for _, pr := range llm.prompts {
		if strings.Contains(pr, "Function: strcpy") {
			strcpyPrompt = pr
		}
	}
	assert.Contains(t, strcpyPrompt, "strcpy(dst, src)")
}

func TestInitPassWithoutModel(t *testing.T) {
	p, err := NewRegistry(Deps{}).Resolve("init", defaultPassConfig())
	require.NoError(t, err)

	res, err := p.Run(context.Background(), security.PassContext{Graph: programGraph(t), Config: defaultPassConfig(), Budgets: budgets()})
	require.NoError(t, err)
	assert.Equal(t, []string{"functions: 4 internal, 2 external, 1 operators"}, res.Notes)
	assert.Empty(t, res.Warnings)
}

func TestInitPassModelFailuresAreWarnings(t *testing.T) {
	cfg := defaultPassConfig()
	cfg.Parallel = true
	p, err := NewRegistry(Deps{LLM: &scriptedLLM{fallback: "sorry"}}).Resolve("init", cfg)
	require.NoError(t, err)

	res, err := p.Run(context.Background(), security.PassContext{Graph: programGraph(t), Config: cfg, Budgets: budgets()})
	require.NoError(t, err)
	assert.Len(t, res.Warnings, 2)
	assert.Contains(t, res.Notes, "semantics: none generated")
}

func TestInitPassRespectsMaxFunctions(t *testing.T) {
	p, err := NewRegistry(Deps{}).Resolve("init", defaultPassConfig())
	require.NoError(t, err)

	b := budgets()
	b.MaxFunctions = 5
	res, err := p.Run(context.Background(), security.PassContext{Graph: programGraph(t), Config: defaultPassConfig(), Budgets: b})
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.Equal(t, 5, res.Stats.Functions)
	assert.Contains(t, res.Notes, "functions truncated: processed the first 5 of 6")
	assert.Contains(t, res.Notes, "functions: 4 internal, 1 external, 1 operators")
}

func TestPipelineEndToEnd(t *testing.T) {
	g := programGraph(t)
	reg := NewRegistry(Deps{})
	engine := security.NewEngine(security.EngineConfig{
		EnabledPasses: []string{"cwe134", "init", "cwe78"},
		Budgets:       budgets(),
		PassConfig:    func(string) security.PassConfig { return defaultPassConfig() },
	}, reg, g)

	run, err := engine.Run(context.Background(), "testdata")
	require.NoError(t, err)
	assert.Equal(t, security.RunCompleted, run.Status)
	require.Len(t, run.Passes, 3)
	assert.Equal(t, "cwe134", run.Passes[0].PassID)
	assert.Equal(t, "init", run.Passes[1].PassID)
	assert.Equal(t, "cwe78", run.Passes[2].PassID)

	s := run.Summary()
	assert.Equal(t, 3, s.Findings)
	assert.Equal(t, 3, s.PassesCompleted)
}

func TestPipelineRejectsUnknownPass(t *testing.T) {
	engine := security.NewEngine(security.EngineConfig{
		EnabledPasses: []string{"cwe78", "cwe79"},
		Budgets:       budgets(),
	}, NewRegistry(Deps{}), programGraph(t))

	run, err := engine.Run(context.Background(), "testdata")
	require.Error(t, err)
	assert.ErrorIs(t, err, security.ErrUnknownPass)
	assert.Equal(t, security.RunFatal, run.Status)
	assert.Empty(t, run.Passes)
}
