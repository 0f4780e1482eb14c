package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/julianshen/cpghunter/internal/config"
	"github.com/julianshen/cpghunter/internal/cpg"
	"github.com/julianshen/cpghunter/internal/security"
	"github.com/julianshen/cpghunter/internal/store"
)

func TestPrintPasses(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Engine.EnabledPasses = []string{"init", "cwe78"}
	cfg.PassConfig["taint"] = config.PassOverride{CWE: "CWE-22"}

	var out bytes.Buffer
	printPasses(&out, cfg)
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 5)
	assert.Contains(t, lines[0], "DESCRIPTION")
	assert.Regexp(t, `^init\s+yes\s+-\s+`, lines[1])
	assert.Regexp(t, `^cwe78\s+yes\s+CWE-78\s+`, lines[2])
	assert.Regexp(t, `^cwe134\s+CWE-134\s+`, lines[3])
	assert.Regexp(t, `^taint\s+CWE-22\s+`, lines[4])
}

func TestValidateConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	require.NoError(t, validateConfig(cfg))

	cfg.Engine.EnabledPasses = []string{"init", "cwe79"}
	err := validateConfig(cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, security.ErrUnknownPass)

	// The custom taint pass needs rules.
	cfg.Engine.EnabledPasses = []string{"taint"}
	err = validateConfig(cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, security.ErrConfiguration)

	cfg.PassConfig["taint"] = config.PassOverride{
		Sources: []cpg.Pattern{{Kind: cpg.PatternCall, Name: "read_input", Index: cpg.ReturnValue}},
		Sinks:   []cpg.Pattern{{Kind: cpg.PatternCall, Name: "run_query", Index: 1}},
	}
	require.NoError(t, validateConfig(cfg))

	cfg.Engine.MaxCallDepth = 0
	assert.ErrorIs(t, validateConfig(cfg), security.ErrConfiguration)
}

func TestWriteConfig(t *testing.T) {
	cfg := config.DefaultConfig()

	var y bytes.Buffer
	require.NoError(t, writeConfig(&y, cfg, "yaml"))
	var fromYAML map[string]any
	require.NoError(t, yaml.Unmarshal(y.Bytes(), &fromYAML))
	assert.Contains(t, fromYAML, "engine")
	assert.Contains(t, fromYAML, "vulnerability_detection")

	var j bytes.Buffer
	require.NoError(t, writeConfig(&j, cfg, "json"))
	var fromJSON map[string]any
	require.NoError(t, json.Unmarshal(j.Bytes(), &fromJSON))
	assert.Equal(t, "json", fromJSON["engine"].(map[string]any)["report_format"])

	var tm bytes.Buffer
	require.NoError(t, writeConfig(&tm, cfg, "toml"))
	var fromTOML map[string]any
	_, err := toml.Decode(tm.String(), &fromTOML)
	require.NoError(t, err)
	assert.Contains(t, fromTOML, "joern")

	assert.Error(t, writeConfig(&bytes.Buffer{}, cfg, "ini"))
}

func TestPrintRuns(t *testing.T) {
	var empty bytes.Buffer
	printRuns(&empty, nil)
	assert.Equal(t, "No runs recorded.\n", empty.String())

	started := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	runs := []store.RunRecord{
		{ID: "run-2", Target: "/src/b", Status: "partial-failure", Started: started.Add(time.Hour), Confirmed: 0, NeedsReview: 2},
		{ID: "run-1", Target: "/src/a", Status: "completed", Started: started, Confirmed: 3},
	}
	var out bytes.Buffer
	printRuns(&out, runs)
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Regexp(t, `^ID\s+STARTED\s+STATUS`, lines[0])
	assert.Contains(t, lines[1], "run-2")
	assert.Contains(t, lines[1], "partial-failure")
	assert.Contains(t, lines[2], "/src/a")
}

func TestPrintRun(t *testing.T) {
	started := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	var out bytes.Buffer
	printRun(&out, store.RunRecord{
		ID: "run-1", Target: "/src/a", Status: "completed",
		Started: started, Ended: started.Add(1500 * time.Millisecond),
		ReportPath: "out/report.json", Findings: 4, Confirmed: 2, NeedsReview: 1, Suppressed: 1,
	})
	s := out.String()
	assert.Contains(t, s, "Duration:    1.5s")
	assert.Contains(t, s, "Findings:    4 (2 confirmed, 1 needs review, 1 suppressed)")
	assert.Contains(t, s, "Report:      out/report.json")
}

func TestRunQuery(t *testing.T) {
	g, err := cpg.NewMemoryGraph(injectionDump())
	require.NoError(t, err)
	cfg := config.DefaultConfig()
	ctx := context.Background()

	t.Run("functions", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, runQuery(ctx, &out, g, cfg, queryFlags{functions: true}))
		assert.Regexp(t, `getenv\s+external`, out.String())
		assert.Regexp(t, `main\s+internal\s+main.c:1`, out.String())
	})

	t.Run("functions as json", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, runQuery(ctx, &out, g, cfg, queryFlags{functions: true, asJSON: true}))
		var fns []cpg.Function
		require.NoError(t, json.Unmarshal(out.Bytes(), &fns))
		assert.Len(t, fns, 3)
	})

	t.Run("find nodes", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, runQuery(ctx, &out, g, cfg, queryFlags{kind: "call", name: "getenv", index: cpg.ReturnValue}))
		assert.Contains(t, out.String(), `getenv("CMD")`)
		assert.Contains(t, out.String(), "main.c:4")
	})

	t.Run("no match", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, runQuery(ctx, &out, g, cfg, queryFlags{kind: "call", name: "popen", index: cpg.ReturnValue}))
		assert.Equal(t, "No nodes found.\n", out.String())
	})

	t.Run("trace forward", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, runQuery(ctx, &out, g, cfg, queryFlags{kind: "call", name: "getenv", index: cpg.ReturnValue, trace: "forward"}))
		assert.Contains(t, out.String(), "path 1")
		assert.Contains(t, out.String(), "main.c:9")
	})

	t.Run("body", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, runQuery(ctx, &out, g, cfg, queryFlags{body: "main"}))
		assert.Contains(t, out.String(), "return system(cmd);")
	})

	t.Run("errors", func(t *testing.T) {
		assert.Error(t, runQuery(ctx, &bytes.Buffer{}, g, cfg, queryFlags{}))
		assert.Error(t, runQuery(ctx, &bytes.Buffer{}, g, cfg, queryFlags{kind: "macro", name: "x"}))
		assert.Error(t, runQuery(ctx, &bytes.Buffer{}, g, cfg, queryFlags{kind: "call", name: "getenv", index: -1, trace: "sideways"}))
	})
}
