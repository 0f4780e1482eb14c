package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/julianshen/cpghunter/internal/cpg"
	"github.com/julianshen/cpghunter/internal/security"
)

func summaryRun() *security.PipelineRun {
	finding := func(id string, conf float64, status security.Status, line int) security.Finding {
		return security.Finding{
			ID:         id,
			CWE:        "CWE-78",
			Confidence: conf,
			Status:     status,
			Source:     cpg.NodeRef{File: "main.c", Line: line},
			Sink:       cpg.NodeRef{File: "main.c", Line: line + 5},
		}
	}
	return &security.PipelineRun{
		ID:     "run-7",
		Target: "/src/app",
		Status: security.RunPartialFailure,
		Passes: []*security.PassResult{
			{
				PassID: "cwe78",
				Status: security.PassCompleted,
				Findings: []security.Finding{
					finding("a", 0.7, security.StatusConfirmed, 10),
					finding("b", 0.95, security.StatusConfirmed, 20),
					finding("c", 0.3, security.StatusSuppressed, 30),
				},
				Warnings: []string{"refinement of a failed"},
			},
			{PassID: "cwe134", Status: security.PassTimedOut, Error: "pass timed out"},
		},
	}
}

func TestSummaryMarkdown(t *testing.T) {
	md := summaryMarkdown(summaryRun(), "out/report.json")

	assert.Contains(t, md, "## /src/app")
	assert.Contains(t, md, "| cwe78 | completed | 3 | 1 warnings |")
	assert.Contains(t, md, "| cwe134 | timed-out | 0 | pass timed out |")
	assert.Contains(t, md, "**2 confirmed**, 0 needs review, 1 suppressed (0 sanitized)")
	assert.Contains(t, md, "Report: `out/report.json`")

	// Highest confidence first.
	assert.Less(t, bytes.Index([]byte(md), []byte("`0.95`")), bytes.Index([]byte(md), []byte("`0.70`")))
	assert.NotContains(t, md, "`0.30`")
}

func TestTopFindings(t *testing.T) {
	top := topFindings(summaryRun().Findings(), 1)
	if assert.Len(t, top, 1) {
		assert.Equal(t, "b", top[0].ID)
	}
	assert.Empty(t, topFindings(nil, 5))
}

func TestRenderSummaryPlain(t *testing.T) {
	var out bytes.Buffer
	renderSummary(&out, summaryRun(), "", false)
	assert.Contains(t, out.String(), "status: partial-failure")
	assert.Contains(t, out.String(), "| cwe134 | timed-out |")
	assert.NotContains(t, out.String(), "Report:")
}

func TestRenderSummaryTerminal(t *testing.T) {
	var out bytes.Buffer
	renderSummary(&out, summaryRun(), "out/report.json", true)
	assert.Contains(t, out.String(), "PARTIAL-FAILURE")
	assert.Contains(t, out.String(), "run-7")
}

func TestStatusBadge(t *testing.T) {
	for _, s := range []security.RunStatus{security.RunCompleted, security.RunPartialFailure, security.RunFatal} {
		assert.Contains(t, statusBadge(s), strings.ToUpper(string(s)))
	}
}

func TestIsTerminalForBuffer(t *testing.T) {
	assert.False(t, isTerminal(&bytes.Buffer{}))
}
