// Package output renders pipeline runs as report documents.
package output

import (
	"fmt"
	"sort"
	"time"

	"github.com/julianshen/cpghunter/internal/cpg"
	"github.com/julianshen/cpghunter/internal/security"
)

// ToolName identifies the analyzer in reports.
const ToolName = "cpghunter"

// ToolVersion is reported in every document. The CLI sets it at start-up.
var ToolVersion = "dev"

// Document is the serialised form of a run shared by the structured
// formats. Its field set does not depend on the format.
type Document struct {
	Tool       string             `json:"tool" yaml:"tool"`
	Version    string             `json:"version" yaml:"version"`
	RunID      string             `json:"run_id" yaml:"run_id"`
	Target     string             `json:"target" yaml:"target"`
	Status     security.RunStatus `json:"status" yaml:"status"`
	Error      string             `json:"error,omitempty" yaml:"error,omitempty"`
	Started    time.Time          `json:"started" yaml:"started"`
	Ended      time.Time          `json:"ended" yaml:"ended"`
	DurationMS int64              `json:"duration_ms" yaml:"duration_ms"`
	Summary    security.Summary   `json:"summary" yaml:"summary"`
	Cache      cpg.CacheStats     `json:"cache" yaml:"cache"`
	Passes     []PassReport       `json:"passes" yaml:"passes"`
}

// PassReport is one pass of a Document.
type PassReport struct {
	ID         string              `json:"id" yaml:"id"`
	Status     security.PassStatus `json:"status" yaml:"status"`
	Error      string              `json:"error,omitempty" yaml:"error,omitempty"`
	Degraded   bool                `json:"degraded" yaml:"degraded"`
	Truncated  bool                `json:"truncated" yaml:"truncated"`
	Warnings   []string            `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	Notes      []string            `json:"notes,omitempty" yaml:"notes,omitempty"`
	DurationMS int64               `json:"duration_ms" yaml:"duration_ms"`
	Stats      security.PassStats  `json:"stats" yaml:"stats"`
	Findings   []security.Finding  `json:"findings" yaml:"findings"`
}

// NewDocument builds the document for run.
func NewDocument(run *security.PipelineRun) Document {
	doc := Document{
		Tool:    ToolName,
		Version: ToolVersion,
		RunID:   run.ID,
		Target:  run.Target,
		Status:  run.Status,
		Error:   run.Error,
		Started: run.Started,
		Ended:   run.Ended,
		Summary: run.Summary(),
		Cache:   run.Cache,
		Passes:  make([]PassReport, 0, len(run.Passes)),
	}
	if !run.Started.IsZero() && !run.Ended.IsZero() {
		doc.DurationMS = run.Ended.Sub(run.Started).Milliseconds()
	}
	for _, p := range run.Passes {
		findings := p.Findings
		if findings == nil {
			findings = []security.Finding{}
		}
		doc.Passes = append(doc.Passes, PassReport{
			ID:         p.PassID,
			Status:     p.Status,
			Error:      p.Error,
			Degraded:   p.Degraded(),
			Truncated:  p.Truncated,
			Warnings:   p.Warnings,
			Notes:      p.Notes,
			DurationMS: p.Duration().Milliseconds(),
			Stats:      p.Stats,
			Findings:   findings,
		})
	}
	return doc
}

// New returns the formatter for a report format name.
func New(format string) (security.OutputFormatter, error) {
	switch format {
	case "json":
		return NewJSONFormatter(), nil
	case "yaml":
		return NewYAMLFormatter(), nil
	case "sarif":
		return NewSARIFFormatter(), nil
	case "markdown":
		return NewMarkdownFormatter(), nil
	case "html":
		return NewHTMLFormatter(), nil
	}
	return nil, fmt.Errorf("unknown report format %q", format)
}

// Extension returns the file extension used for a report format.
func Extension(format string) string {
	switch format {
	case "markdown":
		return "md"
	case "":
		return "txt"
	}
	return format
}

// cweTitles names the weakness classes reported by the built-in passes.
var cweTitles = map[string]string{
	"CWE-20":  "Improper Input Validation",
	"CWE-78":  "OS Command Injection",
	"CWE-88":  "Argument Injection",
	"CWE-134": "Use of Externally-Controlled Format String",
}

// cweTitle returns a display title for a CWE id.
func cweTitle(cwe string) string {
	if t, ok := cweTitles[cwe]; ok {
		return t
	}
	if cwe == "" {
		return "Tainted data flow"
	}
	return cwe
}

// location renders a node as file:line.
func location(n cpg.NodeRef) string {
	if n.Line > 0 {
		return fmt.Sprintf("%s:%d", n.File, n.Line)
	}
	if n.File == "" {
		return "<unknown>"
	}
	return n.File
}

// statusOrder is the display order of finding states.
var statusOrder = []security.Status{
	security.StatusConfirmed,
	security.StatusNeedsReview,
	security.StatusSuppressed,
}

// groupByStatus buckets findings by status, keeping their order.
func groupByStatus(findings []security.Finding) map[security.Status][]security.Finding {
	out := make(map[security.Status][]security.Finding)
	for _, f := range findings {
		out[f.Status] = append(out[f.Status], f)
	}
	return out
}

// cwes returns the distinct CWE ids of the run, sorted.
func cwes(run *security.PipelineRun) []string {
	seen := make(map[string]bool)
	var out []string
	for _, f := range run.Findings() {
		if !seen[f.CWE] {
			seen[f.CWE] = true
			out = append(out, f.CWE)
		}
	}
	sort.Strings(out)
	return out
}
