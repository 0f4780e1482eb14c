package output

import (
	"fmt"
	"strings"

	"github.com/julianshen/cpghunter/internal/security"
)

// maxMarkdownSteps bounds the path steps listed per finding.
const maxMarkdownSteps = 12

// MarkdownFormatter formats a run as Markdown.
type MarkdownFormatter struct{}

// NewMarkdownFormatter creates a new MarkdownFormatter.
func NewMarkdownFormatter() *MarkdownFormatter {
	return &MarkdownFormatter{}
}

// Name returns the formatter name.
func (f *MarkdownFormatter) Name() string {
	return "markdown"
}

// statusLabel returns a human-readable label for a finding status.
func statusLabel(s security.Status) string {
	switch s {
	case security.StatusConfirmed:
		return "Confirmed"
	case security.StatusNeedsReview:
		return "Needs Review"
	case security.StatusSuppressed:
		return "Suppressed"
	default:
		return string(s)
	}
}

// Format renders the run as Markdown.
func (f *MarkdownFormatter) Format(run *security.PipelineRun) ([]byte, error) {
	var b strings.Builder
	summary := run.Summary()

	b.WriteString("# Vulnerability Report\n\n")
	fmt.Fprintf(&b, "- **Target:** %s\n", run.Target)
	fmt.Fprintf(&b, "- **Run:** %s\n", run.ID)
	fmt.Fprintf(&b, "- **Status:** %s\n", run.Status)
	if !run.Started.IsZero() && !run.Ended.IsZero() {
		fmt.Fprintf(&b, "- **Duration:** %s\n", run.Ended.Sub(run.Started).Round(1e6))
	}
	if run.Error != "" {
		fmt.Fprintf(&b, "- **Error:** %s\n", run.Error)
	}
	b.WriteString("\n")

	b.WriteString("## Summary\n\n")
	b.WriteString("| Status | Count |\n")
	b.WriteString("|--------|-------|\n")
	fmt.Fprintf(&b, "| Confirmed | %d |\n", summary.Confirmed)
	fmt.Fprintf(&b, "| Needs Review | %d |\n", summary.NeedsReview)
	fmt.Fprintf(&b, "| Suppressed | %d |\n", summary.Suppressed)
	fmt.Fprintf(&b, "\n**Total findings:** %d | **Sanitized:** %d\n\n", summary.Findings, summary.Sanitized)

	b.WriteString("## Passes\n\n")
	b.WriteString("| Pass | Status | Findings | Duration | Degraded |\n")
	b.WriteString("|------|--------|----------|----------|----------|\n")
	for _, p := range run.Passes {
		degraded := ""
		if p.Degraded() {
			degraded = "yes"
		}
		fmt.Fprintf(&b, "| %s | %s | %d | %dms | %s |\n", p.PassID, p.Status, len(p.Findings), p.Duration().Milliseconds(), degraded)
	}
	b.WriteString("\n")

	for _, p := range run.Passes {
		writePass(&b, p)
	}
	return []byte(b.String()), nil
}

func writePass(b *strings.Builder, p *security.PassResult) {
	fmt.Fprintf(b, "## Pass `%s`\n\n", p.PassID)
	if p.Error != "" {
		fmt.Fprintf(b, "> **%s:** %s\n\n", p.Status, p.Error)
	}
	for _, w := range p.Warnings {
		fmt.Fprintf(b, "- Warning: %s\n", w)
	}
	for _, n := range p.Notes {
		fmt.Fprintf(b, "- Note: %s\n", n)
	}
	if len(p.Warnings)+len(p.Notes) > 0 {
		b.WriteString("\n")
	}
	if len(p.Findings) == 0 {
		b.WriteString("No findings.\n\n")
		return
	}

	groups := groupByStatus(p.Findings)
	for _, status := range statusOrder {
		findings := groups[status]
		if len(findings) == 0 {
			continue
		}
		fmt.Fprintf(b, "### %s\n\n", statusLabel(status))
		for _, f := range findings {
			writeFinding(b, f)
		}
	}
}

// writeFinding writes a single finding as Markdown.
func writeFinding(b *strings.Builder, f security.Finding) {
	fmt.Fprintf(b, "#### [%s] %s\n\n", f.ID, cweTitle(f.CWE))
	fmt.Fprintf(b, "- **CWE:** %s | **Confidence:** %.2f | **Status:** %s\n", f.CWE, f.Confidence, statusLabel(f.Status))
	fmt.Fprintf(b, "- **Source:** %s `%s`\n", location(f.Source), inline(f.Source.Code))
	fmt.Fprintf(b, "- **Sink:** %s `%s`\n", location(f.Sink), inline(f.Sink.Code))
	if f.Sanitized {
		names := make([]string, 0, len(f.Sanitizers))
		for _, s := range f.Sanitizers {
			names = append(names, s.Pattern)
		}
		fmt.Fprintf(b, "- **Sanitized by:** %s\n", strings.Join(names, ", "))
	}
	if f.Indirections > 0 {
		fmt.Fprintf(b, "- **Indirect calls:** %d\n", f.Indirections)
	}
	if f.Degraded != "" {
		fmt.Fprintf(b, "- **Degraded:** %s\n", f.Degraded)
	}
	if f.Suppression != "" {
		fmt.Fprintf(b, "- **Suppressed:** %s\n", f.Suppression)
	}
	if f.Explanation != "" {
		fmt.Fprintf(b, "- **Explanation:** %s\n", f.Explanation)
	}
	if n := len(f.Path.Nodes); n > 0 {
		b.WriteString("- **Path:**\n")
		for i, node := range f.Path.Nodes {
			if i == maxMarkdownSteps {
				fmt.Fprintf(b, "  %d. ... %d more steps\n", i+1, n-i)
				break
			}
			fmt.Fprintf(b, "  %d. %s `%s`\n", i+1, location(node), inline(node.Code))
		}
	}
	b.WriteString("\n")
}

// inline flattens code for use inside a Markdown code span.
func inline(code string) string {
	code = strings.Join(strings.Fields(code), " ")
	return strings.ReplaceAll(code, "`", "'")
}
