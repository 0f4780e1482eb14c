package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/julianshen/cpghunter/internal/security"
)

const defaultWrap = 100

var (
	badgeBase    = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	okBadge      = badgeBase.Foreground(lipgloss.Color("#FFFFFF")).Background(lipgloss.Color("#2E7D32"))
	partialBadge = badgeBase.Foreground(lipgloss.Color("#000000")).Background(lipgloss.Color("#F9A825"))
	fatalBadge   = badgeBase.Foreground(lipgloss.Color("#FFFFFF")).Background(lipgloss.Color("#C62828"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#666666", Dark: "#999999"})
)

func termIsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// terminalWidth returns the width of stdout, or defaultWrap when unknown.
func terminalWidth() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return defaultWrap
	}
	return w
}

// statusBadge renders the run status as a coloured label.
func statusBadge(s security.RunStatus) string {
	label := strings.ToUpper(string(s))
	switch s {
	case security.RunCompleted:
		return okBadge.Render(label)
	case security.RunPartialFailure:
		return partialBadge.Render(label)
	default:
		return fatalBadge.Render(label)
	}
}

// summaryMarkdown is the short run overview printed after a run.
func summaryMarkdown(run *security.PipelineRun, reportPath string) string {
	var b strings.Builder
	s := run.Summary()

	fmt.Fprintf(&b, "## %s\n\n", run.Target)
	if run.Error != "" {
		fmt.Fprintf(&b, "**Error:** %s\n\n", run.Error)
	}
	if len(run.Passes) > 0 {
		b.WriteString("| Pass | Status | Findings | Notes |\n")
		b.WriteString("|------|--------|----------|-------|\n")
		for _, p := range run.Passes {
			note := p.Error
			if note == "" && len(p.Warnings) > 0 {
				note = fmt.Sprintf("%d warnings", len(p.Warnings))
			}
			if note == "" && p.Truncated {
				note = "truncated"
			}
			fmt.Fprintf(&b, "| %s | %s | %d | %s |\n", p.PassID, p.Status, len(p.Findings), note)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "**%d confirmed**, %d needs review, %d suppressed (%d sanitized)\n\n",
		s.Confirmed, s.NeedsReview, s.Suppressed, s.Sanitized)

	top := topFindings(run.Findings(), 5)
	if len(top) > 0 {
		b.WriteString("### Top findings\n\n")
		for _, f := range top {
			fmt.Fprintf(&b, "- `%.2f` %s %s:%d → %s:%d\n", f.Confidence, f.CWE,
				f.Source.File, f.Source.Line, f.Sink.File, f.Sink.Line)
		}
		b.WriteString("\n")
	}
	if reportPath != "" {
		fmt.Fprintf(&b, "Report: `%s`\n", reportPath)
	}
	return b.String()
}

// topFindings returns up to n confirmed findings, highest confidence first.
func topFindings(findings []security.Finding, n int) []security.Finding {
	var out []security.Finding
	for _, f := range findings {
		if f.Status == security.StatusConfirmed {
			out = append(out, f)
		}
	}
	security.SortFindings(out)
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// renderSummary prints the summary. On a terminal the markdown is rendered
// with glamour; otherwise it is written as is.
func renderSummary(w io.Writer, run *security.PipelineRun, reportPath string, tty bool) {
	md := summaryMarkdown(run, reportPath)
	if !tty {
		fmt.Fprintf(w, "status: %s\n\n%s", run.Status, md)
		return
	}

	fmt.Fprintf(w, "%s %s\n", statusBadge(run.Status), dimStyle.Render(run.ID))
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(terminalWidth()),
	)
	if err != nil {
		fmt.Fprint(w, md)
		return
	}
	out, err := r.Render(md)
	if err != nil {
		fmt.Fprint(w, md)
		return
	}
	fmt.Fprint(w, out)
}
