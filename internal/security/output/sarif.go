package output

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/owenrumney/go-sarif/v2/sarif"

	"github.com/julianshen/cpghunter/internal/cpg"
	"github.com/julianshen/cpghunter/internal/security"
)

const toolInformationURI = "https://github.com/julianshen/cpghunter"

// SARIFFormatter formats a run as SARIF v2.1.0. Every finding becomes a
// result located at its sink, with the taint path as a code flow.
type SARIFFormatter struct{}

// NewSARIFFormatter creates a new SARIFFormatter.
func NewSARIFFormatter() *SARIFFormatter {
	return &SARIFFormatter{}
}

// Name returns the formatter name.
func (f *SARIFFormatter) Name() string {
	return "sarif"
}

// Format renders the run as SARIF v2.1.0 JSON.
func (f *SARIFFormatter) Format(run *security.PipelineRun) ([]byte, error) {
	report, err := sarif.New(sarif.Version210)
	if err != nil {
		return nil, fmt.Errorf("creating SARIF report: %w", err)
	}

	sr := sarif.NewRunWithInformationURI(ToolName, toolInformationURI)
	sr.Tool.Driver.Version = &ToolVersion
	for _, cwe := range cwes(run) {
		sr.AddRule(ruleID(cwe)).
			WithDescription(cweTitle(cwe)).
			WithDefaultConfiguration(&sarif.ReportingConfiguration{Level: "error"})
	}
	for _, f := range run.Findings() {
		sr.AddResult(buildResult(f))
	}
	report.AddRun(sr)

	var buf bytes.Buffer
	if err := report.PrettyWrite(&buf); err != nil {
		return nil, fmt.Errorf("writing SARIF report: %w", err)
	}
	return buf.Bytes(), nil
}

func ruleID(cwe string) string {
	if cwe == "" {
		return "taint"
	}
	return cwe
}

// statusToLevel maps finding status to SARIF level.
func statusToLevel(s security.Status) string {
	switch s {
	case security.StatusConfirmed:
		return "error"
	case security.StatusNeedsReview:
		return "warning"
	default:
		return "note"
	}
}

func buildResult(f security.Finding) *sarif.Result {
	msg := fmt.Sprintf("%s: data from %s reaches %s", cweTitle(f.CWE), location(f.Source), location(f.Sink))
	if f.Sanitized {
		msg += " through a sanitizer"
	}
	if f.Explanation != "" {
		msg += ". " + f.Explanation
	}

	result := sarif.NewRuleResult(ruleID(f.CWE)).
		WithMessage(sarif.NewTextMessage(msg)).
		WithLevel(statusToLevel(f.Status)).
		WithLocations([]*sarif.Location{nodeLocation(f.Sink, "sink")})

	if len(f.Path.Nodes) > 0 {
		steps := make([]*sarif.ThreadFlowLocation, 0, len(f.Path.Nodes))
		for i, n := range f.Path.Nodes {
			role := "step"
			switch i {
			case 0:
				role = "source"
			case len(f.Path.Nodes) - 1:
				role = "sink"
			}
			steps = append(steps, &sarif.ThreadFlowLocation{Location: nodeLocation(n, role)})
		}
		result.CodeFlows = []*sarif.CodeFlow{{ThreadFlows: []*sarif.ThreadFlow{{Locations: steps}}}}
	}

	result.PropertyBag = *sarif.NewPropertyBag()
	result.Add("id", f.ID)
	result.Add("pass", f.Pass)
	result.Add("status", string(f.Status))
	result.Add("confidence", f.Confidence)
	result.Add("sanitized", f.Sanitized)
	if f.Degraded != "" {
		result.Add("degraded", f.Degraded)
	}
	if f.Suppression != "" {
		result.Add("suppression", f.Suppression)
	}
	return result
}

func nodeLocation(n cpg.NodeRef, role string) *sarif.Location {
	region := sarif.NewRegion()
	if n.Line > 0 {
		region = region.WithStartLine(n.Line)
	}
	text := role
	if code := strings.Join(strings.Fields(n.Code), " "); code != "" {
		text = fmt.Sprintf("%s: %s", role, code)
	}
	loc := sarif.NewLocation().
		WithPhysicalLocation(sarif.NewPhysicalLocation().
			WithArtifactLocation(sarif.NewArtifactLocation().WithUri(n.File)).
			WithRegion(region))
	loc.Message = sarif.NewTextMessage(text)
	return loc
}
