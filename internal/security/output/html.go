package output

import (
	"bytes"
	"fmt"
	"html/template"

	"github.com/julianshen/cpghunter/internal/cpg"
	"github.com/julianshen/cpghunter/internal/security"
)

// HTMLFormatter formats a run as a standalone HTML page.
type HTMLFormatter struct {
	tmpl *template.Template
}

// NewHTMLFormatter creates a new HTMLFormatter.
func NewHTMLFormatter() *HTMLFormatter {
	return &HTMLFormatter{tmpl: template.Must(template.New("report").Funcs(template.FuncMap{
		"cweTitle": cweTitle,
		"location": location,
		"status":   statusLabel,
		"percent":  func(v float64) string { return fmt.Sprintf("%.0f%%", v*100) },
		"steps":    func(p cpg.Path) []cpg.NodeRef { return p.Nodes },
	}).Parse(htmlTemplate))}
}

// Name returns the formatter name.
func (f *HTMLFormatter) Name() string {
	return "html"
}

// Format renders the run as HTML.
func (f *HTMLFormatter) Format(run *security.PipelineRun) ([]byte, error) {
	var buf bytes.Buffer
	if err := f.tmpl.Execute(&buf, NewDocument(run)); err != nil {
		return nil, fmt.Errorf("rendering HTML report: %w", err)
	}
	return buf.Bytes(), nil
}

const htmlTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Tool}} report: {{.Target}}</title>
<style>
body { font-family: sans-serif; margin: 2em; color: #222; }
table { border-collapse: collapse; margin-bottom: 1em; }
th, td { border: 1px solid #ccc; padding: 4px 8px; text-align: left; }
code { background: #f4f4f4; padding: 0 3px; }
.confirmed { color: #b00020; }
.needs-review { color: #b26a00; }
.suppressed { color: #777; }
.degraded { background: #fff4e0; }
</style>
</head>
<body>
<h1>Vulnerability Report</h1>
<p>Target <code>{{.Target}}</code>, run {{.RunID}}, status <strong>{{.Status}}</strong>, {{.DurationMS}}ms, {{.Tool}} {{.Version}}</p>
{{if .Error}}<p class="confirmed">{{.Error}}</p>{{end}}

<h2>Summary</h2>
<table>
<tr><th>Confirmed</th><th>Needs review</th><th>Suppressed</th><th>Sanitized</th><th>Total</th></tr>
<tr><td>{{.Summary.Confirmed}}</td><td>{{.Summary.NeedsReview}}</td><td>{{.Summary.Suppressed}}</td><td>{{.Summary.Sanitized}}</td><td>{{.Summary.Findings}}</td></tr>
</table>

<h2>Passes</h2>
<table>
<tr><th>Pass</th><th>Status</th><th>Findings</th><th>Duration</th><th>Error</th></tr>
{{range .Passes}}<tr{{if .Degraded}} class="degraded"{{end}}><td>{{.ID}}</td><td>{{.Status}}</td><td>{{len .Findings}}</td><td>{{.DurationMS}}ms</td><td>{{.Error}}</td></tr>
{{end}}</table>

{{range .Passes}}
<h2>Pass {{.ID}}</h2>
{{range .Warnings}}<p class="needs-review">Warning: {{.}}</p>
{{end}}{{range .Notes}}<p>Note: {{.}}</p>
{{end}}{{if not .Findings}}<p>No findings.</p>{{end}}
{{range .Findings}}
<div class="{{.Status}}">
<h3>{{cweTitle .CWE}} <small>{{.ID}}</small></h3>
<p>{{.CWE}}, confidence {{percent .Confidence}}, {{status .Status}}{{if .Sanitized}}, sanitized{{end}}</p>
<p>Source {{location .Source}} <code>{{.Source.Code}}</code><br>Sink {{location .Sink}} <code>{{.Sink.Code}}</code></p>
{{if .Degraded}}<p>Degraded: {{.Degraded}}</p>{{end}}
{{if .Suppression}}<p>Suppressed: {{.Suppression}}</p>{{end}}
{{if .Explanation}}<p>{{.Explanation}}</p>{{end}}
<ol>{{range steps .Path}}<li>{{location .}} <code>{{.Code}}</code></li>{{end}}</ol>
</div>
{{end}}
{{end}}
</body>
</html>
`
