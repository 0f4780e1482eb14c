package output

import (
	"encoding/json"

	"gopkg.in/yaml.v3"

	"github.com/julianshen/cpghunter/internal/security"
)

// JSONFormatter formats a run as indented JSON.
type JSONFormatter struct{}

// NewJSONFormatter creates a new JSONFormatter.
func NewJSONFormatter() *JSONFormatter {
	return &JSONFormatter{}
}

// Name returns the formatter name.
func (f *JSONFormatter) Name() string {
	return "json"
}

// Format renders the run document as indented JSON.
func (f *JSONFormatter) Format(run *security.PipelineRun) ([]byte, error) {
	return json.MarshalIndent(NewDocument(run), "", "  ")
}

// YAMLFormatter formats a run as YAML.
type YAMLFormatter struct{}

// NewYAMLFormatter creates a new YAMLFormatter.
func NewYAMLFormatter() *YAMLFormatter {
	return &YAMLFormatter{}
}

// Name returns the formatter name.
func (f *YAMLFormatter) Name() string {
	return "yaml"
}

// Format renders the run document as YAML.
func (f *YAMLFormatter) Format(run *security.PipelineRun) ([]byte, error) {
	return yaml.Marshal(NewDocument(run))
}
