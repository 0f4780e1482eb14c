package security

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ProjectConfigFile is the name of the per-target suppression file.
const ProjectConfigFile = ".cpghunter.yaml"

// ProjectConfig is read from the analysed tree. It lets a project record
// triage decisions next to its code.
type ProjectConfig struct {
	Suppressions []Suppression `yaml:"suppressions"`
	// Exclude lists path globs whose findings are suppressed, e.g.
	// "third_party/**".
	Exclude []string `yaml:"exclude"`
}

// Suppression silences one finding by id, or every finding of a CWE whose
// sink lies in a given file.
type Suppression struct {
	FindingID string `yaml:"finding_id"`
	CWE       string `yaml:"cwe"`
	File      string `yaml:"file"`
	Reason    string `yaml:"reason"`
}

func (s Suppression) matches(f Finding) bool {
	if s.FindingID != "" {
		return s.FindingID == f.ID
	}
	if s.CWE != "" && !strings.EqualFold(s.CWE, f.CWE) {
		return false
	}
	return s.File != "" && (s.File == f.Sink.File || IsExcluded(f.Sink.File, []string{s.File}))
}

// LoadProjectConfig reads .cpghunter.yaml from dir. It returns nil if the
// file does not exist or is empty.
func LoadProjectConfig(dir string) (*ProjectConfig, error) {
	data, err := os.ReadFile(filepath.Join(dir, ProjectConfigFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", ProjectConfigFile, err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil, nil
	}

	var cfg ProjectConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", ProjectConfigFile, err)
	}
	for i, s := range cfg.Suppressions {
		if s.FindingID == "" && s.File == "" {
			return nil, fmt.Errorf("%s: suppression at index %d needs finding_id or file", ProjectConfigFile, i)
		}
		if strings.TrimSpace(s.Reason) == "" {
			return nil, fmt.Errorf("%s: suppression at index %d is missing a reason", ProjectConfigFile, i)
		}
	}
	return &cfg, nil
}

// Apply marks matching findings suppressed and records the reason. Findings
// that need review are left alone. It returns the number of findings
// changed.
func (c *ProjectConfig) Apply(findings []Finding) int {
	if c == nil {
		return 0
	}
	count := 0
	for i := range findings {
		f := &findings[i]
		if f.Status == StatusNeedsReview || f.Suppression != "" {
			continue
		}
		reason := ""
		if IsExcluded(f.Sink.File, c.Exclude) {
			reason = "excluded path"
		}
		for _, s := range c.Suppressions {
			if s.matches(*f) {
				reason = s.Reason
				break
			}
		}
		if reason != "" {
			f.Status = StatusSuppressed
			f.Suppression = reason
			count++
		}
	}
	return count
}

// IsExcluded returns true if the path matches any of the glob patterns. A
// trailing "/**" matches the directory and everything below it.
func IsExcluded(path string, patterns []string) bool {
	path = filepath.ToSlash(path)
	for _, pattern := range patterns {
		matched, err := filepath.Match(pattern, path)
		if err == nil && matched {
			return true
		}
		if strings.HasSuffix(pattern, "/**") {
			prefix := strings.TrimSuffix(pattern, "/**")
			if strings.HasPrefix(path, prefix+"/") || path == prefix {
				return true
			}
		}
	}
	return false
}
