package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/julianshen/cpghunter/internal/cpg"
	"github.com/julianshen/cpghunter/internal/security"
)

// Config represents the top-level application configuration.
type Config struct {
	Engine     EngineConfig            `yaml:"engine" json:"engine" toml:"engine"`
	Joern      JoernConfig             `yaml:"joern" json:"joern" toml:"joern"`
	Detection  DetectionConfig         `yaml:"vulnerability_detection" json:"vulnerability_detection" toml:"vulnerability_detection"`
	LLM        LLMConfig               `yaml:"llm" json:"llm" toml:"llm"`
	Logging    LoggingConfig           `yaml:"logging" json:"logging" toml:"logging"`
	PassConfig map[string]PassOverride `yaml:"pass_config" json:"pass_config" toml:"pass_config"`
}

// EngineConfig holds the pipeline orchestrator settings.
type EngineConfig struct {
	MaxCallDepth            int      `yaml:"max_call_depth" json:"max_call_depth" toml:"max_call_depth"`
	TimeoutPerPass          Duration `yaml:"timeout_per_pass" json:"timeout_per_pass" toml:"timeout_per_pass"`
	ParallelExecution       bool     `yaml:"parallel_execution" json:"parallel_execution" toml:"parallel_execution"`
	MaxFunctions            int      `yaml:"max_functions" json:"max_functions" toml:"max_functions"`
	OutputDir               string   `yaml:"output_dir" json:"output_dir" toml:"output_dir"`
	SaveIntermediateResults bool     `yaml:"save_intermediate_results" json:"save_intermediate_results" toml:"save_intermediate_results"`
	ReportFormat            string   `yaml:"report_format" json:"report_format" toml:"report_format"`
	EnabledPasses           []string `yaml:"enabled_passes" json:"enabled_passes" toml:"enabled_passes"`
	// HistoryDB is the SQLite file recording runs and cached LLM responses.
	HistoryDB string `yaml:"history_db" json:"history_db" toml:"history_db"`
}

// JoernConfig describes how to reach the graph backend.
type JoernConfig struct {
	InstallationPath string   `yaml:"installation_path" json:"installation_path" toml:"installation_path"`
	Mode             string   `yaml:"mode" json:"mode" toml:"mode"`
	ServerURL        string   `yaml:"server_url" json:"server_url" toml:"server_url"`
	Timeout          Duration `yaml:"timeout" json:"timeout" toml:"timeout"`
	MemoryLimit      string   `yaml:"memory_limit" json:"memory_limit" toml:"memory_limit"`
	CPGVar           string   `yaml:"cpg_var" json:"cpg_var" toml:"cpg_var"`
	WorkspacePath    string   `yaml:"workspace_path" json:"workspace_path" toml:"workspace_path"`
	EnableCache      bool     `yaml:"enable_cache" json:"enable_cache" toml:"enable_cache"`
	CacheDir         string   `yaml:"cache_dir" json:"cache_dir" toml:"cache_dir"`
	MinVersion       string   `yaml:"min_version" json:"min_version" toml:"min_version"`
}

// DetectionConfig holds the defaults shared by every analysis pass.
type DetectionConfig struct {
	// Timeout bounds each graph query issued during analysis.
	Timeout                Duration         `yaml:"timeout" json:"timeout" toml:"timeout"`
	ConfidenceThreshold    float64          `yaml:"confidence_threshold" json:"confidence_threshold" toml:"confidence_threshold"`
	MaxPaths               int              `yaml:"max_paths" json:"max_paths" toml:"max_paths"`
	MaxSources             int              `yaml:"max_sources" json:"max_sources" toml:"max_sources"`
	MaxSinks               int              `yaml:"max_sinks" json:"max_sinks" toml:"max_sinks"`
	EnablePathOptimization bool             `yaml:"enable_path_optimization" json:"enable_path_optimization" toml:"enable_path_optimization"`
	CWETypes               []string         `yaml:"cwe_types" json:"cwe_types" toml:"cwe_types"`
	Weights                security.Weights `yaml:"weights" json:"weights" toml:"weights"`
}

// LLMConfig configures the optional language model.
type LLMConfig struct {
	Provider          string            `yaml:"provider" json:"provider" toml:"provider"`
	BaseURL           string            `yaml:"base_url" json:"base_url" toml:"base_url"`
	APIKey            string            `yaml:"api_key" json:"api_key" toml:"api_key"`
	APIKeySource      string            `yaml:"api_key_source" json:"api_key_source" toml:"api_key_source"`
	Model             string            `yaml:"model" json:"model" toml:"model"`
	Timeout           Duration          `yaml:"timeout" json:"timeout" toml:"timeout"`
	MaxTokens         int               `yaml:"max_tokens" json:"max_tokens" toml:"max_tokens"`
	Temperature       float64           `yaml:"temperature" json:"temperature" toml:"temperature"`
	RequestsPerSecond float64           `yaml:"requests_per_second" json:"requests_per_second" toml:"requests_per_second"`
	EnableCache       bool              `yaml:"enable_cache" json:"enable_cache" toml:"enable_cache"`
	ExtraHeaders      map[string]string `yaml:"extra_headers" json:"extra_headers" toml:"extra_headers"`
	// Refine enables the confidence refiner on every completed pass.
	Refine bool `yaml:"refine" json:"refine" toml:"refine"`
	// Enabled turns the language model on at all. Passes that can use it
	// fall back to built-in rules when it is off.
	Enabled bool `yaml:"enabled" json:"enabled" toml:"enabled"`
}

// LoggingConfig controls the hclog output.
type LoggingConfig struct {
	Level   string `yaml:"level" json:"level" toml:"level"`
	Console bool   `yaml:"console" json:"console" toml:"console"`
	File    string `yaml:"file" json:"file" toml:"file"`
	JSON    bool   `yaml:"json" json:"json" toml:"json"`
}

// PassOverride holds per-pass settings. Unset fields inherit from
// vulnerability_detection.
type PassOverride struct {
	ConfidenceThreshold    *float64          `yaml:"confidence_threshold" json:"confidence_threshold" toml:"confidence_threshold"`
	MaxPaths               *int              `yaml:"max_paths" json:"max_paths" toml:"max_paths"`
	MaxSources             *int              `yaml:"max_sources" json:"max_sources" toml:"max_sources"`
	MaxSinks               *int              `yaml:"max_sinks" json:"max_sinks" toml:"max_sinks"`
	EnablePathOptimization *bool             `yaml:"enable_path_optimization" json:"enable_path_optimization" toml:"enable_path_optimization"`
	CWE                    string            `yaml:"cwe" json:"cwe" toml:"cwe"`
	Sources                []cpg.Pattern     `yaml:"sources" json:"sources" toml:"sources"`
	Sinks                  []cpg.Pattern     `yaml:"sinks" json:"sinks" toml:"sinks"`
	Sanitizers             []cpg.Pattern     `yaml:"sanitizers" json:"sanitizers" toml:"sanitizers"`
	LLMClassify            bool              `yaml:"llm_classify" json:"llm_classify" toml:"llm_classify"`
	Weights                *security.Weights `yaml:"weights" json:"weights" toml:"weights"`
}

// Duration is a time.Duration read from "30s"-style strings. A bare number
// is taken as seconds.
type Duration time.Duration

// D returns the standard library duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		*d = Duration(n * float64(time.Second))
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q", s)
	}
	*d = Duration(v)
	return nil
}

// UnmarshalJSON accepts both strings and numbers of seconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	return d.UnmarshalText([]byte(strings.Trim(string(b), `"`)))
}

// DefaultOllamaURL is the stock llm.base_url.
const DefaultOllamaURL = "http://localhost:11434"

// ReportFormats lists the supported report_format values.
var ReportFormats = []string{"json", "yaml", "sarif", "markdown", "html"}

// DefaultConfig returns a Config populated with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxCallDepth:            20,
			TimeoutPerPass:          Duration(300 * time.Second),
			MaxFunctions:            1000,
			OutputDir:               "output",
			SaveIntermediateResults: true,
			ReportFormat:            "json",
			EnabledPasses:           []string{"init"},
			HistoryDB:               filepath.Join("cache", "cpghunter.db"),
		},
		Joern: JoernConfig{
			InstallationPath: "joern",
			Mode:             cpg.ModeProcess,
			ServerURL:        "http://localhost:8080",
			Timeout:          Duration(300 * time.Second),
			MemoryLimit:      "8G",
			CPGVar:           "cpg",
			WorkspacePath:    "workspace",
			EnableCache:      true,
			CacheDir:         "cache",
		},
		Detection: DetectionConfig{
			Timeout:                Duration(300 * time.Second),
			ConfidenceThreshold:    0.6,
			MaxPaths:               100,
			MaxSources:             50,
			MaxSinks:               50,
			EnablePathOptimization: true,
			CWETypes:               []string{"CWE-78"},
			Weights:                security.DefaultWeights(),
		},
		LLM: LLMConfig{
			Provider:          "ollama",
			BaseURL:           DefaultOllamaURL,
			APIKeySource:      "config",
			Model:             "qwen2.5-coder:32b",
			Timeout:           Duration(30 * time.Second),
			MaxTokens:         4096,
			Temperature:       0.7,
			RequestsPerSecond: 2,
			EnableCache:       true,
		},
		Logging: LoggingConfig{
			Level:   "INFO",
			Console: true,
		},
		PassConfig: map[string]PassOverride{},
	}
}

// Load reads the configuration file at path on top of the defaults. The
// format follows the extension: .yaml/.yml, .json or .toml. A missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".json":
		err = json.Unmarshal(data, cfg)
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	if cfg.PassConfig == nil {
		cfg.PassConfig = map[string]PassOverride{}
	}
	return cfg, nil
}

// configNames are probed in order by Discover.
var configNames = []string{"cpghunter.yaml", "cpghunter.yml", "cpghunter.json", "cpghunter.toml"}

// Discover returns the first cpghunter config file found in dir, or an
// empty string if there is none.
func Discover(dir string) string {
	for _, name := range configNames {
		p := filepath.Join(dir, name)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}

// Validate reports the first invalid setting as a security.ConfigError.
func (c *Config) Validate() error {
	bad := func(field, reason string) error {
		return &security.ConfigError{Field: field, Reason: reason}
	}
	e := c.Engine
	switch {
	case e.MaxCallDepth <= 0:
		return bad("engine.max_call_depth", "must be positive")
	case e.MaxFunctions <= 0:
		return bad("engine.max_functions", "must be positive")
	case e.TimeoutPerPass <= 0:
		return bad("engine.timeout_per_pass", "must be positive")
	case len(e.EnabledPasses) == 0:
		return bad("engine.enabled_passes", "no passes enabled")
	case !slices.Contains(ReportFormats, e.ReportFormat):
		return bad("engine.report_format", fmt.Sprintf("unknown format %q, want one of %s", e.ReportFormat, strings.Join(ReportFormats, ", ")))
	}

	switch c.Joern.Mode {
	case cpg.ModeProcess, cpg.ModeServer, cpg.ModeFile:
	default:
		return bad("joern.mode", fmt.Sprintf("unknown mode %q", c.Joern.Mode))
	}
	if c.Joern.Timeout <= 0 {
		return bad("joern.timeout", "must be positive")
	}

	d := c.Detection
	switch {
	case d.Timeout <= 0:
		return bad("vulnerability_detection.timeout", "must be positive")
	case d.ConfidenceThreshold < 0 || d.ConfidenceThreshold > 1:
		return bad("vulnerability_detection.confidence_threshold", "must be within [0,1]")
	case d.MaxPaths <= 0:
		return bad("vulnerability_detection.max_paths", "must be positive")
	case d.MaxSources <= 0:
		return bad("vulnerability_detection.max_sources", "must be positive")
	case d.MaxSinks <= 0:
		return bad("vulnerability_detection.max_sinks", "must be positive")
	}
	if err := security.ValidateWeights(d.Weights); err != nil {
		return err
	}

	for id, o := range c.PassConfig {
		field := "pass_config." + id
		if o.ConfidenceThreshold != nil && (*o.ConfidenceThreshold < 0 || *o.ConfidenceThreshold > 1) {
			return bad(field+".confidence_threshold", "must be within [0,1]")
		}
		for name, v := range map[string]*int{"max_paths": o.MaxPaths, "max_sources": o.MaxSources, "max_sinks": o.MaxSinks} {
			if v != nil && *v <= 0 {
				return bad(field+"."+name, "must be positive")
			}
		}
		if o.Weights != nil {
			if err := security.ValidateWeights(*o.Weights); err != nil {
				return fmt.Errorf("%s: %w", field, err)
			}
		}
	}

	if c.LLM.Enabled || c.LLM.Refine {
		switch {
		case c.LLM.Model == "":
			return bad("llm.model", "must be set")
		case c.LLM.Timeout <= 0:
			return bad("llm.timeout", "must be positive")
		case c.LLM.MaxTokens <= 0:
			return bad("llm.max_tokens", "must be positive")
		case c.LLM.RequestsPerSecond < 0:
			return bad("llm.requests_per_second", "must not be negative")
		}
	}

	switch strings.ToUpper(c.Logging.Level) {
	case "TRACE", "DEBUG", "INFO", "WARN", "ERROR", "OFF":
	default:
		return bad("logging.level", fmt.Sprintf("unknown level %q", c.Logging.Level))
	}
	return nil
}

// Budgets returns the global limits handed to every pass.
func (c *Config) Budgets() security.Budgets {
	return security.Budgets{
		MaxCallDepth:   c.Engine.MaxCallDepth,
		MaxFunctions:   c.Engine.MaxFunctions,
		TimeoutPerPass: c.Engine.TimeoutPerPass.D(),
	}
}

// Pass returns the effective configuration of one pass: the
// vulnerability_detection defaults with the pass_config entry on top.
func (c *Config) Pass(id string) security.PassConfig {
	d := c.Detection
	pc := security.PassConfig{
		ConfidenceThreshold:    d.ConfidenceThreshold,
		MaxSources:             d.MaxSources,
		MaxSinks:               d.MaxSinks,
		MaxPaths:               d.MaxPaths,
		EnablePathOptimization: d.EnablePathOptimization,
		Parallel:               c.Engine.ParallelExecution,
		Weights:                d.Weights,
	}
	o, ok := c.PassConfig[id]
	if !ok {
		return pc
	}
	if o.ConfidenceThreshold != nil {
		pc.ConfidenceThreshold = *o.ConfidenceThreshold
	}
	if o.MaxPaths != nil {
		pc.MaxPaths = *o.MaxPaths
	}
	if o.MaxSources != nil {
		pc.MaxSources = *o.MaxSources
	}
	if o.MaxSinks != nil {
		pc.MaxSinks = *o.MaxSinks
	}
	if o.EnablePathOptimization != nil {
		pc.EnablePathOptimization = *o.EnablePathOptimization
	}
	if o.Weights != nil {
		pc.Weights = *o.Weights
	}
	pc.CWE = o.CWE
	pc.Sources = o.Sources
	pc.Sinks = o.Sinks
	pc.Sanitizers = o.Sanitizers
	pc.LLMClassify = o.LLMClassify
	return pc
}

// OpenOptions maps the joern section onto backend options for target.
func (c *Config) OpenOptions(target string) cpg.OpenOptions {
	j := c.Joern
	return cpg.OpenOptions{
		Mode:           j.Mode,
		Target:         target,
		Workspace:      j.WorkspacePath,
		Binary:         j.InstallationPath,
		ServerURL:      j.ServerURL,
		MemoryLimit:    j.MemoryLimit,
		MinVersion:     j.MinVersion,
		CPGVar:         j.CPGVar,
		EnableCache:    j.EnableCache,
		MaxCallDepth:   c.Engine.MaxCallDepth,
		StartupTimeout: j.Timeout.D(),
		QueryTimeout:   c.Detection.Timeout.D(),
	}
}
