package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/julianshen/cpghunter/internal/cpg"
	"github.com/julianshen/cpghunter/internal/security/taint"
)

// Status is the triage state of a finding.
type Status string

const (
	StatusConfirmed   Status = "confirmed"
	StatusSuppressed  Status = "suppressed"
	StatusNeedsReview Status = "needs-review"
)

// Finding is one reported source-to-sink flow.
type Finding struct {
	ID     string      `json:"id" yaml:"id"`
	CWE    string      `json:"cwe" yaml:"cwe"`
	Pass   string      `json:"pass" yaml:"pass"`
	Source cpg.NodeRef `json:"source" yaml:"source"`
	Sink   cpg.NodeRef `json:"sink" yaml:"sink"`
	Path   cpg.Path    `json:"path" yaml:"path"`

	Sanitized    bool                 `json:"sanitized" yaml:"sanitized"`
	Sanitizers   []taint.SanitizerHit `json:"sanitizers,omitempty" yaml:"sanitizers,omitempty"`
	Indirections int                  `json:"indirections" yaml:"indirections"`

	Confidence  float64 `json:"confidence" yaml:"confidence"`
	Status      Status  `json:"status" yaml:"status"`
	Explanation string  `json:"explanation,omitempty" yaml:"explanation,omitempty"`
	// Degraded explains why the finding was produced under degraded
	// conditions, e.g. an aborted search. Empty for regular findings.
	Degraded string `json:"degraded,omitempty" yaml:"degraded,omitempty"`
	// Suppression is the reason given by a project suppression rule.
	Suppression string `json:"suppression,omitempty" yaml:"suppression,omitempty"`
}

// FindingID is a stable identity derived from the CWE, both endpoints and
// the path signature.
func FindingID(cwe string, source, sink cpg.NodeRef, signature string) string {
	h := sha256.New()
	for _, part := range []string{
		cwe,
		strconv.FormatInt(int64(source.ID), 10),
		strconv.FormatInt(int64(sink.ID), 10),
		signature,
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// PassStatus is the lifecycle state of one pass within a run.
type PassStatus string

const (
	PassPending   PassStatus = "pending"
	PassRunning   PassStatus = "running"
	PassCompleted PassStatus = "completed"
	PassFailed    PassStatus = "failed"
	PassTimedOut  PassStatus = "timed-out"
)

// Terminal reports whether the pass has finished, successfully or not.
func (s PassStatus) Terminal() bool {
	return s == PassCompleted || s == PassFailed || s == PassTimedOut
}

// CanTransition reports whether moving from s to next is allowed.
func (s PassStatus) CanTransition(next PassStatus) bool {
	switch s {
	case PassPending:
		return next == PassRunning
	case PassRunning:
		return next.Terminal()
	}
	return false
}

// RunStatus is the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunIdle           RunStatus = "idle"
	RunRunning        RunStatus = "running"
	RunCompleted      RunStatus = "completed"
	RunPartialFailure RunStatus = "partial-failure"
	RunFatal          RunStatus = "fatal"
)

// Terminal reports whether the run has finished.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunPartialFailure || s == RunFatal
}

// CanTransition reports whether moving from s to next is allowed. A run may
// fail fatally before it starts, on invalid configuration.
func (s RunStatus) CanTransition(next RunStatus) bool {
	switch s {
	case RunIdle:
		return next == RunRunning || next == RunFatal
	case RunRunning:
		return next.Terminal()
	}
	return false
}

// PassStats counts the work a pass performed.
type PassStats struct {
	Sources   int `json:"sources" yaml:"sources"`
	Sinks     int `json:"sinks" yaml:"sinks"`
	Pairs     int `json:"pairs" yaml:"pairs"`
	Paths     int `json:"paths" yaml:"paths"`
	Aborted   int `json:"aborted" yaml:"aborted"`
	Functions int `json:"functions" yaml:"functions"`
}

// PassResult is the outcome of one pass.
type PassResult struct {
	PassID   string     `json:"pass_id" yaml:"pass_id"`
	Status   PassStatus `json:"status" yaml:"status"`
	Findings []Finding  `json:"findings" yaml:"findings"`
	Error    string     `json:"error,omitempty" yaml:"error,omitempty"`
	// Warnings are non-fatal problems such as failed refinements.
	Warnings []string `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	// Notes are informational, e.g. search truncation or enumeration counts.
	Notes     []string  `json:"notes,omitempty" yaml:"notes,omitempty"`
	Truncated bool      `json:"truncated" yaml:"truncated"`
	Started   time.Time `json:"started" yaml:"started"`
	Ended     time.Time `json:"ended" yaml:"ended"`
	Stats     PassStats `json:"stats" yaml:"stats"`

	err error
}

// Err returns the error that ended the pass, if any.
func (r *PassResult) Err() error {
	return r.err
}

// Degraded reports whether the result may be incomplete.
func (r *PassResult) Degraded() bool {
	return r.Status != PassCompleted || r.Truncated || len(r.Warnings) > 0
}

// Duration is the wall-clock time the pass ran.
func (r *PassResult) Duration() time.Duration {
	if r.Started.IsZero() || r.Ended.IsZero() {
		return 0
	}
	return r.Ended.Sub(r.Started)
}

// Summary aggregates counts across a run.
type Summary struct {
	Findings    int `json:"findings" yaml:"findings"`
	Confirmed   int `json:"confirmed" yaml:"confirmed"`
	Suppressed  int `json:"suppressed" yaml:"suppressed"`
	NeedsReview int `json:"needs_review" yaml:"needs_review"`
	Sanitized   int `json:"sanitized" yaml:"sanitized"`

	PassesCompleted int `json:"passes_completed" yaml:"passes_completed"`
	PassesFailed    int `json:"passes_failed" yaml:"passes_failed"`
	PassesTimedOut  int `json:"passes_timed_out" yaml:"passes_timed_out"`
	PassesPending   int `json:"passes_pending" yaml:"passes_pending"`
}

// PipelineRun is the root aggregate of one invocation.
type PipelineRun struct {
	ID      string         `json:"id" yaml:"id"`
	Target  string         `json:"target" yaml:"target"`
	Started time.Time      `json:"started" yaml:"started"`
	Ended   time.Time      `json:"ended" yaml:"ended"`
	Status  RunStatus      `json:"status" yaml:"status"`
	Error   string         `json:"error,omitempty" yaml:"error,omitempty"`
	Passes  []*PassResult  `json:"passes" yaml:"passes"`
	Cache   cpg.CacheStats `json:"cache" yaml:"cache"`
}

// Summary computes aggregate counts from the pass results.
func (r *PipelineRun) Summary() Summary {
	var s Summary
	for _, p := range r.Passes {
		switch p.Status {
		case PassCompleted:
			s.PassesCompleted++
		case PassFailed:
			s.PassesFailed++
		case PassTimedOut:
			s.PassesTimedOut++
		case PassPending:
			s.PassesPending++
		}
		for _, f := range p.Findings {
			s.Findings++
			switch f.Status {
			case StatusConfirmed:
				s.Confirmed++
			case StatusSuppressed:
				s.Suppressed++
			case StatusNeedsReview:
				s.NeedsReview++
			}
			if f.Sanitized {
				s.Sanitized++
			}
		}
	}
	return s
}

// Findings returns every finding of the run in pass order.
func (r *PipelineRun) Findings() []Finding {
	var out []Finding
	for _, p := range r.Passes {
		out = append(out, p.Findings...)
	}
	return out
}

// Budgets are the global limits every pass must respect.
type Budgets struct {
	MaxCallDepth   int           `json:"max_call_depth" yaml:"max_call_depth"`
	MaxFunctions   int           `json:"max_functions" yaml:"max_functions"`
	TimeoutPerPass time.Duration `json:"timeout_per_pass" yaml:"timeout_per_pass"`
}

// Weights tune the confidence penalties.
type Weights struct {
	// Indirection is subtracted per unresolved call on the path, up to
	// MaxIndirection in total.
	Indirection    float64 `json:"indirection" yaml:"indirection" toml:"indirection"`
	MaxIndirection float64 `json:"max_indirection" yaml:"max_indirection" toml:"max_indirection"`
	// Sanitizer is subtracted once when any sanitizer is on the path.
	Sanitizer float64 `json:"sanitizer" yaml:"sanitizer" toml:"sanitizer"`
	// Length is subtracted per edge beyond Baseline, up to MaxLength.
	Length    float64 `json:"length" yaml:"length" toml:"length"`
	MaxLength float64 `json:"max_length" yaml:"max_length" toml:"max_length"`
	Baseline  int     `json:"baseline" yaml:"baseline" toml:"baseline"`
}

// DefaultWeights returns the stock penalty weights.
func DefaultWeights() Weights {
	return Weights{
		Indirection:    0.1,
		MaxIndirection: 0.4,
		Sanitizer:      0.3,
		Length:         0.02,
		MaxLength:      0.2,
		Baseline:       3,
	}
}

// PassConfig is the effective configuration of one pass.
type PassConfig struct {
	ConfidenceThreshold    float64
	MaxSources             int
	MaxSinks               int
	MaxPaths               int
	EnablePathOptimization bool
	CWE                    string
	Sources                []cpg.Pattern
	Sinks                  []cpg.Pattern
	Sanitizers             []cpg.Pattern
	// LLMClassify lets a pass ask the language model to classify internal
	// functions as additional sources, sinks or sanitizers.
	LLMClassify bool
	// Parallel distributes independent source/sink pairs over workers.
	Parallel bool
	Weights  Weights
}

// PassContext bundles what a pass needs to run.
type PassContext struct {
	Graph   cpg.Facade
	Config  PassConfig
	Budgets Budgets
	Logger  hclog.Logger
}

// Pass is one analysis step of the pipeline.
type Pass interface {
	ID() string
	// Run may return a partial result together with an error.
	Run(ctx context.Context, pctx PassContext) (*PassResult, error)
}

// GraphWriter is implemented by passes that change the graph (for example
// by installing data-flow semantics). They run before all other passes, one
// at a time, so analysis passes never observe a graph being modified.
type GraphWriter interface {
	WritesGraph() bool
}

// Refiner adjusts a finding, typically through a language model. It may
// fail, in which case the finding is kept as it was.
type Refiner interface {
	Refine(ctx context.Context, f Finding) (Finding, error)
}

// OutputFormatter renders a finished run as a report document.
type OutputFormatter interface {
	Name() string
	Format(run *PipelineRun) ([]byte, error)
}
