// Package taint searches a code property graph for data-flow paths from
// taint sources to sinks and records the sanitizers found along them.
package taint

import (
	"context"

	"github.com/julianshen/cpghunter/internal/cpg"
)

// Querier is the part of the graph facade the analyzer needs.
type Querier interface {
	FindNodes(ctx context.Context, p cpg.Pattern) ([]cpg.NodeRef, error)
	Neighbors(ctx context.Context, n cpg.NodeRef, dir cpg.Direction) ([]cpg.Neighbor, error)
}

// SanitizerHit records a sanitizer on a path. Cut is set when the match is
// the sanitizing call itself or a parameter of the sanitizing function,
// i.e. the data actually went through it rather than past it.
type SanitizerHit struct {
	Node    cpg.NodeRef `json:"node" yaml:"node"`
	Pattern string      `json:"pattern" yaml:"pattern"`
	Cut     bool        `json:"cut" yaml:"cut"`
}

// Candidate is one source-to-sink path.
type Candidate struct {
	Source       cpg.NodeRef    `json:"source" yaml:"source"`
	Sink         cpg.NodeRef    `json:"sink" yaml:"sink"`
	Path         cpg.Path       `json:"path" yaml:"path"`
	Sanitizers   []SanitizerHit `json:"sanitizers,omitempty" yaml:"sanitizers,omitempty"`
	Indirections int            `json:"indirections" yaml:"indirections"`
}

// Sanitized reports whether any sanitizer lies strictly between source and
// sink.
func (c Candidate) Sanitized() bool {
	return len(c.Sanitizers) > 0
}

// Aborted is a (source, sink) pair whose search hit a hard limit or a
// failing query before any path was found.
type Aborted struct {
	Source cpg.NodeRef `json:"source" yaml:"source"`
	Sink   cpg.NodeRef `json:"sink" yaml:"sink"`
	Reason string      `json:"reason" yaml:"reason"`
}

// Stats counts the work done by one analyzer run.
type Stats struct {
	Sources   int `json:"sources" yaml:"sources"`
	Sinks     int `json:"sinks" yaml:"sinks"`
	Pairs     int `json:"pairs" yaml:"pairs"`
	Paths     int `json:"paths" yaml:"paths"`
	Aborted   int `json:"aborted" yaml:"aborted"`
	Functions int `json:"functions" yaml:"functions"`
}

// Result is the outcome of one analyzer run. Candidates are ordered by
// pair (source discovery order, then sink discovery order) and, within a
// pair, shortest path first.
type Result struct {
	Candidates []Candidate
	Aborted    []Aborted
	Sources    []cpg.NodeRef
	Sinks      []cpg.NodeRef
	// Truncated is set when sources or sinks beyond the configured caps
	// were skipped, or when a source or sink pattern could not be queried.
	Truncated bool
	Notes     []string
	Stats     Stats
}
