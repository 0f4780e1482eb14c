package taint

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"

	"github.com/julianshen/cpghunter/internal/cpg"
)

// DefaultSearchBudget bounds the number of partial paths kept per pair.
const DefaultSearchBudget = 10000

// Abort reasons recorded on Aborted pairs.
const (
	ReasonMaxFunctions = "max_functions exceeded"
	ReasonMaxDepth     = "max_call_depth reached"
	ReasonBudget       = "search budget exhausted"
	ReasonQueryTimeout = "query timed out"
	ReasonQueryFailed  = "query failed"
)

// Config bounds one analyzer run.
type Config struct {
	Sources    []cpg.Pattern
	Sinks      []cpg.Pattern
	Sanitizers []cpg.Pattern

	MaxCallDepth int
	MaxFunctions int
	MaxSources   int
	MaxSinks     int
	MaxPaths     int
	SearchBudget int

	// Workers > 1 distributes independent pairs over goroutines.
	Workers int
	Logger  hclog.Logger
}

func (c *Config) applyDefaults() {
	if c.MaxCallDepth <= 0 {
		c.MaxCallDepth = 20
	}
	if c.MaxFunctions <= 0 {
		c.MaxFunctions = 1000
	}
	if c.MaxPaths <= 0 {
		c.MaxPaths = 100
	}
	if c.SearchBudget <= 0 {
		c.SearchBudget = DefaultSearchBudget
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.Logger == nil {
		c.Logger = hclog.NewNullLogger()
	}
}

// Analyzer runs the bounded source-to-sink search.
type Analyzer struct {
	q          Querier
	cfg        Config
	sanitizers []*cpg.Matcher

	mu        sync.Mutex
	functions map[string]struct{}
}

// New validates the patterns and returns an analyzer over q.
func New(q Querier, cfg Config) (*Analyzer, error) {
	cfg.applyDefaults()
	if len(cfg.Sources) == 0 {
		return nil, errors.New("taint: no source patterns")
	}
	if len(cfg.Sinks) == 0 {
		return nil, errors.New("taint: no sink patterns")
	}
	for _, p := range append(append([]cpg.Pattern{}, cfg.Sources...), cfg.Sinks...) {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("taint: %w", err)
		}
	}
	sanitizers, err := cpg.CompileAll(cfg.Sanitizers)
	if err != nil {
		return nil, fmt.Errorf("taint: sanitizer %w", err)
	}
	return &Analyzer{
		q:          q,
		cfg:        cfg,
		sanitizers: sanitizers,
		functions:  make(map[string]struct{}),
	}, nil
}

// Run enumerates sources and sinks and searches every pair within the caps.
// Query timeouts and malformed results only affect the pair that raised
// them. An unavailable backend or a cancelled ctx stops the run; the
// partial result gathered so far is returned together with the error.
func (a *Analyzer) Run(ctx context.Context) (*Result, error) {
	res := &Result{}

	sources, err := a.enumerate(ctx, "source", a.cfg.Sources, a.cfg.MaxSources, res)
	if err != nil {
		return res, err
	}
	sinks, err := a.enumerate(ctx, "sink", a.cfg.Sinks, a.cfg.MaxSinks, res)
	if err != nil {
		return res, err
	}
	res.Sources, res.Sinks = sources, sinks
	res.Stats.Sources, res.Stats.Sinks = len(sources), len(sinks)

	type pair struct{ src, sink cpg.NodeRef }
	var pairs []pair
	for _, s := range sources {
		for _, k := range sinks {
			if s.ID == k.ID {
				continue
			}
			pairs = append(pairs, pair{s, k})
		}
	}
	res.Stats.Pairs = len(pairs)
	a.cfg.Logger.Debug("searching pairs", "sources", len(sources), "sinks", len(sinks), "pairs", len(pairs))

	outcomes := make([]*pairOutcome, len(pairs))
	if a.cfg.Workers > 1 && len(pairs) > 1 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(a.cfg.Workers)
		for i, p := range pairs {
			g.Go(func() error {
				out, err := a.searchPair(gctx, p.src, p.sink)
				outcomes[i] = out
				return err
			})
		}
		err = g.Wait()
	} else {
		for i, p := range pairs {
			outcomes[i], err = a.searchPair(ctx, p.src, p.sink)
			if err != nil {
				break
			}
		}
	}

	for _, out := range outcomes {
		if out == nil {
			continue
		}
		res.Candidates = append(res.Candidates, out.paths...)
		if out.aborted != nil {
			res.Aborted = append(res.Aborted, *out.aborted)
		}
	}
	res.Stats.Paths = len(res.Candidates)
	res.Stats.Aborted = len(res.Aborted)
	a.mu.Lock()
	res.Stats.Functions = len(a.functions)
	a.mu.Unlock()
	return res, err
}

// enumerate resolves patterns in order, dropping duplicates and everything
// past limit. A pattern whose query fails is skipped and marks res
// truncated.
func (a *Analyzer) enumerate(ctx context.Context, what string, patterns []cpg.Pattern, limit int, res *Result) ([]cpg.NodeRef, error) {
	seen := make(map[cpg.NodeID]bool)
	var nodes []cpg.NodeRef
	for _, p := range patterns {
		found, err := a.q.FindNodes(ctx, p)
		if err != nil {
			if fatal(err) {
				return nodes, err
			}
			res.Truncated = true
			res.Notes = append(res.Notes, fmt.Sprintf("%s pattern %s skipped: %v", what, p, err))
			continue
		}
		for _, n := range found {
			if !seen[n.ID] {
				seen[n.ID] = true
				nodes = append(nodes, n)
			}
		}
	}
	if limit > 0 && len(nodes) > limit {
		res.Truncated = true
		res.Notes = append(res.Notes, fmt.Sprintf("%ss truncated: analyzed the first %d of %d", what, limit, len(nodes)))
		nodes = nodes[:limit]
	}
	return nodes, nil
}

type pairOutcome struct {
	paths   []Candidate
	aborted *Aborted
}

func (o *pairOutcome) abort(src, sink cpg.NodeRef, reason string) *pairOutcome {
	// A pair that already produced paths keeps them; the limit only
	// matters when nothing was found.
	if len(o.paths) == 0 {
		o.aborted = &Aborted{Source: src, Sink: sink, Reason: reason}
	}
	return o
}

// searchPair runs a breadth-first search over forward data-flow and call
// edges from src, so shorter paths are always found first. Each partial
// path carries its own visited set, which keeps paths acyclic while still
// allowing different paths through the same node.
func (a *Analyzer) searchPair(ctx context.Context, src, sink cpg.NodeRef) (*pairOutcome, error) {
	out := &pairOutcome{}
	if !a.enterFunction(src.Function) {
		return out.abort(src, sink, ReasonMaxFunctions), nil
	}

	frontier := []cpg.Path{cpg.NewPath(src)}
	for depth := 0; depth < a.cfg.MaxCallDepth && len(frontier) > 0; depth++ {
		var next []cpg.Path
		for _, p := range frontier {
			if err := ctx.Err(); err != nil {
				return out, fmt.Errorf("taint search interrupted: %w", err)
			}
			neighbors, err := a.q.Neighbors(ctx, p.Last(), cpg.Forward)
			if err != nil {
				if fatal(err) {
					return out, err
				}
				reason := ReasonQueryFailed
				if errors.Is(err, cpg.ErrQueryTimeout) {
					reason = ReasonQueryTimeout
				}
				a.cfg.Logger.Warn("pair search aborted", "source", src.ID, "sink", sink.ID, "error", err)
				return out.abort(src, sink, reason), nil
			}
			for _, nb := range neighbors {
				if p.Contains(nb.Node.ID) {
					continue
				}
				if !a.enterFunction(nb.Node.Function) {
					return out.abort(src, sink, ReasonMaxFunctions), nil
				}
				ext := p.Extend(nb)
				if nb.Node.ID == sink.ID {
					out.paths = append(out.paths, a.candidate(src, sink, ext))
					if len(out.paths) >= a.cfg.MaxPaths {
						return out, nil
					}
					continue
				}
				next = append(next, ext)
				if len(next) > a.cfg.SearchBudget {
					return out.abort(src, sink, ReasonBudget), nil
				}
			}
		}
		frontier = next
	}

	// Partial paths were still open when the depth cap stopped the search,
	// so a longer path may exist.
	if len(out.paths) == 0 && len(frontier) > 0 {
		return out.abort(src, sink, ReasonMaxDepth), nil
	}
	return out, nil
}

// enterFunction records fn in the per-run function set and reports whether
// the max_functions budget still allows it.
func (a *Analyzer) enterFunction(fn string) bool {
	if fn == "" {
		return true
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.functions[fn]; ok {
		return true
	}
	if len(a.functions) >= a.cfg.MaxFunctions {
		return false
	}
	a.functions[fn] = struct{}{}
	return true
}

func (a *Analyzer) candidate(src, sink cpg.NodeRef, p cpg.Path) Candidate {
	c := Candidate{Source: src, Sink: sink, Path: p}
	for _, n := range p.Nodes {
		if n.Indirect {
			c.Indirections++
		}
	}
	for _, n := range p.Interior() {
		for _, m := range a.sanitizers {
			if m.Touches(n) {
				c.Sanitizers = append(c.Sanitizers, SanitizerHit{
					Node:    n,
					Pattern: m.Pattern().Name,
					Cut:     n.Kind == cpg.KindCall || n.Kind == cpg.KindParameter,
				})
				break
			}
		}
	}
	return c
}

// fatal reports whether err must stop the whole run rather than one pair.
func fatal(err error) bool {
	return errors.Is(err, cpg.ErrBackendUnavailable) ||
		errors.Is(err, cpg.ErrSessionClosed) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
