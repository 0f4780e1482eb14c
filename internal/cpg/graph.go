package cpg

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/singleflight"
)

// BodyExtractor recovers a function's source text from a file when the
// backend only knows its signature.
type BodyExtractor interface {
	FunctionAt(path string, source []byte, line int) (string, error)
}

// Backend is a Facade that owns its underlying resources.
type Backend interface {
	Facade
	// Restart restarts the backend and clears every cached result.
	Restart(ctx context.Context) error
	// CacheStats reports query cache counters; zero when caching is off.
	CacheStats() CacheStats
	Close() error
}

// GraphOptions configures a Graph.
type GraphOptions struct {
	// CPGVar is the name the backend binds the loaded graph to.
	CPGVar string
	// EnableCache turns on the per-run query cache.
	EnableCache bool
	// MaxCallDepth configures the backend's data-flow engine.
	MaxCallDepth int
	// SourceRoot resolves relative file names for body extraction.
	SourceRoot string
	Extractor  BodyExtractor
	Logger     hclog.Logger
}

// Graph implements Facade on top of a Session.
type Graph struct {
	session Session
	opts    GraphOptions
	cache   *QueryCache
	group   singleflight.Group

	// bootstrap holds the statements replayed after a restart.
	mu        sync.Mutex
	bootstrap []string
	cacheGen  int64
}

var _ Backend = (*Graph)(nil)

// NewGraph wraps an already started session.
func NewGraph(session Session, opts GraphOptions) *Graph {
	if opts.CPGVar == "" {
		opts.CPGVar = "cpg"
	}
	if opts.MaxCallDepth <= 0 {
		opts.MaxCallDepth = 20
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	g := &Graph{session: session, opts: opts, cacheGen: session.Generation()}
	if opts.EnableCache {
		g.cache = NewQueryCache()
	}
	return g
}

// Load installs the helper definitions, selects the workspace and imports
// the target into the backend. The same statements are replayed after
// every restart.
func (g *Graph) Load(ctx context.Context, target, workspace string) error {
	stmts := append([]string{}, prelude...)
	if workspace != "" {
		stmts = append(stmts, workspaceQuery(workspace))
	}
	stmts = append(stmts, importCodeQuery(target))
	stmts = append(stmts, engineContextQueries(g.opts.MaxCallDepth)...)

	g.mu.Lock()
	g.bootstrap = stmts
	g.mu.Unlock()

	g.opts.Logger.Info("importing target into graph backend", "target", target)
	return g.execAll(ctx, stmts)
}

func (g *Graph) execAll(ctx context.Context, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := g.session.Query(ctx, stmt); err != nil {
			return classify(ctx, stmt, err)
		}
	}
	return nil
}

// syncGeneration clears the cache when the session restarted underneath.
func (g *Graph) syncGeneration() {
	if g.cache == nil {
		return
	}
	gen := g.session.Generation()
	g.mu.Lock()
	defer g.mu.Unlock()
	if gen != g.cacheGen {
		g.cache.Clear()
		g.cacheGen = gen
	}
}

// query runs a read-only query through the cache. Concurrent identical
// queries share a single backend round trip. The shared call is detached
// from every caller's cancellation and bounded by the session's own query
// timeout; each caller stops waiting when its own ctx ends.
func (g *Graph) query(ctx context.Context, q string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", classify(ctx, q, err)
	}
	g.syncGeneration()
	if g.cache != nil {
		if v, ok := g.cache.Get(q); ok {
			return v, nil
		}
	}
	ch := g.group.DoChan(normalizeQuery(q), func() (any, error) {
		out, err := g.session.Query(context.WithoutCancel(ctx), q)
		if err != nil {
			return "", err
		}
		if g.cache != nil {
			g.cache.Put(q, out)
		}
		return out, nil
	})
	select {
	case <-ctx.Done():
		return "", classify(ctx, q, ctx.Err())
	case r := <-ch:
		if r.Err != nil {
			return "", classify(ctx, q, r.Err)
		}
		return r.Val.(string), nil
	}
}

func (g *Graph) queryJSON(ctx context.Context, q string, v any) error {
	out, err := g.query(ctx, q)
	if err != nil {
		return err
	}
	if err := extractJSON(out, v); err != nil {
		return &QueryError{Query: q, Err: err}
	}
	return nil
}

// FindNodes returns every node matching the pattern, ordered by node id.
func (g *Graph) FindNodes(ctx context.Context, p Pattern) ([]NodeRef, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	var raw []rawNode
	if err := g.queryJSON(ctx, findNodesQuery(g.opts.CPGVar, p), &raw); err != nil {
		return nil, err
	}
	out := make([]NodeRef, 0, len(raw))
	for _, r := range raw {
		out = append(out, r.ref())
	}
	return out, nil
}

// Neighbors returns the data-flow and call neighbours of n.
func (g *Graph) Neighbors(ctx context.Context, n NodeRef, dir Direction) ([]Neighbor, error) {
	var raw []rawEdge
	if err := g.queryJSON(ctx, neighborsQuery(g.opts.CPGVar, n.ID, dir), &raw); err != nil {
		return nil, err
	}
	out := make([]Neighbor, 0, len(raw))
	for _, r := range raw {
		kind, ok := edgeKindFromLabel(r.Label)
		if !ok {
			continue
		}
		out = append(out, Neighbor{Node: r.Node.ref(), Kind: kind})
	}
	return out, nil
}

// Trace implements Facade.
func (g *Graph) Trace(ctx context.Context, from NodeRef, dir Direction, maxDepth int) ([]Path, error) {
	return traceBFS(ctx, from, dir, maxDepth, g.Neighbors)
}

// Functions lists every method in the graph, ordered by full name.
func (g *Graph) Functions(ctx context.Context) ([]Function, error) {
	var raw []rawFunction
	if err := g.queryJSON(ctx, functionsQuery(g.opts.CPGVar), &raw); err != nil {
		return nil, err
	}
	out := make([]Function, 0, len(raw))
	for _, r := range raw {
		if r.FullName == "" {
			continue
		}
		out = append(out, r.function())
	}
	return out, nil
}

// Parameters returns the formal parameters of fn ordered by index.
func (g *Graph) Parameters(ctx context.Context, fn Function) ([]Parameter, error) {
	var params []Parameter
	if err := g.queryJSON(ctx, parametersQuery(g.opts.CPGVar, fn.FullName), &params); err != nil {
		return nil, err
	}
	return params, nil
}

// CallSites returns up to limit code snippets of calls to fn.
func (g *Graph) CallSites(ctx context.Context, fn Function, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 5
	}
	var sites []string
	if err := g.queryJSON(ctx, callSitesQuery(g.opts.CPGVar, fn.FullName, limit), &sites); err != nil {
		return nil, err
	}
	return sites, nil
}

// FunctionBody returns the source text of the function containing ref.
// When the backend only stores a signature, the body is recovered from the
// source file with the configured extractor.
func (g *Graph) FunctionBody(ctx context.Context, ref NodeRef) (string, error) {
	name := ref.Function
	if name == "" {
		return "", fmt.Errorf("function body: node %d has no containing function", ref.ID)
	}
	var raw []rawFunction
	if err := g.queryJSON(ctx, methodByNameQuery(g.opts.CPGVar, name), &raw); err != nil {
		return "", err
	}
	if len(raw) == 0 {
		return "", fmt.Errorf("function body: %q not found", name)
	}
	fn := raw[0]
	if strings.Contains(fn.Code, "{") && strings.Contains(fn.Code, "\n") {
		return fn.Code, nil
	}
	if g.opts.Extractor == nil || fn.File == "" || fn.Line <= 0 {
		return fn.Code, nil
	}
	path := fn.File
	if !filepath.IsAbs(path) && g.opts.SourceRoot != "" {
		path = filepath.Join(g.opts.SourceRoot, path)
	}
	src, err := os.ReadFile(path)
	if err != nil {
		g.opts.Logger.Debug("cannot read source for body extraction", "file", path, "error", err)
		return fn.Code, nil
	}
	body, err := g.opts.Extractor.FunctionAt(path, src, fn.Line)
	if err != nil || body == "" {
		return fn.Code, nil
	}
	return body, nil
}

// ApplySemantics installs extra data-flow rules and recomputes data-flow
// edges. The backend graph changes, so the cache is cleared; callers must
// only do this before analysis starts.
func (g *Graph) ApplySemantics(ctx context.Context, sems []Semantic) error {
	if len(sems) == 0 {
		return nil
	}
	stmts := semanticsQueries(sems, g.opts.MaxCallDepth)
	stmts = append(stmts, dataflowRebuildQueries(g.opts.CPGVar)...)
	if err := g.execAll(ctx, stmts); err != nil {
		return fmt.Errorf("apply semantics: %w", err)
	}
	g.mu.Lock()
	g.bootstrap = append(g.bootstrap, stmts...)
	g.mu.Unlock()
	if g.cache != nil {
		g.cache.Clear()
	}
	g.opts.Logger.Info("applied external semantics", "rules", len(sems))
	return nil
}

// Restart restarts the session, clears the cache and replays the bootstrap.
func (g *Graph) Restart(ctx context.Context) error {
	if err := g.session.Restart(ctx); err != nil {
		return err
	}
	g.syncGeneration()
	g.mu.Lock()
	stmts := append([]string{}, g.bootstrap...)
	g.mu.Unlock()
	return g.execAll(ctx, stmts)
}

// CacheStats implements Backend.
func (g *Graph) CacheStats() CacheStats {
	if g.cache == nil {
		return CacheStats{}
	}
	return g.cache.Stats()
}

// Close shuts the session down.
func (g *Graph) Close() error {
	return g.session.Close()
}
