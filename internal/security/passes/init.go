package passes

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
	"github.com/sourcegraph/conc/pool"

	"github.com/julianshen/cpghunter/internal/cpg"
	"github.com/julianshen/cpghunter/internal/security"
	"github.com/julianshen/cpghunter/internal/security/refiner"
)

// maxUsageSites bounds the call sites quoted per external function.
const maxUsageSites = 5

// initPass enumerates the functions of the graph and, when a model is
// available, installs parameter-flow semantics for external functions so
// later passes can follow data through library calls.
type initPass struct {
	cfg       security.PassConfig
	semantics *refiner.SemanticsGenerator
}

var _ security.GraphWriter = (*initPass)(nil)

func newInitPass(cfg security.PassConfig, deps Deps) (security.Pass, error) {
	p := &initPass{cfg: cfg}
	if deps.LLM != nil {
		p.semantics = refiner.NewSemanticsGenerator(deps.LLM)
	}
	return p, nil
}

func (p *initPass) ID() string { return string(KindInit) }

// WritesGraph reports that the pass installs semantics into the graph.
func (p *initPass) WritesGraph() bool { return true }

type inventory struct {
	internal  []cpg.Function
	external  []cpg.Function
	operators int
}

func (p *initPass) Run(ctx context.Context, pctx security.PassContext) (*security.PassResult, error) {
	log := pctx.Logger
	if log == nil {
		log = hclog.NewNullLogger()
	}
	result := &security.PassResult{PassID: p.ID()}

	fns, err := pctx.Graph.Functions(ctx)
	if err != nil {
		return result, fmt.Errorf("list functions: %w", err)
	}
	inv := classifyFunctions(fns)
	total := len(inv.internal) + len(inv.external)
	if limit := pctx.Budgets.MaxFunctions; limit > 0 && total > limit {
		inv = inv.limit(limit)
		result.Truncated = true
		result.Notes = append(result.Notes, fmt.Sprintf("functions truncated: processed the first %d of %d", limit, total))
	}
	result.Stats.Functions = len(inv.internal) + len(inv.external)
	result.Notes = append(result.Notes, fmt.Sprintf("functions: %d internal, %d external, %d operators",
		len(inv.internal), len(inv.external), inv.operators))
	log.Info("functions enumerated", "internal", len(inv.internal), "external", len(inv.external), "operators", inv.operators)

	if p.semantics == nil || len(inv.external) == 0 {
		return result, nil
	}

	sems, warnings, err := p.generate(ctx, pctx.Graph, inv.external, log)
	result.Warnings = append(result.Warnings, warnings...)
	if err != nil {
		return result, err
	}
	if len(sems) == 0 {
		result.Notes = append(result.Notes, "semantics: none generated")
		return result, nil
	}
	if err := pctx.Graph.ApplySemantics(ctx, sems); err != nil {
		return result, fmt.Errorf("apply semantics: %w", err)
	}
	flows := 0
	for _, s := range sems {
		flows += len(s.Flows)
	}
	result.Notes = append(result.Notes, fmt.Sprintf("semantics: %d functions, %d flows applied", len(sems), flows))
	log.Info("semantics applied", "functions", len(sems), "flows", flows)
	return result, nil
}

// generate asks the model for the semantics of every external function.
// Results keep the order of fns. Model failures become warnings.
func (p *initPass) generate(ctx context.Context, g cpg.Facade, fns []cpg.Function, log hclog.Logger) ([]cpg.Semantic, []string, error) {
	type outcome struct {
		sem     cpg.Semantic
		warning string
		err     error
	}
	outcomes := make([]outcome, len(fns))

	workers := 1
	if p.cfg.Parallel {
		workers = parallelWorkers
	}
	var fatal atomic.Bool
	wp := pool.New().WithMaxGoroutines(workers)
	for i, fn := range fns {
		wp.Go(func() {
			if fatal.Load() || ctx.Err() != nil {
				return
			}
			sem, warning, err := p.generateOne(ctx, g, fn, log)
			if err != nil {
				fatal.Store(true)
			}
			outcomes[i] = outcome{sem: sem, warning: warning, err: err}
		})
	}
	wp.Wait()

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	var sems []cpg.Semantic
	var warnings []string
	for _, o := range outcomes {
		if o.err != nil {
			return nil, warnings, o.err
		}
		if o.warning != "" {
			warnings = append(warnings, o.warning)
		}
		if len(o.sem.Flows) > 0 {
			sems = append(sems, o.sem)
		}
	}
	return sems, warnings, nil
}

func (p *initPass) generateOne(ctx context.Context, g cpg.Facade, fn cpg.Function, log hclog.Logger) (cpg.Semantic, string, error) {
	if len(fn.Params) == 0 {
		params, err := g.Parameters(ctx, fn)
		if err != nil {
			if unavailable(err) {
				return cpg.Semantic{}, "", err
			}
			log.Debug("no parameters", "function", fn.FullName, "error", err)
		}
		fn.Params = params
	}
	usage, err := g.CallSites(ctx, fn, maxUsageSites)
	if err != nil {
		if unavailable(err) {
			return cpg.Semantic{}, "", err
		}
		log.Debug("no call sites", "function", fn.FullName, "error", err)
	}

	sem, err := p.semantics.Generate(ctx, fn, usage)
	if err != nil {
		return cpg.Semantic{}, fmt.Sprintf("semantics for %s failed: %v", fn.Name, err), nil
	}
	log.Trace("semantics generated", "function", fn.FullName, "flows", len(sem.Flows))
	return sem, "", nil
}

func unavailable(err error) bool {
	return errors.Is(err, cpg.ErrBackendUnavailable) || errors.Is(err, cpg.ErrSessionClosed)
}

// classifyFunctions splits functions into internal, external and operator
// groups, keeping enumeration order.
func classifyFunctions(fns []cpg.Function) inventory {
	var inv inventory
	for _, fn := range fns {
		switch {
		case fn.Operator():
			inv.operators++
		case fn.External:
			inv.external = append(inv.external, fn)
		default:
			inv.internal = append(inv.internal, fn)
		}
	}
	return inv
}

// limit keeps at most n functions, internal ones first.
func (inv inventory) limit(n int) inventory {
	out := inventory{operators: inv.operators}
	if len(inv.internal) >= n {
		out.internal = inv.internal[:n]
		return out
	}
	out.internal = inv.internal
	rest := n - len(inv.internal)
	if len(inv.external) > rest {
		out.external = inv.external[:rest]
	} else {
		out.external = inv.external
	}
	return out
}
