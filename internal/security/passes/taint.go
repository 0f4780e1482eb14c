package passes

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"github.com/julianshen/cpghunter/internal/cpg"
	"github.com/julianshen/cpghunter/internal/security"
	"github.com/julianshen/cpghunter/internal/security/refiner"
	"github.com/julianshen/cpghunter/internal/security/taint"
)

// parallelWorkers is the pair fan-out used when parallel execution is on.
const parallelWorkers = 4

// maxClassified bounds the functions sent to the model for role
// classification in one pass run.
const maxClassified = 200

// taintPass runs the source-to-sink search with one rule set and scores
// the resulting paths.
type taintPass struct {
	kind       Kind
	cwe        string
	rules      ruleSet
	cfg        security.PassConfig
	classifier *refiner.RoleClassifier
}

func newTaintPass(k Kind, builtin ruleSet, cfg security.PassConfig, deps Deps) (*taintPass, error) {
	p := &taintPass{
		kind: k,
		cwe:  cfg.CWE,
		cfg:  cfg,
		rules: ruleSet{
			Sources:    merge(builtin.Sources, cfg.Sources),
			Sinks:      merge(builtin.Sinks, cfg.Sinks),
			Sanitizers: merge(builtin.Sanitizers, cfg.Sanitizers),
		},
	}
	if p.cwe == "" {
		p.cwe = k.DefaultCWE()
	}
	field := "pass_config." + string(k)
	if len(p.rules.Sources) == 0 {
		return nil, &security.ConfigError{Field: field + ".sources", Reason: "at least one source pattern is required"}
	}
	if len(p.rules.Sinks) == 0 {
		return nil, &security.ConfigError{Field: field + ".sinks", Reason: "at least one sink pattern is required"}
	}
	for _, group := range [][]cpg.Pattern{p.rules.Sources, p.rules.Sinks, p.rules.Sanitizers} {
		for _, pat := range group {
			if err := pat.Validate(); err != nil {
				return nil, &security.ConfigError{Field: field, Reason: err.Error()}
			}
		}
	}
	if cfg.LLMClassify && deps.LLM != nil {
		p.classifier = refiner.NewRoleClassifier(deps.LLM)
	}
	return p, nil
}

func (p *taintPass) ID() string { return string(p.kind) }

// Run classifies functions through the model when enabled, searches every
// source/sink pair and scores the paths. A partial result is returned
// together with the error when the search stops early.
func (p *taintPass) Run(ctx context.Context, pctx security.PassContext) (*security.PassResult, error) {
	log := pctx.Logger
	if log == nil {
		log = hclog.NewNullLogger()
	}
	result := &security.PassResult{PassID: p.ID()}

	rules := p.rules
	if p.classifier != nil {
		extra, warnings, err := p.classify(ctx, pctx.Graph, pctx.Budgets, log)
		result.Warnings = append(result.Warnings, warnings...)
		if err != nil {
			return result, err
		}
		rules.Sources = append(rules.Sources, extra.Sources...)
		rules.Sinks = append(rules.Sinks, extra.Sinks...)
		rules.Sanitizers = append(rules.Sanitizers, extra.Sanitizers...)
		if n := len(extra.Sources) + len(extra.Sinks) + len(extra.Sanitizers); n > 0 {
			result.Notes = append(result.Notes, fmt.Sprintf("model classification added %d sources, %d sinks, %d sanitizers",
				len(extra.Sources), len(extra.Sinks), len(extra.Sanitizers)))
		}
	}

	workers := 1
	if p.cfg.Parallel {
		workers = parallelWorkers
	}
	analyzer, err := taint.New(pctx.Graph, taint.Config{
		Sources:      rules.Sources,
		Sinks:        rules.Sinks,
		Sanitizers:   rules.Sanitizers,
		MaxCallDepth: pctx.Budgets.MaxCallDepth,
		MaxFunctions: pctx.Budgets.MaxFunctions,
		MaxSources:   p.cfg.MaxSources,
		MaxSinks:     p.cfg.MaxSinks,
		MaxPaths:     p.cfg.MaxPaths,
		Workers:      workers,
		Logger:       log.Named("taint"),
	})
	if err != nil {
		return result, err
	}

	res, err := analyzer.Run(ctx)
	if res != nil {
		result.Findings = security.NewScorer(p.cfg).Score(p.ID(), p.cwe, res)
		result.Notes = append(result.Notes, res.Notes...)
		result.Truncated = res.Truncated
		result.Stats = security.PassStats(res.Stats)
		log.Debug("taint search finished", "sources", res.Stats.Sources, "sinks", res.Stats.Sinks,
			"paths", res.Stats.Paths, "aborted", res.Stats.Aborted)
	}
	return result, err
}

// classify asks the model for the taint roles of internal functions. Model
// failures become warnings; only graph failures are returned as errors.
func (p *taintPass) classify(ctx context.Context, g cpg.Facade, b security.Budgets, log hclog.Logger) (ruleSet, []string, error) {
	var extra ruleSet
	var warnings []string

	fns, err := g.Functions(ctx)
	if err != nil {
		return extra, nil, fmt.Errorf("list functions: %w", err)
	}
	limit := maxClassified
	if b.MaxFunctions > 0 && b.MaxFunctions < limit {
		limit = b.MaxFunctions
	}

	classified := 0
	for _, fn := range fns {
		if fn.External || fn.Operator() {
			continue
		}
		if classified == limit {
			warnings = append(warnings, fmt.Sprintf("model classification stopped after %d functions", limit))
			break
		}
		if err := ctx.Err(); err != nil {
			return extra, warnings, err
		}
		classified++

		body, err := g.FunctionBody(ctx, cpg.NodeRef{Function: fn.FullName, File: fn.File, Line: fn.Line})
		if err != nil {
			if unavailable(err) {
				return extra, warnings, err
			}
			log.Debug("no body for classification", "function", fn.FullName, "error", err)
		}
		roles, err := p.classifier.Classify(ctx, fn, body, p.cwe)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("classification of %s failed: %v", fn.Name, err))
			continue
		}
		for _, role := range roles {
			pat, ok := role.Pattern(fn)
			if !ok {
				continue
			}
			log.Trace("classified function", "function", fn.Name, "role", role.Kind, "index", role.ParameterIndex)
			switch role.Kind {
			case refiner.RoleSource:
				extra.Sources = append(extra.Sources, pat)
			case refiner.RoleSink:
				extra.Sinks = append(extra.Sinks, pat)
			case refiner.RoleSanitizer:
				extra.Sanitizers = append(extra.Sanitizers, pat)
			}
		}
	}
	return extra, warnings, nil
}
