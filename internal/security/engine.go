package security

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/sourcegraph/conc/pool"

	"github.com/julianshen/cpghunter/internal/cpg"
)

// Resolver maps configured pass ids to pass instances.
type Resolver interface {
	// Validate checks every id before anything runs.
	Validate(ids []string) error
	Resolve(id string, cfg PassConfig) (Pass, error)
}

// EngineConfig controls the pipeline orchestrator.
type EngineConfig struct {
	// EnabledPasses lists pass ids in aggregation order.
	EnabledPasses []string
	Parallel      bool
	Budgets       Budgets
	// PassConfig returns the effective configuration of a pass.
	PassConfig func(id string) PassConfig
	// RefineTimeout bounds each refinement call.
	RefineTimeout time.Duration
	// Grace is how long a timed-out pass may take to hand back its partial
	// result before it is abandoned.
	Grace time.Duration
}

// Engine orchestrates the passes of one pipeline run.
type Engine struct {
	config   EngineConfig
	resolver Resolver
	graph    cpg.Facade
	refiner  Refiner
	logger   hclog.Logger
	project  *ProjectConfig
}

// EngineOption customises an Engine.
type EngineOption func(*Engine)

// WithRefiner enables refinement of completed pass results.
func WithRefiner(r Refiner) EngineOption {
	return func(e *Engine) { e.refiner = r }
}

// WithLogger sets the engine logger.
func WithLogger(l hclog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithProjectConfig applies project-level suppressions to every result.
func WithProjectConfig(p *ProjectConfig) EngineOption {
	return func(e *Engine) { e.project = p }
}

// NewEngine creates an Engine running the configured passes against graph.
func NewEngine(config EngineConfig, resolver Resolver, graph cpg.Facade, opts ...EngineOption) *Engine {
	if config.PassConfig == nil {
		config.PassConfig = func(string) PassConfig {
			return PassConfig{ConfidenceThreshold: 0.6, MaxPaths: 100, EnablePathOptimization: true, Weights: DefaultWeights()}
		}
	}
	if config.RefineTimeout <= 0 {
		config.RefineTimeout = 30 * time.Second
	}
	if config.Grace <= 0 {
		config.Grace = 5 * time.Second
	}
	e := &Engine{config: config, resolver: resolver, graph: graph, logger: hclog.NewNullLogger()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// scheduled is one resolved pass and the slot its result goes into.
type scheduled struct {
	index  int
	pass   Pass
	cfg    PassConfig
	result *PassResult
}

// Run executes the pipeline:
//  1. Validate the enabled pass list and resolve every pass.
//  2. Run graph-writing passes one at a time.
//  3. Run the remaining passes on a pool sized by parallel_execution.
//  4. Refine and re-rank findings of completed passes.
//  5. Fold pass statuses into the run status.
//
// The returned error is non-nil only for fatal runs. Results are always in
// enabled_passes order.
func (e *Engine) Run(ctx context.Context, target string) (*PipelineRun, error) {
	run := &PipelineRun{
		ID:      uuid.NewString(),
		Target:  target,
		Started: time.Now(),
		Status:  RunIdle,
	}

	passes, err := e.resolve(run)
	if err != nil {
		e.finish(run, RunFatal, err)
		return run, err
	}
	e.transition(run, RunRunning)
	e.logger.Info("pipeline started", "run", run.ID, "passes", len(passes), "parallel", e.config.Parallel)

	runCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	var writers, readers []*scheduled
	for _, s := range passes {
		if w, ok := s.pass.(GraphWriter); ok && w.WritesGraph() {
			writers = append(writers, s)
		} else {
			readers = append(readers, s)
		}
	}

	var fatalOnce sync.Once
	var fatalErr error
	markFatal := func(err error) {
		fatalOnce.Do(func() {
			fatalErr = err
			abort(err)
		})
	}

	for _, s := range writers {
		if runCtx.Err() != nil {
			break
		}
		if err := e.runPass(runCtx, s); err != nil {
			markFatal(err)
		}
	}

	if runCtx.Err() == nil {
		workers := 1
		if e.config.Parallel {
			workers = len(readers)
		}
		p := pool.New().WithMaxGoroutines(max(workers, 1))
		for _, s := range readers {
			p.Go(func() {
				if runCtx.Err() != nil {
					return
				}
				if err := e.runPass(runCtx, s); err != nil {
					markFatal(err)
				}
			})
		}
		p.Wait()
	}

	if fatalErr == nil && ctx.Err() != nil {
		fatalErr = fmt.Errorf("run cancelled: %w", ctx.Err())
	}
	for _, s := range passes {
		if s.result.Status == PassPending {
			s.result.Error = "not started: run aborted"
		}
	}

	if c, ok := e.graph.(interface{ CacheStats() cpg.CacheStats }); ok {
		run.Cache = c.CacheStats()
	}

	status := RunCompleted
	switch {
	case fatalErr != nil:
		status = RunFatal
	default:
		for _, s := range passes {
			if s.result.Status != PassCompleted {
				status = RunPartialFailure
				break
			}
		}
	}
	e.finish(run, status, fatalErr)
	e.logger.Info("pipeline finished", "run", run.ID, "status", run.Status, "duration", run.Ended.Sub(run.Started))
	return run, fatalErr
}

// resolve validates the configuration and builds the pass list, one
// pending result per pass in declaration order.
func (e *Engine) resolve(run *PipelineRun) ([]*scheduled, error) {
	ids := e.config.EnabledPasses
	if len(ids) == 0 {
		return nil, &ConfigError{Field: "engine.enabled_passes", Reason: "no passes enabled"}
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			return nil, &ConfigError{Field: "engine.enabled_passes", Reason: fmt.Sprintf("pass %q listed twice", id)}
		}
		seen[id] = true
	}
	if err := e.resolver.Validate(ids); err != nil {
		return nil, err
	}

	out := make([]*scheduled, 0, len(ids))
	for i, id := range ids {
		cfg := e.config.PassConfig(id)
		if err := ValidateWeights(cfg.Weights); err != nil {
			return nil, fmt.Errorf("pass %s: %w", id, err)
		}
		p, err := e.resolver.Resolve(id, cfg)
		if err != nil {
			return nil, fmt.Errorf("pass %s: %w", id, err)
		}
		res := &PassResult{PassID: id, Status: PassPending}
		run.Passes = append(run.Passes, res)
		out = append(out, &scheduled{index: i, pass: p, cfg: cfg, result: res})
	}
	return out, nil
}

type passOutcome struct {
	res *PassResult
	err error
}

// runPass executes one pass under timeout_per_pass and records its outcome
// in s.result. It returns a non-nil error only when the run must stop.
func (e *Engine) runPass(ctx context.Context, s *scheduled) error {
	log := e.logger.Named("pass." + s.pass.ID())
	r := s.result
	e.passTransition(r, PassRunning)
	r.Started = time.Now()

	passCtx := ctx
	var cancel context.CancelFunc = func() {}
	if t := e.config.Budgets.TimeoutPerPass; t > 0 {
		passCtx, cancel = context.WithTimeout(ctx, t)
	}
	defer cancel()

	done := make(chan passOutcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- passOutcome{err: fmt.Errorf("pass panicked: %v", p)}
			}
		}()
		res, err := s.pass.Run(passCtx, PassContext{
			Graph:   e.graph,
			Config:  s.cfg,
			Budgets: e.config.Budgets,
			Logger:  log,
		})
		done <- passOutcome{res: res, err: err}
	}()

	var out passOutcome
	select {
	case out = <-done:
	case <-passCtx.Done():
		// Give the pass a moment to return what it has so far.
		select {
		case out = <-done:
		case <-time.After(e.config.Grace):
			out = passOutcome{err: passCtx.Err()}
			log.Warn("pass did not stop after cancellation; abandoning it")
		}
	}

	r.Ended = time.Now()
	if out.res != nil {
		r.Findings = out.res.Findings
		r.Warnings = append(r.Warnings, out.res.Warnings...)
		r.Notes = append(r.Notes, out.res.Notes...)
		r.Truncated = out.res.Truncated
		r.Stats = out.res.Stats
	}

	switch {
	case out.err == nil:
		e.passTransition(r, PassCompleted)
		if e.project != nil {
			if n := e.project.Apply(r.Findings); n > 0 {
				r.Notes = append(r.Notes, fmt.Sprintf("%d findings suppressed by project rules", n))
			}
		}
		e.refine(ctx, s, log)
		log.Info("pass completed", "findings", len(r.Findings), "duration", r.Duration())
		return nil
	case errors.Is(out.err, cpg.ErrBackendUnavailable) || errors.Is(out.err, cpg.ErrSessionClosed):
		r.err = out.err
		r.Error = out.err.Error()
		e.passTransition(r, PassFailed)
		log.Error("graph backend unavailable; aborting run", "error", out.err)
		return fmt.Errorf("pass %s: %w", r.PassID, out.err)
	case errors.Is(passCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		r.err = fmt.Errorf("%w after %s", ErrPassTimeout, e.config.Budgets.TimeoutPerPass)
		r.Error = r.err.Error()
		e.passTransition(r, PassTimedOut)
		log.Warn("pass timed out", "timeout", e.config.Budgets.TimeoutPerPass, "partial_findings", len(r.Findings))
		return nil
	default:
		r.err = out.err
		r.Error = out.err.Error()
		e.passTransition(r, PassFailed)
		log.Warn("pass failed", "error", r.err)
		return nil
	}
}

// refine runs the refiner over the confirmed and suppressed findings of a
// completed pass. Failures leave the finding unchanged and add a warning.
func (e *Engine) refine(ctx context.Context, s *scheduled, log hclog.Logger) {
	if e.refiner == nil {
		return
	}
	r := s.result
	changed := false
	for i, f := range r.Findings {
		if f.Status == StatusNeedsReview {
			continue
		}
		if ctx.Err() != nil {
			r.Warnings = append(r.Warnings, "refinement skipped: run aborted")
			break
		}
		rctx, cancel := context.WithTimeout(ctx, e.config.RefineTimeout)
		refined, err := e.refiner.Refine(rctx, f)
		cancel()
		if err != nil {
			r.Warnings = append(r.Warnings, fmt.Sprintf("refinement of finding %s failed: %v", f.ID, err))
			log.Debug("refinement failed", "finding", f.ID, "error", err)
			continue
		}
		refined.Confidence = clamp(refined.Confidence)
		r.Findings[i] = refined
		changed = true
	}
	if changed {
		r.Findings = NewScorer(s.cfg).Rank(r.Findings)
	}
}

func (e *Engine) transition(run *PipelineRun, next RunStatus) {
	if !run.Status.CanTransition(next) {
		e.logger.Error("invalid run transition", "from", run.Status, "to", next)
	}
	run.Status = next
}

func (e *Engine) passTransition(r *PassResult, next PassStatus) {
	if !r.Status.CanTransition(next) {
		e.logger.Error("invalid pass transition", "pass", r.PassID, "from", r.Status, "to", next)
	}
	r.Status = next
}

func (e *Engine) finish(run *PipelineRun, status RunStatus, err error) {
	e.transition(run, status)
	run.Ended = time.Now()
	if err != nil {
		run.Error = err.Error()
	}
}
