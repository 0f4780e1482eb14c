package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/julianshen/cpghunter/internal/config"
	"github.com/julianshen/cpghunter/internal/cpg"
	"github.com/julianshen/cpghunter/internal/logging"
	"github.com/julianshen/cpghunter/internal/parser"
	"github.com/julianshen/cpghunter/internal/provider"
	"github.com/julianshen/cpghunter/internal/security"
	"github.com/julianshen/cpghunter/internal/security/output"
	"github.com/julianshen/cpghunter/internal/security/passes"
	"github.com/julianshen/cpghunter/internal/security/refiner"
	"github.com/julianshen/cpghunter/internal/store"
)

// runFlags are the command-line overrides of the run command.
type runFlags struct {
	enabledPasses  string
	parallel       bool
	format         string
	outputDir      string
	joern          string
	mode           string
	failOnFindings bool
	noHistory      bool
	quiet          bool
}

func runCmd() *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run <target>",
		Short: "Run the analysis pipeline against a source tree or graph",
		Long: `Load the target into the graph backend, run the enabled passes and
write the report to <output_dir>/analysis_results_<timestamp>/.

The target is a source directory, a prebuilt CPG (.bin/.cpg), or in file
mode a JSON/YAML graph dump.

Exit status is 0 when every pass completed, 1 on a fatal error, 2 when at
least one pass failed or timed out, and 3 with --fail-on-findings when a
confirmed finding was reported.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return &exitError{code: exitFatal, err: err}
			}
			applyRunFlags(cmd, cfg, flags)
			if err := cfg.Validate(); err != nil {
				return &exitError{code: exitFatal, err: fmt.Errorf("invalid configuration: %w", err)}
			}

			res, err := analyze(cmd.Context(), cfg, args[0], !flags.noHistory)
			if res == nil || res.run == nil {
				return &exitError{code: exitFatal, err: err}
			}
			if !flags.quiet {
				renderSummary(cmd.OutOrStdout(), res.run, res.reportPath, isTerminal(cmd.OutOrStdout()))
			}
			if code := exitCode(res.run, flags.failOnFindings); code != exitOK {
				return &exitError{code: code, err: err}
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.enabledPasses, "enabled-passes", "", "comma-separated pass ids, overrides engine.enabled_passes")
	f.BoolVar(&flags.parallel, "parallel", false, "run passes concurrently, overrides engine.parallel_execution")
	f.StringVar(&flags.format, "format", "", "report format: json, yaml, sarif, markdown, html")
	f.StringVar(&flags.outputDir, "output-dir", "", "report directory, overrides engine.output_dir")
	f.StringVar(&flags.joern, "joern", "", "path to the joern binary, overrides joern.installation_path")
	f.StringVar(&flags.mode, "mode", "", "backend mode: process, server or file")
	f.BoolVar(&flags.failOnFindings, "fail-on-findings", false, "exit with status 3 when a confirmed finding is reported")
	f.BoolVar(&flags.noHistory, "no-history", false, "do not record the run in the history database")
	f.BoolVarP(&flags.quiet, "quiet", "q", false, "do not print the summary")
	return cmd
}

// applyRunFlags copies explicitly set flags over the file configuration.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config, flags runFlags) {
	if ids := parseListFlag(flags.enabledPasses); ids != nil {
		cfg.Engine.EnabledPasses = ids
	}
	if cmd.Flags().Changed("parallel") {
		cfg.Engine.ParallelExecution = flags.parallel
	}
	if flags.format != "" {
		cfg.Engine.ReportFormat = flags.format
	}
	if flags.outputDir != "" {
		cfg.Engine.OutputDir = flags.outputDir
	}
	if flags.joern != "" {
		cfg.Joern.InstallationPath = flags.joern
	}
	if flags.mode != "" {
		cfg.Joern.Mode = flags.mode
	}
}

// analysis is the outcome of one pipeline invocation.
type analysis struct {
	run        *security.PipelineRun
	reportPath string
}

// analyze wires the backend, language model, passes and engine, runs the
// pipeline and persists the report. A non-nil run is returned for every
// run that got far enough to have an id, fatal ones included.
func analyze(ctx context.Context, cfg *config.Config, target string, recordHistory bool) (*analysis, error) {
	logger, closer, err := logging.NewLogger(cfg.Logging, "cpghunter")
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	defer closer.Close() //nolint:errcheck

	st := openStore(cfg.Engine.HistoryDB, logger)
	if st != nil {
		defer st.Close() //nolint:errcheck
	}

	llm, err := newCompleter(cfg.LLM, st, logger)
	if err != nil {
		run := fatalRun(target, &security.ConfigError{Field: "llm.provider", Reason: err.Error()})
		return finish(cfg, run, st, recordHistory, logger)
	}

	opts := cfg.OpenOptions(target)
	opts.Extractor = parser.NewParser()
	opts.Logger = logger.Named("cpg")
	backend, err := cpg.Open(ctx, opts)
	if err != nil {
		logger.Error("graph backend unavailable", "error", err)
		return finish(cfg, fatalRun(target, err), st, recordHistory, logger)
	}
	defer backend.Close() //nolint:errcheck

	engineOpts := []security.EngineOption{security.WithLogger(logger.Named("engine"))}
	project, err := security.LoadProjectConfig(projectDir(target))
	if err != nil {
		logger.Warn("ignoring project configuration", "error", err)
	} else if project != nil {
		engineOpts = append(engineOpts, security.WithProjectConfig(project))
	}

	deps := passes.Deps{}
	if llm != nil {
		deps.LLM = llm
		if cfg.LLM.Refine {
			r := refiner.New(llm, refiner.WithGraph(backend), refiner.WithLogger(logger.Named("refiner")))
			engineOpts = append(engineOpts, security.WithRefiner(r))
		}
	}

	engine := security.NewEngine(security.EngineConfig{
		EnabledPasses: cfg.Engine.EnabledPasses,
		Parallel:      cfg.Engine.ParallelExecution,
		Budgets:       cfg.Budgets(),
		PassConfig:    cfg.Pass,
		RefineTimeout: cfg.LLM.Timeout.D(),
	}, passes.NewRegistry(deps), backend, engineOpts...)

	run, err := engine.Run(ctx, target)
	if err != nil {
		logger.Error("pipeline failed", "run", run.ID, "error", err)
	}
	return finish(cfg, run, st, recordHistory, logger)
}

// newCompleter returns the rate-limited, cached language model client, or
// nil when the model is not enabled.
func newCompleter(cfg config.LLMConfig, st *store.Store, logger hclog.Logger) (*provider.Client, error) {
	if !cfg.Enabled && !cfg.Refine {
		return nil, nil
	}
	p, err := provider.NewProvider(cfg)
	if err != nil {
		return nil, err
	}
	cc := provider.ClientConfig{
		Model:             cfg.Model,
		MaxTokens:         cfg.MaxTokens,
		Temperature:       provider.Float(cfg.Temperature),
		Timeout:           cfg.Timeout.D(),
		RequestsPerSecond: cfg.RequestsPerSecond,
		Logger:            logger.Named("llm"),
	}
	if cfg.EnableCache && st != nil {
		cc.Cache = st
	}
	logger.Info("language model enabled", "provider", p.Name(), "model", cfg.Model, "refine", cfg.Refine)
	return provider.NewClient(p, cc), nil
}

// openStore opens the history database. Failures are logged; the run
// proceeds without history and response caching.
func openStore(path string, logger hclog.Logger) *store.Store {
	if path == "" {
		return nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Warn("cannot create history directory", "dir", dir, "error", err)
			return nil
		}
	}
	st, err := store.NewStore(path)
	if err != nil {
		logger.Warn("cannot open history database", "path", path, "error", err)
		return nil
	}
	return st
}

// fatalRun records a run that failed before the engine could start.
func fatalRun(target string, err error) *security.PipelineRun {
	now := time.Now()
	return &security.PipelineRun{
		ID:      uuid.NewString(),
		Target:  target,
		Started: now,
		Ended:   now,
		Status:  security.RunFatal,
		Error:   err.Error(),
	}
}

// projectDir is the directory searched for the project suppression file.
func projectDir(target string) string {
	if info, err := os.Stat(target); err == nil && info.IsDir() {
		return target
	}
	return filepath.Dir(target)
}

// finish writes the reports and the history record for run.
func finish(cfg *config.Config, run *security.PipelineRun, st *store.Store, recordHistory bool, logger hclog.Logger) (*analysis, error) {
	res := &analysis{run: run}
	var runErr error
	if run.Status == security.RunFatal && run.Error != "" {
		runErr = errors.New(run.Error)
	}

	dir := reportDir(cfg.Engine.OutputDir, run.Started)
	path, err := writeReports(dir, cfg.Engine.ReportFormat, cfg.Engine.SaveIntermediateResults, run)
	if err != nil {
		logger.Error("writing report failed", "dir", dir, "error", err)
		return res, errors.Join(runErr, err)
	}
	res.reportPath = path
	logger.Info("report written", "path", path, "status", run.Status)

	if recordHistory && st != nil {
		if err := st.RecordRun(runRecord(run, path)); err != nil {
			logger.Warn("recording run history failed", "run", run.ID, "error", err)
		}
	}
	return res, runErr
}

// reportDir names the per-run report directory.
func reportDir(outputDir string, started time.Time) string {
	if started.IsZero() {
		started = time.Now()
	}
	return filepath.Join(outputDir, "analysis_results_"+started.Format("20060102_150405"))
}

// writeReports writes report.<ext> into dir and, when intermediate is set,
// one passes/<id>.json per pass. It returns the report path.
func writeReports(dir, format string, intermediate bool, run *security.PipelineRun) (string, error) {
	formatter, err := output.New(format)
	if err != nil {
		return "", err
	}
	data, err := formatter.Format(run)
	if err != nil {
		return "", fmt.Errorf("formatting %s report: %w", format, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating report directory: %w", err)
	}
	path := filepath.Join(dir, "report."+output.Extension(format))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing report: %w", err)
	}

	if intermediate && len(run.Passes) > 0 {
		passDir := filepath.Join(dir, "passes")
		if err := os.MkdirAll(passDir, 0o755); err != nil {
			return path, fmt.Errorf("creating pass directory: %w", err)
		}
		for _, p := range run.Passes {
			if err := writeJSON(filepath.Join(passDir, p.PassID+".json"), p); err != nil {
				return path, err
			}
		}
	}
	return path, nil
}

func writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}

func runRecord(run *security.PipelineRun, reportPath string) store.RunRecord {
	s := run.Summary()
	return store.RunRecord{
		ID:          run.ID,
		Target:      run.Target,
		Status:      string(run.Status),
		Started:     run.Started,
		Ended:       run.Ended,
		ReportPath:  reportPath,
		Findings:    s.Findings,
		Confirmed:   s.Confirmed,
		Suppressed:  s.Suppressed,
		NeedsReview: s.NeedsReview,
	}
}

// exitCode maps the run status onto the process exit status.
func exitCode(run *security.PipelineRun, failOnFindings bool) int {
	switch run.Status {
	case security.RunFatal:
		return exitFatal
	case security.RunPartialFailure:
		return exitPartial
	}
	if failOnFindings && run.Summary().Confirmed > 0 {
		return exitHasFindings
	}
	return exitOK
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && termIsTerminal(f)
}
