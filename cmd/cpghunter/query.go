package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/julianshen/cpghunter/internal/config"
	"github.com/julianshen/cpghunter/internal/cpg"
	"github.com/julianshen/cpghunter/internal/logging"
	"github.com/julianshen/cpghunter/internal/parser"
)

// queryFlags select what the query command asks the graph.
type queryFlags struct {
	kind      string
	name      string
	index     int
	functions bool
	body      string
	trace     string
	depth     int
	mode      string
	asJSON    bool
}

func queryCmd() *cobra.Command {
	var flags queryFlags

	cmd := &cobra.Command{
		Use:   "query <target>",
		Short: "Query the code property graph of a target",
		Long: `Load the target and run a single facade query against it:

  --functions              list functions with their classification
  --kind call --name NAME  find nodes matching a pattern
  --body FUNCTION          print the source of a function
  --trace forward|backward trace data flow from each matched node`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if flags.mode != "" {
				cfg.Joern.Mode = flags.mode
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			logger, closer, err := logging.NewLogger(cfg.Logging, "cpghunter")
			if err != nil {
				return err
			}
			defer closer.Close() //nolint:errcheck

			opts := cfg.OpenOptions(args[0])
			opts.Extractor = parser.NewParser()
			opts.Logger = logger.Named("cpg")
			backend, err := cpg.Open(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer backend.Close() //nolint:errcheck

			return runQuery(cmd.Context(), cmd.OutOrStdout(), backend, cfg, flags)
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.kind, "kind", "call", "pattern kind: call, parameter, return, identifier")
	f.StringVar(&flags.name, "name", "", "name regular expression")
	f.IntVar(&flags.index, "index", cpg.ReturnValue, "argument or parameter index (-1 for the value itself)")
	f.BoolVar(&flags.functions, "functions", false, "list functions")
	f.StringVar(&flags.body, "body", "", "print the body of the named function")
	f.StringVar(&flags.trace, "trace", "", "trace data flow from matched nodes: forward or backward")
	f.IntVar(&flags.depth, "depth", 0, "trace depth (defaults to engine.max_call_depth)")
	f.StringVar(&flags.mode, "mode", "", "backend mode: process, server or file")
	f.BoolVar(&flags.asJSON, "json", false, "print results as JSON")
	return cmd
}

func runQuery(ctx context.Context, out io.Writer, g cpg.Facade, cfg *config.Config, flags queryFlags) error {
	switch {
	case flags.functions:
		fns, err := g.Functions(ctx)
		if err != nil {
			return err
		}
		if flags.asJSON {
			return printJSON(out, fns)
		}
		printFunctions(out, fns)
		return nil

	case flags.body != "":
		body, err := g.FunctionBody(ctx, cpg.NodeRef{Function: flags.body})
		if err != nil {
			return err
		}
		fmt.Fprintln(out, body)
		return nil
	}

	if flags.name == "" {
		return fmt.Errorf("one of --functions, --body or --name is required")
	}
	p := cpg.Pattern{Kind: cpg.PatternKind(flags.kind), Name: flags.name, Index: flags.index}
	if err := p.Validate(); err != nil {
		return err
	}
	nodes, err := g.FindNodes(ctx, p)
	if err != nil {
		return err
	}

	if flags.trace == "" {
		if flags.asJSON {
			return printJSON(out, nodes)
		}
		printNodes(out, nodes)
		return nil
	}

	dir := cpg.Forward
	switch flags.trace {
	case "forward":
	case "backward":
		dir = cpg.Backward
	default:
		return fmt.Errorf("unknown trace direction %q", flags.trace)
	}
	depth := flags.depth
	if depth <= 0 {
		depth = cfg.Engine.MaxCallDepth
	}
	var paths []cpg.Path
	for _, n := range nodes {
		ps, err := g.Trace(ctx, n, dir, depth)
		if err != nil {
			return err
		}
		paths = append(paths, ps...)
	}
	if flags.asJSON {
		return printJSON(out, paths)
	}
	for i, p := range paths {
		fmt.Fprintf(out, "path %d (%d steps)\n", i+1, p.Len())
		printNodes(out, p.Nodes)
	}
	return nil
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printFunctions(out io.Writer, fns []cpg.Function) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FUNCTION\tKIND\tLOCATION")
	for _, fn := range fns {
		kind := "internal"
		switch {
		case fn.Operator():
			kind = "operator"
		case fn.External:
			kind = "external"
		}
		loc := "-"
		if fn.File != "" {
			loc = fmt.Sprintf("%s:%d", fn.File, fn.Line)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", fn.FullName, kind, loc)
	}
	w.Flush()
}

func printNodes(out io.Writer, nodes []cpg.NodeRef) {
	if len(nodes) == 0 {
		fmt.Fprintln(out, "No nodes found.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tLOCATION\tFUNCTION\tCODE")
	for _, n := range nodes {
		fmt.Fprintf(w, "%d\t%s\t%s:%d\t%s\t%s\n", n.ID, n.Kind, n.File, n.Line, n.ShortFunction(), n.Code)
	}
	w.Flush()
}
