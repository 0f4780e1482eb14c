package main

import (
	"fmt"
	"io"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/julianshen/cpghunter/internal/config"
	"github.com/julianshen/cpghunter/internal/security/passes"
)

func passesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "passes",
		Short: "List the available analysis passes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			printPasses(cmd.OutOrStdout(), cfg)
			return nil
		},
	}
}

// printPasses lists every pass kind, marking the enabled ones.
func printPasses(out io.Writer, cfg *config.Config) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tENABLED\tCWE\tDESCRIPTION")
	for _, k := range passes.Kinds {
		enabled := ""
		if slices.Contains(cfg.Engine.EnabledPasses, string(k)) {
			enabled = "yes"
		}
		cwe := k.DefaultCWE()
		if pc := cfg.Pass(string(k)); pc.CWE != "" {
			cwe = pc.CWE
		}
		if cwe == "" {
			cwe = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", k, enabled, cwe, k.Description())
	}
	w.Flush()
}
