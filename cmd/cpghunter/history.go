package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/julianshen/cpghunter/internal/store"
)

func historyCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded pipeline runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := openHistory()
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck

			runs, err := st.ListRuns(limit)
			if err != nil {
				return err
			}
			printRuns(cmd.OutOrStdout(), runs)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show (0 for all)")

	showCmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one recorded run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openHistory()
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck

			r, err := st.GetRun(args[0])
			if err != nil {
				return err
			}
			if r == nil {
				return fmt.Errorf("run %q not found", args[0])
			}
			printRun(cmd.OutOrStdout(), *r)
			return nil
		},
	}
	cmd.AddCommand(showCmd)

	purgeCmd := &cobra.Command{
		Use:   "purge-cache <age>",
		Short: "Delete cached model responses older than age (e.g. 72h)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			age, err := time.ParseDuration(args[0])
			if err != nil {
				return fmt.Errorf("invalid age %q: %w", args[0], err)
			}
			st, err := openHistory()
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck

			n, err := st.PurgeResponses(age)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d cached responses.\n", n)
			return nil
		},
	}
	cmd.AddCommand(purgeCmd)
	return cmd
}

// openHistory opens the configured history database.
func openHistory() (*store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Engine.HistoryDB == "" {
		return nil, fmt.Errorf("engine.history_db is not set")
	}
	st, err := store.NewStore(cfg.Engine.HistoryDB)
	if err != nil {
		return nil, fmt.Errorf("opening history: %w", err)
	}
	return st, nil
}

func printRuns(out io.Writer, runs []store.RunRecord) {
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTARTED\tSTATUS\tCONFIRMED\tREVIEW\tTARGET")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
			r.ID, r.Started.Local().Format(time.DateTime), r.Status, r.Confirmed, r.NeedsReview, r.Target)
	}
	w.Flush()
}

func printRun(out io.Writer, r store.RunRecord) {
	fmt.Fprintf(out, "ID:          %s\n", r.ID)
	fmt.Fprintf(out, "Target:      %s\n", r.Target)
	fmt.Fprintf(out, "Status:      %s\n", r.Status)
	fmt.Fprintf(out, "Started:     %s\n", r.Started.Local().Format(time.DateTime))
	fmt.Fprintf(out, "Duration:    %s\n", r.Ended.Sub(r.Started).Round(time.Millisecond))
	fmt.Fprintf(out, "Findings:    %d (%d confirmed, %d needs review, %d suppressed)\n",
		r.Findings, r.Confirmed, r.NeedsReview, r.Suppressed)
	if r.ReportPath != "" {
		fmt.Fprintf(out, "Report:      %s\n", r.ReportPath)
	}
}
