package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/pems-cli/internal/pipeline"
	"github.com/sells-group/pems-cli/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent file loads from the load log",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("status"); err != nil {
			return err
		}
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		limit, _ := cmd.Flags().GetInt("limit")
		loads, err := st.RecentLoads(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "status")
		}

		if len(loads) == 0 {
			fmt.Fprintln(os.Stderr, "No loads recorded.")
			return nil
		}
		formatLoads(os.Stdout, loads)
		return nil
	},
}

func init() {
	statusCmd.Flags().Int("limit", 50, "max number of loads to display")
	rootCmd.AddCommand(statusCmd)
}

func formatLoads(out io.Writer, loads []store.LoadEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RUN\tKIND\tFILE\tSTATUS\tROWS\tSHORT\tSTARTED\tDURATION\tERROR")
	_, _ = fmt.Fprintln(w, "---\t----\t----\t------\t----\t-----\t-------\t--------\t-----")

	for _, l := range loads {
		run := l.RunID
		if len(run) > 8 {
			run = run[:8]
		}
		dur := l.FinishedAt.Sub(l.StartedAt).Round(time.Millisecond).String()
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
			run,
			l.Kind,
			l.File,
			l.Status,
			l.Rows,
			l.ShortRows,
			l.StartedAt.Local().Format("2006-01-02 15:04"),
			dur,
			truncate(l.Error, 60),
		)
	}
	_ = w.Flush()
}

func formatReport(out io.Writer, r *pipeline.Report) {
	if r == nil {
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Run:\t%s\n", r.RunID)
	_, _ = fmt.Fprintf(w, "Files staged:\t%d\n", r.Staged)
	_, _ = fmt.Fprintf(w, "Rows loaded:\t%d\n", r.Rows)
	_, _ = fmt.Fprintf(w, "Weather rows:\t%d\n", r.WeatherRows)
	for _, s := range r.Stages {
		line := fmt.Sprintf("  %s:\t%s\t%dms", s.Name, s.Status, s.Duration)
		if s.Error != "" {
			line += "\t" + truncate(s.Error, 80)
		}
		_, _ = fmt.Fprintln(w, line)
	}
	if failed := r.Failed(); len(failed) > 0 {
		_, _ = fmt.Fprintf(w, "Failed files:\t%d\n", len(failed))
		for _, f := range failed {
			msg := ""
			if f.Err != nil {
				msg = truncate(f.Err.Error(), 80)
			}
			_, _ = fmt.Fprintf(w, "  %s/%s:\t%s\t%s\n", f.Kind, f.File, f.Status, msg)
		}
	}
	_ = w.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
