package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/andes-mobility/attribution-cli/internal/ingest"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Run one ingestion pass over the configured sources",
	Long:  "Pulls raw records for the given date scope, resolves each against the driver roster, and persists Link/Unmatched outcomes under a new Run.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		req, err := buildIngestRequest(cmd)
		if err != nil {
			return err
		}

		run, err := env.orch.Execute(ctx, req)
		if err != nil {
			return eris.Wrap(err, "ingest")
		}

		formatRun(run)
		if run.Status == ingest.StatusFailed {
			return eris.Errorf("run %d failed: %s", run.ID, run.Error)
		}
		return nil
	},
}

func buildIngestRequest(cmd *cobra.Command) (ingest.Request, error) {
	parseDate := func(flag string) (*time.Time, error) {
		raw, _ := cmd.Flags().GetString(flag)
		if raw == "" {
			return nil, nil
		}
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return nil, eris.Wrapf(err, "ingest: invalid --%s", flag)
		}
		return &t, nil
	}

	from, err := parseDate("from")
	if err != nil {
		return ingest.Request{}, err
	}
	to, err := parseDate("to")
	if err != nil {
		return ingest.Request{}, err
	}
	scopeDate, err := parseDate("scope-date")
	if err != nil {
		return ingest.Request{}, err
	}

	if scopeDate != nil {
		if from != nil || to != nil {
			return ingest.Request{}, eris.New("ingest: --scope-date and --from/--to are mutually exclusive")
		}
		from, to = scopeDate, scopeDate
	}

	jobType, _ := cmd.Flags().GetString("job-type")
	sources, _ := cmd.Flags().GetStringSlice("sources")
	incremental, _ := cmd.Flags().GetBool("incremental")
	refreshIndex, _ := cmd.Flags().GetBool("refresh-index")
	if !cmd.Flags().Changed("refresh-index") {
		refreshIndex = cfg.Ingest.RefreshIndex
	}

	return ingest.Request{
		JobType:      jobType,
		ScopeFrom:    from,
		ScopeTo:      to,
		Incremental:  incremental,
		Sources:      sources,
		RefreshIndex: refreshIndex,
	}, nil
}

func formatRun(run *ingest.Run) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Run:\t%d\n", run.ID)
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", run.Status)
	if run.ScopeFrom != nil {
		_, _ = fmt.Fprintf(w, "Scope from:\t%s\n", run.ScopeFrom.Format("2006-01-02"))
	}
	if run.ScopeTo != nil {
		_, _ = fmt.Fprintf(w, "Scope to:\t%s\n", run.ScopeTo.Format("2006-01-02"))
	}
	if run.Error != "" {
		_, _ = fmt.Fprintf(w, "Error:\t%s\n", run.Error)
	}
	_ = w.Flush()

	if len(run.Stats) == 0 {
		return
	}

	fmt.Println()
	w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SOURCE\tPROCESSED\tMATCHED\tUNMATCHED\tSKIPPED")
	for name, st := range run.Stats {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n",
			name, st.Processed, st.Matched, st.Unmatched, st.Skipped)
	}
	_ = w.Flush()
}

func init() {
	ingestCmd.Flags().String("from", "", "scope start date (YYYY-MM-DD)")
	ingestCmd.Flags().String("to", "", "scope end date (YYYY-MM-DD)")
	ingestCmd.Flags().String("scope-date", "", "single-day scope (YYYY-MM-DD)")
	ingestCmd.Flags().String("job-type", ingest.DefaultJobType, "job type for run bookkeeping")
	ingestCmd.Flags().StringSlice("sources", nil, "subset of configured sources to ingest")
	ingestCmd.Flags().Bool("incremental", false, "start from the end of the last completed run")
	ingestCmd.Flags().Bool("refresh-index", false, "refresh the driver roster index before matching")
	rootCmd.AddCommand(ingestCmd)
}
