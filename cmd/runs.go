package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/agridata/mandisync/internal/model"
	"github.com/agridata/mandisync/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect the ingestion run ledger",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		status, _ := cmd.Flags().GetString("status")
		trigger, _ := cmd.Flags().GetString("trigger")
		limit, _ := cmd.Flags().GetInt("limit")

		st, err := openStore(ctx)
		if err != nil {
			return eris.Wrap(err, "runs list")
		}
		defer st.Close()

		runs, err := st.ListRuns(ctx, store.RunFilter{
			Status:  model.RunStatus(status),
			Trigger: model.Trigger(trigger),
			Limit:   limit,
		})
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTRIGGER\tSTATUS\tSTARTED\tDURATION\tUPSERTED\tREJECTED")
		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\n",
				r.ID, r.Trigger, r.Status,
				r.StartedAt.Format("2006-01-02 15:04:05"),
				r.Duration().Round(time.Second),
				r.Counters.Upserted(), r.Counters.Rejected)
		}
		return w.Flush()
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one run in full",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return eris.Wrap(err, "runs show")
		}
		defer st.Close()

		run, err := st.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}
		if run == nil {
			return eris.Errorf("run not found: %s", args[0])
		}

		out, err := json.MarshalIndent(run, "", "  ")
		if err != nil {
			return eris.Wrap(err, "runs show: marshal")
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("status", "", "filter by status: running, succeeded, failed_partial, failed")
	runsListCmd.Flags().String("trigger", "", "filter by trigger: scheduled, manual, backfill")
	runsListCmd.Flags().Int("limit", 20, "max runs to list")
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	rootCmd.AddCommand(runsCmd)
}
